package commands

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/willibrandon/KernelFlow/pkg/emitter"
	"github.com/willibrandon/KernelFlow/pkg/replay"
)

// ErrInvalidTrace is returned by replay --strict when validation fails.
var ErrInvalidTrace = errors.New("trace failed validation")

func newReplayCommand(o *options) *cobra.Command {
	var breakpoints []string
	var strict, quiet bool

	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Replay a trace, stopping at breakpoints, and validate it",
		Long: `Replay prints the events of a trace in order. Each breakpoint that is hit
is marked in the output. Breakpoints are "sym:<glob>", "tid:<thread id>" or
an event type name.

After the replay the trace is checked: starts and completions are paired,
per-thread order and nesting are verified and sequence gaps must be covered
by drop markers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := emitter.ReadEvents(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}

			bm := replay.NewBreakpointManager()
			for _, loc := range breakpoints {
				if _, err := bm.AddBreakpoint(loc); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if !quiet {
				if err := replayAll(out, events, bm); err != nil {
					return err
				}
			}

			rep, verr := replay.Analyze(events)
			printReport(out, rep, verr)
			if verr != nil && strict {
				return fmt.Errorf("%w: %d violations", ErrInvalidTrace, len(multierr.Errors(verr)))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&breakpoints, "break", "b", nil, "breakpoint (repeatable)")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit with an error when validation fails")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print the report")
	return cmd
}

func replayAll(out io.Writer, events []emitter.Event, bm *replay.BreakpointManager) error {
	r := replay.NewBasicReplayer(out)
	if err := r.LoadEvents(events); err != nil {
		return err
	}
	for r.CurrentIndex() < len(events)-1 {
		if err := r.ReplayUntilBreakpoint(bm.CheckBreakpoint); err != nil {
			return err
		}
		idx := r.CurrentIndex()
		if idx >= 0 && bm.CheckBreakpoint(events[idx]) {
			fmt.Fprintf(out, "> %s\n", events[idx].String())
		}
	}
	return nil
}

func printReport(out io.Writer, rep *replay.Report, verr error) {
	fmt.Fprintf(out, "\n%d events, %d threads, %d calls (%d open, %d orphaned), %d checkpoint events\n",
		rep.Events, rep.Threads, len(rep.Calls), len(rep.Open()), len(rep.Orphans), rep.Checkpoints)
	if rep.Dropped > 0 || rep.Missing > 0 {
		fmt.Fprintf(out, "%d events reported dropped, %d missing\n", rep.Dropped, rep.Missing)
	}

	if summary := rep.Summary(); len(summary) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SYMBOL\tCALLS\tFAILED\tTOTAL")
		for _, s := range summary {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", s.Symbol, s.Calls, s.Failed, s.Total)
		}
		tw.Flush()
	}

	for _, err := range multierr.Errors(verr) {
		fmt.Fprintf(out, "violation: %v\n", err)
	}
	if verr == nil {
		fmt.Fprintln(out, "trace is consistent")
	}
}
