package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/willibrandon/KernelFlow/pkg/emitter"
)

func newDecodeCommand(o *options) *cobra.Command {
	var asJSON bool
	var types []string

	cmd := &cobra.Command{
		Use:   "decode FILE",
		Short: "Print the events of a trace file",
		Long: `Decode an event file written by the interposer. JSON lines and msgpack
files are accepted, with or without zstd compression.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := emitter.ReadEvents(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			o.log.Debug("decoded trace", zap.String("path", args[0]), zap.Int("events", len(events)))

			keep := make(map[emitter.EventType]bool)
			for _, t := range types {
				et, err := emitter.ParseEventType(t)
				if err != nil {
					return err
				}
				keep[et] = true
			}

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			for _, ev := range events {
				if len(keep) > 0 && !keep[ev.Type] {
					continue
				}
				if asJSON {
					if err := enc.Encode(ev); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintln(out, ev.String())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON lines instead of text")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "only print events of these types (e.g. CallStart,CheckpointBegin)")
	return cmd
}
