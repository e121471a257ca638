package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/willibrandon/KernelFlow/pkg/interceptor"
	"github.com/willibrandon/KernelFlow/pkg/resolver"
)

func newSymbolsCommand(o *options) *cobra.Command {
	var library string
	var all bool

	cmd := &cobra.Command{
		Use:   "symbols",
		Short: "List the driver functions the interposer would trace",
		Long: `Symbols reads the dynamic symbol table of the CUDA driver library and
prints the functions selected by the include and exclude patterns, with
their role: mandatory, optional or traced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var explicit []string
			if library != "" {
				explicit = append(explicit, library)
			}
			explicit = append(explicit, o.cfg.Libraries.Driver...)
			path, ok := resolver.FindLibrary(resolver.DriverCandidates(explicit...))
			if !ok {
				return fmt.Errorf("CUDA driver library: %w", resolver.ErrNotFound)
			}
			lib, err := resolver.OpenELF(path)
			if err != nil {
				return err
			}
			defer lib.Close()
			o.log.Debug("reading symbols", zap.String("path", path))

			roles := make(map[string]string)
			for _, name := range o.cfg.Symbols.Optional {
				roles[name] = "optional"
			}
			for _, name := range o.cfg.Symbols.Mandatory {
				roles[name] = "mandatory"
			}
			sel := interceptor.Selection{Include: o.cfg.Symbols.Include, Exclude: o.cfg.Symbols.Exclude}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", path)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			var traced int
			for _, name := range lib.Symbols() {
				role, ok := roles[name]
				switch {
				case sel.ShouldIntercept(name):
					traced++
					if !ok {
						role = "traced"
					}
				case ok:
				case all:
					role = "-"
				default:
					continue
				}
				off, _ := lib.Offset(name)
				fmt.Fprintf(tw, "%s\t%#x\t%s\n", name, off, role)
			}
			tw.Flush()
			fmt.Fprintf(out, "%d of %d functions traced\n", traced, len(lib.Symbols()))
			return nil
		},
	}
	cmd.Flags().StringVar(&library, "library", "", "driver library to read instead of searching")
	cmd.Flags().BoolVar(&all, "all", false, "also list functions that are not traced")
	return cmd
}
