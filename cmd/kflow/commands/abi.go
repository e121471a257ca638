package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/willibrandon/KernelFlow/pkg/abi"
)

func newABICommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "abi",
		Short: "Show the vendor struct layouts compiled into this build and verify them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, l := range abi.Layouts {
				fmt.Fprintln(out, l.String())
			}
			if err := abi.VerifyAll(); err != nil {
				return err
			}
			fmt.Fprintln(out, "layouts match")
			return nil
		},
	}
}
