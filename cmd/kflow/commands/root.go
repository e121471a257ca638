// Package commands implements the kflow operator CLI.
package commands

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/willibrandon/KernelFlow/pkg/config"
	kflog "github.com/willibrandon/KernelFlow/pkg/log"
	"github.com/willibrandon/KernelFlow/pkg/version"
)

type options struct {
	cfgFile  string
	logLevel string

	cfg config.Config
	log *zap.Logger
}

// NewRootCommand builds the kflow command tree.
func NewRootCommand() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "kflow",
		Short: "Inspect CUDA driver call traces and the KernelFlow interposer",
		Long: `kflow works with the KernelFlow LD_AUDIT interposer.

Load the interposer into a CUDA program with
  LD_AUDIT=/path/to/libkflow.so ./program
then decode, replay and validate the event file it writes.`,
		Version:       version.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if o.log != nil {
				_ = o.log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&o.cfgFile, "config", "", "config file (default is $KFLOW_CONFIG)")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", kflog.LevelFromEnv("info"), "log level")

	root.AddCommand(
		newDecodeCommand(o),
		newReplayCommand(o),
		newABICommand(o),
		newSymbolsCommand(o),
		newSelftestCommand(o),
		newVersionCommand(),
	)
	return root
}

func (o *options) init() error {
	log, err := kflog.New(o.logLevel)
	if err != nil {
		return err
	}
	o.log = log

	if o.cfgFile != "" {
		o.cfg, err = config.LoadFile(o.cfgFile)
	} else {
		o.cfg, err = config.Load()
	}
	return err
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}
