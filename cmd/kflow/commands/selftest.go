package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/willibrandon/KernelFlow/pkg/checkpoint"
	"github.com/willibrandon/KernelFlow/pkg/interposer"
)

func newSelftestCommand(o *options) *cobra.Command {
	var device int
	var ckpt bool

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Initialize the interposer in this process and report what it found",
		Long: `Selftest runs the same initialization the interposer performs inside a
traced program: ABI verification, library search and mandatory symbol
resolution. It then lists the GPUs NVML reports and, with --checkpoint,
takes and discards a checkpoint of one device.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			st, err := interposer.Init(interposer.Options{Config: o.cfg, Logger: o.log})
			if err != nil {
				return fmt.Errorf("interposer init: %w", err)
			}
			defer func() {
				if err := interposer.Shutdown(); err != nil {
					o.log.Warn("shutdown", zap.Error(err))
				}
			}()

			for _, lib := range st.Resolver.Libraries() {
				fmt.Fprintf(out, "library  %s\n", lib.Path())
			}
			var resolved int
			for _, sym := range st.Resolver.Symbols() {
				if sym.Resolved() {
					resolved++
				}
			}
			fmt.Fprintf(out, "symbols  %d tracked, %d resolved\n", len(st.Resolver.Symbols()), resolved)

			listDevices(out, nvml.New(), o.log)

			if !ckpt {
				return nil
			}
			ctx := context.Background()
			handle, err := st.Markers.Begin(ctx, device)
			if errors.Is(err, checkpoint.ErrDeviceBusy) {
				return fmt.Errorf("device %d has work in flight: %w", device, err)
			}
			if err != nil {
				return fmt.Errorf("checkpoint begin: %w", err)
			}
			if err := st.Markers.End(ctx, handle); err != nil {
				return fmt.Errorf("checkpoint end: %w", err)
			}
			fmt.Fprintf(out, "checkpoint of device %d ok\n", device)
			return nil
		},
	}
	cmd.Flags().IntVar(&device, "device", 0, "device ordinal for --checkpoint")
	cmd.Flags().BoolVar(&ckpt, "checkpoint", false, "take and discard a checkpoint")
	return cmd
}

func listDevices(out io.Writer, lib nvml.Interface, log *zap.Logger) {
	if ret := lib.Init(); ret != nvml.SUCCESS {
		log.Info("NVML unavailable", zap.Int32("code", int32(ret)))
		return
	}
	defer lib.Shutdown()

	count, ret := lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		log.Warn("cannot count devices", zap.Int32("code", int32(ret)))
		return
	}
	for i := 0; i < count; i++ {
		dev, ret := lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}
		name, _ := dev.GetName()
		mem, ret := dev.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			fmt.Fprintf(out, "device   %d %s\n", i, name)
			continue
		}
		fmt.Fprintf(out, "device   %d %s (%d MiB, %d MiB used)\n", i, name, mem.Total>>20, mem.Used>>20)
	}
}
