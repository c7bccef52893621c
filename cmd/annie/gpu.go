package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/annie/gpu"
)

func newGPUCmd(a *app) *cobra.Command {
	var (
		warmup      bool
		maxPoolSize int64
		watch       time.Duration
		interval    time.Duration
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "gpu",
		Short: "Warm up devices and report memory pool statistics",
		Long: `Warm up the configured devices and print a memory pool report.

With --watch, a report is printed every --interval until the duration
elapses. Pressure alerts and emergency cleanups are logged by the monitor.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			for _, d := range a.cfg.DeviceIDs() {
				if maxPoolSize > 0 {
					if err := a.env.SetMaxPoolSize(d, maxPoolSize); err != nil {
						return err
					}
				}
				if warmup {
					if err := a.env.Warmup(ctx, d); err != nil {
						return err
					}
				}
			}

			m, err := a.env.StartMonitor(ctx, a.cfg.GPU.Monitor)
			if err != nil {
				return err
			}

			emit := func(r gpu.Report) error {
				if asJSON {
					return writeJSON(out, r)
				}
				return writeReport(out, r)
			}
			if err := emit(m.Check()); err != nil {
				return err
			}
			if watch <= 0 {
				return nil
			}
			if interval <= 0 {
				return fmt.Errorf("interval must be positive, got %s", interval)
			}

			deadline := time.NewTimer(watch)
			defer deadline.Stop()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-deadline.C:
					return nil
				case <-ticker.C:
					if err := emit(m.Check()); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&warmup, "warmup", true, "run a warmup kernel on every device")
	cmd.Flags().Int64Var(&maxPoolSize, "max-pool-size", 0, "pool bound per device in bytes (0 keeps the config)")
	cmd.Flags().DurationVar(&watch, "watch", 0, "keep reporting for this long")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "report interval with --watch")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeReport(w io.Writer, r gpu.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "device\tallocated\tpeak\tcached\tpressure\thit rate\t")
	for _, s := range r.Devices {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%.1f%%\t%.1f%%\t\n",
			s.Device, s.Allocated, s.Peak, s.CachedBytes, 100*s.Pressure, 100*s.CacheEfficiency())
	}
	fmt.Fprintf(tw, "total\t%d\t%d\t\t\t%.1f%%\t\n", r.TotalAllocated, r.TotalPeak, 100*r.AverageCacheEfficiency)
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(r.AlertDevices) > 0 {
		fmt.Fprintf(w, "pressure alert on devices %v\n", r.AlertDevices)
	}
	return nil
}
