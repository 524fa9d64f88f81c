package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/queuetap/internal/counters"
	"github.com/ethpandaops/queuetap/internal/profiler"
)

func metricsCmd() *cobra.Command {
	var (
		configPath string
		arch       string
	)

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "List the metrics available for an architecture",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := profiler.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			reg, err := cfg.Registry()
			if err != nil {
				return fmt.Errorf("loading metric definitions: %w", err)
			}

			if arch == "" {
				arch = cfg.Device.Arch
			}

			return printMetrics(cmd.OutOrStdout(), reg, arch)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file (required)")
	cmd.Flags().StringVar(&arch, "arch", "", "architecture to list (defaults to device.arch)")

	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func printMetrics(out io.Writer, reg *counters.Registry, arch string) error {
	metrics := reg.MetricsForAgent(arch)
	if len(metrics) == 0 {
		return fmt.Errorf("no metrics defined for architecture %q (known: %v)", arch, reg.Architectures())
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "ID\tNAME\tBLOCK\tEVENT\tDESCRIPTION")

	for _, m := range metrics {
		event := m.Event()

		switch {
		case m.Special():
			event = "(special)"
		case m.Derived():
			event = "= " + m.Expression()
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", m.ID(), m.Name(), m.Block(), event, m.Description())
	}

	return w.Flush()
}
