package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/queuetap/internal/profiler"
	"github.com/ethpandaops/queuetap/internal/version"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queuetap",
		Short: "GPU queue interception, counter collection and tracing",
		Long: `queuetap intercepts kernel dispatches on a compute queue, wraps
them with hardware counter and instruction trace packets, samples
counters on the agent, and ships the results to ClickHouse or HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)

	cmd.AddCommand(runCmd(), metricsCmd(), migrateCmd(), versionCmd())

	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the profiler against the simulated agent",
		RunE:  run,
	}

	cmd.Flags().StringVar(
		&cfgFile, "config", "",
		"path to config file (required)",
	)

	if err := cmd.MarkFlagRequired("config"); err != nil {
		fmt.Fprintf(os.Stderr, "error marking flag required: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

func newLogger(level string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// CLI flag overrides config file.
	if logLevel != "" {
		level = logLevel
	}

	if level == "" {
		level = "info"
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}

	log.SetLevel(parsed)

	return log, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := profiler.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	p, err := profiler.New(log, cfg)
	if err != nil {
		return fmt.Errorf("creating profiler: %w", err)
	}

	log.WithField("version", version.Full()).Info("Starting queuetap")

	if err := p.Start(ctx); err != nil {
		if serr := p.Stop(); serr != nil {
			log.WithError(serr).Error("Error during cleanup")
		}

		return fmt.Errorf("starting profiler: %w", err)
	}

	<-ctx.Done()

	log.Info("Shutting down queuetap")

	if err := p.Stop(); err != nil {
		log.WithError(err).Error("Error during shutdown")
		return fmt.Errorf("stopping profiler: %w", err)
	}

	log.Info("Shutdown complete")

	return nil
}
