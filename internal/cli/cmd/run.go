package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/withObsrvr/yellowstone-ingestor/internal/cli/runner"
)

var (
	// factories may be replaced by main before Execute.
	factories = runner.DefaultFactories()

	dryRun bool
	stdout bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the ingestor",
		Long:  "Subscribe to the Yellowstone endpoint and publish normalized events to Kafka until interrupted",
		Args:  cobra.NoArgs,
		Example: `  ingestor run
  ingestor run --config ingestor.yaml
  ingestor run --dry-run
  YELLOWSTONE_FILTERS="pump=6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P" ingestor run --stdout`,
		RunE: runIngestor,
	}
)

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate configuration and print the subscription plan without connecting")
	runCmd.Flags().BoolVar(&stdout, "stdout", false, "Also print every routed envelope to stdout")
	rootCmd.AddCommand(runCmd)
}

// SetFactories sets the factory functions for creating pipeline components.
func SetFactories(f runner.Factories) {
	factories = f
}

func runIngestor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if dryRun {
		out := cmd.OutOrStdout()
		color.New(color.FgGreen).Fprintln(out, "Configuration is valid")
		renderPlan(out, cfg.Subscription())
		return nil
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	entry := logrus.NewEntry(logger).WithField("service", "yellowstone-ingestor")
	for _, warning := range cfg.Validate().Warnings {
		entry.Warn(warning)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	r := runner.New(cfg, runner.Options{Stdout: stdout}, factories, entry)
	if err := r.Run(ctx); err != nil {
		return errors.Wrap(err, "ingestor failed")
	}
	return nil
}
