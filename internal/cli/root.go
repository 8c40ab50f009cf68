package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	bench "github.com/ssd532/producer-bench"
)

var version = "0.1.0"

// NewRootCmd returns the prodbench command. The measurement block is
// written to out and logs to errOut.
func NewRootCmd(out, errOut io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "prodbench",
		Short:   "Measure producer publish latency against a message broker",
		Version: version,
		Long: `prodbench sends a fixed number of keyed records ("Message_<n>") to one topic,
either one at a time waiting for every acknowledgment or all at once with a
completion callback per record, and reports the median, 99th, 99.9th and
99.99th percentile latency.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings, out, errOut)
		},
	}
	addFlags(cmd.Flags())
	return cmd
}

func newLogger(settings Settings, errOut io.Writer) (*log.Entry, error) {
	level, err := log.ParseLevel(settings.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "parsing log level")
	}
	logger := log.New()
	logger.SetOutput(errOut)
	logger.SetLevel(level)
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return log.NewEntry(logger).WithField("system", settings.System), nil
}

func run(ctx context.Context, settings Settings, out, errOut io.Writer) error {
	logger, err := newLogger(settings, errOut)
	if err != nil {
		return err
	}
	factory, err := newFactory(settings, logger)
	if err != nil {
		return err
	}

	benchmark := bench.NewBenchmark(factory, settings.RunConfig(), bench.WithLogger(logger))
	summary, err := benchmark.Run(ctx)
	if err != nil {
		return err
	}

	logger.Info(summary.String())
	if _, err := summary.WriteTo(out); err != nil {
		return errors.Wrap(err, "writing measurement")
	}
	if settings.DistributionFile != "" {
		if err := summary.GenerateLatencyDistribution(nil, settings.DistributionFile); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs the root command against the process arguments.
func Execute() error {
	cmd := NewRootCmd(os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Error("prodbench failed")
		return err
	}
	return nil
}
