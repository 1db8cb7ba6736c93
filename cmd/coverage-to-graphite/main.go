package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/coverage-to-graphite/internal/config"
	"github.com/kjstillabower/coverage-to-graphite/internal/coverage"
	"github.com/kjstillabower/coverage-to-graphite/internal/graphite"
	"github.com/kjstillabower/coverage-to-graphite/internal/observability"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = newRootCommand(logger).ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Error("coverage publish failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func newRootCommand(logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "coverage-to-graphite <service-name> <report-path>",
		Short: "Send the unit test coverage of a cobertura report to HostedGraphite",
		Long: `Reads line-rate from the root of a cobertura XML report and posts
test.coverage.<service>.<branch> <percent> to the HostedGraphite sink.

Environment:
  HOSTED_GRAPHITE_KEY        API key (basic auth username)
  BRANCH_NAME                branch segment of the metric name
  GRAPHITE_SINK_URL          override the sink endpoint
  GRAPHITE_TIMEOUT           per-request timeout (default 30s)
  GRAPHITE_RETRY_ATTEMPTS    total attempts (default 1, no retry)
  GRAPHITE_RETRY_BASE_DELAY  first backoff delay (default 500ms)
  GRAPHITE_RETRY_MAX_DELAY   backoff ceiling (default 5s)
  LOG_LEVEL                  DEBUG, INFO, WARN or ERROR`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Missing arguments are reported but do not fail the pipeline step.
			if len(args) < 2 {
				logger.Info("The script requires 2 arguments: service name and a coverage report location.")
				return nil
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return run(cmd.Context(), logger, cfg, args[0], args[1])
		},
	}
}

// run reads the report and publishes it. Nothing is sent unless the report is valid.
func run(ctx context.Context, logger *zap.Logger, cfg *config.Config, service, reportPath string) error {
	metrics := observability.NewMetrics()
	defer func() {
		if err := observability.FlushTelemetry(context.Background(), logger, metrics); err != nil {
			logger.Debug("flush telemetry", zap.Error(err))
		}
	}()

	pct, err := coverage.NewReader(reportPath, logger).Coverage()
	if err != nil {
		return fmt.Errorf("read coverage: %w", err)
	}

	if cfg.APIKey == "" {
		logger.Warn("HOSTED_GRAPHITE_KEY is not set; the sink will likely reject the metric")
	}
	publisher := graphite.NewPublisher(graphite.Config{
		APIKey:         cfg.APIKey,
		URL:            cfg.SinkURL,
		Timeout:        cfg.Timeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	}, logger, metrics)

	if err := publisher.Send(ctx, service, cfg.Branch, pct); err != nil {
		return fmt.Errorf("publish coverage: %w", err)
	}
	return nil
}
