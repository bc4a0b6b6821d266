package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fortuna/nhlcrawler/internal/config"
	"github.com/fortuna/nhlcrawler/internal/crawl"
	"github.com/fortuna/nhlcrawler/internal/ingest/nhl"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newCrawlCmd(v *viper.Viper) *cobra.Command {
	var (
		startDate string
		endDate   string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a date range once and print the run summary",
		Long: `Crawl every game scheduled between --start-date and --end-date (inclusive).

Exit codes:
  0  run completed within the failure-rate threshold
  1  configuration error, schedule failure or storage key collision
  2  run completed but more than MAX_FAILURE_RATE of games failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if endDate == "" {
				endDate = startDate
			}
			dateRange, err := nhl.ParseDateRange(startDate, endDate)
			if err != nil {
				return &exitError{code: ExitError, err: err}
			}

			cfg, err := config.Load(v)
			if err != nil {
				return &exitError{code: ExitError, err: err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runCrawl(ctx, cmd, cfg, crawl.RunSpec{Range: dateRange, DryRun: dryRun})
		},
	}

	cmd.Flags().StringVar(&startDate, "start-date", "", "First date to crawl (YYYY-MM-DD, required)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "Last date to crawl (YYYY-MM-DD, defaults to --start-date)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Fetch and extract without writing to storage")
	cmd.MarkFlagRequired("start-date")

	return cmd
}

func runCrawl(ctx context.Context, cmd *cobra.Command, cfg *config.Config, spec crawl.RunSpec) error {
	logger := newLogger(cfg, cmd.ErrOrStderr())

	d, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return &exitError{code: ExitError, err: err}
	}
	defer d.Close()

	summary, runErr := d.pipeline.Run(ctx, spec, nil)

	if summary != nil {
		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return &exitError{code: ExitError, err: fmt.Errorf("encode summary: %w", err)}
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))

		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		d.publish(pubCtx, summary)
		cancel()
	}

	if runErr != nil {
		return &exitError{code: ExitError, err: runErr}
	}

	if summary.ExceedsFailureRate(cfg.MaxFailureRate) {
		logger.WithFields(logrus.Fields{
			"failure_rate": summary.FailureRate(),
			"threshold":    cfg.MaxFailureRate,
			"games_failed": summary.GamesFailed,
		}).Error("Failure rate above threshold")
		return &exitError{
			code: ExitFailureRateHigh,
			err:  fmt.Errorf("failure rate %.2f above %.2f", summary.FailureRate(), cfg.MaxFailureRate),
		}
	}
	return nil
}
