package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fortuna/nhlcrawler/internal/api/rest"
	"github.com/fortuna/nhlcrawler/internal/api/websocket"
	"github.com/fortuna/nhlcrawler/internal/config"
	"github.com/fortuna/nhlcrawler/internal/crawl"
	"github.com/fortuna/nhlcrawler/internal/store"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl API, progress feed and optional daily schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return &exitError{code: ExitError, err: err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cmd, cfg)
		},
	}

	cmd.Flags().String("port", "", "REST API port")
	cmd.Flags().String("cron", "", "Cron spec for a daily crawl of the previous day")
	_ = v.BindPFlag("REST_PORT", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("CRAWL_CRON", cmd.Flags().Lookup("cron"))

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	logger := newLogger(cfg, cmd.ErrOrStderr())

	d, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return &exitError{code: ExitError, err: err}
	}
	defer d.Close()

	feed := websocket.NewServer(logger)
	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()
	go feed.Run(feedCtx)

	service := crawl.NewService(d.pipeline, crawl.ServiceOptions{
		CronSpec: cfg.CrawlCron,
		Sinks:    d.sinks,
		Reporter: feed,
	}, logger)
	if err := service.Start(); err != nil {
		return &exitError{code: ExitError, err: err}
	}

	var health rest.HealthChecker
	if hc, ok := d.storage.(store.HealthChecker); ok {
		health = hc
	}
	server := rest.NewServer(cfg.RESTPort, service, feed.Handler(), health, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.RESTPort).Info("REST API listening")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case serveErr = <-errCh:
		logger.WithError(serveErr).Error("REST server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("REST shutdown incomplete")
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Crawl service shutdown incomplete")
	}
	stopFeed()

	if serveErr != nil {
		return &exitError{code: ExitError, err: serveErr}
	}
	return nil
}
