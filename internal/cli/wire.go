package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/fortuna/nhlcrawler/internal/config"
	"github.com/fortuna/nhlcrawler/internal/crawl"
	"github.com/fortuna/nhlcrawler/internal/ingest/nhl"
	"github.com/fortuna/nhlcrawler/internal/logging"
	"github.com/fortuna/nhlcrawler/internal/publisher"
	"github.com/fortuna/nhlcrawler/internal/retry"
	"github.com/fortuna/nhlcrawler/internal/store"
)

// deps holds everything a command needs, built from one Config.
type deps struct {
	cfg      *config.Config
	logger   *logrus.Logger
	storage  store.Storage
	pipeline *crawl.Pipeline
	sinks    []crawl.SummarySink
	closers  []io.Closer
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			d.logger.WithError(err).Warn("Close failed")
		}
	}
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
	}
}

// newLogger writes logs to w so stdout stays free for the summary.
func newLogger(cfg *config.Config, w io.Writer) *logrus.Logger {
	return logging.NewWithOutput(cfg.LogLevel, cfg.LogFormat, w)
}

// buildDeps wires client, storage, pipeline and sinks. The caller must Close
// the result.
func buildDeps(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*deps, error) {
	d := &deps{cfg: cfg, logger: logger}

	client := nhl.NewClient(nhl.ClientConfig{
		BaseURL:                 cfg.NHLAPIBase,
		Timeout:                 cfg.HTTPTimeout,
		RequestsPerSecond:       cfg.RequestRate,
		Burst:                   cfg.RequestBurst,
		Retry:                   retryPolicy(cfg),
		BreakerFailureThreshold: cfg.BreakerFailureThreshold,
		BreakerOpenTimeout:      cfg.BreakerOpenTimeout,
		Logger:                  logger,
	})

	backend, err := store.Open(ctx, cfg.StoreOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.StorageBackend, err)
	}
	d.storage = store.NewRetrying(backend, retryPolicy(cfg), logger)
	d.closers = append(d.closers, d.storage)

	layout, err := store.ParseKeyLayout(cfg.StorageKeyLayout)
	if err != nil {
		d.Close()
		return nil, err
	}

	d.pipeline = crawl.NewPipeline(client, client, d.storage, store.NewKeyDeriver(cfg.StoragePrefix, layout), crawl.Options{
		Workers:           cfg.Workers,
		ShutdownGrace:     cfg.ShutdownGrace,
		MaxFailureReports: cfg.MaxFailureReports,
		CSVHeader:         cfg.StorageCSVHeader,
	}, logger)

	switch cfg.SummarySink {
	case config.SinkRedis:
		rc, err := store.NewRedisClient(cfg.RedisURL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("summary sink: %w", err)
		}
		d.closers = append(d.closers, rc)
		d.sinks = append(d.sinks, publisher.NewRedisStreamPublisher(rc, cfg.SummaryStream, 10000))
	case config.SinkKafka:
		kp, err := publisher.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("summary sink: %w", err)
		}
		d.closers = append(d.closers, kp)
		d.sinks = append(d.sinks, kp)
	}

	logger.WithFields(logrus.Fields{
		"base_url":     cfg.NHLAPIBase,
		"storage":      cfg.StorageBackend,
		"key_layout":   layout,
		"workers":      cfg.Workers,
		"summary_sink": cfg.SummarySink,
	}).Debug("Crawler wired")

	return d, nil
}

// publish sends the summary to every sink. Sink failures are logged, never
// fatal.
func (d *deps) publish(ctx context.Context, summary *crawl.Summary) {
	for _, sink := range d.sinks {
		if err := sink.PublishSummary(ctx, summary); err != nil {
			d.logger.WithError(err).WithField("run_id", summary.RunID).Warn("Failed to publish run summary")
		}
	}
}
