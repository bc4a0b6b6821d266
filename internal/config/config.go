package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/fortuna/nhlcrawler/internal/ingest/nhl"
	"github.com/fortuna/nhlcrawler/internal/store"
)

const (
	SinkNone  = "none"
	SinkRedis = "redis"
	SinkKafka = "kafka"
)

type Config struct {
	// Upstream
	NHLAPIBase              string        `mapstructure:"NHL_API_BASE"`
	HTTPTimeout             time.Duration `mapstructure:"HTTP_TIMEOUT"`
	RequestRate             float64       `mapstructure:"REQUEST_RATE"`
	RequestBurst            int           `mapstructure:"REQUEST_BURST"`
	RetryMaxAttempts        int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryInitialInterval    time.Duration `mapstructure:"RETRY_INITIAL_INTERVAL"`
	RetryMaxInterval        time.Duration `mapstructure:"RETRY_MAX_INTERVAL"`
	BreakerFailureThreshold int           `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerOpenTimeout      time.Duration `mapstructure:"BREAKER_OPEN_TIMEOUT"`

	// Pipeline
	Workers           int           `mapstructure:"WORKERS"`
	ShutdownGrace     time.Duration `mapstructure:"SHUTDOWN_GRACE"`
	MaxFailureRate    float64       `mapstructure:"MAX_FAILURE_RATE"`
	MaxFailureReports int           `mapstructure:"MAX_FAILURE_REPORTS"`

	// Storage
	StorageBackend     string `mapstructure:"STORAGE_BACKEND"`
	DestBucket         string `mapstructure:"DEST_BUCKET"`
	StoragePrefix      string `mapstructure:"STORAGE_PREFIX"`
	StorageKeyLayout   string `mapstructure:"STORAGE_KEY_LAYOUT"`
	StorageCSVHeader   bool   `mapstructure:"STORAGE_CSV_HEADER"`
	S3EndpointURL      string `mapstructure:"S3_ENDPOINT_URL"`
	S3Region           string `mapstructure:"S3_REGION"`
	AWSAccessKeyID     string `mapstructure:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `mapstructure:"AWS_SECRET_ACCESS_KEY"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	OutputDir          string `mapstructure:"OUTPUT_DIR"`

	// Summary publishing
	SummarySink   string `mapstructure:"SUMMARY_SINK"`
	SummaryStream string `mapstructure:"SUMMARY_STREAM"`
	KafkaBrokers  string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic    string `mapstructure:"KAFKA_TOPIC"`

	// Serve mode
	RESTPort  string `mapstructure:"REST_PORT"`
	CrawlCron string `mapstructure:"CRAWL_CRON"`

	// Logging
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

var defaults = map[string]interface{}{
	"NHL_API_BASE":              nhl.BaseURL,
	"HTTP_TIMEOUT":              "15s",
	"REQUEST_RATE":              5.0,
	"REQUEST_BURST":             1,
	"RETRY_MAX_ATTEMPTS":        3,
	"RETRY_INITIAL_INTERVAL":    "500ms",
	"RETRY_MAX_INTERVAL":        "5s",
	"BREAKER_FAILURE_THRESHOLD": 5,
	"BREAKER_OPEN_TIMEOUT":      "30s",
	"WORKERS":                   4,
	"SHUTDOWN_GRACE":            "10s",
	"MAX_FAILURE_RATE":          0.2,
	"MAX_FAILURE_REPORTS":       100,
	"STORAGE_BACKEND":           store.BackendS3,
	"DEST_BUCKET":               "output",
	"STORAGE_PREFIX":            "",
	"STORAGE_KEY_LAYOUT":        string(store.LayoutFlat),
	"STORAGE_CSV_HEADER":        false,
	"S3_ENDPOINT_URL":           "",
	"S3_REGION":                 "us-east-1",
	"AWS_ACCESS_KEY_ID":         "",
	"AWS_SECRET_ACCESS_KEY":     "",
	"DATABASE_URL":              "",
	"REDIS_URL":                 "redis://localhost:6379/0",
	"OUTPUT_DIR":                "./output",
	"SUMMARY_SINK":              SinkNone,
	"SUMMARY_STREAM":            "crawls.summary.nhl",
	"KAFKA_BROKERS":             "",
	"KAFKA_TOPIC":               "nhl-crawl-summaries",
	"REST_PORT":                 "8080",
	"CRAWL_CRON":                "",
	"LOG_LEVEL":                 "info",
	"LOG_FORMAT":                "json",
}

// NewViper returns a viper instance with defaults set and the environment
// bound. A .env file in the working directory is loaded first when present.
func NewViper() *viper.Viper {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	return v
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	cfg.SummarySink = strings.ToLower(strings.TrimSpace(cfg.SummarySink))
	if cfg.SummarySink == "" {
		cfg.SummarySink = SinkNone
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and the settings each backend requires.
func (c *Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	case c.RequestRate <= 0:
		return fmt.Errorf("REQUEST_RATE must be positive, got %v", c.RequestRate)
	case c.RequestBurst < 1:
		return fmt.Errorf("REQUEST_BURST must be at least 1, got %d", c.RequestBurst)
	case c.RetryMaxAttempts < 1:
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	case c.HTTPTimeout <= 0:
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	case c.ShutdownGrace < 0:
		return fmt.Errorf("SHUTDOWN_GRACE must not be negative, got %s", c.ShutdownGrace)
	case c.MaxFailureRate < 0 || c.MaxFailureRate > 1:
		return fmt.Errorf("MAX_FAILURE_RATE must be within [0, 1], got %v", c.MaxFailureRate)
	}

	if _, err := store.ParseKeyLayout(c.StorageKeyLayout); err != nil {
		return fmt.Errorf("STORAGE_KEY_LAYOUT: %w", err)
	}

	switch c.StorageBackend {
	case store.BackendS3:
		if strings.TrimSpace(c.DestBucket) == "" {
			return fmt.Errorf("DEST_BUCKET is required for the s3 backend")
		}
	case store.BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case store.BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis backend")
		}
	case store.BackendFilesystem:
		if c.OutputDir == "" {
			return fmt.Errorf("OUTPUT_DIR is required for the filesystem backend")
		}
	case store.BackendMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND %q is not one of s3, postgres, redis, filesystem, memory", c.StorageBackend)
	}

	switch c.SummarySink {
	case SinkNone:
	case SinkRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis summary sink")
		}
	case SinkKafka:
		if strings.TrimSpace(c.KafkaBrokers) == "" {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka summary sink")
		}
	default:
		return fmt.Errorf("SUMMARY_SINK %q is not one of none, redis, kafka", c.SummarySink)
	}

	return nil
}

// StoreOptions maps the storage settings onto store.Options.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend: c.StorageBackend,
		S3: store.S3Config{
			EndpointURL:     c.S3EndpointURL,
			Region:          c.S3Region,
			Bucket:          c.DestBucket,
			AccessKeyID:     c.AWSAccessKeyID,
			SecretAccessKey: c.AWSSecretAccessKey,
		},
		DatabaseURL: c.DatabaseURL,
		RedisURL:    c.RedisURL,
		OutputDir:   c.OutputDir,
	}
}
