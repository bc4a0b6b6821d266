package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options selects and configures a storage backend.
type Options struct {
	Backend     string
	S3          S3Config
	DatabaseURL string
	RedisURL    string
	OutputDir   string
}

// Open builds the configured backend. Postgres migrations run here so the
// table exists before the first write.
func Open(ctx context.Context, opts Options, logger logrus.FieldLogger) (Storage, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendS3:
		return NewS3Storage(opts.S3)
	case BackendPostgres:
		db, err := NewDatabase(opts.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return NewPostgresStorage(db), nil
	case BackendRedis:
		client, err := NewRedisClient(opts.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedisStorage(client, 0), nil
	case BackendFilesystem:
		return NewFilesystem(opts.OutputDir)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
