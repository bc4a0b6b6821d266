package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortuna/nhlcrawler/internal/store"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "https://statsapi.web.nhl.com/api/v1", cfg.NHLAPIBase)
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryInitialInterval)
	assert.InDelta(t, 0.2, cfg.MaxFailureRate, 1e-9)
	assert.Equal(t, store.BackendS3, cfg.StorageBackend)
	assert.Equal(t, SinkNone, cfg.SummarySink)
	assert.Equal(t, "output", cfg.StoreOptions().S3.Bucket)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "Filesystem")
	t.Setenv("OUTPUT_DIR", "/tmp/nhl")
	t.Setenv("WORKERS", "8")
	t.Setenv("SHUTDOWN_GRACE", "2s")
	t.Setenv("STORAGE_KEY_LAYOUT", "season")
	t.Setenv("STORAGE_CSV_HEADER", "true")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, store.BackendFilesystem, cfg.StorageBackend)
	assert.Equal(t, "/tmp/nhl", cfg.OutputDir)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.ShutdownGrace)
	assert.Equal(t, "season", cfg.StorageKeyLayout)
	assert.True(t, cfg.StorageCSVHeader)
}

func TestLoad_ValidationNamesTheKey(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"s3 without bucket", map[string]string{"STORAGE_BACKEND": "s3", "DEST_BUCKET": " "}, "DEST_BUCKET"},
		{"zero workers", map[string]string{"STORAGE_BACKEND": "memory", "WORKERS": "0"}, "WORKERS"},
		{"bad backend", map[string]string{"STORAGE_BACKEND": "tape"}, "STORAGE_BACKEND"},
		{"bad layout", map[string]string{"STORAGE_BACKEND": "memory", "STORAGE_KEY_LAYOUT": "by-date"}, "STORAGE_KEY_LAYOUT"},
		{"postgres without dsn", map[string]string{"STORAGE_BACKEND": "postgres"}, "DATABASE_URL"},
		{"kafka without brokers", map[string]string{"STORAGE_BACKEND": "memory", "SUMMARY_SINK": "kafka"}, "KAFKA_BROKERS"},
		{"unknown sink", map[string]string{"STORAGE_BACKEND": "memory", "SUMMARY_SINK": "sns"}, "SUMMARY_SINK"},
		{"failure rate out of range", map[string]string{"STORAGE_BACKEND": "memory", "MAX_FAILURE_RATE": "1.5"}, "MAX_FAILURE_RATE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(NewViper())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_ExplicitValuesWin(t *testing.T) {
	v := NewViper()
	v.Set("STORAGE_BACKEND", "memory")
	v.Set("REQUEST_RATE", 2.5)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, store.BackendMemory, cfg.StorageBackend)
	assert.InDelta(t, 2.5, cfg.RequestRate, 1e-9)
}
