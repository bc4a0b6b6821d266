package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/sirupsen/logrus"
)

// Database wraps the PostgreSQL connection pool.
type Database struct {
	conn   *sql.DB
	logger logrus.FieldLogger
}

// NewDatabase opens and pings a PostgreSQL connection.
func NewDatabase(dsn string, logger logrus.FieldLogger) (*Database, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{
		conn:   db,
		logger: logger.WithField("component", "database"),
	}, nil
}

// Close closes the database connection.
func (db *Database) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// DB returns the underlying *sql.DB.
func (db *Database) DB() *sql.DB {
	return db.conn
}

// migration is one ordered schema change.
type migration struct {
	version string
	sql     string
}

var migrations = []migration{
	{
		version: "001_create_game_stat_objects",
		sql: `
			CREATE TABLE IF NOT EXISTS game_stat_objects (
				object_key     TEXT PRIMARY KEY,
				body           BYTEA NOT NULL,
				schema_version TEXT NOT NULL,
				created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`,
	},
}

// RunMigrations applies pending migrations, each in its own transaction.
func (db *Database) RunMigrations(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		if err := db.runMigration(ctx, m); err != nil {
			return fmt.Errorf("failed to run migration %s: %w", m.version, err)
		}
	}

	return nil
}

func (db *Database) runMigration(ctx context.Context, m migration) error {
	var exists bool
	err := db.conn.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", m.version).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		db.logger.WithField("version", m.version).Debug("Migration already applied")
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.version); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	db.logger.WithField("version", m.version).Info("Applied migration")
	return nil
}

// HealthCheck pings the database.
func (db *Database) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return db.conn.PingContext(ctx)
}

// execer is the part of *sql.DB PostgresStorage needs.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const upsertObjectQuery = `
	INSERT INTO game_stat_objects (object_key, body, schema_version)
	VALUES ($1, $2, $3)
	ON CONFLICT (object_key) DO UPDATE SET
		body = EXCLUDED.body,
		schema_version = EXCLUDED.schema_version,
		updated_at = NOW()
`

// PostgresStorage keeps one row per key in game_stat_objects.
type PostgresStorage struct {
	db     execer
	ping   func(ctx context.Context) error
	closer func() error
}

// NewPostgresStorage stores objects through db. Call db.RunMigrations first.
func NewPostgresStorage(db *Database) *PostgresStorage {
	return &PostgresStorage{db: db.DB(), ping: db.HealthCheck, closer: db.Close}
}

// HealthCheck pings the database.
func (p *PostgresStorage) HealthCheck(ctx context.Context) error {
	if p.ping == nil {
		return nil
	}
	return p.ping(ctx)
}

// Store upserts the row for key.
func (p *PostgresStorage) Store(ctx context.Context, key string, body []byte) error {
	if _, err := p.db.ExecContext(ctx, upsertObjectQuery, key, body, SchemaVersion); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return unavailable("upsert", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (p *PostgresStorage) Close() error {
	if p.closer != nil {
		return p.closer()
	}
	return nil
}
