// Package pgdb owns the PostgreSQL connection pool and schema migrations
// shared by the reconciler and the publisher's SQL dump/ratchet checks.
package pgdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" driver used by sqlx
	"github.com/sirupsen/logrus"
)

// Config describes how to reach PostgreSQL. Mirrors the teacher's
// internal/database Config shape (Host/Port/... plus pool tuning), but
// keyed off a single DSN as spec.md §6 names DATABASE_URL directly.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig mirrors the teacher's DefaultConfig() pattern.
func DefaultConfig() Config {
	return Config{
		DSN:             "postgres://localhost:5432/pantry_pirate_radio?sslmode=disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Validate checks the config is usable before attempting to connect.
func (c Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max open connections must be greater than 0")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max idle connections must be non-negative")
	}
	return nil
}

// Open establishes a sqlx pool against PostgreSQL through lib/pq's
// "postgres" driver, so the same *sql.DB can be passed to lib/pq-oriented
// helpers (pq.Array) without a second driver registration per connection.
func Open(ctx context.Context, cfg Config, log logrus.FieldLogger) (*sqlx.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	log.WithFields(logrus.Fields{
		"max_open_conns": cfg.MaxOpenConns,
		"max_idle_conns": cfg.MaxIdleConns,
	}).Info("connected to database")

	return db, nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error or panic. Every reconciler write goes through this
// (spec.md §4.E: "within a single database transaction").
func WithTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}

// RowCount returns the number of rows in table, used by the publisher's
// safety ratchet (spec.md §4.G step 5).
func RowCount(ctx context.Context, db *sqlx.DB, table string) (int64, error) {
	var count int64
	query := fmt.Sprintf("SELECT count(*) FROM %s", sqlIdent(table))
	if err := db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", table, err)
	}
	return count, nil
}

// sqlIdent quotes a bare identifier defensively; table names in this
// package are always compile-time constants, never user input, but the
// quoting keeps the helper safe to reuse if that ever changes.
func sqlIdent(name string) string {
	return `"` + name + `"`
}

// IsNoRows reports whether err is sql.ErrNoRows, for callers that prefer
// not to import database/sql directly.
func IsNoRows(err error) bool {
	return err == sql.ErrNoRows
}
