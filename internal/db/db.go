// Package db opens the SQLite databases the server keeps next to its archive.
package db

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syncbox/internal/utils"
)

const (
	MemoryPath = ":memory:"

	pragmas = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA temp_store=MEMORY;
PRAGMA synchronous=NORMAL;
`
)

type options struct {
	path         string
	maxOpenConns int
}

type SqliteOption func(*options)

// WithPath sets the database file. MemoryPath gives a private in-memory database.
func WithPath(path string) SqliteOption {
	return func(o *options) {
		o.path = path
	}
}

func WithMaxOpenConns(n int) SqliteOption {
	return func(o *options) {
		o.maxOpenConns = n
	}
}

// NewSqliteDB connects with the build's sqlite driver and applies the pragmas.
func NewSqliteDB(opts ...SqliteOption) (*sqlx.DB, error) {
	o := &options{path: MemoryPath}
	for _, opt := range opts {
		opt(o)
	}

	dsn := MemoryPath
	if o.path == MemoryPath {
		// every pooled connection would otherwise see its own empty database
		o.maxOpenConns = 1
	} else {
		if err := utils.EnsureParent(o.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", o.path)
	}

	slog.Debug("db open", "driver", driverID, "path", o.path)
	conn, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if o.maxOpenConns > 0 {
		conn.SetMaxOpenConns(o.maxOpenConns)
	}
	if _, err := conn.Exec(pragmas); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	return conn, nil
}

// Migrate runs the steps the database has not seen yet, tracked in PRAGMA user_version.
// Step i moves the schema to version i+1; steps are append-only.
func Migrate(conn *sqlx.DB, steps ...string) error {
	var current int
	if err := conn.Get(&current, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > len(steps) {
		return fmt.Errorf("schema version %d is newer than this build (%d)", current, len(steps))
	}
	for i := current; i < len(steps); i++ {
		tx, err := conn.Beginx()
		if err != nil {
			return fmt.Errorf("migrate to %d: %w", i+1, err)
		}
		if _, err := tx.Exec(steps[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate to %d: %w", i+1, err)
		}
		slog.Debug("db migrated", "version", i+1)
	}
	return nil
}
