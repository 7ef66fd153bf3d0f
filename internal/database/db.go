package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"tenant-vault/internal/logging"
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx so repositories can run
// inside or outside a transaction.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// DB is the shared row store handle
type DB struct {
	*sqlx.DB
	dialect Dialect
	logger  *logging.Logger
}

// NewDB wraps an open *sql.DB for the given dialect
func NewDB(db *sql.DB, dialect Dialect, logger *logging.Logger) *DB {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &DB{
		DB:      sqlx.NewDb(db, dialect.DriverName),
		dialect: dialect,
		logger:  logger,
	}
}

// Dialect returns the dialect of the row store
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Flavor returns the go-sqlbuilder flavor matching the row store
func (d *DB) Flavor() sqlbuilder.Flavor {
	return d.dialect.Flavor
}

// Logger returns the logger the handle was created with
func (d *DB) Logger() *logging.Logger {
	return d.logger
}

// WithTx runs fn inside a read-write transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return d.runTx(ctx, nil, fn, true)
}

// WithSnapshot runs fn inside a read-only transaction using the dialect's
// snapshot isolation. Every statement issued through tx observes the same
// point-in-time view of the store.
func (d *DB) WithSnapshot(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	opts := d.dialect.Snapshot
	return d.runTx(ctx, &opts, fn, false)
}

func (d *DB) runTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error, commit bool) (err error) {
	tx, err := d.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil || !commit {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				d.logger.WithField("error", rbErr.Error()).Warn("Failed to roll back transaction")
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if commit {
		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
	}
	return nil
}

// Exec builds and runs a statement, logging it at debug level
func Exec(ctx context.Context, q Querier, logger *logging.Logger, builder sqlbuilder.Builder) (int64, error) {
	query, args := builder.Build()
	start := time.Now()

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		if logger != nil {
			logger.LogSQLExecution(query, time.Since(start), 0, err)
		}
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		affected = 0
	}
	if logger != nil {
		logger.LogSQLExecution(query, time.Since(start), affected, nil)
	}
	return affected, nil
}

// Count runs a builder that selects a single COUNT(*) column
func Count(ctx context.Context, q Querier, builder sqlbuilder.Builder) (int64, error) {
	query, args := builder.Build()
	var n int64
	if err := q.QueryRowxContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
