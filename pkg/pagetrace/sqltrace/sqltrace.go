// Package sqltrace wraps an sqlx database so every statement run inside a
// traced request is counted and shows up on the "sql" log level.
package sqltrace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace/logs"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/metrics"
)

// Sink receives one entry per statement. *logs.Recorder satisfies it.
type Sink interface {
	Record(ctx context.Context, level string, v any)
}

// DB is a traced *sqlx.DB.
type DB struct {
	db   *sqlx.DB
	sink Sink
	now  func() time.Time
}

// New wraps db. sink may be nil, in which case statements are only counted.
func New(db *sqlx.DB, sink Sink) *DB {
	return &DB{db: db, sink: sink, now: time.Now}
}

// Open opens a database through sqlx and wraps it.
func Open(driver, dsn string, sink Sink) (*DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	return New(db, sink), nil
}

// Unwrap returns the underlying database for untraced access.
func (d *DB) Unwrap() *sqlx.DB { return d.db }

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) PingContext(ctx context.Context) error { return d.db.PingContext(ctx) }

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer d.trace(ctx, query, d.now())
	res, err := d.db.ExecContext(ctx, query, args...)
	d.fail(ctx, query, err)
	return res, err
}

func (d *DB) QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	defer d.trace(ctx, query, d.now())
	rows, err := d.db.QueryxContext(ctx, query, args...)
	d.fail(ctx, query, err)
	return rows, err
}

// QueryRowxContext defers errors to Scan, so only the statement is recorded.
func (d *DB) QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row {
	defer d.trace(ctx, query, d.now())
	return d.db.QueryRowxContext(ctx, query, args...)
}

func (d *DB) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	defer d.trace(ctx, query, d.now())
	err := d.db.GetContext(ctx, dest, query, args...)
	if !errors.Is(err, sql.ErrNoRows) {
		d.fail(ctx, query, err)
	}
	return err
}

func (d *DB) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	defer d.trace(ctx, query, d.now())
	err := d.db.SelectContext(ctx, dest, query, args...)
	d.fail(ctx, query, err)
	return err
}

func (d *DB) NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error) {
	defer d.trace(ctx, query, d.now())
	res, err := d.db.NamedExecContext(ctx, query, arg)
	d.fail(ctx, query, err)
	return res, err
}

func (d *DB) trace(ctx context.Context, query string, began time.Time) {
	metrics.CountersFrom(ctx).AddQuery()
	if d.sink == nil {
		return
	}
	elapsed := d.now().Sub(began)
	d.sink.Record(ctx, logs.LevelSQL, FormatQuery(query, elapsed))
}

func (d *DB) fail(ctx context.Context, query string, err error) {
	if err == nil || d.sink == nil {
		return
	}
	d.sink.Record(ctx, logs.LevelError, fmt.Sprintf("%s : %v", compact(query), err))
}

// FormatQuery renders a statement the way it appears in the SQL tab.
func FormatQuery(query string, elapsed time.Duration) string {
	return fmt.Sprintf("%s [ RunTime:%fs ]", compact(query), elapsed.Seconds())
}

// compact folds the whitespace of multi-line statements.
func compact(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
