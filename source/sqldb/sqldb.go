// Package sqldb implements source.Pool over database/sql through bun.
//
// Postgres is reached through lib/pq and the bun pgdialect, SQLite through
// modernc.org/sqlite and the bun sqlitedialect. bun formats arguments into the
// statement text, so renderers for this package use "?" placeholders.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
	_ "modernc.org/sqlite"

	"github.com/goliatone/go-storedcall/callerr"
	"github.com/goliatone/go-storedcall/source"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config describes how to open the database.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverPostgres, DriverSQLite)),
		validation.Field(&c.DSN, validation.Required),
		validation.Field(&c.MaxOpenConns, validation.Min(0)),
		validation.Field(&c.MaxIdleConns, validation.Min(0)),
		validation.Field(&c.ConnMaxLifetime, validation.Min(time.Duration(0))),
	)
	if err == nil {
		return nil
	}
	var errs validation.Errors
	if errors.As(err, &errs) {
		for _, field := range []string{"Driver", "DSN", "MaxOpenConns", "MaxIdleConns", "ConnMaxLifetime"} {
			if fe, ok := errs[field]; ok {
				return callerr.NewConfigError("sqldb."+field, "%v", fe)
			}
		}
	}
	return callerr.NewConfigError("sqldb", "%v", err)
}

// Pool acquires dedicated bun connections.
type Pool struct {
	db       *bun.DB
	renderer source.Renderer
}

var _ source.Pool = (*Pool)(nil)

// Option configures a Pool.
type Option func(*Pool)

// WithRenderer replaces the default FunctionCall renderer.
func WithRenderer(r source.Renderer) Option {
	return func(p *Pool) {
		if r != nil {
			p.renderer = r
		}
	}
}

// New wraps an existing bun database.
func New(db *bun.DB, opts ...Option) *Pool {
	p := &Pool{
		db:       db,
		renderer: source.FunctionCall{Placeholder: source.Question},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open validates cfg, opens the database and wraps it.
func Open(cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return New(bun.NewDB(sqlDB, dialectFor(cfg.Driver)), opts...), nil
}

func dialectFor(driver string) schema.Dialect {
	if driver == DriverSQLite {
		return sqlitedialect.New()
	}
	return pgdialect.New()
}

// DB returns the underlying bun database.
func (p *Pool) DB() *bun.DB { return p.db }

// Close closes the database.
func (p *Pool) Close() error { return p.db.Close() }

// Acquire implements source.Pool.
func (p *Pool) Acquire(ctx context.Context) (source.Conn, error) {
	c, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &conn{conn: c, renderer: p.renderer}, nil
}

type conn struct {
	conn     bun.Conn
	renderer source.Renderer
}

func (c *conn) Query(ctx context.Context, req source.Request) (source.Cursor, error) {
	stmts, err := c.renderer.Render(source.KindQuery, req)
	if err != nil {
		return nil, err
	}
	if len(stmts) == 0 {
		return nil, fmt.Errorf("render %s: no statements", req.Identity)
	}
	rows, err := c.conn.QueryContext(ctx, stmts[0].SQL, stmts[0].Args...)
	if err != nil {
		return nil, err
	}
	return &cursor{ctx: ctx, conn: c.conn, pending: stmts[1:], rows: rows}, nil
}

func (c *conn) Exec(ctx context.Context, req source.Request) (int64, error) {
	stmts, err := c.renderer.Render(source.KindExec, req)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, stmt := range stmts {
		res, err := c.conn.ExecContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *conn) Release() {
	_ = c.conn.Close()
}

// cursor walks the driver result sets of each statement, then moves on to
// the next statement.
type cursor struct {
	ctx     context.Context
	conn    bun.Conn
	pending []source.Statement
	rows    *sql.Rows
	err     error
}

func (c *cursor) Next() bool {
	if c.rows == nil {
		return false
	}
	return c.rows.Next()
}

func (c *cursor) Scan(dest ...any) error {
	if c.rows == nil {
		return sql.ErrNoRows
	}
	return c.rows.Scan(dest...)
}

func (c *cursor) Columns() []string {
	if c.rows == nil {
		return nil
	}
	cols, err := c.rows.Columns()
	if err != nil {
		return nil
	}
	return cols
}

func (c *cursor) NextResultSet() bool {
	if c.rows == nil || c.err != nil {
		return false
	}
	if c.rows.NextResultSet() {
		return true
	}
	if err := c.rows.Err(); err != nil {
		c.err = err
		return false
	}
	if len(c.pending) == 0 {
		return false
	}

	if err := c.rows.Close(); err != nil {
		c.err = err
		return false
	}
	stmt := c.pending[0]
	c.pending = c.pending[1:]
	rows, err := c.conn.QueryContext(c.ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		c.rows = nil
		c.err = err
		return false
	}
	c.rows = rows
	return true
}

func (c *cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if c.rows == nil {
		return nil
	}
	return c.rows.Err()
}

func (c *cursor) Close() error {
	if c.rows == nil {
		return nil
	}
	return c.rows.Close()
}
