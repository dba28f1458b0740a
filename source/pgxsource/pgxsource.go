// Package pgxsource implements source.Pool over a pgx connection pool.
//
// Routines returning more than one result set are expected to return
// refcursors, either as a set of rows or as columns of a single row. The call
// then runs inside a transaction and each cursor is read with FETCH ALL.
package pgxsource

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/goliatone/go-storedcall/source"
)

// Pool wraps a pgxpool.Pool.
type Pool struct {
	pool     *pgxpool.Pool
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

// New wraps an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Pool {
	p := &Pool{
		pool:     pool,
		renderer: source.FunctionCall{Placeholder: source.Dollar},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open parses dsn and creates the pool. Connections are opened lazily by
// pgxpool.
func Open(ctx context.Context, dsn string, opts ...Option) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return New(pool, opts...), nil
}

// Close closes every connection in the pool.
func (p *Pool) Close() { p.pool.Close() }

// Acquire implements source.Pool.
func (p *Pool) Acquire(ctx context.Context) (source.Conn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &conn{conn: c, renderer: p.renderer}, nil
}

type conn struct {
	conn     *pgxpool.Conn
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

	if req.ResultSets > 1 && len(stmts) == 1 {
		return c.queryRefCursors(ctx, stmts[0])
	}

	rows, err := c.conn.Query(ctx, stmts[0].SQL, stmts[0].Args...)
	if err != nil {
		return nil, err
	}
	cur := &cursor{ctx: ctx, rows: rows}
	for _, stmt := range stmts[1:] {
		cur.pending = append(cur.pending, pending{sql: stmt.SQL, args: stmt.Args})
	}
	cur.query = c.conn.Query
	return cur, nil
}

func (c *conn) queryRefCursors(ctx context.Context, stmt source.Statement) (source.Cursor, error) {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}

	names, err := cursorNames(ctx, tx, stmt)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if len(names) == 0 {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("routine returned no refcursors")
	}

	cur := &cursor{ctx: ctx, tx: tx, query: tx.Query}
	for _, name := range names {
		cur.pending = append(cur.pending, pending{sql: "FETCH ALL FROM " + pgx.Identifier{name}.Sanitize()})
	}
	if !cur.advance() {
		err := cur.err
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return cur, nil
}

// cursorNames reads every value of every row as a refcursor name.
func cursorNames(ctx context.Context, tx pgx.Tx, stmt source.Statement) ([]string, error) {
	rows, err := tx.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			switch name := v.(type) {
			case string:
				names = append(names, name)
			case []byte:
				names = append(names, string(name))
			default:
				return nil, fmt.Errorf("expected refcursor name, got %T", v)
			}
		}
	}
	return names, rows.Err()
}

func (c *conn) Exec(ctx context.Context, req source.Request) (int64, error) {
	stmts, err := c.renderer.Render(source.KindExec, req)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, stmt := range stmts {
		tag, err := c.conn.Exec(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func (c *conn) Release() {
	c.conn.Release()
}

type pending struct {
	sql  string
	args []any
}

type queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)

// cursor reads pgx rows for the current statement and opens the next pending
// statement on NextResultSet. tx is set when the call runs over refcursors.
type cursor struct {
	ctx     context.Context
	rows    pgx.Rows
	tx      pgx.Tx
	query   queryFunc
	pending []pending
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
		return pgx.ErrNoRows
	}
	return c.rows.Scan(dest...)
}

func (c *cursor) Columns() []string {
	if c.rows == nil {
		return nil
	}
	fds := c.rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}
	return cols
}

func (c *cursor) NextResultSet() bool {
	if c.err != nil {
		return false
	}
	if c.rows != nil {
		c.rows.Close()
		if err := c.rows.Err(); err != nil {
			c.err = err
			return false
		}
	}
	return c.advance()
}

func (c *cursor) advance() bool {
	if len(c.pending) == 0 {
		return false
	}
	next := c.pending[0]
	c.pending = c.pending[1:]

	rows, err := c.query(c.ctx, next.sql, next.args...)
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
	if c.rows != nil {
		c.rows.Close()
	}
	err := c.Err()
	if c.tx == nil {
		return err
	}

	tx := c.tx
	c.tx = nil
	if err != nil {
		_ = tx.Rollback(c.ctx)
		return err
	}
	return tx.Commit(c.ctx)
}
