// Package source defines the boundary between the execution engine and the
// connection pool of the authoritative data source.
//
// Implementations live in sub packages: sqldb wraps database/sql through bun,
// pgxsource wraps a pgx pool.
package source

import (
	"context"
	"fmt"
)

// Kind selects how a request is rendered and executed.
type Kind int

const (
	// KindQuery returns rows.
	KindQuery Kind = iota
	// KindExec returns an affected row count.
	KindExec
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindExec:
		return "exec"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Param is a bound parameter. Tabular parameters arrive already marshaled,
// as a mapping.Table value.
type Param struct {
	Name  string
	Value any
	Type  string
}

// Request describes one call against the data source.
type Request struct {
	Identity   string
	Params     []Param
	ResultSets int
}

// Pool hands out connections. Every acquired connection must be released.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
}

// Conn is a connection owned by a single call.
type Conn interface {
	Query(ctx context.Context, req Request) (Cursor, error)
	Exec(ctx context.Context, req Request) (int64, error)
	Release()
}

// Cursor is a forward-only reader over one or more result sets. Rows are
// read by ordinal through Scan.
type Cursor interface {
	Next() bool
	Scan(dest ...any) error
	Columns() []string
	// NextResultSet advances to the next result set, reporting false when
	// there is none.
	NextResultSet() bool
	Err() error
	Close() error
}
