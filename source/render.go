package source

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goliatone/go-storedcall/mapping"
)

// Statement is rendered SQL with its positional arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Renderer turns a request into the statements a connection runs. Each
// statement yields one result set, except where a driver reports more.
type Renderer interface {
	Render(kind Kind, req Request) ([]Statement, error)
}

// Placeholder returns the bind marker for the 1-based argument n.
type Placeholder func(n int) string

// Dollar renders $1, $2, ... as used by pgx and lib/pq.
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Question renders ? as used by bun and SQLite.
func Question(int) string { return "?" }

// FunctionCall renders Postgres routine calls with named arguments:
//
//	SELECT * FROM sales.get_orders(customer_id => $1::integer)
//	CALL sales.import_lines(lines => $1::jsonb)
//
// Tables without an explicit type are cast to jsonb.
type FunctionCall struct {
	Placeholder Placeholder
}

// Render implements Renderer.
func (f FunctionCall) Render(kind Kind, req Request) ([]Statement, error) {
	placeholder := f.Placeholder
	if placeholder == nil {
		placeholder = Dollar
	}
	if req.Identity == "" {
		return nil, fmt.Errorf("render: empty identity")
	}

	var sb strings.Builder
	switch kind {
	case KindQuery:
		sb.WriteString("SELECT * FROM ")
	case KindExec:
		sb.WriteString("CALL ")
	default:
		return nil, fmt.Errorf("render: unsupported kind %s", kind)
	}
	sb.WriteString(req.Identity)
	sb.WriteByte('(')

	args := make([]any, len(req.Params))
	for i, p := range req.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Name)
		sb.WriteString(" => ")
		sb.WriteString(placeholder(i + 1))
		if cast := castFor(p); cast != "" {
			sb.WriteString("::")
			sb.WriteString(cast)
		}
		args[i] = p.Value
	}
	sb.WriteByte(')')

	return []Statement{{SQL: sb.String(), Args: args}}, nil
}

func castFor(p Param) string {
	if p.Type != "" {
		return p.Type
	}
	switch p.Value.(type) {
	case mapping.Table, *mapping.Table:
		return "jsonb"
	}
	return ""
}

// Template is one statement of an emulated routine. Params lists, in bind
// order, the request parameters its placeholders refer to; a name may appear
// more than once.
type Template struct {
	SQL    string
	Params []string
}

// Routines maps identities to stored statement templates. It stands in for
// stored procedures on engines that have none, such as SQLite, and for
// routines that are plain SQL text kept next to the application.
type Routines map[string][]Template

// Render implements Renderer. Query and exec requests use the same templates.
func (r Routines) Render(kind Kind, req Request) ([]Statement, error) {
	templates, ok := r[req.Identity]
	if !ok || len(templates) == 0 {
		return nil, fmt.Errorf("render: no routine registered for %q", req.Identity)
	}

	values := make(map[string]any, len(req.Params))
	for _, p := range req.Params {
		values[p.Name] = p.Value
	}

	stmts := make([]Statement, len(templates))
	for i, tpl := range templates {
		args := make([]any, len(tpl.Params))
		for j, name := range tpl.Params {
			v, ok := values[name]
			if !ok {
				return nil, fmt.Errorf("render: routine %q statement %d needs parameter %q", req.Identity, i, name)
			}
			args[j] = v
		}
		stmts[i] = Statement{SQL: tpl.SQL, Args: args}
	}
	return stmts, nil
}
