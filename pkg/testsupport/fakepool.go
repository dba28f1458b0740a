package testsupport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-storedcall/source"
)

// Response is the scripted outcome of one identity.
type Response struct {
	// Columns names the columns of each set; optional.
	Columns [][]string `json:"columns"`
	// Sets holds result sets, each a list of rows.
	Sets [][][]any `json:"sets"`
	// Affected is returned by Exec.
	Affected int64 `json:"affected"`
	// Err is returned by Query and Exec instead of a result.
	Err error `json:"-"`
	// RowErr is reported by the cursor after the last row of the first set.
	RowErr error `json:"-"`
}

// ErrUnscripted is returned for identities without a response.
var ErrUnscripted = errors.New("no response scripted for identity")

// FakePool is an in-memory source.Pool that replays scripted responses and
// records every interaction.
type FakePool struct {
	mu         sync.Mutex
	responses  map[string]Response
	calls      map[string]int
	requests   []source.Request
	acquireErr error
	delay      time.Duration

	acquired atomic.Int64
	released atomic.Int64
}

var _ source.Pool = (*FakePool)(nil)

// NewFakePool creates an empty fake pool.
func NewFakePool() *FakePool {
	return &FakePool{
		responses: make(map[string]Response),
		calls:     make(map[string]int),
	}
}

// On scripts the response for identity.
func (p *FakePool) On(identity string, resp Response) *FakePool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[identity] = resp
	return p
}

// OnRows scripts a single result set for identity.
func (p *FakePool) OnRows(identity string, rows ...[]any) *FakePool {
	return p.On(identity, Response{Sets: [][][]any{rows}})
}

// OnError scripts a failure for identity.
func (p *FakePool) OnError(identity string, err error) *FakePool {
	return p.On(identity, Response{Err: err})
}

// FailAcquire makes Acquire return err; nil restores normal behavior.
func (p *FakePool) FailAcquire(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquireErr = err
}

// Delay makes Query and Exec wait d, or until the call context is done.
func (p *FakePool) Delay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Calls returns how many times identity was queried or executed.
func (p *FakePool) Calls(identity string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[identity]
}

// TotalCalls returns the number of Query and Exec calls across identities.
func (p *FakePool) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

// Requests returns every request received, in order.
func (p *FakePool) Requests() []source.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]source.Request(nil), p.requests...)
}

// Acquired returns the number of successful acquisitions.
func (p *FakePool) Acquired() int64 { return p.acquired.Load() }

// Released returns the number of released connections.
func (p *FakePool) Released() int64 { return p.released.Load() }

// Outstanding returns acquired connections not yet released.
func (p *FakePool) Outstanding() int64 { return p.acquired.Load() - p.released.Load() }

// Acquire implements source.Pool.
func (p *FakePool) Acquire(ctx context.Context) (source.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	err := p.acquireErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	p.acquired.Add(1)
	return &fakeConn{pool: p}, nil
}

func (p *FakePool) record(ctx context.Context, req source.Request) (Response, error) {
	p.mu.Lock()
	p.calls[req.Identity]++
	p.requests = append(p.requests, req)
	resp, ok := p.responses[req.Identity]
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-timer.C:
		}
	}
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrUnscripted, req.Identity)
	}
	if resp.Err != nil {
		return Response{}, resp.Err
	}
	return resp, nil
}

type fakeConn struct {
	pool     *FakePool
	released atomic.Bool
}

func (c *fakeConn) Query(ctx context.Context, req source.Request) (source.Cursor, error) {
	resp, err := c.pool.record(ctx, req)
	if err != nil {
		return nil, err
	}
	return &fakeCursor{resp: resp, row: -1}, nil
}

func (c *fakeConn) Exec(ctx context.Context, req source.Request) (int64, error) {
	resp, err := c.pool.record(ctx, req)
	if err != nil {
		return 0, err
	}
	return resp.Affected, nil
}

func (c *fakeConn) Release() {
	if c.released.CompareAndSwap(false, true) {
		c.pool.released.Add(1)
	}
}

type fakeCursor struct {
	resp   Response
	set    int
	row    int
	err    error
	closed bool
}

func (c *fakeCursor) rows() [][]any {
	if c.set >= len(c.resp.Sets) {
		return nil
	}
	return c.resp.Sets[c.set]
}

func (c *fakeCursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.row+1 < len(c.rows()) {
		c.row++
		return true
	}
	if c.set == 0 && c.resp.RowErr != nil {
		c.err = c.resp.RowErr
	}
	return false
}

func (c *fakeCursor) Scan(dest ...any) error {
	rows := c.rows()
	if c.row < 0 || c.row >= len(rows) {
		return sql.ErrNoRows
	}
	row := rows[c.row]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d destinations, got %d", len(row), len(dest))
	}
	for i, v := range row {
		if err := assign(dest[i], v); err != nil {
			return fmt.Errorf("scan column %d: %w", i, err)
		}
	}
	return nil
}

func (c *fakeCursor) Columns() []string {
	if c.set < len(c.resp.Columns) {
		return append([]string(nil), c.resp.Columns[c.set]...)
	}
	return nil
}

func (c *fakeCursor) NextResultSet() bool {
	if c.closed || c.err != nil || c.set+1 >= len(c.resp.Sets) {
		return false
	}
	c.set++
	c.row = -1
	return true
}

func (c *fakeCursor) Err() error { return c.err }

func (c *fakeCursor) Close() error {
	c.closed = true
	return nil
}

// assign copies v into dest the way a lenient driver would: sql.Scanner
// first, then direct assignment, then conversion between compatible kinds.
func assign(dest, v any) error {
	if s, ok := dest.(sql.Scanner); ok {
		return s.Scan(v)
	}

	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("destination must be a non-nil pointer, got %T", dest)
	}
	target := dv.Elem()
	if v == nil {
		target.SetZero()
		return nil
	}

	sv := reflect.ValueOf(v)
	switch {
	case sv.Type().AssignableTo(target.Type()):
		target.Set(sv)
	case sv.Type().ConvertibleTo(target.Type()) && convertible(sv.Kind(), target.Kind()):
		target.Set(sv.Convert(target.Type()))
	default:
		return fmt.Errorf("cannot assign %T to %s", v, target.Type())
	}
	return nil
}

// convertible rejects conversions reflect allows but a driver would not,
// such as int to string.
func convertible(from, to reflect.Kind) bool {
	numeric := func(k reflect.Kind) bool {
		return k >= reflect.Int && k <= reflect.Float64
	}
	if numeric(from) && numeric(to) {
		return true
	}
	return from == to
}
