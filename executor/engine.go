// Package executor runs call descriptors against a source.Pool, short
// circuiting through the cache facade when a descriptor carries a directive.
//
// Per call the engine:
//
//  1. looks the directive up in the cache facade and returns on a hit
//  2. marshals tabular parameters, before any connection is taken
//  3. acquires a connection, released on every exit path
//  4. reads each result set row by row through the registered mappings
//  5. stores the materialized result under the directive
//
// Cache failures only cost latency: they are absorbed by the facade and the
// call falls through to the data source. Data source failures are returned as
// *callerr.ProviderError carrying the call identity and call id. Nothing is
// retried.
//
// Operations are generic functions because Go methods cannot declare type
// parameters:
//
//	orders, err := executor.Execute[Order](ctx, engine, desc)
package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-storedcall/cache"
	"github.com/goliatone/go-storedcall/call"
	"github.com/goliatone/go-storedcall/callerr"
	"github.com/goliatone/go-storedcall/logging"
	"github.com/goliatone/go-storedcall/mapping"
	"github.com/goliatone/go-storedcall/source"
)

// Stats are cumulative engine counters.
type Stats struct {
	// Executions counts calls dispatched to the data source.
	Executions int64
	// CacheHits counts calls answered from the cache.
	CacheHits int64
}

// Engine executes call descriptors. It is safe for concurrent use.
type Engine struct {
	pool     source.Pool
	cache    *cache.Facade
	registry *mapping.Registry
	logger   logging.Logger
	newID    func() string

	executions atomic.Int64
	hits       atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache enables cache directives.
func WithCache(f *cache.Facade) Option {
	return func(e *Engine) {
		e.cache = f
	}
}

// WithRegistry sets the mapping registry. An empty registry is used
// otherwise.
func WithRegistry(r *mapping.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.registry = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logging.OrNop(l)
	}
}

// New creates an engine over pool.
func New(pool source.Pool, opts ...Option) (*Engine, error) {
	if pool == nil {
		return nil, callerr.NewConfigError("pool", "cannot be nil")
	}
	e := &Engine{
		pool:     pool,
		registry: mapping.NewRegistry(),
		logger:   logging.NewNopLogger(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Registry returns the mapping registry used to resolve row and table
// mappings.
func (e *Engine) Registry() *mapping.Registry { return e.registry }

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Executions: e.executions.Load(),
		CacheHits:  e.hits.Load(),
	}
}

// Invalidate removes the cached result of d, if d carries a directive.
func (e *Engine) Invalidate(ctx context.Context, d *call.Descriptor) error {
	if d == nil {
		return callerr.NewConfigError("descriptor", "cannot be nil")
	}
	directive, ok := d.Directive()
	if !ok {
		return nil
	}
	if e.cache == nil {
		return errNoFacade(d)
	}
	return e.cache.Remove(ctx, directive.Tier, directive.Key)
}

// NonQuery executes d and returns the affected row count. Results are never
// cached; a cache directive on d names an entry to invalidate once the call
// succeeds.
func (e *Engine) NonQuery(ctx context.Context, d *call.Descriptor) (int64, error) {
	if d == nil {
		return 0, callerr.NewConfigError("descriptor", "cannot be nil")
	}
	st := e.begin(d)

	params, err := e.bind(d)
	if err != nil {
		return 0, err
	}

	var affected int64
	err = e.withConn(ctx, st, func(ctx context.Context, conn source.Conn) error {
		n, err := conn.Exec(ctx, source.Request{Identity: d.Identity(), Params: params})
		if err != nil {
			return stageErr(opExec, err)
		}
		affected = n
		return nil
	})
	if err != nil {
		return 0, e.fail(st, err)
	}

	st.log.Debug("call executed", "rows_affected", affected, "duration", time.Since(st.start))

	if _, ok := d.Directive(); ok && cacheModeFromContext(ctx) != cacheBypass {
		if err := e.Invalidate(ctx, d); err != nil {
			return affected, err
		}
	}
	return affected, nil
}

const (
	opDispatch  = "dispatch"
	opAcquire   = "acquire"
	opQuery     = "query"
	opExec      = "exec"
	opScan      = "scan"
	opMap       = "map"
	opResultSet = "result-set"
)

// stageError tags a data source failure with the step it happened in. It
// never leaves the package; fail turns it into a ProviderError.
type stageError struct {
	op  string
	err error
}

func (s *stageError) Error() string { return s.op + ": " + s.err.Error() }
func (s *stageError) Unwrap() error { return s.err }

func stageErr(op string, err error) error {
	return &stageError{op: op, err: err}
}

type callState struct {
	id    string
	desc  *call.Descriptor
	log   logging.Logger
	start time.Time
}

func (e *Engine) begin(d *call.Descriptor) *callState {
	id := e.newID()
	return &callState{
		id:    id,
		desc:  d,
		log:   e.logger.With("call_id", id, "identity", d.Identity()),
		start: time.Now(),
	}
}

// fail converts stage errors into provider errors and logs them. Errors of
// other kinds are returned unchanged.
func (e *Engine) fail(st *callState, err error) error {
	var stage *stageError
	if !errors.As(err, &stage) {
		return err
	}
	perr := &callerr.ProviderError{
		Identity: st.desc.Identity(),
		CallID:   st.id,
		Op:       stage.op,
		Err:      stage.err,
	}
	st.log.Error("call failed", "op", stage.op, "error", stage.err, "duration", time.Since(st.start))
	return perr
}

// bind marshals scalar and tabular parameters. Tables are marshaled here so
// mapping failures surface before a connection is taken.
func (e *Engine) bind(d *call.Descriptor) ([]source.Param, error) {
	params := d.Params()
	tables := d.Tables()

	out := make([]source.Param, 0, len(params)+len(tables))
	for _, p := range params {
		out = append(out, source.Param{Name: p.Name, Value: p.Value, Type: string(p.Type)})
	}
	for _, t := range tables {
		table, err := t.Marshal(e.registry)
		if err != nil {
			return nil, err
		}
		out = append(out, source.Param{Name: t.Name(), Value: table})
	}
	return out, nil
}

// withConn checks for cancellation, applies the call timeout and runs fn
// with an acquired connection.
func (e *Engine) withConn(ctx context.Context, st *callState, fn func(context.Context, source.Conn) error) error {
	if err := ctx.Err(); err != nil {
		return stageErr(opDispatch, err)
	}
	if timeout := st.desc.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	e.executions.Add(1)
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return stageErr(opAcquire, err)
	}
	defer conn.Release()

	return fn(ctx, conn)
}

// plan describes how one call shape reads its cursor.
type plan[P any] struct {
	sets int
	read func(cur source.Cursor, capacity int) (P, error)
	// localOnly marks payloads that cannot survive a round trip through the
	// distributed codec.
	localOnly bool
}

func run[P any](ctx context.Context, e *Engine, d *call.Descriptor, p plan[P]) (P, error) {
	var zero P
	if d == nil {
		return zero, callerr.NewConfigError("descriptor", "cannot be nil")
	}
	if declared := d.ResultSets(); declared > 0 && declared != p.sets {
		return zero, callerr.NewConfigError("result_sets", "%s declares %d result sets, read with %d", d.Identity(), declared, p.sets)
	}

	st := e.begin(d)
	if err := ctx.Err(); err != nil {
		return zero, e.fail(st, stageErr(opDispatch, err))
	}
	directive, cached := d.Directive()
	mode := cacheModeFromContext(ctx)

	if cached {
		if e.cache == nil {
			return zero, errNoFacade(d)
		}
		if p.localOnly && directive.Tier == cache.Distributed {
			st.log.Debug("distributed caching skipped for dynamic result sets")
			cached = false
		}
	}
	cached = cached && mode != cacheBypass

	outcome := "none"
	if cached {
		outcome = "miss"
		if mode == cacheRefresh {
			outcome = "refresh"
		} else {
			v, found, err := cache.Get[P](ctx, e.cache, directive)
			if err != nil {
				return zero, err
			}
			if found {
				e.hits.Add(1)
				st.log.Debug("call served from cache", "tier", directive.Tier, "key", directive.Key)
				return v, nil
			}
		}
	}

	params, err := e.bind(d)
	if err != nil {
		return zero, err
	}

	var payload P
	err = e.withConn(ctx, st, func(ctx context.Context, conn source.Conn) error {
		cur, err := conn.Query(ctx, source.Request{
			Identity:   d.Identity(),
			Params:     params,
			ResultSets: p.sets,
		})
		if err != nil {
			return stageErr(opQuery, err)
		}

		payload, err = p.read(cur, d.Capacity())
		closeErr := cur.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return stageErr(opQuery, closeErr)
		}
		return nil
	})
	if err != nil {
		return zero, e.fail(st, err)
	}

	st.log.Debug("call executed", "cache", outcome, "duration", time.Since(st.start))

	if cached {
		if err := cache.Put(ctx, e.cache, directive, payload); err != nil {
			return zero, err
		}
	}
	return payload, nil
}

func errNoFacade(d *call.Descriptor) error {
	return callerr.NewConfigError("cache", "%s carries a cache directive but the engine has no cache facade", d.Identity())
}

func rowFunc[T any](e *Engine) (mapping.RowFunc[T], error) {
	fn, ok := mapping.LookupRow[T](e.registry)
	if !ok {
		return nil, callerr.NewConfigError("mapper", "no row mapping registered for %s", reflect.TypeFor[T]())
	}
	return fn, nil
}

// maxPresize bounds the allocation made up front for a capacity hint. Larger
// results still grow past it through append.
const maxPresize = 4096

// readSet maps every row of the current result set.
func readSet[T any](cur source.Cursor, fn mapping.RowFunc[T], capacity int) ([]T, error) {
	items := make([]T, 0, min(max(capacity, 0), maxPresize))
	for cur.Next() {
		v, err := fn(cur)
		if err != nil {
			return nil, stageErr(opMap, fmt.Errorf("row %d: %w", len(items), err))
		}
		items = append(items, v)
	}
	if err := cur.Err(); err != nil {
		return nil, stageErr(opScan, err)
	}
	return items, nil
}

// advance moves to result set index i (zero based).
func advance(cur source.Cursor, i int) error {
	if cur.NextResultSet() {
		return nil
	}
	if err := cur.Err(); err != nil {
		return stageErr(opResultSet, err)
	}
	return stageErr(opResultSet, fmt.Errorf("expected result set %d, the call returned %d", i+1, i))
}
