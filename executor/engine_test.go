package executor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-storedcall/cache"
	"github.com/goliatone/go-storedcall/call"
	"github.com/goliatone/go-storedcall/callerr"
	"github.com/goliatone/go-storedcall/internal/cacheinfra"
	"github.com/goliatone/go-storedcall/logging"
	"github.com/goliatone/go-storedcall/mapping"
	"github.com/goliatone/go-storedcall/pkg/testsupport"
	"github.com/goliatone/go-storedcall/result"
)

type order struct {
	ID       int
	Customer string
	Total    float64
}

type orderLine struct {
	SKU string
	Qty int
}

type customer struct {
	Name string
}

func mapOrder(r mapping.Row) (order, error) {
	var o order
	err := r.Scan(&o.ID, &o.Customer, &o.Total)
	return o, err
}

func mapLine(r mapping.Row) (orderLine, error) {
	var l orderLine
	err := r.Scan(&l.SKU, &l.Qty)
	return l, err
}

func mapCustomer(r mapping.Row) (customer, error) {
	var c customer
	err := r.Scan(&c.Name)
	return c, err
}

func lineTable(items []orderLine) (mapping.Table, error) {
	t := mapping.Table{Columns: []mapping.Column{{Name: "sku", Type: "text"}, {Name: "qty", Type: "integer"}}}
	for _, l := range items {
		t.Rows = append(t.Rows, []any{l.SKU, l.Qty})
	}
	return t, nil
}

var fiveOrders = [][]any{
	{1, "acme", 10.5},
	{2, "globex", 20.0},
	{3, "initech", 30.25},
	{4, "acme", 40.0},
	{5, "umbrella", 50.75},
}

type testEnv struct {
	pool        *testsupport.FakePool
	facade      *cache.Facade
	memory      *cacheinfra.MemoryTier
	frozen      *cacheinfra.FrozenTier
	distributed *cacheinfra.DistributedTier
	engine      *Engine
	logs        *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := cacheinfra.DefaultConfig()
	memory, err := cacheinfra.NewMemoryTier(cfg.InMemory)
	if err != nil {
		t.Fatalf("NewMemoryTier() failed: %v", err)
	}
	distributed, err := cacheinfra.NewDistributedTier(cfg.Distributed)
	if err != nil {
		t.Fatalf("NewDistributedTier() failed: %v", err)
	}
	frozen := cacheinfra.NewFrozenTier()

	logs := &bytes.Buffer{}
	logger := logging.New(logging.Options{Verbose: true, Writer: logs})

	facade := cache.NewFacade(cache.WithLogger(logger))
	for tier, store := range map[cache.Tier]cache.Store{
		cache.InMemory:    memory,
		cache.Frozen:      frozen,
		cache.Distributed: distributed,
	} {
		if err := facade.Register(tier, store); err != nil {
			t.Fatalf("Register(%s) failed: %v", tier, err)
		}
	}
	t.Cleanup(func() { facade.Close() })

	reg := mapping.NewRegistry()
	mapping.RegisterRow(reg, mapOrder)
	mapping.RegisterRow(reg, mapLine)
	mapping.RegisterRow(reg, mapCustomer)
	mapping.RegisterTable(reg, lineTable)

	pool := testsupport.NewFakePool()
	engine, err := New(pool, WithCache(facade), WithRegistry(reg), WithLogger(logger))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	return &testEnv{
		pool:        pool,
		facade:      facade,
		memory:      memory,
		frozen:      frozen,
		distributed: distributed,
		engine:      engine,
		logs:        logs,
	}
}

func (env *testEnv) bindRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	if err := env.facade.InitDistributed(cache.RedisDialer(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})); err != nil {
		t.Fatalf("InitDistributed() failed: %v", err)
	}
	return mr
}

func mustBuild(t *testing.T, b *call.Builder) *call.Descriptor {
	t.Helper()
	d, err := b.Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	return d
}

func TestNew(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, callerr.ErrConfiguration) {
		t.Errorf("expected configuration error for nil pool, got %v", err)
	}

	e, err := New(testsupport.NewFakePool(), WithRegistry(nil), WithLogger(nil))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if e.Registry() == nil {
		t.Error("expected a default registry")
	}
}

func TestExecute_OrderedRows(t *testing.T) {
	env := newTestEnv(t)
	env.pool.OnRows("sales.list_orders", fiveOrders...)

	d := mustBuild(t, call.New("sales.list_orders").Capacity(5))
	orders, err := Execute[order](context.Background(), env.engine, d)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	if orders.Len() != 5 {
		t.Fatalf("expected 5 orders, got %d", orders.Len())
	}
	for i, row := range fiveOrders {
		want := order{ID: row[0].(int), Customer: row[1].(string), Total: row[2].(float64)}
		if diff := cmp.Diff(want, orders.At(i)); diff != "" {
			t.Errorf("row %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	if env.pool.Outstanding() != 0 {
		t.Errorf("expected every connection released, %d outstanding", env.pool.Outstanding())
	}
}

func TestExecute_InMemoryCacheShortCircuits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pool.OnRows("sales.list_orders", fiveOrders...)

	d := mustBuild(t, call.New("sales.list_orders").CacheFor(cache.InMemory, "k", time.Second))

	first, err := Execute[order](ctx, env.engine, d)
	if err != nil {
		t.Fatalf("first Execute() failed: %v", err)
	}
	second, err := Execute[order](ctx, env.engine, d)
	if err != nil {
		t.Fatalf("second Execute() failed: %v", err)
	}

	if calls := env.pool.Calls("sales.list_orders"); calls != 1 {
		t.Errorf("expected the data source to be reached once, got %d", calls)
	}
	if diff := cmp.Diff(first.Slice(), second.Slice()); diff != "" {
		t.Errorf("cached result mismatch (-first +second):\n%s", diff)
	}
	if stats := env.engine.Stats(); stats.Executions != 1 || stats.CacheHits != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestExecute2_TwoResultSets(t *testing.T) {
	env := newTestEnv(t)
	env.pool.On("sales.order_with_lines", testsupport.Response{Sets: [][][]any{
		{{1, "acme", 10.5}},
		{{"A-1", 2}, {"B-2", 5}},
	}})

	d := mustBuild(t, call.New("sales.order_with_lines").ResultSets(2))
	pair, err := Execute2[order, orderLine](context.Background(), env.engine, d)
	if err != nil {
		t.Fatalf("Execute2() failed: %v", err)
	}

	if diff := cmp.Diff([]order{{1, "acme", 10.5}}, pair.First.Slice()); diff != "" {
		t.Errorf("first set mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]orderLine{{"A-1", 2}, {"B-2", 5}}, pair.Second.Slice()); diff != "" {
		t.Errorf("second set mismatch (-want +got):\n%s", diff)
	}
	if reqs := env.pool.Requests(); reqs[0].ResultSets != 2 {
		t.Errorf("expected the request to announce 2 result sets, got %d", reqs[0].ResultSets)
	}
}

func TestExecute3_ThreeResultSets(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pool.On("sales.dashboard", testsupport.Response{Sets: [][][]any{
		{{1, "acme", 10.5}},
		{{"A-1", 2}},
		{{"acme"}, {"globex"}},
	}})

	d := mustBuild(t, call.New("sales.dashboard").Cache(cache.Frozen, "dashboard"))
	triple, err := Execute3[order, orderLine, customer](ctx, env.engine, d)
	if err != nil {
		t.Fatalf("Execute3() failed: %v", err)
	}
	if triple.First.Len() != 1 || triple.Second.Len() != 1 || triple.Third.Len() != 2 {
		t.Errorf("unexpected set sizes %d/%d/%d", triple.First.Len(), triple.Second.Len(), triple.Third.Len())
	}

	again, err := Execute3[order, orderLine, customer](ctx, env.engine, d)
	if err != nil {
		t.Fatalf("cached Execute3() failed: %v", err)
	}
	if again.Third.At(1).Name != "globex" {
		t.Errorf("unexpected cached value %+v", again.Third.Slice())
	}
	if env.pool.TotalCalls() != 1 {
		t.Errorf("expected the frozen tier to answer the second call, got %d calls", env.pool.TotalCalls())
	}
	if env.frozen.View().Len() != 1 {
		t.Errorf("expected one frozen entry, got %d", env.frozen.View().Len())
	}
}

func TestExecute_MissingResultSet(t *testing.T) {
	env := newTestEnv(t)
	env.pool.OnRows("sales.order_with_lines", []any{1, "acme", 10.5})

	d := mustBuild(t, call.New("sales.order_with_lines"))
	_, err := Execute2[order, orderLine](context.Background(), env.engine, d)

	var perr *callerr.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if perr.Op != "result-set" {
		t.Errorf("expected result-set op, got %s", perr.Op)
	}
	if env.pool.Outstanding() != 0 {
		t.Error("expected the connection to be released")
	}
}

func TestExecute_DeclaredResultSetsMismatch(t *testing.T) {
	env := newTestEnv(t)
	d := mustBuild(t, call.New("p").ResultSets(2))

	if _, err := Execute[order](context.Background(), env.engine, d); !errors.Is(err, callerr.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if env.pool.Acquired() != 0 {
		t.Error("expected no connection to be acquired")
	}
}

func TestExecute_ProviderErrors(t *testing.T) {
	boom := errors.New("boom")
	badRow := errors.New("bad row")

	tests := []struct {
		name    string
		setup   func(p *testsupport.FakePool)
		wantOp  string
		wantErr error
	}{
		{
			name:    "acquire",
			setup:   func(p *testsupport.FakePool) { p.FailAcquire(boom) },
			wantOp:  "acquire",
			wantErr: boom,
		},
		{
			name:    "query",
			setup:   func(p *testsupport.FakePool) { p.OnError("sales.list_orders", boom) },
			wantOp:  "query",
			wantErr: boom,
		},
		{
			name: "cursor",
			setup: func(p *testsupport.FakePool) {
				p.On("sales.list_orders", testsupport.Response{Sets: [][][]any{fiveOrders}, RowErr: badRow})
			},
			wantOp:  "scan",
			wantErr: badRow,
		},
		{
			name: "mapping",
			setup: func(p *testsupport.FakePool) {
				p.OnRows("sales.list_orders", []any{"not a number", "acme", 1.0})
			},
			wantOp: "map",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.setup(env.pool)

			d := mustBuild(t, call.New("sales.list_orders"))
			_, err := Execute[order](context.Background(), env.engine, d)

			var perr *callerr.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("expected provider error, got %v", err)
			}
			if !errors.Is(err, callerr.ErrProvider) {
				t.Error("expected errors.Is(err, ErrProvider)")
			}
			if perr.Op != tt.wantOp {
				t.Errorf("expected op %s, got %s", tt.wantOp, perr.Op)
			}
			if perr.Identity != "sales.list_orders" || perr.CallID == "" {
				t.Errorf("expected identity and call id, got %q/%q", perr.Identity, perr.CallID)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected cause %v, got %v", tt.wantErr, err)
			}
			if env.pool.Outstanding() != 0 {
				t.Errorf("expected every connection released, %d outstanding", env.pool.Outstanding())
			}
			if !strings.Contains(env.logs.String(), perr.CallID) {
				t.Error("expected the failure to be logged with the call id")
			}
		})
	}
}

func TestExecute_ProviderErrorsAreNotRetried(t *testing.T) {
	env := newTestEnv(t)
	env.pool.OnError("p", errors.New("boom"))

	d := mustBuild(t, call.New("p").Cache(cache.InMemory, "p"))
	if _, err := Execute[order](context.Background(), env.engine, d); err == nil {
		t.Fatal("expected an error")
	}
	if env.pool.Calls("p") != 1 {
		t.Errorf("expected a single attempt, got %d", env.pool.Calls("p"))
	}
	if env.memory.Len() != 0 {
		t.Error("failed calls must not be cached")
	}
}

func TestExecute_CanceledBeforeDispatch(t *testing.T) {
	env := newTestEnv(t)
	env.pool.OnRows("p", []any{1, "a", 1.0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := mustBuild(t, call.New("p"))
	_, err := Execute[order](ctx, env.engine, d)

	var perr *callerr.ProviderError
	if !errors.As(err, &perr) || perr.Op != "dispatch" {
		t.Fatalf("expected dispatch provider error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled cause, got %v", err)
	}
	if env.pool.Acquired() != 0 {
		t.Error("expected no connection to be acquired")
	}
}

func TestExecute_Timeout(t *testing.T) {
	env := newTestEnv(t)
	env.pool.OnRows("slow", []any{1, "a", 1.0})
	env.pool.Delay(time.Second)

	d := mustBuild(t, call.New("slow").Timeout(20*time.Millisecond))
	start := time.Now()
	_, err := Execute[order](context.Background(), env.engine, d)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("expected the call timeout to cut the wait short")
	}
	if env.pool.Outstanding() != 0 {
		t.Error("expected the connection to be released")
	}
}

func TestExecute_ConfigurationErrors(t *testing.T) {
	env := newTestEnv(t)
	env.pool.OnRows("p", []any{1})

	bare, err := New(env.pool)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	type unmapped struct{ X int }

	tests := []struct {
		name string
		run  func() error
	}{
		{"nil descriptor", func() error {
			_, err := Execute[order](context.Background(), env.engine, nil)
			return err
		}},
		{"missing mapper", func() error {
			_, err := Execute[unmapped](context.Background(), env.engine, mustBuild(t, call.New("p")))
			return err
		}},
		{"directive without facade", func() error {
			_, err := ExecuteWith(context.Background(), bare, mustBuild(t, call.New("p").Cache(cache.InMemory, "k")), mapOrder)
			return err
		}},
		{"distributed before init", func() error {
			_, err := Execute[order](context.Background(), env.engine, mustBuild(t, call.New("p").Cache(cache.Distributed, "k")))
			return err
		}},
		{"nil explicit mapper", func() error {
			_, err := ExecuteWith[order](context.Background(), env.engine, mustBuild(t, call.New("p")), nil)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, callerr.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
			if env.pool.Acquired() != 0 {
				t.Error("expected no connection to be acquired")
			}
		})
	}
}

func TestExecute_TablesMarshaledBeforeIO(t *testing.T) {
	t.Run("empty collection fails at build time", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := call.Table(call.New("sales.import"), "lines", "sales.line_type", []orderLine{}).Build()
		if !errors.Is(err, callerr.ErrParameter) {
			t.Fatalf("expected parameter error, got %v", err)
		}
		if env.pool.Acquired() != 0 || env.pool.TotalCalls() != 0 {
			t.Error("expected zero data source interactions")
		}
	})

	t.Run("mapper failure", func(t *testing.T) {
		env := newTestEnv(t)
		failing := func([]orderLine) (mapping.Table, error) { return mapping.Table{}, errors.New("boom") }
		d := mustBuild(t, call.TableWith(call.New("sales.import"), "lines", "", []orderLine{{"a", 1}}, failing))

		if _, err := env.engine.NonQuery(context.Background(), d); !errors.Is(err, callerr.ErrParameter) {
			t.Fatalf("expected parameter error, got %v", err)
		}
		if env.pool.Acquired() != 0 {
			t.Error("expected no connection to be acquired")
		}
	})

	t.Run("registry mapper binds one structured parameter", func(t *testing.T) {
		env := newTestEnv(t)
		env.pool.On("sales.import", testsupport.Response{Affected: 2})

		b := call.New("sales.import").Param("batch", 7)
		call.Table(b, "lines", "sales.line_type", []orderLine{{"a", 1}, {"b", 2}})

		n, err := env.engine.NonQuery(context.Background(), mustBuild(t, b))
		if err != nil {
			t.Fatalf("NonQuery() failed: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 affected rows, got %d", n)
		}

		params := env.pool.Requests()[0].Params
		if len(params) != 2 || params[0].Name != "batch" || params[1].Name != "lines" {
			t.Fatalf("unexpected params %+v", params)
		}
		table, ok := params[1].Value.(mapping.Table)
		if !ok {
			t.Fatalf("expected a mapping.Table, got %T", params[1].Value)
		}
		if table.Name != "sales.line_type" || len(table.Rows) != 2 {
			t.Errorf("unexpected table %+v", table)
		}
	})
}

func TestExecute_DistributedFailureFallsThrough(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pool.OnRows("sales.list_orders", fiveOrders...)

	err := env.facade.InitDistributed(func(context.Context) (redis.UniversalClient, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	if err != nil {
		t.Fatalf("InitDistributed() failed: %v", err)
	}

	d := mustBuild(t, call.New("sales.list_orders").CacheFor(cache.Distributed, "orders", time.Minute))
	for i := 0; i < 2; i++ {
		orders, err := Execute[order](ctx, env.engine, d)
		if err != nil {
			t.Fatalf("Execute() %d failed: %v", i, err)
		}
		if orders.Len() != 5 {
			t.Errorf("expected 5 orders, got %d", orders.Len())
		}
	}

	if env.pool.Calls("sales.list_orders") != 2 {
		t.Errorf("expected both calls to reach the data source, got %d", env.pool.Calls("sales.list_orders"))
	}
	if stats := env.facade.Stats(cache.Distributed); stats.Failures == 0 {
		t.Error("expected failures to be counted by the facade")
	}
}

func TestExecute_DistributedRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	mr := env.bindRedis(t)
	env.pool.OnRows("sales.list_orders", fiveOrders...)

	d := mustBuild(t, call.New("sales.list_orders").CacheFor(cache.Distributed, "orders", time.Minute))
	first, err := Execute[order](ctx, env.engine, d)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	second, err := Execute[order](ctx, env.engine, d)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	if env.pool.Calls("sales.list_orders") != 1 {
		t.Errorf("expected the second call to be served remotely, got %d calls", env.pool.Calls("sales.list_orders"))
	}
	if diff := cmp.Diff(first.Slice(), second.Slice()); diff != "" {
		t.Errorf("decoded result mismatch (-want +got):\n%s", diff)
	}
	if !mr.Exists("storedcall:orders") {
		t.Error("expected the payload in the remote store")
	}
}

func TestExecute_HugeCapacityHint(t *testing.T) {
	env := newTestEnv(t)
	env.pool.OnRows("sales.list_orders", fiveOrders...)

	d := mustBuild(t, call.New("sales.list_orders").Capacity(1<<50))
	orders, err := Execute[order](context.Background(), env.engine, d)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if orders.Len() != 5 {
		t.Errorf("expected 5 orders, got %d", orders.Len())
	}
}

func TestExecute_DistributedConnectHonorsDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.pool.OnRows("sales.list_orders", fiveOrders...)

	err := env.facade.InitDistributed(func(ctx context.Context) (redis.UniversalClient, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("InitDistributed() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d := mustBuild(t, call.New("sales.list_orders").CacheFor(cache.Distributed, "orders", time.Minute))
	start := time.Now()
	_, err = Execute[order](ctx, env.engine, d)
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("expected the call to give up at its deadline, took %v", elapsed)
	}
	var perr *callerr.ProviderError
	if !errors.As(err, &perr) || perr.Op != "dispatch" || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected dispatch provider error with deadline exceeded, got %v", err)
	}
	if stats := env.facade.Stats(cache.Distributed); stats.Failures != 1 {
		t.Errorf("expected the connect to be counted as a cache failure, got %+v", stats)
	}
}

func TestExecute_DistributedSkipsUnexportedRows(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	mr := env.bindRedis(t)
	env.pool.OnRows("sales.list_orders", fiveOrders...)

	type draftOrder struct {
		ID       int
		customer string
	}
	mapDraft := func(r mapping.Row) (draftOrder, error) {
		var o draftOrder
		var total float64
		err := r.Scan(&o.ID, &o.customer, &total)
		return o, err
	}

	d := mustBuild(t, call.New("sales.list_orders").CacheFor(cache.Distributed, "drafts", time.Minute))
	for i := 0; i < 2; i++ {
		drafts, err := ExecuteWith[draftOrder](ctx, env.engine, d, mapDraft)
		if err != nil {
			t.Fatalf("ExecuteWith() %d failed: %v", i, err)
		}
		if drafts.At(0).customer != "acme" {
			t.Errorf("expected rows read from the data source, got %+v", drafts.At(0))
		}
	}

	if env.pool.Calls("sales.list_orders") != 2 {
		t.Errorf("expected both calls to reach the data source, got %d", env.pool.Calls("sales.list_orders"))
	}
	if mr.Exists("storedcall:drafts") {
		t.Error("expected rows with unexported fields to stay out of the remote store")
	}
}

func TestExecute_CacheModes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pool.OnRows("p", []any{1, "a", 1.0})

	d := mustBuild(t, call.New("p").Cache(cache.InMemory, "p"))

	if _, err := Execute[order](WithoutCache(ctx), env.engine, d); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if env.memory.Len() != 0 {
		t.Error("WithoutCache must not store")
	}

	if _, err := Execute[order](ctx, env.engine, d); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	env.pool.OnRows("p", []any{2, "b", 2.0})

	refreshed, err := Execute[order](WithRefresh(ctx), env.engine, d)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if refreshed.At(0).ID != 2 {
		t.Errorf("expected WithRefresh to reach the data source, got %+v", refreshed.At(0))
	}

	cached, err := Execute[order](ctx, env.engine, d)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if cached.At(0).ID != 2 {
		t.Errorf("expected WithRefresh to store the fresh result, got %+v", cached.At(0))
	}
	if env.pool.Calls("p") != 3 {
		t.Errorf("expected 3 data source calls, got %d", env.pool.Calls("p"))
	}
}

func TestCacheModeFromContext(t *testing.T) {
	ctx := context.Background()
	if cacheModeFromContext(ctx) != cacheDefault {
		t.Error("expected default mode")
	}
	if cacheModeFromContext(WithRefresh(ctx)) != cacheRefresh {
		t.Error("expected refresh mode")
	}
	if cacheModeFromContext(WithoutCache(WithRefresh(ctx))) != cacheBypass {
		t.Error("expected the innermost mode to win")
	}
	if cacheModeFromContext(nil) != cacheDefault {
		t.Error("expected default mode for a nil context")
	}
}

func TestStreamAndSnapshot_ShareEntries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pool.OnRows("sales.list_orders", fiveOrders...)

	d := mustBuild(t, call.New("sales.list_orders").Capacity(5).Cache(cache.InMemory, "orders"))

	seq, err := Stream[order](ctx, env.engine, d)
	if err != nil {
		t.Fatalf("Stream() failed: %v", err)
	}
	var ids []int
	for o := range seq.All() {
		ids = append(ids, o.ID)
	}
	if diff := cmp.Diff([]int{1, 2, 3, 4, 5}, ids); diff != "" {
		t.Errorf("stream mismatch (-want +got):\n%s", diff)
	}
	if _, ok := seq.Next(); ok {
		t.Error("expected the sequence to be exhausted")
	}

	snap, err := Snapshot[order](ctx, env.engine, d)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if snap.Len() != 5 || snap.At(4).Customer != "umbrella" {
		t.Errorf("unexpected snapshot %+v", snap.Slice())
	}

	list, err := Execute[order](ctx, env.engine, d)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if list.Len() != 5 {
		t.Errorf("expected 5 orders, got %d", list.Len())
	}
	if env.pool.TotalCalls() != 1 {
		t.Errorf("expected one data source call, got %d", env.pool.TotalCalls())
	}
}

func TestScalar(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pool.OnRows("sales.count_orders", []any{42})
	env.pool.OnRows("sales.nothing")

	count, err := Scalar[int64](ctx, env.engine, mustBuild(t, call.New("sales.count_orders").Cache(cache.InMemory, "count")))
	if err != nil {
		t.Fatalf("Scalar() failed: %v", err)
	}
	if !count.Valid || count.Value != 42 {
		t.Errorf("expected 42, got %+v", count)
	}

	again, err := Scalar[int64](ctx, env.engine, mustBuild(t, call.New("sales.count_orders").Cache(cache.InMemory, "count")))
	if err != nil || again != count {
		t.Errorf("expected cached scalar, got %+v (%v)", again, err)
	}
	if env.pool.Calls("sales.count_orders") != 1 {
		t.Errorf("expected one call, got %d", env.pool.Calls("sales.count_orders"))
	}

	empty, err := Scalar[string](ctx, env.engine, mustBuild(t, call.New("sales.nothing")))
	if err != nil {
		t.Fatalf("Scalar() failed: %v", err)
	}
	if empty.Valid {
		t.Errorf("expected an invalid scalar, got %+v", empty)
	}
}

func TestNonQuery_InvalidatesDirective(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pool.OnRows("sales.list_orders", fiveOrders...)
	env.pool.On("sales.archive_orders", testsupport.Response{Affected: 5})

	read := mustBuild(t, call.New("sales.list_orders").Cache(cache.InMemory, "orders"))
	write := mustBuild(t, call.New("sales.archive_orders").Cache(cache.InMemory, "orders"))

	if _, err := Execute[order](ctx, env.engine, read); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if env.memory.Len() != 1 {
		t.Fatalf("expected a cached entry, got %d", env.memory.Len())
	}

	n, err := env.engine.NonQuery(ctx, write)
	if err != nil {
		t.Fatalf("NonQuery() failed: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 affected rows, got %d", n)
	}
	if env.memory.Len() != 0 {
		t.Error("expected the entry to be invalidated")
	}

	if _, err := Execute[order](ctx, env.engine, read); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if env.pool.Calls("sales.list_orders") != 2 {
		t.Errorf("expected a fresh read after invalidation, got %d calls", env.pool.Calls("sales.list_orders"))
	}
}

func TestNonQuery_Errors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pool.OnError("sales.archive_orders", errors.New("deadlock detected"))

	_, err := env.engine.NonQuery(ctx, mustBuild(t, call.New("sales.archive_orders")))

	var perr *callerr.ProviderError
	if !errors.As(err, &perr) || perr.Op != "exec" {
		t.Fatalf("expected exec provider error, got %v", err)
	}
	if env.pool.Outstanding() != 0 {
		t.Error("expected the connection to be released")
	}

	if _, err := env.engine.NonQuery(ctx, nil); !errors.Is(err, callerr.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestExecuteSets(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.bindRedis(t)
	env.pool.On("sales.report", testsupport.Response{Sets: [][][]any{
		{{1, "acme", 10.5}},
		{{"A-1", 2}},
		{{"acme"}},
		{{"globex"}, {"initech"}},
	}})

	customers, err := SetOf[customer](env.engine)
	if err != nil {
		t.Fatalf("SetOf() failed: %v", err)
	}
	readers := []SetReader{Set(mapOrder), Set(mapLine), customers, customers}

	sets, err := ExecuteSets(ctx, env.engine, mustBuild(t, call.New("sales.report").Cache(cache.InMemory, "report")), readers...)
	if err != nil {
		t.Fatalf("ExecuteSets() failed: %v", err)
	}
	if sets.Len() != 4 {
		t.Fatalf("expected 4 sets, got %d", sets.Len())
	}
	last, err := result.SetAt[customer](sets, 3)
	if err != nil {
		t.Fatalf("SetAt() failed: %v", err)
	}
	if diff := cmp.Diff([]customer{{"globex"}, {"initech"}}, last.Slice()); diff != "" {
		t.Errorf("set mismatch (-want +got):\n%s", diff)
	}

	if _, err := ExecuteSets(ctx, env.engine, mustBuild(t, call.New("sales.report").Cache(cache.InMemory, "report")), readers...); err != nil {
		t.Fatalf("cached ExecuteSets() failed: %v", err)
	}
	if env.pool.Calls("sales.report") != 1 {
		t.Errorf("expected the in-memory tier to answer, got %d calls", env.pool.Calls("sales.report"))
	}

	remote := mustBuild(t, call.New("sales.report").Cache(cache.Distributed, "report"))
	for i := 0; i < 2; i++ {
		if _, err := ExecuteSets(ctx, env.engine, remote, readers...); err != nil {
			t.Fatalf("ExecuteSets() failed: %v", err)
		}
	}
	if env.pool.Calls("sales.report") != 3 {
		t.Errorf("expected distributed directives to be skipped, got %d calls", env.pool.Calls("sales.report"))
	}
	if env.facade.Stats(cache.Distributed).Stores != 0 {
		t.Error("expected nothing stored remotely")
	}
}

func TestExecuteSets_InvalidReaders(t *testing.T) {
	env := newTestEnv(t)
	d := mustBuild(t, call.New("p"))

	if _, err := ExecuteSets(context.Background(), env.engine, d); !errors.Is(err, callerr.ErrConfiguration) {
		t.Errorf("expected configuration error without readers, got %v", err)
	}
	if _, err := ExecuteSets(context.Background(), env.engine, d, Set(mapOrder)); !errors.Is(err, callerr.ErrConfiguration) {
		t.Errorf("expected configuration error for a single reader, got %v", err)
	}
	if _, err := ExecuteSets(context.Background(), env.engine, d, Set(mapOrder), Set[order](nil)); !errors.Is(err, callerr.ErrConfiguration) {
		t.Errorf("expected configuration error for a nil mapping, got %v", err)
	}
	if env.pool.TotalCalls() != 0 {
		t.Errorf("expected no data source calls, got %d", env.pool.TotalCalls())
	}
	type unmapped struct{}
	if _, err := SetOf[unmapped](env.engine); !errors.Is(err, callerr.ErrConfiguration) {
		t.Errorf("expected configuration error for an unregistered type, got %v", err)
	}
}

func TestEngine_Invalidate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.pool.OnRows("p", []any{1, "a", 1.0})

	d := mustBuild(t, call.New("p").Cache(cache.Frozen, "p"))
	if _, err := Execute[order](ctx, env.engine, d); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if err := env.engine.Invalidate(ctx, d); err != nil {
		t.Fatalf("Invalidate() failed: %v", err)
	}
	if env.frozen.View().Len() != 0 {
		t.Error("expected the frozen entry to be removed")
	}
	if err := env.engine.Invalidate(ctx, mustBuild(t, call.New("p"))); err != nil {
		t.Errorf("expected no error without a directive, got %v", err)
	}
}

func TestEngine_LogsCallID(t *testing.T) {
	env := newTestEnv(t)
	env.pool.OnRows("p", []any{1, "a", 1.0})
	env.engine.newID = func() string { return "call-1" }

	if _, err := Execute[order](context.Background(), env.engine, mustBuild(t, call.New("p"))); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	logs := env.logs.String()
	if !strings.Contains(logs, "call_id=call-1") || !strings.Contains(logs, "identity=p") {
		t.Errorf("expected call id and identity in logs, got:\n%s", logs)
	}
}
