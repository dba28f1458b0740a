package cacheinfra

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-storedcall/cache"
	"github.com/goliatone/go-storedcall/callerr"
)

// Codec serializes values for the distributed tier.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, dst any) error
}

// ErrUnexportedFields is returned by the msgpack codec for values whose
// structs carry unexported fields. msgpack skips those fields, so the value
// would decode incomplete.
var ErrUnexportedFields = errors.New("value has unexported struct fields")

type msgpackCodec struct {
	checked *xsync.MapOf[reflect.Type, bool]
}

func (c msgpackCodec) Marshal(v any) ([]byte, error) {
	if t := reflect.TypeOf(v); t != nil {
		complete, _ := c.checked.LoadOrCompute(t, func() bool {
			return fullyExported(t, map[reflect.Type]bool{})
		})
		if !complete {
			return nil, fmt.Errorf("%w: %s", ErrUnexportedFields, t)
		}
	}
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, dst any) error { return msgpack.Unmarshal(data, dst) }

// MsgpackCodec is the default Codec. It refuses values that msgpack could
// not round trip because of unexported struct fields.
func MsgpackCodec() Codec {
	return msgpackCodec{checked: xsync.NewMapOf[reflect.Type, bool]()}
}

var (
	binaryMarshaler = reflect.TypeFor[encoding.BinaryMarshaler]()
	textMarshaler   = reflect.TypeFor[encoding.TextMarshaler]()
	customEncoder   = reflect.TypeFor[msgpack.CustomEncoder]()
	msgpackMarshal  = reflect.TypeFor[msgpack.Marshaler]()
)

// fullyExported reports whether every struct reachable from t encodes all of
// its fields. Types with their own encoding (time.Time, decimal.Decimal) are
// accepted as is.
func fullyExported(t reflect.Type, seen map[reflect.Type]bool) bool {
	if seen[t] {
		return true
	}
	seen[t] = true

	for _, m := range []reflect.Type{binaryMarshaler, textMarshaler, customEncoder, msgpackMarshal} {
		if t.Implements(m) || reflect.PointerTo(t).Implements(m) {
			return true
		}
	}

	switch t.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return fullyExported(t.Elem(), seen)
	case reflect.Map:
		return fullyExported(t.Key(), seen) && fullyExported(t.Elem(), seen)
	case reflect.Struct:
		for i := range t.NumField() {
			f := t.Field(i)
			if f.Tag.Get("msgpack") == "-" {
				continue
			}
			if !f.IsExported() || !fullyExported(f.Type, seen) {
				return false
			}
		}
	}
	return true
}

type clientBox struct {
	client redis.UniversalClient
}

// DistributedTier stores msgpack payloads in a Redis compatible service.
//
// The tier is unusable until Bind supplies a dialer. The connection is opened
// on first use; concurrent first callers share the same attempt, each waiting
// no longer than its own context. A failed attempt is reported as a failed
// result and the next operation tries again.
//
// Values are encoded with msgpack, which only sees exported struct fields.
// Saving a value with unexported fields fails with ErrUnexportedFields, so
// such results are never cached remotely.
// Individual operations are never retried, reconnection is left to the
// go-redis client.
type DistributedTier struct {
	cfg    DistributedConfig
	codec  Codec
	dialer atomic.Pointer[cache.Dialer]
	client atomic.Pointer[clientBox]
	group  singleflight.Group
	dials  atomic.Int64
}

var (
	_ cache.Store  = (*DistributedTier)(nil)
	_ cache.Binder = (*DistributedTier)(nil)
)

// DistributedOption configures a DistributedTier.
type DistributedOption func(*DistributedTier)

// WithCodec replaces the msgpack codec.
func WithCodec(c Codec) DistributedOption {
	return func(t *DistributedTier) {
		if c != nil {
			t.codec = c
		}
	}
}

// NewDistributedTier validates cfg and creates an unbound tier.
func NewDistributedTier(cfg DistributedConfig, opts ...DistributedOption) (*DistributedTier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &DistributedTier{cfg: cfg, codec: MsgpackCodec()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Bind implements cache.Binder. Binding again drops the current connection.
func (t *DistributedTier) Bind(dialer cache.Dialer) error {
	if dialer == nil {
		return callerr.NewConfigError("dialer", "cannot be nil")
	}
	t.dialer.Store(&dialer)
	if prev := t.client.Swap(nil); prev != nil {
		_ = prev.client.Close()
	}
	return nil
}

// Dials returns how many connection attempts were made.
func (t *DistributedTier) Dials() int64 {
	return t.dials.Load()
}

// Lookup implements cache.Store.
func (t *DistributedTier) Lookup(ctx context.Context, key string, dst any) cache.Result {
	client, err := t.connect(ctx)
	if err != nil {
		return cache.Failed(err)
	}

	opCtx, cancel := t.operationContext(ctx)
	defer cancel()

	data, err := client.Get(opCtx, t.remoteKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return cache.Miss()
	}
	if err != nil {
		return cache.Failed(fmt.Errorf("distributed get: %w", err))
	}
	if err := t.codec.Unmarshal(data, dst); err != nil {
		return cache.Failed(fmt.Errorf("distributed decode: %w", err))
	}
	return cache.Hit()
}

// Save implements cache.Store. ttl is passed to SET; zero means no expiry.
func (t *DistributedTier) Save(ctx context.Context, key string, value any, ttl time.Duration) cache.Result {
	data, err := t.codec.Marshal(value)
	if err != nil {
		return cache.Failed(fmt.Errorf("distributed encode: %w", err))
	}

	client, err := t.connect(ctx)
	if err != nil {
		return cache.Failed(err)
	}

	opCtx, cancel := t.operationContext(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := client.Set(opCtx, t.remoteKey(key), data, ttl).Err(); err != nil {
		return cache.Failed(fmt.Errorf("distributed set: %w", err))
	}
	return cache.Stored()
}

// Remove implements cache.Store.
func (t *DistributedTier) Remove(ctx context.Context, key string) cache.Result {
	client, err := t.connect(ctx)
	if err != nil {
		return cache.Failed(err)
	}

	opCtx, cancel := t.operationContext(ctx)
	defer cancel()

	if err := client.Del(opCtx, t.remoteKey(key)).Err(); err != nil {
		return cache.Failed(fmt.Errorf("distributed del: %w", err))
	}
	return cache.Removed()
}

// Close closes the connection, if one was opened. The dialer stays bound.
func (t *DistributedTier) Close() error {
	if prev := t.client.Swap(nil); prev != nil {
		return prev.client.Close()
	}
	return nil
}

func (t *DistributedTier) connect(ctx context.Context) (redis.UniversalClient, error) {
	if box := t.client.Load(); box != nil {
		return box.client, nil
	}
	dialer := t.dialer.Load()
	if dialer == nil {
		return nil, callerr.NewConfigError("tier", "%s tier used before initialization", cache.Distributed)
	}

	ch := t.group.DoChan("connect", func() (any, error) {
		if box := t.client.Load(); box != nil {
			return box.client, nil
		}
		// the attempt is shared, so it must not die with the first caller
		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.ConnectTimeout)
		defer cancel()

		t.dials.Add(1)
		client, err := (*dialer)(dialCtx)
		if err != nil {
			return nil, fmt.Errorf("distributed connect: %w", err)
		}
		t.client.Store(&clientBox{client: client})
		return client, nil
	})

	// each caller waits only as long as its own context allows
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(redis.UniversalClient), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("distributed connect: %w", ctx.Err())
	}
}

func (t *DistributedTier) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.cfg.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.cfg.OperationTimeout)
}

func (t *DistributedTier) remoteKey(key string) string {
	return t.cfg.Prefix + ":" + key
}
