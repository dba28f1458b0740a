package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-storedcall/callerr"
	"github.com/goliatone/go-storedcall/logging"
)

// Binder is implemented by tiers that need a connection manager before use.
type Binder interface {
	Bind(dialer Dialer) error
}

// TierStats is a point-in-time view of the facade counters for one tier.
type TierStats struct {
	Hits     int64
	Misses   int64
	Failures int64
	Stores   int64
}

type registration struct {
	store Store
}

type slot struct {
	reg      atomic.Pointer[registration]
	ready    atomic.Bool
	hits     atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64
	stores   atomic.Int64
}

// Facade dispatches cache operations to the tier named by the caller. It
// holds no cached data itself, only the dispatch table and the tier
// initialization flags.
//
// Failures reported by a tier are absorbed: lookups degrade to a miss and
// stores are skipped. The only error returned to callers is a configuration
// error, raised when a tier is unknown, unregistered or not yet initialized.
type Facade struct {
	slots  [Distributed + 1]slot
	logger logging.Logger
}

// FacadeOption configures a Facade.
type FacadeOption func(*Facade)

// WithLogger sets the logger used to report absorbed cache failures.
func WithLogger(l logging.Logger) FacadeOption {
	return func(f *Facade) {
		f.logger = logging.OrNop(l)
	}
}

// NewFacade creates a facade with no registered tiers.
func NewFacade(opts ...FacadeOption) *Facade {
	f := &Facade{logger: logging.NewNopLogger()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register installs store as the backend for tier. Tiers that implement Binder
// stay uninitialized until their connection manager is bound; the others are
// usable immediately.
func (f *Facade) Register(tier Tier, store Store) error {
	if !tier.Valid() {
		return callerr.NewConfigError("tier", "unknown tier %s", tier)
	}
	if store == nil {
		return callerr.NewConfigError("tier", "nil store for %s", tier)
	}
	s := &f.slots[tier]
	s.reg.Store(&registration{store: store})
	_, needsBind := store.(Binder)
	s.ready.Store(!needsBind)
	return nil
}

// InitDistributed binds the connection manager of the distributed tier. It is
// the explicit one-time initialization step that tier requires.
func (f *Facade) InitDistributed(dialer Dialer) error {
	if dialer == nil {
		return callerr.NewConfigError("dialer", "cannot be nil")
	}
	s := &f.slots[Distributed]
	reg := s.reg.Load()
	if reg == nil {
		return callerr.NewConfigError("tier", "%s tier is not registered", Distributed)
	}
	binder, ok := reg.store.(Binder)
	if !ok {
		return callerr.NewConfigError("tier", "%s tier does not accept a connection manager", Distributed)
	}
	if err := binder.Bind(dialer); err != nil {
		return err
	}
	s.ready.Store(true)
	return nil
}

// Initialized reports whether tier is registered and ready for use.
func (f *Facade) Initialized(tier Tier) bool {
	if !tier.Valid() {
		return false
	}
	s := &f.slots[tier]
	return s.reg.Load() != nil && s.ready.Load()
}

// TryGet looks key up in tier and copies the value into dst on a hit.
func (f *Facade) TryGet(ctx context.Context, tier Tier, key string, dst any) (bool, error) {
	s, store, err := f.resolve(tier, key)
	if err != nil {
		return false, err
	}

	res := guard(func() Result { return store.Lookup(ctx, key, dst) })
	switch res.Status {
	case StatusHit:
		s.hits.Add(1)
		return true, nil
	case StatusFailed:
		if errors.Is(res.Err, callerr.ErrConfiguration) {
			return false, res.Err
		}
		s.failures.Add(1)
		f.logger.Warn("cache lookup failed, treating as miss", "tier", tier.String(), "key", key, "error", res.Err)
	}
	s.misses.Add(1)
	return false, nil
}

// Store writes value under key in tier. A tier failure skips the write and is
// only logged.
func (f *Facade) Store(ctx context.Context, tier Tier, key string, value any, ttl time.Duration) error {
	s, store, err := f.resolve(tier, key)
	if err != nil {
		return err
	}

	res := guard(func() Result { return store.Save(ctx, key, value, ttl) })
	if res.Status == StatusFailed {
		if errors.Is(res.Err, callerr.ErrConfiguration) {
			return res.Err
		}
		s.failures.Add(1)
		f.logger.Warn("cache store failed, skipping", "tier", tier.String(), "key", key, "error", res.Err)
		return nil
	}
	s.stores.Add(1)
	return nil
}

// Remove deletes key from tier. Like Store, tier failures are only logged.
func (f *Facade) Remove(ctx context.Context, tier Tier, key string) error {
	s, store, err := f.resolve(tier, key)
	if err != nil {
		return err
	}

	res := guard(func() Result { return store.Remove(ctx, key) })
	if res.Status == StatusFailed {
		if errors.Is(res.Err, callerr.ErrConfiguration) {
			return res.Err
		}
		s.failures.Add(1)
		f.logger.Warn("cache remove failed", "tier", tier.String(), "key", key, "error", res.Err)
	}
	return nil
}

// Stats returns the counters recorded for tier.
func (f *Facade) Stats(tier Tier) TierStats {
	if !tier.Valid() {
		return TierStats{}
	}
	s := &f.slots[tier]
	return TierStats{
		Hits:     s.hits.Load(),
		Misses:   s.misses.Load(),
		Failures: s.failures.Load(),
		Stores:   s.stores.Load(),
	}
}

// Close releases tier resources (the distributed connection in particular).
// Tiers that needed initialization must be initialized again after Close.
func (f *Facade) Close() error {
	var errs []error
	for _, tier := range Tiers() {
		s := &f.slots[tier]
		reg := s.reg.Load()
		if reg == nil {
			continue
		}
		if closer, ok := reg.store.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s tier: %w", tier, err))
			}
		}
		if _, ok := reg.store.(Binder); ok {
			s.ready.Store(false)
		}
	}
	return errors.Join(errs...)
}

func (f *Facade) resolve(tier Tier, key string) (*slot, Store, error) {
	if !tier.Valid() {
		return nil, nil, callerr.NewConfigError("tier", "unknown tier %s", tier)
	}
	if key == "" {
		return nil, nil, callerr.NewConfigError("key", "cannot be blank")
	}
	s := &f.slots[tier]
	reg := s.reg.Load()
	if reg == nil {
		return nil, nil, callerr.NewConfigError("tier", "%s tier is not registered", tier)
	}
	if !s.ready.Load() {
		return nil, nil, callerr.NewConfigError("tier", "%s tier used before initialization", tier)
	}
	return s, reg.store, nil
}

// guard turns a panicking tier into a failed result.
func guard(op func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed(fmt.Errorf("cache tier panic: %v", r))
		}
	}()
	return op()
}
