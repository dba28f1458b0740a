package di

import (
	"errors"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-storedcall/cache"
	"github.com/goliatone/go-storedcall/callerr"
	"github.com/goliatone/go-storedcall/executor"
	"github.com/goliatone/go-storedcall/internal/cacheinfra"
	"github.com/goliatone/go-storedcall/logging"
	"github.com/goliatone/go-storedcall/mapping"
	"github.com/goliatone/go-storedcall/source"
	"github.com/goliatone/go-storedcall/source/sqldb"
)

// Container wires the mapping registry, the three cache tiers, the cache
// facade and the execution engine around a caller supplied pool.
//
// The in-memory and frozen tiers are usable immediately. The distributed tier
// is registered but stays uninitialized until InitDistributed or
// ConnectDistributed is called; using it before that is a configuration
// error.
type Container struct {
	config      Config
	logger      logging.Logger
	registry    *mapping.Registry
	keys        cache.KeySerializer
	memory      *cacheinfra.MemoryTier
	frozen      *cacheinfra.FrozenTier
	distributed *cacheinfra.DistributedTier
	facade      *cache.Facade
	engine      *executor.Engine
}

type containerOptions struct {
	logger   logging.Logger
	registry *mapping.Registry
	keys     cache.KeySerializer
}

// Option configures NewContainer.
type Option func(*containerOptions)

// WithLogger replaces the logger built from Config.Logging.
func WithLogger(l logging.Logger) Option {
	return func(o *containerOptions) {
		o.logger = l
	}
}

// WithRegistry uses an existing mapping registry.
func WithRegistry(r *mapping.Registry) Option {
	return func(o *containerOptions) {
		o.registry = r
	}
}

// WithKeySerializer replaces the default key serializer.
func WithKeySerializer(k cache.KeySerializer) Option {
	return func(o *containerOptions) {
		o.keys = k
	}
}

// NewContainer validates cfg and builds every component on top of pool.
func NewContainer(cfg Config, pool source.Pool, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := containerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.New(logging.Options{Verbose: cfg.Logging.Verbose, Writer: os.Stderr})
	}
	if o.registry == nil {
		o.registry = mapping.NewRegistry()
	}
	if o.keys == nil {
		o.keys = cache.NewDefaultKeySerializer()
	}

	internal := cfg.toInternal()
	memory, err := cacheinfra.NewMemoryTier(internal.InMemory)
	if err != nil {
		return nil, err
	}
	distributed, err := cacheinfra.NewDistributedTier(internal.Distributed)
	if err != nil {
		return nil, err
	}
	frozen := cacheinfra.NewFrozenTier()

	facade := cache.NewFacade(cache.WithLogger(o.logger.With("component", "cache")))
	if err := errors.Join(
		facade.Register(cache.InMemory, memory),
		facade.Register(cache.Frozen, frozen),
		facade.Register(cache.Distributed, distributed),
	); err != nil {
		return nil, err
	}

	engine, err := executor.New(pool,
		executor.WithCache(facade),
		executor.WithRegistry(o.registry),
		executor.WithLogger(o.logger.With("component", "executor")),
	)
	if err != nil {
		return nil, err
	}

	return &Container{
		config:      cfg,
		logger:      o.logger,
		registry:    o.registry,
		keys:        o.keys,
		memory:      memory,
		frozen:      frozen,
		distributed: distributed,
		facade:      facade,
		engine:      engine,
	}, nil
}

// NewContainerWithDefaults creates a container using DefaultConfig.
func NewContainerWithDefaults(pool source.Pool, opts ...Option) (*Container, error) {
	return NewContainer(DefaultConfig(), pool, opts...)
}

// InitDistributed binds the distributed tier to dialer.
func (c *Container) InitDistributed(dialer cache.Dialer) error {
	return c.facade.InitDistributed(dialer)
}

// ConnectDistributed binds the distributed tier to the Redis addresses in
// Config.Distributed. The connection itself is opened on first use.
func (c *Container) ConnectDistributed() error {
	d := c.config.Distributed
	if len(d.Addrs) == 0 {
		return callerr.NewConfigError("distributed.addrs", "at least one address is required")
	}
	return c.InitDistributed(cache.RedisDialer(&redis.UniversalOptions{
		Addrs:    d.Addrs,
		Username: d.Username,
		Password: d.Password,
		DB:       d.DB,
	}))
}

// Engine returns the execution engine.
func (c *Container) Engine() *executor.Engine { return c.engine }

// Facade returns the cache facade.
func (c *Container) Facade() *cache.Facade { return c.facade }

// Registry returns the mapping registry shared with the engine.
func (c *Container) Registry() *mapping.Registry { return c.registry }

// KeySerializer returns the key serializer, for building descriptors with
// call.Builder.Keys.
func (c *Container) KeySerializer() cache.KeySerializer { return c.keys }

// Logger returns the container logger.
func (c *Container) Logger() logging.Logger { return c.logger }

// Config returns a copy of the configuration used by this container.
func (c *Container) Config() Config { return c.config }

// Warm publishes entries to the frozen tier in one atomic step, for
// reference data loaded at startup.
func (c *Container) Warm(entries map[string]any) {
	c.frozen.SaveAll(entries)
}

// MemoryEntries returns the number of entries held by the in-memory tier,
// including expired entries that were not evicted yet.
func (c *Container) MemoryEntries() int {
	return c.memory.Len()
}

// Close tears the facade down, closing the distributed connection.
func (c *Container) Close() error {
	return c.facade.Close()
}

// OpenDatabase opens the database described by cfg as a source pool.
func OpenDatabase(cfg DatabaseConfig, opts ...sqldb.Option) (*sqldb.Pool, error) {
	return sqldb.Open(cfg.toSQLDB(), opts...)
}
