package cacheinfra

import (
	"errors"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/viccon/sturdyc"

	"github.com/goliatone/go-storedcall/callerr"
)

// Config holds the configuration for the process-local and distributed tiers.
type Config struct {
	InMemory    MemoryConfig
	Distributed DistributedConfig
}

// MemoryConfig configures the sturdyc backed in-memory tier.
type MemoryConfig struct {
	// Capacity defines the maximum number of entries that the tier can store.
	Capacity int

	// NumShards determines the number of cache shards for concurrent access.
	// Higher values improve concurrency but increase memory overhead.
	NumShards int

	// DefaultTTL applies to entries stored without an explicit TTL.
	DefaultTTL time.Duration

	// MaxTTL is the longest lifetime an entry may have. Longer TTLs are
	// clamped. It is also the TTL sturdyc enforces on its own.
	MaxTTL time.Duration

	// EvictionPercentage specifies what percentage of entries to evict
	// when the tier reaches its capacity. Must be between 1-100.
	EvictionPercentage int

	// EvictionInterval sets how often expired entries are swept in the
	// background. Zero uses the sturdyc default. Expiry is always checked on
	// read, the sweep only reclaims memory.
	EvictionInterval time.Duration
}

// DistributedConfig configures the network backed tier.
type DistributedConfig struct {
	// Prefix namespaces every key written to the remote store.
	Prefix string

	// ConnectTimeout bounds the lazy connection attempt.
	ConnectTimeout time.Duration

	// OperationTimeout bounds each GET/SET/DEL. Zero relies on the caller context.
	OperationTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults for most use cases.
func DefaultConfig() Config {
	return Config{
		InMemory: MemoryConfig{
			Capacity:           10000,
			NumShards:          256,
			DefaultTTL:         5 * time.Minute,
			MaxTTL:             time.Hour,
			EvictionPercentage: 10,
		},
		Distributed: DistributedConfig{
			Prefix:           "storedcall",
			ConnectTimeout:   5 * time.Second,
			OperationTimeout: 500 * time.Millisecond,
		},
	}
}

// ToSturdycOptions converts the memory config to sturdyc options. Capacity,
// NumShards, MaxTTL and EvictionPercentage go to sturdyc.New directly.
func (c MemoryConfig) ToSturdycOptions() []sturdyc.Option {
	var options []sturdyc.Option
	if c.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}
	return options
}

// ozzo threshold rules skip zero values, so zero is rejected separately.
var positive = validation.Required.Error("must be greater than 0")

// Validate checks the memory tier configuration.
func (c MemoryConfig) Validate() error {
	return firstConfigError("InMemory", validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, positive, validation.Min(1).Error("must be greater than 0")),
		validation.Field(&c.NumShards, positive, validation.Min(1).Error("must be greater than 0")),
		validation.Field(&c.DefaultTTL, positive, validation.Min(time.Nanosecond).Error("must be greater than 0")),
		validation.Field(&c.MaxTTL,
			positive,
			validation.Min(time.Nanosecond).Error("must be greater than 0"),
			validation.Min(c.DefaultTTL).Error("must not be shorter than DefaultTTL"),
		),
		validation.Field(&c.EvictionPercentage,
			validation.Required.Error("must be between 1 and 100"),
			validation.Min(1).Error("must be between 1 and 100"),
			validation.Max(100).Error("must be between 1 and 100"),
		),
		validation.Field(&c.EvictionInterval, validation.Min(time.Duration(0)).Error("must be non-negative")),
	))
}

// Validate checks the distributed tier configuration.
func (c DistributedConfig) Validate() error {
	return firstConfigError("Distributed", validation.ValidateStruct(&c,
		validation.Field(&c.Prefix, validation.Required.Error("cannot be blank")),
		validation.Field(&c.ConnectTimeout, positive, validation.Min(time.Nanosecond).Error("must be greater than 0")),
		validation.Field(&c.OperationTimeout, validation.Min(time.Duration(0)).Error("must be non-negative")),
	))
}

// Validate checks if the configuration values are valid.
// It returns a *callerr.ConfigError naming the first invalid field.
func (c Config) Validate() error {
	if err := c.InMemory.Validate(); err != nil {
		return err
	}
	return c.Distributed.Validate()
}

// firstConfigError converts ozzo validation errors into a ConfigError for the
// alphabetically first failing field so results are deterministic.
func firstConfigError(section string, err error) error {
	if err == nil {
		return nil
	}
	var verrs validation.Errors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &callerr.ConfigError{Field: section, Message: err.Error()}
	}
	fields := make([]string, 0, len(verrs))
	for field := range verrs {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	field := fields[0]
	return &callerr.ConfigError{Field: section + "." + field, Message: verrs[field].Error()}
}
