package di

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/goliatone/go-storedcall/callerr"
	"github.com/goliatone/go-storedcall/internal/cacheinfra"
	"github.com/goliatone/go-storedcall/source/sqldb"
)

// Duration is a time.Duration written as "5m" or "1h30m" in config files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config exposes the container configuration. It can be built in code from
// DefaultConfig or loaded from TOML with LoadConfig.
type Config struct {
	Memory      MemoryConfig      `toml:"memory"`
	Distributed DistributedConfig `toml:"distributed"`
	Database    DatabaseConfig    `toml:"database"`
	Logging     LoggingConfig     `toml:"logging"`
}

// MemoryConfig mirrors the in-memory tier options.
type MemoryConfig struct {
	Capacity           int      `toml:"capacity"`
	NumShards          int      `toml:"num_shards"`
	DefaultTTL         Duration `toml:"default_ttl"`
	MaxTTL             Duration `toml:"max_ttl"`
	EvictionPercentage int      `toml:"eviction_percentage"`
	EvictionInterval   Duration `toml:"eviction_interval"`
}

// DistributedConfig mirrors the distributed tier options. Addrs is only
// needed by ConnectDistributed.
type DistributedConfig struct {
	Addrs            []string `toml:"addrs"`
	Username         string   `toml:"username"`
	Password         string   `toml:"password"`
	DB               int      `toml:"db"`
	Prefix           string   `toml:"prefix"`
	ConnectTimeout   Duration `toml:"connect_timeout"`
	OperationTimeout Duration `toml:"operation_timeout"`
}

// DatabaseConfig is used by OpenDatabase.
type DatabaseConfig struct {
	Driver          string   `toml:"driver"`
	DSN             string   `toml:"dsn"`
	MaxOpenConns    int      `toml:"max_open_conns"`
	MaxIdleConns    int      `toml:"max_idle_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
}

// LoggingConfig controls the default logger.
type LoggingConfig struct {
	Verbose bool `toml:"verbose"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return convertFromInternal(cacheinfra.DefaultConfig())
}

// LoadConfig reads a TOML file on top of DefaultConfig. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the cache sections, and the database section when a
// driver is set.
func (c Config) Validate() error {
	if err := c.toInternal().Validate(); err != nil {
		return err
	}
	if err := validation.Validate(c.Distributed.Addrs, validation.Each(validation.Required)); err != nil {
		return callerr.NewConfigError("distributed.addrs", "%v", err)
	}
	if c.Database.Driver != "" {
		return c.Database.toSQLDB().Validate()
	}
	return nil
}

func (c Config) toInternal() cacheinfra.Config {
	return cacheinfra.Config{
		InMemory: cacheinfra.MemoryConfig{
			Capacity:           c.Memory.Capacity,
			NumShards:          c.Memory.NumShards,
			DefaultTTL:         time.Duration(c.Memory.DefaultTTL),
			MaxTTL:             time.Duration(c.Memory.MaxTTL),
			EvictionPercentage: c.Memory.EvictionPercentage,
			EvictionInterval:   time.Duration(c.Memory.EvictionInterval),
		},
		Distributed: cacheinfra.DistributedConfig{
			Prefix:           c.Distributed.Prefix,
			ConnectTimeout:   time.Duration(c.Distributed.ConnectTimeout),
			OperationTimeout: time.Duration(c.Distributed.OperationTimeout),
		},
	}
}

func (c DatabaseConfig) toSQLDB() sqldb.Config {
	return sqldb.Config{
		Driver:          c.Driver,
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: time.Duration(c.ConnMaxLifetime),
	}
}

func convertFromInternal(cfg cacheinfra.Config) Config {
	return Config{
		Memory: MemoryConfig{
			Capacity:           cfg.InMemory.Capacity,
			NumShards:          cfg.InMemory.NumShards,
			DefaultTTL:         Duration(cfg.InMemory.DefaultTTL),
			MaxTTL:             Duration(cfg.InMemory.MaxTTL),
			EvictionPercentage: cfg.InMemory.EvictionPercentage,
			EvictionInterval:   Duration(cfg.InMemory.EvictionInterval),
		},
		Distributed: DistributedConfig{
			Prefix:           cfg.Distributed.Prefix,
			ConnectTimeout:   Duration(cfg.Distributed.ConnectTimeout),
			OperationTimeout: Duration(cfg.Distributed.OperationTimeout),
		},
	}
}
