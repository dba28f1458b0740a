// Package cache provides the cache facade used by the execution engine to
// short-circuit stored calls, the capability contract every cache tier
// implements, and key serialization for call results.
//
// # Overview
//
// Three tiers are supported, each addressed by a Tier value:
//
//   - InMemory: process-local, entries expire after a TTL (lazily, on read)
//   - Frozen: process-local immutable snapshot, rebuilt and swapped on every write
//   - Distributed: shared network cache with serialized payloads
//
// The Facade holds a dispatch table keyed by tier. It does not move data
// between tiers and holds no data itself.
//
// # Basic Usage
//
//	facade := cache.NewFacade(cache.WithLogger(logger))
//	facade.Register(cache.InMemory, memoryTier)
//	facade.Register(cache.Distributed, distributedTier)
//
//	// The distributed tier needs an explicit initialization step.
//	err := facade.InitDistributed(cache.RedisDialer(&redis.UniversalOptions{
//		Addrs: []string{"127.0.0.1:6379"},
//	}))
//
//	d := cache.Directive{Tier: cache.InMemory, Key: "orders:42", TTL: time.Minute}
//	orders, found, err := cache.Get[[]Order](ctx, facade, d)
//	if !found {
//		// load from the data source, then
//		err = cache.Put(ctx, facade, d, orders)
//	}
//
// # Error Handling
//
// The cache is non-authoritative. Tiers report explicit Result values
// (hit, miss, stored, failed) and the facade converts every failure into a
// miss or a skipped store, logging it at warn level. The only error returned
// by the facade is a configuration error from the callerr package, raised when
// a tier is unknown, unregistered, or used before initialization.
//
// # Key Serialization
//
// The default KeySerializer builds keys from a call identity and its
// arguments:
//
//   - Basic types: direct string representation
//   - Slices/arrays: recursive serialization of elements
//   - Maps: sorted key-value pairs for deterministic output
//   - Structs: exported fields with name:value pairs
//   - Function pointers: stable only within a single process
//
// Keys longer than MaxKeyLength keep the identity prefix and replace the
// argument segment with an xxhash digest.
package cache
