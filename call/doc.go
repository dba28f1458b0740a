// Package call builds immutable descriptors for stored procedure calls.
//
// A Descriptor carries everything the execution engine needs to run one call:
// the routine identity, scalar parameters, tabular parameters, an optional
// cache directive, a capacity hint for result containers and an optional
// per-call timeout. Descriptors are produced by a Builder and never change
// afterwards, so the same descriptor can be executed concurrently.
//
// Basic usage:
//
//	desc, err := call.Procedure("sales", "orders_by_customer").
//		Param("customer_id", 42).
//		Capacity(50).
//		CacheFor(cache.InMemory, "orders:42", time.Minute).
//		Build()
//
// Tabular parameters are declared with the generic helpers, because methods
// cannot introduce type parameters:
//
//	b := call.New("sales.import_lines")
//	call.Table(b, "lines", "sales.line_type", lines)
//	desc, err := b.Build()
//
// The mapping function for a table is resolved from the mapping registry when
// the call executes. TableWith binds an explicit function instead.
//
// # Validation
//
// Build never performs I/O. It reports the first problem found:
//
//   - a missing or malformed identity is a configuration error
//   - declaring more than one cache directive is a configuration error
//   - a tabular parameter built from an empty collection is a parameter error
//   - unnamed or duplicated parameters are parameter errors
//
// # Cache keys
//
// CacheByParams derives the key from the identity and the parameter values
// using a cache.KeySerializer, so two calls with equal arguments share an
// entry. Keys swaps the serializer.
package call
