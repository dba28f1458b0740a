package call

import (
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/goliatone/go-storedcall/cache"
	"github.com/goliatone/go-storedcall/callerr"
	"github.com/goliatone/go-storedcall/mapping"
)

var identityPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)

var identityRules = []validation.Rule{
	validation.Required.Error("is required"),
	validation.Length(1, 127),
	validation.Match(identityPattern).Error("must be name or schema.name"),
}

type keyRequest struct {
	tier cache.Tier
	ttl  time.Duration
}

// Builder accumulates the parts of a call. Methods return the builder so
// calls can be chained; problems are recorded and reported by Build.
type Builder struct {
	identity   string
	capacity   int
	params     []Param
	tables     []TableParam
	directives []cache.Directive
	byParams   *keyRequest
	keys       cache.KeySerializer
	timeout    time.Duration
	resultSets int
	err        error
}

// New starts a builder for the routine identity.
func New(identity string) *Builder {
	return &Builder{identity: identity}
}

// Procedure starts a builder for schema.name.
func Procedure(schema, name string) *Builder {
	if schema == "" {
		return New(name)
	}
	return New(schema + "." + name)
}

// Capacity sets the expected number of result rows.
func (b *Builder) Capacity(n int) *Builder {
	if n < 0 {
		b.fail(callerr.NewParamError("capacity", "must not be negative, got %d", n))
		return b
	}
	b.capacity = n
	return b
}

// Param adds a scalar parameter.
func (b *Builder) Param(name string, value any) *Builder {
	return b.TypedParam(name, value, "")
}

// TypedParam adds a scalar parameter with an explicit database type.
func (b *Builder) TypedParam(name string, value any, typ TypeTag) *Builder {
	if !b.claim(name) {
		return b
	}
	b.params = append(b.params, Param{Name: name, Value: value, Type: typ})
	return b
}

// Table adds a tabular parameter whose mapping function is resolved from the
// registry at execution time.
func Table[T any](b *Builder, name, typeName string, items []T) *Builder {
	return addTable(b, name, typeName, items, nil)
}

// TableWith adds a tabular parameter with an explicit mapping function.
func TableWith[T any](b *Builder, name, typeName string, items []T, fn mapping.TableFunc[T]) *Builder {
	if fn == nil {
		b.fail(callerr.NewParamError(name, "table mapping function cannot be nil"))
		return b
	}
	return addTable(b, name, typeName, items, fn)
}

func addTable[T any](b *Builder, name, typeName string, items []T, fn mapping.TableFunc[T]) *Builder {
	if !b.claim(name) {
		return b
	}
	if len(items) == 0 {
		b.fail(callerr.NewParamError(name, "tabular parameter built from an empty collection"))
		return b
	}
	if typeName == "" {
		typeName = name
	}
	b.tables = append(b.tables, &tableParam[T]{
		name:     name,
		typeName: typeName,
		items:    append([]T(nil), items...),
		fn:       fn,
	})
	return b
}

// Cache stores the result under key in tier, using the tier default TTL.
func (b *Builder) Cache(tier cache.Tier, key string) *Builder {
	return b.CacheFor(tier, key, 0)
}

// CacheFor stores the result under key in tier for ttl.
func (b *Builder) CacheFor(tier cache.Tier, key string, ttl time.Duration) *Builder {
	b.directives = append(b.directives, cache.Directive{Tier: tier, Key: key, TTL: ttl})
	return b
}

// CacheByParams stores the result in tier under a key derived from the
// identity and every parameter value.
func (b *Builder) CacheByParams(tier cache.Tier, ttl time.Duration) *Builder {
	b.byParams = &keyRequest{tier: tier, ttl: ttl}
	b.directives = append(b.directives, cache.Directive{Tier: tier, TTL: ttl})
	return b
}

// Keys replaces the serializer used by CacheByParams.
func (b *Builder) Keys(s cache.KeySerializer) *Builder {
	b.keys = s
	return b
}

// Timeout bounds the data source part of the call.
func (b *Builder) Timeout(d time.Duration) *Builder {
	if d < 0 {
		b.fail(callerr.NewConfigError("timeout", "must not be negative, got %s", d))
		return b
	}
	b.timeout = d
	return b
}

// ResultSets declares how many result sets the routine returns.
func (b *Builder) ResultSets(n int) *Builder {
	if n < 1 {
		b.fail(callerr.NewConfigError("result_sets", "must be at least 1, got %d", n))
		return b
	}
	b.resultSets = n
	return b
}

// Build validates the accumulated state and returns a descriptor. The
// builder can be reused afterwards; the descriptor shares no mutable state
// with it.
func (b *Builder) Build() (*Descriptor, error) {
	if err := validation.Validate(b.identity, identityRules...); err != nil {
		return nil, callerr.NewConfigError("identity", "%q %v", b.identity, err)
	}
	if b.err != nil {
		return nil, b.err
	}
	if len(b.directives) > 1 {
		return nil, callerr.NewConfigError("cache", "a call accepts one cache directive, got %d", len(b.directives))
	}

	d := &Descriptor{
		identity:   b.identity,
		capacity:   b.capacity,
		params:     append([]Param(nil), b.params...),
		tables:     append([]TableParam(nil), b.tables...),
		timeout:    b.timeout,
		resultSets: b.resultSets,
	}

	if len(b.directives) == 1 {
		directive := b.directives[0]
		if !directive.Tier.Valid() {
			return nil, callerr.NewConfigError("cache.tier", "unknown tier %d", int(directive.Tier))
		}
		if b.byParams != nil {
			directive.Key = b.paramKey()
		}
		if directive.Key == "" {
			return nil, callerr.NewConfigError("cache.key", "cannot be empty")
		}
		d.directive = &directive
	}

	return d, nil
}

func (b *Builder) paramKey() string {
	keys := b.keys
	if keys == nil {
		keys = cache.NewDefaultKeySerializer()
	}
	args := make([]any, 0, 2*(len(b.params)+len(b.tables)))
	for _, p := range b.params {
		args = append(args, p.Name, p.Value)
	}
	for _, t := range b.tables {
		args = append(args, t.Name(), t.keyArgs())
	}
	return keys.SerializeKey(b.identity, args...)
}

// claim reserves a parameter name, recording an error when it is blank or
// already used.
func (b *Builder) claim(name string) bool {
	if name == "" {
		b.fail(callerr.NewParamError("", "parameter name cannot be empty"))
		return false
	}
	for _, p := range b.params {
		if p.Name == name {
			b.fail(callerr.NewParamError(name, "declared more than once"))
			return false
		}
	}
	for _, t := range b.tables {
		if t.Name() == name {
			b.fail(callerr.NewParamError(name, "declared more than once"))
			return false
		}
	}
	return true
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}
