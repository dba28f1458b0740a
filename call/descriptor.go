package call

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/goliatone/go-storedcall/cache"
	"github.com/goliatone/go-storedcall/callerr"
	"github.com/goliatone/go-storedcall/mapping"
)

// TypeTag names the database type of a scalar parameter. Renderers that need
// explicit casts use it; an empty tag leaves typing to the driver.
type TypeTag string

const (
	TypeText      TypeTag = "text"
	TypeInteger   TypeTag = "integer"
	TypeBigInt    TypeTag = "bigint"
	TypeBoolean   TypeTag = "boolean"
	TypeNumeric   TypeTag = "numeric"
	TypeTimestamp TypeTag = "timestamptz"
	TypeJSON      TypeTag = "jsonb"
	TypeUUID      TypeTag = "uuid"
)

// Param is a named scalar parameter.
type Param struct {
	Name  string
	Value any
	Type  TypeTag
}

// TableParam is a tabular parameter waiting to be marshaled. Marshal is
// called by the engine before a connection is acquired.
type TableParam interface {
	// Name is the parameter name the table is bound to.
	Name() string
	// TypeName is the database type of the table, for example "sales.line_type".
	TypeName() string
	// Len is the number of items in the source collection.
	Len() int
	// Marshal produces the table, resolving the mapping function from reg
	// when none was bound explicitly.
	Marshal(reg *mapping.Registry) (mapping.Table, error)

	keyArgs() any
}

type tableParam[T any] struct {
	name     string
	typeName string
	items    []T
	fn       mapping.TableFunc[T]
}

func (p *tableParam[T]) Name() string     { return p.name }
func (p *tableParam[T]) TypeName() string { return p.typeName }
func (p *tableParam[T]) Len() int         { return len(p.items) }
func (p *tableParam[T]) keyArgs() any     { return p.items }

func (p *tableParam[T]) Marshal(reg *mapping.Registry) (mapping.Table, error) {
	fn := p.fn
	if fn == nil {
		var ok bool
		if fn, ok = mapping.LookupTable[T](reg); !ok {
			return mapping.Table{}, callerr.NewConfigError("mapper", "no table mapping registered for %s", reflect.TypeFor[T]())
		}
	}

	table, err := fn(slices.Clone(p.items))
	if err != nil {
		return mapping.Table{}, callerr.NewParamError(p.name, "table mapping failed: %v", err)
	}
	if table.Name == "" {
		table.Name = p.typeName
	}
	if err := table.Validate(); err != nil {
		return mapping.Table{}, callerr.NewParamError(p.name, "%v", err)
	}
	return table, nil
}

// Descriptor is an immutable description of one call. Accessors return
// copies.
type Descriptor struct {
	identity   string
	capacity   int
	params     []Param
	tables     []TableParam
	directive  *cache.Directive
	timeout    time.Duration
	resultSets int
}

// Identity returns the routine identity, "name" or "schema.name".
func (d *Descriptor) Identity() string { return d.identity }

// Capacity returns the result container capacity hint.
func (d *Descriptor) Capacity() int { return d.capacity }

// Params returns the scalar parameters in declaration order.
func (d *Descriptor) Params() []Param { return slices.Clone(d.params) }

// Tables returns the tabular parameters in declaration order.
func (d *Descriptor) Tables() []TableParam { return slices.Clone(d.tables) }

// Directive returns the cache directive, if one was declared.
func (d *Descriptor) Directive() (cache.Directive, bool) {
	if d.directive == nil {
		return cache.Directive{}, false
	}
	return *d.directive, true
}

// Timeout returns the per-call timeout, zero when none was set.
func (d *Descriptor) Timeout() time.Duration { return d.timeout }

// ResultSets returns the declared number of result sets, zero when the
// caller did not declare one.
func (d *Descriptor) ResultSets() int { return d.resultSets }

func (d *Descriptor) String() string {
	s := fmt.Sprintf("%s(%d params, %d tables)", d.identity, len(d.params), len(d.tables))
	if d.directive != nil {
		s += " cache=" + d.directive.String()
	}
	return s
}
