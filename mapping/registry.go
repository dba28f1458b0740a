package mapping

import (
	"reflect"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds one row mapper and one table mapper per Go type. It is safe
// for concurrent use; lookups do not take locks.
type Registry struct {
	rows   *xsync.MapOf[reflect.Type, any]
	tables *xsync.MapOf[reflect.Type, any]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rows:   xsync.NewMapOf[reflect.Type, any](),
		tables: xsync.NewMapOf[reflect.Type, any](),
	}
}

// RegisterRow registers fn as the row mapper for T, replacing any previous one.
func RegisterRow[T any](r *Registry, fn RowFunc[T]) {
	r.rows.Store(reflect.TypeFor[T](), fn)
}

// RegisterTable registers fn as the table mapper for T, replacing any previous one.
func RegisterTable[T any](r *Registry, fn TableFunc[T]) {
	r.tables.Store(reflect.TypeFor[T](), fn)
}

// LookupRow returns the row mapper registered for T.
func LookupRow[T any](r *Registry) (RowFunc[T], bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.rows.Load(reflect.TypeFor[T]())
	if !ok {
		return nil, false
	}
	fn, ok := v.(RowFunc[T])
	return fn, ok
}

// LookupTable returns the table mapper registered for T.
func LookupTable[T any](r *Registry) (TableFunc[T], bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.tables.Load(reflect.TypeFor[T]())
	if !ok {
		return nil, false
	}
	fn, ok := v.(TableFunc[T])
	return fn, ok
}

// Len returns the number of registered row and table mappers.
func (r *Registry) Len() (rows, tables int) {
	return r.rows.Size(), r.tables.Size()
}
