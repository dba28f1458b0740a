package executor

import (
	"context"

	"github.com/goliatone/go-storedcall/call"
	"github.com/goliatone/go-storedcall/callerr"
	"github.com/goliatone/go-storedcall/mapping"
	"github.com/goliatone/go-storedcall/result"
	"github.com/goliatone/go-storedcall/source"
)

// Execute runs d and materializes its single result set into a List, using
// the row mapping registered for T.
func Execute[T any](ctx context.Context, e *Engine, d *call.Descriptor) (*result.List[T], error) {
	fn, err := rowFunc[T](e)
	if err != nil {
		return nil, err
	}
	return ExecuteWith(ctx, e, d, fn)
}

// ExecuteWith is Execute with an explicit row mapping.
func ExecuteWith[T any](ctx context.Context, e *Engine, d *call.Descriptor, fn mapping.RowFunc[T]) (*result.List[T], error) {
	items, err := rows(ctx, e, d, fn)
	if err != nil {
		return nil, err
	}
	return result.NewList(items), nil
}

// Stream runs d and returns its rows as a single pass Sequence.
func Stream[T any](ctx context.Context, e *Engine, d *call.Descriptor) (*result.Sequence[T], error) {
	fn, err := rowFunc[T](e)
	if err != nil {
		return nil, err
	}
	items, err := rows(ctx, e, d, fn)
	if err != nil {
		return nil, err
	}
	return result.NewSequence(items), nil
}

// Snapshot runs d and freezes its rows into an immutable Snapshot.
func Snapshot[T any](ctx context.Context, e *Engine, d *call.Descriptor) (*result.Snapshot[T], error) {
	fn, err := rowFunc[T](e)
	if err != nil {
		return nil, err
	}
	items, err := rows(ctx, e, d, fn)
	if err != nil {
		return nil, err
	}
	b := result.NewSnapshotBuilder[T](len(items))
	if err := b.AddAll(items); err != nil {
		return nil, err
	}
	return b.Freeze(), nil
}

// rows is shared by the single set strategies; they cache the same []T so a
// List, a Sequence and a Snapshot of one call can share a cache entry.
func rows[T any](ctx context.Context, e *Engine, d *call.Descriptor, fn mapping.RowFunc[T]) ([]T, error) {
	if fn == nil {
		return nil, callerr.NewConfigError("mapper", "row mapping cannot be nil")
	}
	return run(ctx, e, d, plan[[]T]{
		sets: 1,
		read: func(cur source.Cursor, capacity int) ([]T, error) {
			return readSet(cur, fn, capacity)
		},
	})
}

type pairPayload[A, B any] struct {
	First  []A
	Second []B
}

// Execute2 runs a call returning two result sets.
func Execute2[A, B any](ctx context.Context, e *Engine, d *call.Descriptor) (*result.Pair[A, B], error) {
	fa, err := rowFunc[A](e)
	if err != nil {
		return nil, err
	}
	fb, err := rowFunc[B](e)
	if err != nil {
		return nil, err
	}

	payload, err := run(ctx, e, d, plan[pairPayload[A, B]]{
		sets: 2,
		read: func(cur source.Cursor, capacity int) (pairPayload[A, B], error) {
			var p pairPayload[A, B]
			var err error
			if p.First, err = readSet(cur, fa, capacity); err != nil {
				return p, err
			}
			if err = advance(cur, 1); err != nil {
				return p, err
			}
			p.Second, err = readSet(cur, fb, 0)
			return p, err
		},
	})
	if err != nil {
		return nil, err
	}
	return &result.Pair[A, B]{
		First:  result.NewList(payload.First),
		Second: result.NewList(payload.Second),
	}, nil
}

type triplePayload[A, B, C any] struct {
	First  []A
	Second []B
	Third  []C
}

// Execute3 runs a call returning three result sets.
func Execute3[A, B, C any](ctx context.Context, e *Engine, d *call.Descriptor) (*result.Triple[A, B, C], error) {
	fa, err := rowFunc[A](e)
	if err != nil {
		return nil, err
	}
	fb, err := rowFunc[B](e)
	if err != nil {
		return nil, err
	}
	fc, err := rowFunc[C](e)
	if err != nil {
		return nil, err
	}

	payload, err := run(ctx, e, d, plan[triplePayload[A, B, C]]{
		sets: 3,
		read: func(cur source.Cursor, capacity int) (triplePayload[A, B, C], error) {
			var p triplePayload[A, B, C]
			var err error
			if p.First, err = readSet(cur, fa, capacity); err != nil {
				return p, err
			}
			if err = advance(cur, 1); err != nil {
				return p, err
			}
			if p.Second, err = readSet(cur, fb, 0); err != nil {
				return p, err
			}
			if err = advance(cur, 2); err != nil {
				return p, err
			}
			p.Third, err = readSet(cur, fc, 0)
			return p, err
		},
	})
	if err != nil {
		return nil, err
	}
	return &result.Triple[A, B, C]{
		First:  result.NewList(payload.First),
		Second: result.NewList(payload.Second),
		Third:  result.NewList(payload.Third),
	}, nil
}

// SetReader reads one result set of a call executed with ExecuteSets.
type SetReader interface {
	read(cur source.Cursor, capacity int) (any, error)
	mapped() bool
}

type setReader[T any] struct {
	fn mapping.RowFunc[T]
}

func (r setReader[T]) mapped() bool { return r.fn != nil }

func (r setReader[T]) read(cur source.Cursor, capacity int) (any, error) {
	return readSet(cur, r.fn, capacity)
}

// Set reads a result set with an explicit row mapping.
func Set[T any](fn mapping.RowFunc[T]) SetReader {
	return setReader[T]{fn: fn}
}

// SetOf reads a result set with the mapping registered for T.
func SetOf[T any](e *Engine) (SetReader, error) {
	fn, err := rowFunc[T](e)
	if err != nil {
		return nil, err
	}
	return setReader[T]{fn: fn}, nil
}

// ExecuteSets runs a call returning len(readers) result sets, reading set i
// with readers[i]. At least two readers are required; single set calls use
// Execute. Use result.SetAt to get typed lists back.
//
// Results are cached on the in-memory and frozen tiers only; a distributed
// directive is ignored because the set types are not known statically.
func ExecuteSets(ctx context.Context, e *Engine, d *call.Descriptor, readers ...SetReader) (*result.Sets, error) {
	if len(readers) < 2 {
		return nil, callerr.NewConfigError("readers", "at least two result set readers are required, got %d", len(readers))
	}
	for i, r := range readers {
		if r == nil || !r.mapped() {
			return nil, callerr.NewConfigError("readers", "reader %d has no row mapping", i)
		}
	}

	sets, err := run(ctx, e, d, plan[[]any]{
		sets:      len(readers),
		localOnly: true,
		read: func(cur source.Cursor, capacity int) ([]any, error) {
			out := make([]any, len(readers))
			for i, r := range readers {
				if i > 0 {
					if err := advance(cur, i); err != nil {
						return nil, err
					}
					capacity = 0
				}
				set, err := r.read(cur, capacity)
				if err != nil {
					return nil, err
				}
				out[i] = set
			}
			return out, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return result.NewSets(sets), nil
}

// Scalar runs d and scans the first column of the first row into T. The
// result is not valid when the call returns no rows.
func Scalar[T any](ctx context.Context, e *Engine, d *call.Descriptor) (result.Scalar[T], error) {
	return run(ctx, e, d, plan[result.Scalar[T]]{
		sets: 1,
		read: func(cur source.Cursor, _ int) (result.Scalar[T], error) {
			var out result.Scalar[T]
			if cur.Next() {
				if err := cur.Scan(&out.Value); err != nil {
					return out, stageErr(opScan, err)
				}
				out.Valid = true
			}
			if err := cur.Err(); err != nil {
				return out, stageErr(opScan, err)
			}
			return out, nil
		},
	})
}
