// Package result holds the containers the execution engine materializes rows
// into.
//
// Containers differ in how callers consume them, not in how rows are read:
//
//   - Sequence is single pass and cannot be restarted
//   - List is an ordered, read-only view once materialization completes
//   - Snapshot is built through a capacity bounded builder and frozen once
//   - Scalar holds a single value, or nothing
//   - Pair, Triple and Sets group the lists of multi result set calls
//
// Containers may share their backing arrays with cached values, so none of
// them expose a way to mutate items after construction.
package result

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
)

var (
	// ErrFrozen is returned when adding to a builder that was already frozen.
	ErrFrozen = errors.New("snapshot builder is frozen")
	// ErrCapacity is returned when adding beyond a builder capacity.
	ErrCapacity = errors.New("snapshot builder capacity exceeded")
	// ErrSetType is returned when a result set is read with the wrong type.
	ErrSetType = errors.New("result set type mismatch")
)

// Sequence yields items once, in order.
type Sequence[T any] struct {
	mu    sync.Mutex
	items []T
	pos   int
}

// NewSequence wraps items in a single pass sequence. items must not be
// modified afterwards.
func NewSequence[T any](items []T) *Sequence[T] {
	return &Sequence[T]{items: items}
}

// Next returns the next item, or false once the sequence is exhausted.
func (s *Sequence[T]) Next() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if s.pos >= len(s.items) {
		return zero, false
	}
	v := s.items[s.pos]
	s.pos++
	if s.pos == len(s.items) {
		s.items = nil
		s.pos = 0
	}
	return v, true
}

// Remaining returns how many items have not been consumed.
func (s *Sequence[T]) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items) - s.pos
}

// All consumes the remaining items. Ranging twice yields nothing the second
// time.
func (s *Sequence[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, ok := s.Next()
			if !ok || !yield(v) {
				return
			}
		}
	}
}

// List is an ordered, read-only collection.
type List[T any] struct {
	items []T
}

// NewList wraps items. items must not be modified afterwards.
func NewList[T any](items []T) *List[T] {
	return &List[T]{items: items}
}

// Len returns the number of items.
func (l *List[T]) Len() int { return len(l.items) }

// At returns the item at i. It panics when i is out of range, like a slice.
func (l *List[T]) At(i int) T { return l.items[i] }

// All iterates over the items with their index. It can be ranged any number
// of times.
func (l *List[T]) All() iter.Seq2[int, T] {
	return slices.All(l.items)
}

// Slice returns a copy of the items.
func (l *List[T]) Slice() []T { return slices.Clone(l.items) }

// SnapshotBuilder collects up to a fixed number of items and freezes them
// into a Snapshot.
type SnapshotBuilder[T any] struct {
	items  []T
	limit  int
	frozen bool
}

// NewSnapshotBuilder creates a builder for at most capacity items.
func NewSnapshotBuilder[T any](capacity int) *SnapshotBuilder[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &SnapshotBuilder[T]{items: make([]T, 0, capacity), limit: capacity}
}

// Add appends one item.
func (b *SnapshotBuilder[T]) Add(v T) error {
	if b.frozen {
		return ErrFrozen
	}
	if len(b.items) >= b.limit {
		return fmt.Errorf("%w: limit %d", ErrCapacity, b.limit)
	}
	b.items = append(b.items, v)
	return nil
}

// AddAll appends items, stopping at the first failure.
func (b *SnapshotBuilder[T]) AddAll(items []T) error {
	for _, v := range items {
		if err := b.Add(v); err != nil {
			return err
		}
	}
	return nil
}

// Freeze returns the snapshot. Further calls to Add fail; Freeze can be
// called again and returns an equal snapshot.
func (b *SnapshotBuilder[T]) Freeze() *Snapshot[T] {
	b.frozen = true
	return &Snapshot[T]{items: b.items[:len(b.items):len(b.items)]}
}

// Snapshot is an immutable, fixed size collection.
type Snapshot[T any] struct {
	items []T
}

// Len returns the number of items.
func (s *Snapshot[T]) Len() int { return len(s.items) }

// At returns the item at i.
func (s *Snapshot[T]) At(i int) T { return s.items[i] }

// All iterates over the items with their index.
func (s *Snapshot[T]) All() iter.Seq2[int, T] {
	return slices.All(s.items)
}

// Slice returns a copy of the items.
func (s *Snapshot[T]) Slice() []T { return slices.Clone(s.items) }

// Scalar is the outcome of a call that returns one value. Valid is false when
// the call returned no rows.
type Scalar[T any] struct {
	Value T
	Valid bool
}

// Pair holds the lists of a call with two result sets.
type Pair[A, B any] struct {
	First  *List[A]
	Second *List[B]
}

// Triple holds the lists of a call with three result sets.
type Triple[A, B, C any] struct {
	First  *List[A]
	Second *List[B]
	Third  *List[C]
}

// Sets holds the result sets of a call whose set count is only known at run
// time. Each element is a []T for the reader used at that position.
type Sets struct {
	sets []any
}

// NewSets wraps the materialized sets.
func NewSets(sets []any) *Sets {
	return &Sets{sets: sets}
}

// Len returns the number of result sets.
func (s *Sets) Len() int { return len(s.sets) }

// SetAt returns result set i as a List of T.
func SetAt[T any](s *Sets, i int) (*List[T], error) {
	if i < 0 || i >= len(s.sets) {
		return nil, fmt.Errorf("result set %d out of range [0,%d)", i, len(s.sets))
	}
	items, ok := s.sets[i].([]T)
	if !ok {
		return nil, fmt.Errorf("%w: set %d holds %T", ErrSetType, i, s.sets[i])
	}
	return NewList(items), nil
}
