package cache

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// Status is the outcome of a single tier operation.
type Status int

const (
	// StatusMiss means the key was not present or had expired.
	StatusMiss Status = iota
	// StatusHit means the value was found and copied into the destination.
	StatusHit
	// StatusStored means the value was written.
	StatusStored
	// StatusRemoved means the key was removed, or was already absent.
	StatusRemoved
	// StatusFailed means the operation failed; Err holds the cause.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusMiss:
		return "miss"
	case StatusHit:
		return "hit"
	case StatusStored:
		return "stored"
	case StatusRemoved:
		return "removed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Result is the explicit outcome of a tier operation. Tiers never panic or
// return bare errors across this boundary; the facade decides which failures
// are absorbed.
type Result struct {
	Status Status
	Err    error
}

// Hit returns a hit result.
func Hit() Result { return Result{Status: StatusHit} }

// Miss returns a miss result.
func Miss() Result { return Result{Status: StatusMiss} }

// Stored returns a stored result.
func Stored() Result { return Result{Status: StatusStored} }

// Removed returns a removed result.
func Removed() Result { return Result{Status: StatusRemoved} }

// Failed returns a failed result wrapping err.
func Failed(err error) Result { return Result{Status: StatusFailed, Err: err} }

// Store is the capability contract every tier satisfies.
//
// Lookup copies the cached value into dst, which must be a non-nil pointer.
// Save stores value under key; ttl semantics are tier specific.
type Store interface {
	Lookup(ctx context.Context, key string, dst any) Result
	Save(ctx context.Context, key string, value any, ttl time.Duration) Result
	Remove(ctx context.Context, key string) Result
}

// ErrTypeMismatch is reported when a cached value cannot be assigned to the
// lookup destination.
var ErrTypeMismatch = errors.New("cached value type mismatch")

// Assign copies value into the pointer dst. Process-local tiers use it to hand
// out values stored as any.
func Assign(dst any, value any) error {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("cache destination must be a non-nil pointer, got %T", dst)
	}
	target := dv.Elem()
	if value == nil {
		target.SetZero()
		return nil
	}
	sv := reflect.ValueOf(value)
	if !sv.Type().AssignableTo(target.Type()) {
		return fmt.Errorf("%w: have %s, want %s", ErrTypeMismatch, sv.Type(), target.Type())
	}
	target.Set(sv)
	return nil
}

// Get is a type-safe wrapper around Facade.TryGet.
func Get[T any](ctx context.Context, f *Facade, d Directive) (T, bool, error) {
	var out T
	found, err := f.TryGet(ctx, d.Tier, d.Key, &out)
	if err != nil || !found {
		var zero T
		return zero, false, err
	}
	return out, true, nil
}

// Put stores value using the directive tier, key and TTL.
func Put[T any](ctx context.Context, f *Facade, d Directive, value T) error {
	return f.Store(ctx, d.Tier, d.Key, value, d.TTL)
}
