package execution

import (
	"context"
	"sync/atomic"
)

// scope marks a context.Context as belonging to a running unit.
type scope struct {
	owner  *Context
	parent *scope
	slot   *Pool
	parked atomic.Bool
}

type scopeKey struct{}

func withScope(ctx context.Context, s *scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func scopeFrom(ctx context.Context) *scope {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	return s
}

// Current returns the context whose unit is executing ctx, or nil.
func Current(ctx context.Context) *Context {
	if s := scopeFrom(ctx); s != nil {
		return s.owner
	}
	return nil
}

// Park runs fn with the caller's worker slot released, so other queues can
// progress while fn blocks. Outside a unit, or when already parked, fn is
// simply called.
func Park(ctx context.Context, fn func() error) error {
	s := scopeFrom(ctx)
	if s == nil || s.slot == nil || !s.parked.CompareAndSwap(false, true) {
		return fn()
	}
	s.slot.release()
	defer func() {
		// Reacquire unconditionally so the drain loop's release stays balanced.
		_ = s.slot.sem.Acquire(context.Background(), 1)
		s.parked.Store(false)
	}()
	return fn()
}
