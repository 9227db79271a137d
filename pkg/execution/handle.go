package execution

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
)

// Func is a unit of work. The context carries the executing scope so nested
// calls can detect reentrancy.
type Func func(ctx context.Context) (any, error)

// State is the lifecycle state of a submitted unit.
type State int32

const (
	StateQueued State = iota
	StateRunning
	StateDone
	StateCancelled
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handle refers to a submitted unit of work.
type Handle struct {
	name   string
	owner  *Context
	fn     Func
	ctx    context.Context
	parent *scope

	state  atomic.Int32
	done   chan struct{}
	result any
	err    error
}

func newHandle(name string, owner *Context, ctx context.Context, fn Func) *Handle {
	return &Handle{
		name:  name,
		owner: owner,
		fn:    fn,
		ctx:   ctx,
		done:  make(chan struct{}),
	}
}

// failedHandle returns a handle that is already complete with err.
func failedHandle(name string, err error) *Handle {
	h := newHandle(name, nil, context.Background(), nil)
	h.state.Store(int32(StateDone))
	h.err = err
	close(h.done)
	return h
}

// Name returns the unit name given at submission.
func (h *Handle) Name() string {
	return h.name
}

// State returns the current state of the unit.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Done returns a channel closed once the unit has completed or been cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel prevents a queued unit from running. It reports false once the unit
// has started.
func (h *Handle) Cancel() bool {
	if !h.state.CompareAndSwap(int32(StateQueued), int32(StateCancelled)) {
		return false
	}
	h.err = engine.NewPermanentError(fmt.Sprintf("task %s cancelled before start", h.name), nil).
		WithCode(engine.ErrCodeCancelled).
		WithOperation(h.name)
	close(h.done)
	if h.owner != nil {
		h.owner.pool.metrics.RecordTaskCancelled()
	}
	return true
}

// Get blocks until the unit finishes or ctx is done and returns its result.
// A failed unit's error is returned wrapped as a task failure.
//
// Calling Get from inside the owning context on a unit that has not finished
// returns a deadlock error, since the unit could only run after the caller.
// While blocked from inside any unit the caller's worker slot is released.
func (h *Handle) Get(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
	}

	if h.owner != nil && h.owner.Inside(ctx) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("task %s waits on its own context %s", h.name, h.owner.name), nil).
			WithCode(engine.ErrCodeDeadlock).
			WithOperation(h.name)
	}

	var waitErr error
	_ = Park(ctx, func() error {
		select {
		case <-h.done:
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
		return nil
	})
	if waitErr != nil {
		return nil, waitErr
	}
	return h.result, h.err
}

// Await is Get with a typed result.
func Await[T any](ctx context.Context, h *Handle) (T, error) {
	var zero T
	v, err := h.Get(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, engine.NewPermanentError(
			fmt.Sprintf("task %s returned %T, want %T", h.name, v, zero), nil).
			WithCode(engine.ErrCodeTypeMismatch)
	}
	return t, nil
}

func (h *Handle) finish(result any, err error) {
	h.result = result
	h.err = err
	h.state.Store(int32(StateDone))
	close(h.done)
}
