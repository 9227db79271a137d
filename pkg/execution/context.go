package execution

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// Context is a serial queue of units. Units submitted to one Context run one
// at a time in submission order on the shared pool.
type Context struct {
	name string
	pool *Pool
	seq  atomic.Uint64

	mu       sync.Mutex
	queue    []*Handle
	draining bool
	closed   bool
}

// SubmitOption customizes a submitted unit.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	name string
}

// WithName names the unit for logs, metrics and errors.
func WithName(name string) SubmitOption {
	return func(o *submitOptions) {
		o.name = name
	}
}

// Name returns the context name.
func (c *Context) Name() string {
	return c.name
}

// Submit enqueues fn and returns immediately. The unit inherits values from
// ctx but not its cancellation; use Handle.Cancel before it starts.
func (c *Context) Submit(ctx context.Context, fn Func, opts ...SubmitOption) *Handle {
	return c.enqueue(ctx, fn, nil, opts)
}

// Execute submits fn and waits for its result. When ctx already belongs to a
// unit running on this context, fn runs inline instead of being queued.
func (c *Context) Execute(ctx context.Context, fn Func, opts ...SubmitOption) (any, error) {
	if c.Inside(ctx) {
		o := c.options(opts)
		return c.pool.invoke(ctx, newHandle(o.name, c, ctx, fn))
	}
	h := c.enqueue(ctx, fn, scopeFrom(ctx), opts)
	return h.Get(ctx)
}

// Inside reports whether ctx belongs to a unit executing on this context,
// directly or through a chain of Execute calls that are waiting on each other.
func (c *Context) Inside(ctx context.Context) bool {
	for s := scopeFrom(ctx); s != nil; s = s.parent {
		if s.owner == c {
			return true
		}
	}
	return false
}

// Pending returns the number of units waiting to start.
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.queue {
		if h.State() == StateQueued {
			n++
		}
	}
	return n
}

// Closed reports whether the context rejects new work.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close rejects later submissions and cancels units that have not started.
// A running unit is left to finish.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := slices.Clone(c.queue)
	c.mu.Unlock()

	for _, h := range pending {
		if h != nil {
			h.Cancel()
		}
	}
	c.pool.forget(c)
}

func (c *Context) options(opts []SubmitOption) submitOptions {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = taskName(c, c.seq.Add(1))
	}
	return o
}

func (c *Context) enqueue(ctx context.Context, fn Func, parent *scope, opts []SubmitOption) *Handle {
	o := c.options(opts)
	h := newHandle(o.name, c, context.WithoutCancel(ctx), fn)
	h.parent = parent

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return failedHandle(o.name, closedError(o.name, "context "+c.name))
	}
	c.queue = append(c.queue, h)
	c.pool.metrics.RecordTaskSubmitted()
	if !c.draining {
		c.draining = true
		c.pool.wg.Add(1)
		go c.drain()
	}
	return h
}

// drain runs queued units until the queue is empty. At most one drain
// goroutine exists per context.
func (c *Context) drain() {
	defer c.pool.wg.Done()
	for {
		h := c.next()
		if h == nil {
			return
		}
		if h.State() != StateQueued {
			continue
		}
		if err := c.pool.acquire(); err != nil {
			h.Cancel()
			continue
		}
		if !h.state.CompareAndSwap(int32(StateQueued), int32(StateRunning)) {
			c.pool.release()
			continue
		}
		c.pool.run(c, h)
		c.pool.release()
	}
}

func (c *Context) next() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		c.draining = false
		return nil
	}
	h := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return h
}
