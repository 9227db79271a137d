package execution

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/telemetry"
)

// DefaultWorkers is the worker count used when PoolConfig.Workers is unset.
const DefaultWorkers = 8

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Workers bounds the number of units running at once across all contexts.
	Workers int

	// Logger receives panic reports and lifecycle messages.
	Logger zerolog.Logger

	// Metrics is optional.
	Metrics *telemetry.Metrics
}

// Pool is the shared worker pool behind every execution Context.
type Pool struct {
	sem     *semaphore.Weighted
	workers int
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	contexts map[*Context]struct{}
}

// NewPool creates a pool with the given configuration.
func NewPool(cfg PoolConfig) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:      semaphore.NewWeighted(int64(workers)),
		workers:  workers,
		logger:   cfg.Logger.With().Str("component", "execution").Logger(),
		metrics:  cfg.Metrics,
		base:     base,
		cancel:   cancel,
		contexts: make(map[*Context]struct{}),
	}
}

// Workers returns the pool's concurrency bound.
func (p *Pool) Workers() int {
	return p.workers
}

// NewContext creates a serial execution context on this pool.
func (p *Pool) NewContext(name string) *Context {
	c := &Context{name: name, pool: p}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.closed = true
		return c
	}
	p.contexts[c] = struct{}{}
	return c
}

func (p *Pool) forget(c *Context) {
	p.mu.Lock()
	delete(p.contexts, c)
	p.mu.Unlock()
}

// Async runs fn on its own goroutine, outside any serial queue, and returns a
// handle to its result. It suits multi-step procedures that submit units to
// several contexts in turn.
func (p *Pool) Async(ctx context.Context, name string, fn Func) *Handle {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return failedHandle(name, closedError(name, "pool"))
	}
	p.wg.Add(1)
	p.mu.Unlock()

	h := newHandle(name, nil, withScope(context.WithoutCancel(ctx), nil), fn)
	h.state.Store(int32(StateRunning))
	go func() {
		defer p.wg.Done()
		runCtx, cancel := context.WithCancel(h.ctx)
		stop := context.AfterFunc(p.base, cancel)
		defer stop()
		defer cancel()
		res, err := p.invoke(runCtx, h)
		h.finish(res, err)
	}()
	return h
}

// Close cancels every queued unit, signals running units through their
// context and waits for them to return or for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	contexts := make([]*Context, 0, len(p.contexts))
	for c := range p.contexts {
		contexts = append(contexts, c)
	}
	p.mu.Unlock()

	for _, c := range contexts {
		c.Close()
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Debug().Int("contexts", len(contexts)).Msg("Execution pool closed")
		return nil
	case <-ctx.Done():
		return engine.NewTransientError("execution pool close timed out", ctx.Err()).
			WithCode(engine.ErrCodeTimeout)
	}
}

// run executes one queued unit while holding a worker slot.
func (p *Pool) run(c *Context, h *Handle) {
	p.metrics.RecordTaskStarted()
	timer := telemetry.NewTimer()

	runCtx, cancel := context.WithCancel(h.ctx)
	stop := context.AfterFunc(p.base, cancel)
	defer stop()
	defer cancel()
	runCtx = withScope(runCtx, &scope{owner: c, parent: h.parent, slot: p})

	res, err := p.invoke(runCtx, h)
	h.finish(res, err)

	status := "succeeded"
	if err != nil {
		status = "failed"
		p.metrics.RecordError(engine.ErrCodeTaskFailed)
	}
	p.metrics.RecordTaskCompleted(status, timer.Duration())
}

// invoke calls the unit's function, turning panics and errors into task failures.
func (p *Pool) invoke(ctx context.Context, h *Handle) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("task", h.name).
				Str("stack", string(debug.Stack())).
				Msgf("Task panicked: %v", r)
			res, err = nil, engine.NewTaskFailure(h.name, fmt.Errorf("panic: %v", r))
		}
	}()
	res, err = h.fn(ctx)
	return res, wrapFailure(h.name, err)
}

// wrapFailure wraps err as a task failure unless it already is one.
func wrapFailure(name string, err error) error {
	if err == nil || engine.IsTaskFailure(err) {
		return err
	}
	return engine.NewTaskFailure(name, err)
}

func closedError(name, what string) error {
	return engine.NewPermanentError(fmt.Sprintf("task %s rejected: %s closed", name, what), nil).
		WithCode(engine.ErrCodeClosed).
		WithOperation(name)
}

// acquire takes a worker slot, giving up when the pool closes.
func (p *Pool) acquire() error {
	return p.sem.Acquire(p.base, 1)
}

func (p *Pool) release() {
	p.sem.Release(1)
}

// taskName defaults a unit name from the context name and a sequence number.
func taskName(c *Context, seq uint64) string {
	return fmt.Sprintf("%s#%d", c.name, seq)
}
