package refs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/execution"
	"github.com/nlabh01/brooklyn-server/pkg/sensors"
	"github.com/nlabh01/brooklyn-server/pkg/telemetry"
)

// DefaultTimeout is how long Resolve keeps retrying when no timeout is given.
const DefaultTimeout = 30 * time.Second

// Resolver evaluates deferred references against the live graph.
type Resolver struct {
	graph   Graph
	bus     *sensors.Bus
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher

	initialInterval time.Duration
	maxInterval     time.Duration

	group singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(r *Resolver) { r.events = ep }
}

// WithBackoff sets the first and the largest wait between attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(r *Resolver) {
		r.initialInterval = initial
		r.maxInterval = max
	}
}

// NewResolver creates a resolver over graph, reading sensor values from bus.
func NewResolver(graph Graph, bus *sensors.Bus, opts ...Option) *Resolver {
	r := &Resolver{
		graph:           graph,
		bus:             bus,
		logger:          zerolog.Nop(),
		initialInterval: 10 * time.Millisecond,
		maxInterval:     500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "resolver").Logger()
	return r
}

func (r *Resolver) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initialInterval
	bo.MaxInterval = r.maxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.Reset()
	return bo
}

// Resolve returns the value of d as seen from caller, retrying until it
// resolves or timeout elapses. Each attempt runs on the caller's execution
// context (inline when ctx is already executing there); waits between
// attempts happen outside the queue. On timeout the error is an
// unresolved-reference error whose reason tells a missing node from an
// unset value.
func (r *Resolver) Resolve(ctx context.Context, d *Deferred, caller Node, timeout time.Duration) (any, error) {
	if v, ok := d.Cached(caller.ID()); ok {
		return v, nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// A unit already running on the caller's context must not wait on a
	// concurrent resolution that needs that same queue.
	if exec := caller.Execution(); exec != nil && exec.Inside(ctx) {
		return r.resolve(ctx, d, caller, timeout)
	}

	key := fmt.Sprintf("%p/%s", d, caller.ID())
	v, err, _ := r.group.Do(key, func() (any, error) {
		if v, ok := d.Cached(caller.ID()); ok {
			return v, nil
		}
		return r.resolve(ctx, d, caller, timeout)
	})
	return v, err
}

func (r *Resolver) resolve(ctx context.Context, d *Deferred, caller Node, timeout time.Duration) (any, error) {
	deadline := time.Now().Add(timeout)
	bo := r.newBackOff()

	var last *engine.EngineError
	attempts := 0
	for {
		attempts++
		v, err := r.attempt(ctx, d.expr, caller)
		if err == nil {
			d.remember(caller.ID(), v)
			r.metrics.RecordResolution("resolved", attempts)
			return v, nil
		}
		last = notYet(err)
		if last == nil {
			r.metrics.RecordResolution("failed", attempts)
			return nil, unwrapTask(err)
		}

		wait := bo.NextBackOff()
		remaining := time.Until(deadline)
		if remaining <= 0 || wait == backoff.Stop {
			break
		}
		if wait > remaining {
			wait = remaining
		}
		if err := execution.Park(ctx, func() error { return sleep(ctx, wait) }); err != nil {
			r.metrics.RecordResolution("cancelled", attempts)
			return nil, engine.NewUnresolvedReferenceError(d.String(), engine.ReasonOf(last), err)
		}
	}

	reason := engine.ReasonOf(last)
	r.metrics.RecordResolution("unresolved", attempts)
	r.metrics.RecordError(engine.ErrCodeUnresolvedReference)
	_ = r.events.PublishReferenceUnresolved(caller.ID(), d.String(), reason)
	r.logger.Warn().
		Str("node_id", caller.ID()).
		Str("expression", d.String()).
		Str("reason", reason).
		Int("attempts", attempts).
		Dur("timeout", timeout).
		Msg("Reference unresolved")
	return nil, engine.NewUnresolvedReferenceError(d.String(), reason, last).
		WithResource(caller.ID()).
		WithDetail("attempts", attempts)
}

func (r *Resolver) attempt(ctx context.Context, expr Expression, caller Node) (any, error) {
	exec := caller.Execution()
	if exec == nil {
		return r.Evaluate(ctx, expr, caller)
	}
	return exec.Execute(ctx, func(uctx context.Context) (any, error) {
		return r.Evaluate(uctx, expr, caller)
	}, execution.WithName("resolve "+expr.String()))
}

// Evaluate makes a single attempt at expr from caller, in the calling
// goroutine.
func (r *Resolver) Evaluate(ctx context.Context, expr Expression, caller Node) (any, error) {
	return expr.eval(ctx, r, caller)
}

// ResolveValue resolves every Deferred inside v, descending into maps and
// slices, and returns a resolved copy.
func (r *Resolver) ResolveValue(ctx context.Context, v any, caller Node, timeout time.Duration) (any, error) {
	switch val := v.(type) {
	case *Deferred:
		return r.Resolve(ctx, val, caller, timeout)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rv, err := r.ResolveValue(ctx, item, caller, timeout)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rv, err := r.ResolveValue(ctx, item, caller, timeout)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// evaluateValue is the single-attempt counterpart of ResolveValue used while
// evaluating an expression.
func (r *Resolver) evaluateValue(ctx context.Context, v any, caller Node) (any, error) {
	switch val := v.(type) {
	case Expression:
		return val.eval(ctx, r, caller)
	case *Deferred:
		if cached, ok := val.Cached(caller.ID()); ok {
			return cached, nil
		}
		out, err := val.expr.eval(ctx, r, caller)
		if err == nil {
			val.remember(caller.ID(), out)
		}
		return out, err
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rv, err := r.evaluateValue(ctx, item, caller)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rv, err := r.evaluateValue(ctx, item, caller)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// nodeOf evaluates from to a node, defaulting to caller.
func (r *Resolver) nodeOf(ctx context.Context, from Expression, caller Node) (Node, error) {
	if from == nil {
		return caller, nil
	}
	v, err := from.eval(ctx, r, caller)
	if err != nil {
		return nil, err
	}
	n, ok := v.(Node)
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("%s evaluated to %T, not a node", from, v), nil).
			WithCode(engine.ErrCodeTypeMismatch)
	}
	return n, nil
}

func (r *Resolver) find(start Node, scope Scope, id string) (Node, bool) {
	switch scope {
	case ScopeThis:
		return start, true
	case ScopeParent:
		return parentOf(r.graph, start)
	case ScopeRoot:
		return rootOf(r.graph, start), true
	case ScopeChild:
		for _, c := range children(r.graph, start) {
			if matches(c, id) {
				return c, true
			}
		}
		return nil, false
	case ScopeSibling:
		p, ok := parentOf(r.graph, start)
		if !ok {
			return nil, false
		}
		for _, c := range children(r.graph, p) {
			if c.ID() != start.ID() && matches(c, id) {
				return c, true
			}
		}
		return nil, false
	case ScopeDescendant:
		return findDescendant(r.graph, start, id)
	case ScopeAncestor:
		for n, ok := parentOf(r.graph, start); ok; n, ok = parentOf(r.graph, n) {
			if matches(n, id) {
				return n, true
			}
		}
		return nil, false
	default:
		root := rootOf(r.graph, start)
		if matches(root, id) {
			return root, true
		}
		return findDescendant(r.graph, root, id)
	}
}

// notYet finds the not-yet-resolvable error inside err, if any.
func notYet(err error) *engine.EngineError {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if ee, ok := e.(*engine.EngineError); ok && ee.Code == engine.ErrCodeNotYetResolvable {
			return ee
		}
	}
	return nil
}

// unwrapTask strips the task-failure wrapper added by the execution context.
func unwrapTask(err error) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Code == engine.ErrCodeTaskFailed && ee.Err != nil {
		return ee.Err
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
