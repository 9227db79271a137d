// Package adjunct provides Base, the shared machinery of enrichers and
// policies: declared config schema with aliases, leftover properties,
// deferred config resolution through the host, the attachment state
// machine and subscription tracking.
package adjunct

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/refs"
	"github.com/nlabh01/brooklyn-server/pkg/sensors"
)

// Base implements the bookkeeping half of entity.Adjunct. Concrete adjuncts
// embed *Base and override Subscribe, Start and Stop as needed.
type Base struct {
	id       string
	typeName string
	kind     entity.AdjunctKind
	schema   []entity.ConfigDescriptor

	mu        sync.RWMutex
	name      string
	state     entity.AdjunctState
	failure   error
	host      *entity.Node
	logger    zerolog.Logger
	declared  map[string]any
	resolved  map[string]any
	leftovers map[string]any
	subs      []*sensors.Subscription
}

// NewBase splits cfg into declared config (aliases rewritten to canonical
// names) and leftovers. Values are deep-copied so the caller's map is not
// shared with the live adjunct.
func NewBase(kind entity.AdjunctKind, typeName string, schema []entity.ConfigDescriptor, cfg map[string]any) *Base {
	declared, leftovers := entity.Canonicalize(schema, cfg)
	for k, v := range declared {
		declared[k] = refs.Copy(v)
	}
	for k, v := range leftovers {
		leftovers[k] = refs.Copy(v)
	}
	return &Base{
		id:        strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		typeName:  typeName,
		kind:      kind,
		schema:    slices.Clone(schema),
		name:      shortName(typeName),
		state:     entity.AdjunctCreated,
		logger:    zerolog.Nop(),
		declared:  declared,
		resolved:  make(map[string]any),
		leftovers: leftovers,
	}
}

func shortName(typeName string) string {
	if i := strings.LastIndex(typeName, "."); i >= 0 {
		return typeName[i+1:]
	}
	return typeName
}

func (b *Base) ID() string               { return b.id }
func (b *Base) TypeName() string         { return b.typeName }
func (b *Base) Kind() entity.AdjunctKind { return b.kind }

// Schema returns the declared config keys.
func (b *Base) Schema() []entity.ConfigDescriptor { return slices.Clone(b.schema) }

// DisplayName returns the display name, by default the short type name.
func (b *Base) DisplayName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.name
}

// SetDisplayName overrides the display name.
func (b *Base) SetDisplayName(name string) {
	if name == "" {
		return
	}
	b.mu.Lock()
	b.name = name
	b.mu.Unlock()
}

func (b *Base) String() string {
	return fmt.Sprintf("%s[%s]", b.typeName, b.id)
}

// State returns the attachment state.
func (b *Base) State() entity.AdjunctState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Failure returns the attachment failure, if any.
func (b *Base) Failure() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failure
}

// Transition implements the attachment state machine.
func (b *Base) Transition(to entity.AdjunctState, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !entity.CanTransition(b.state, to) {
		return &entity.ErrInvalidTransition{From: b.state, To: to}
	}
	b.state = to
	if to == entity.AdjunctFailed {
		b.failure = cause
	}
	return nil
}

// Host returns the node the adjunct is attached to, nil before Configure.
func (b *Base) Host() *entity.Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.host
}

// Logger returns a logger tagged with the adjunct and its host.
func (b *Base) Logger() *zerolog.Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l := b.logger
	return &l
}

// Configure binds the adjunct to host and resolves every declared config
// value holding a deferred reference. It blocks until they resolve or the
// manager's resolve timeout elapses.
func (b *Base) Configure(ctx context.Context, host *entity.Node) error {
	b.mu.Lock()
	b.host = host
	b.logger = host.Logger().With().
		Str("adjunct_id", b.id).
		Str("adjunct_type", b.typeName).
		Logger()
	pending := make(map[string]any)
	for k, v := range b.declared {
		if refs.Contains(v) {
			pending[k] = v
		} else {
			b.resolved[k] = v
		}
	}
	b.mu.Unlock()

	mgr := host.Manager()
	for _, k := range sortedKeys(pending) {
		v, err := mgr.Resolver().ResolveValue(ctx, pending[k], host, mgr.ResolveTimeout())
		if err != nil {
			return fmt.Errorf("config %s: %w", k, err)
		}
		b.mu.Lock()
		b.resolved[k] = v
		b.mu.Unlock()
	}
	return nil
}

// Subscribe is a no-op; adjuncts override it.
func (b *Base) Subscribe(context.Context) error { return nil }

// Start is a no-op; adjuncts override it.
func (b *Base) Start(context.Context) error { return nil }

// Stop drops every subscription made through SubscribeTo.
func (b *Base) Stop(context.Context) error {
	b.UnsubscribeAll()
	return nil
}

func (b *Base) canonical(key string) string {
	for _, d := range b.schema {
		if slices.Contains(entity.Names(d), key) {
			return d.Name()
		}
	}
	return key
}

func (b *Base) descriptor(key string) (entity.ConfigDescriptor, bool) {
	for _, d := range b.schema {
		if d.Name() == key {
			return d, true
		}
	}
	return nil, false
}

// Has reports whether a value was supplied for key (or one of its aliases).
func (b *Base) Has(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.declared[b.canonical(key)]
	return ok
}

// Config returns the value of a declared key: the resolved value when
// Configure already resolved it, otherwise the supplied value resolved now,
// otherwise the key's default.
func (b *Base) Config(ctx context.Context, key string) (any, error) {
	key = b.canonical(key)
	b.mu.RLock()
	v, resolved := b.resolved[key]
	raw, supplied := b.declared[key]
	host := b.host
	b.mu.RUnlock()

	if resolved {
		return v, nil
	}
	if supplied {
		if !refs.Contains(raw) {
			return raw, nil
		}
		if host == nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("config %s of %s read before attachment", key, b), nil).
				WithCode(engine.ErrCodeValidation)
		}
		mgr := host.Manager()
		out, err := mgr.Resolver().ResolveValue(ctx, raw, host, mgr.ResolveTimeout())
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.resolved[key] = out
		b.mu.Unlock()
		return out, nil
	}
	if d, ok := b.descriptor(key); ok {
		def, _ := d.DefaultValue()
		return def, nil
	}
	return nil, nil
}

// Get returns the typed value of k on b.
func Get[T any](ctx context.Context, b *Base, k entity.ConfigKey[T]) (T, error) {
	var zero T
	v, err := b.Config(ctx, k.Name())
	if err != nil {
		return zero, err
	}
	if v == nil {
		return k.Default(), nil
	}
	out, err := entity.Coerce[T](v)
	if err != nil {
		return zero, fmt.Errorf("config %s: %w", k.Name(), err)
	}
	return out, nil
}

// NodeConfig resolves k to a node. Values may be a node, a node id or plan
// id; an unset key yields fallback.
func NodeConfig(ctx context.Context, b *Base, k entity.ConfigKey[any], fallback *entity.Node) (*entity.Node, error) {
	v, err := b.Config(ctx, k.Name())
	if err != nil {
		return nil, err
	}
	switch val := v.(type) {
	case nil:
		return fallback, nil
	case *entity.Node:
		return val, nil
	case string:
		host := b.Host()
		if host == nil {
			return nil, fmt.Errorf("config %s: no host to look up %q", k.Name(), val)
		}
		if n, ok := host.Manager().Node(val); ok {
			return n, nil
		}
		for _, n := range host.Manager().Nodes() {
			if n.PlanID() == val {
				return n, nil
			}
		}
		return nil, engine.NewPermanentError(fmt.Sprintf("config %s: no node %q", k.Name(), val), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return nil, engine.NewPermanentError(
		fmt.Sprintf("config %s: %T is not a node", k.Name(), v), nil).
		WithCode(engine.ErrCodeTypeMismatch)
}

// ConfigSnapshot returns the declared config, resolved where resolution
// already happened.
func (b *Base) ConfigSnapshot() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any, len(b.declared))
	for k, v := range b.declared {
		out[k] = v
	}
	for k, v := range b.resolved {
		out[k] = v
	}
	return out
}

// Leftovers returns the supplied keys the schema does not declare, verbatim.
func (b *Base) Leftovers() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any, len(b.leftovers))
	for k, v := range b.leftovers {
		out[k] = v
	}
	return out
}

// SubscribeTo subscribes the host to a sensor of producer and tracks the
// subscription for Stop.
func (b *Base) SubscribeTo(producer *entity.Node, sensor string, cb sensors.Callback) *sensors.Subscription {
	host := b.Host()
	sub := host.Manager().Bus().Subscribe(host, producer, sensor, cb)
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Subscriptions returns the live subscriptions.
func (b *Base) Subscriptions() []*sensors.Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*sensors.Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.Active() {
			out = append(out, s)
		}
	}
	return out
}

// Unsubscribe drops one tracked subscription.
func (b *Base) Unsubscribe(sub *sensors.Subscription) {
	host := b.Host()
	if host == nil || sub == nil {
		return
	}
	host.Manager().Bus().Unsubscribe(sub)
	b.mu.Lock()
	b.subs = slices.DeleteFunc(b.subs, func(s *sensors.Subscription) bool { return s == sub })
	b.mu.Unlock()
}

// UnsubscribeAll drops every tracked subscription.
func (b *Base) UnsubscribeAll() {
	host := b.Host()
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	if host == nil {
		return
	}
	for _, s := range subs {
		host.Manager().Bus().Unsubscribe(s)
	}
}

// Publish sets a sensor on target on behalf of the adjunct.
func (b *Base) Publish(ctx context.Context, target *entity.Node, sensor string, value any) error {
	return target.Publish(ctx, sensor, value)
}

// TransformFailed logs and counts a failed computation for one event. The
// subscription that delivered the event stays active.
func (b *Base) TransformFailed(sensor string, err error) error {
	terr := engine.NewTransformError(b.id, sensor, err).WithDetail("type", b.typeName)
	if host := b.Host(); host != nil {
		m := host.Manager().Telemetry().Metrics
		m.RecordTransformError(b.typeName)
		m.RecordError(engine.ErrCodeTransformFailed)
	}
	b.Logger().Warn().Err(err).Str("sensor", sensor).Msg("Transform failed")
	return terr
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
