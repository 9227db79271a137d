package entity

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/execution"
	"github.com/nlabh01/brooklyn-server/pkg/refs"
	"github.com/nlabh01/brooklyn-server/pkg/sensors"
)

// Node is a managed element of the graph.
type Node struct {
	id     string
	planID string
	name   string
	typ    *Type
	mgr    *Manager
	exec   *execution.Context
	logger zerolog.Logger

	mu          sync.RWMutex
	parent      string
	children    []string
	config      map[string]any
	adjuncts    []Adjunct
	lifecycle   engine.Lifecycle
	initialized bool
	problems    []error
}

var (
	_ refs.Node        = (*Node)(nil)
	_ sensors.Endpoint = (*Node)(nil)
)

func (n *Node) ID() string                    { return n.id }
func (n *Node) PlanID() string                { return n.planID }
func (n *Node) DisplayName() string           { return n.name }
func (n *Node) Execution() *execution.Context { return n.exec }
func (n *Node) Manager() *Manager             { return n.mgr }
func (n *Node) Type() *Type                   { return n.typ }
func (n *Node) Logger() zerolog.Logger        { return n.logger }

func (n *Node) String() string {
	return fmt.Sprintf("%s:%s", n.TypeName(), n.id)
}

// TypeName returns the name of the node's type.
func (n *Node) TypeName() string {
	if n.typ == nil {
		return ""
	}
	return n.typ.Name
}

// ParentID returns the parent's id, or "" for a root.
func (n *Node) ParentID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.parent
}

// Parent returns the parent node, nil for a root.
func (n *Node) Parent() *Node {
	p := n.ParentID()
	if p == "" {
		return nil
	}
	parent, _ := n.mgr.Node(p)
	return parent
}

// ChildIDs returns the ids of the children in insertion order.
func (n *Node) ChildIDs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.children)
}

// Children returns the children in insertion order.
func (n *Node) Children() []*Node {
	ids := n.ChildIDs()
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		if c, ok := n.mgr.Node(id); ok {
			out = append(out, c)
		}
	}
	return out
}

// Initialized reports whether the creation unit has run.
func (n *Node) Initialized() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.initialized
}

// Lifecycle returns the current lifecycle state.
func (n *Node) Lifecycle() engine.Lifecycle {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lifecycle
}

func (n *Node) initialize(ctx context.Context, cfg map[string]any) error {
	config := make(map[string]any, len(cfg))
	for k, v := range cfg {
		name := k
		if d, ok := n.typ.ConfigKey(k); ok {
			name = d.Name()
			if _, explicit := cfg[name]; explicit && name != k {
				continue
			}
		}
		config[name] = refs.Copy(v)
	}

	bus := n.mgr.bus
	for _, d := range BuiltinSensors {
		bus.Declare(n.id, d)
	}
	if n.typ != nil {
		for _, d := range n.typ.Sensors {
			bus.Declare(n.id, d)
		}
	}

	n.mu.Lock()
	n.config = config
	n.mu.Unlock()

	if n.typ != nil && n.typ.Init != nil {
		if err := n.typ.Init(ctx, n); err != nil {
			return engine.NewTaskFailure("init "+n.id, err).WithResource(n.id)
		}
	}

	n.mu.Lock()
	n.initialized = true
	n.mu.Unlock()
	return sensors.Set(ctx, bus, n, ServiceState, string(engine.LifecycleCreated))
}

// AddChild attaches child under n, on n's execution context, and publishes
// entity.childAdded.
func (n *Node) AddChild(ctx context.Context, child *Node) error {
	_, err := n.exec.Execute(ctx, func(uctx context.Context) (any, error) {
		n.mu.Lock()
		if slices.Contains(n.children, child.id) {
			n.mu.Unlock()
			return nil, nil
		}
		n.children = append(n.children, child.id)
		n.mu.Unlock()

		child.mu.Lock()
		child.parent = n.id
		child.mu.Unlock()
		return nil, sensors.Set(uctx, n.mgr.bus, n, ChildAdded, child.id)
	}, execution.WithName("addChild "+child.id))
	return err
}

func (n *Node) removeChild(ctx context.Context, id string) error {
	_, err := n.exec.Execute(ctx, func(uctx context.Context) (any, error) {
		n.mu.Lock()
		i := slices.Index(n.children, id)
		if i < 0 {
			n.mu.Unlock()
			return nil, nil
		}
		n.children = slices.Delete(n.children, i, i+1)
		n.mu.Unlock()
		return nil, sensors.Set(uctx, n.mgr.bus, n, ChildRemoved, id)
	}, execution.WithName("removeChild "+id))
	return err
}

// ConfigMap returns a copy of the node's own config, without inherited
// values. Deferred references are returned unresolved.
func (n *Node) ConfigMap() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]any, len(n.config))
	for k, v := range n.config {
		out[k] = v
	}
	return out
}

func (n *Node) ownConfig(key string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if v, ok := n.config[key]; ok {
		return v, true
	}
	if d, ok := n.typ.ConfigKey(key); ok {
		for _, name := range Names(d) {
			if v, ok := n.config[name]; ok {
				return v, true
			}
		}
	}
	return nil, false
}

// RawConfig returns the unresolved value of key. Lookup order is the node's
// own config, then its ancestors' own config, then the manager's global
// properties, then the default declared by the node's type.
func (n *Node) RawConfig(key string) (any, bool) {
	for cur := n; cur != nil; cur = cur.Parent() {
		if v, ok := cur.ownConfig(key); ok {
			return v, true
		}
	}
	if v, ok := n.mgr.Property(key); ok {
		return v, true
	}
	if d, ok := n.typ.ConfigKey(key); ok {
		return d.DefaultValue()
	}
	return nil, false
}

// Config returns the value of key with every deferred reference inside it
// resolved relative to n. A missing key yields nil.
func (n *Node) Config(ctx context.Context, key string) (any, error) {
	raw, ok := n.RawConfig(key)
	if !ok {
		return nil, nil
	}
	v, err := n.mgr.resolver.ResolveValue(ctx, raw, n, n.mgr.resolveTimeout)
	if err != nil {
		n.noteProblem(err)
		return nil, err
	}
	return v, nil
}

// GetConfig returns the typed value of k on n.
func GetConfig[T any](ctx context.Context, n *Node, k ConfigKey[T]) (T, error) {
	var zero T
	v, err := n.Config(ctx, k.Name())
	if err != nil {
		return zero, err
	}
	if v == nil {
		return k.Default(), nil
	}
	return Coerce[T](v)
}

// SetConfig sets a config value on n's execution context.
func (n *Node) SetConfig(ctx context.Context, key string, value any) error {
	_, err := n.exec.Execute(ctx, func(context.Context) (any, error) {
		n.mu.Lock()
		if n.config == nil {
			n.config = make(map[string]any)
		}
		n.config[key] = value
		n.mu.Unlock()
		return nil, nil
	}, execution.WithName("setConfig "+key))
	return err
}

// Sensor returns the current value of a sensor on n.
func (n *Node) Sensor(name string) (any, bool) {
	return n.mgr.bus.CurrentValue(n.id, name)
}

// Sensors returns a snapshot of every sensor value on n.
func (n *Node) Sensors() map[string]any {
	return n.mgr.bus.Snapshot(n.id)
}

// Publish sets a sensor value on n. The write runs on n's execution
// context: inline when ctx is already inside it, otherwise as a queued unit
// that Publish waits for.
func (n *Node) Publish(ctx context.Context, name string, value any) error {
	_, err := n.exec.Execute(ctx, func(uctx context.Context) (any, error) {
		return nil, n.mgr.bus.Publish(uctx, n, name, value)
	}, execution.WithName("publish "+name))
	return err
}

// SetSensor publishes a typed sensor value on n, like Publish.
func SetSensor[T any](ctx context.Context, n *Node, s sensors.Sensor[T], v T) error {
	_, err := n.exec.Execute(ctx, func(uctx context.Context) (any, error) {
		return nil, sensors.Set(uctx, n.mgr.bus, n, s, v)
	}, execution.WithName("publish "+s.Name()))
	return err
}

// SensorValue reads a typed sensor value from n.
func SensorValue[T any](n *Node, s sensors.Sensor[T]) (T, bool) {
	return sensors.Get(n.mgr.bus, n.id, s)
}

// Adjuncts returns the attached enrichers and policies in attachment order,
// including failed ones.
func (n *Node) Adjuncts() []Adjunct {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.adjuncts)
}

// Enrichers returns the attached enrichers.
func (n *Node) Enrichers() []Adjunct {
	return n.adjunctsOf(KindEnricher)
}

// Policies returns the attached policies.
func (n *Node) Policies() []Adjunct {
	return n.adjunctsOf(KindPolicy)
}

func (n *Node) adjunctsOf(kind AdjunctKind) []Adjunct {
	var out []Adjunct
	for _, a := range n.Adjuncts() {
		if a.Kind() == kind {
			out = append(out, a)
		}
	}
	return out
}

// Adjunct returns an attached adjunct by id.
func (n *Node) Adjunct(id string) (Adjunct, bool) {
	for _, a := range n.Adjuncts() {
		if a.ID() == id {
			return a, true
		}
	}
	return nil, false
}

// Problems returns unresolved reference errors met while reading config.
func (n *Node) Problems() []error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.problems)
}

func (n *Node) noteProblem(err error) {
	if !engine.IsUnresolvedReference(err) {
		return
	}
	n.mu.Lock()
	n.problems = append(n.problems, err)
	n.mu.Unlock()
}

// Submit runs fn on n's execution context and waits for the result. Called
// from a unit already running on n, fn runs inline.
func (n *Node) Submit(ctx context.Context, fn execution.Func) (any, error) {
	return n.exec.Execute(ctx, fn, execution.WithName("adhoc "+n.id))
}
