package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/execution"
	"github.com/nlabh01/brooklyn-server/pkg/refs"
	"github.com/nlabh01/brooklyn-server/pkg/sensors"
	"github.com/nlabh01/brooklyn-server/pkg/telemetry"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Pool runs every node's execution context. When nil the manager creates
	// and owns a pool of Workers workers.
	Pool    *execution.Pool
	Workers int

	// Bus carries sensor values. When nil a bus without dedup is created.
	Bus *sensors.Bus

	// Telemetry supplies metrics, tracing and lifecycle events. Optional.
	Telemetry *telemetry.Telemetry

	Logger zerolog.Logger

	// Properties are global config values every node falls back to.
	Properties map[string]any

	// ResolveTimeout bounds deferred reference resolution.
	ResolveTimeout time.Duration

	// BackoffInitial and BackoffMax shape the resolution retry schedule.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Journal persists node and failure records. Optional.
	Journal Journal
}

// Manager owns the live node graph.
type Manager struct {
	pool     *execution.Pool
	ownsPool bool
	bus      *sensors.Bus
	resolver *refs.Resolver
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	journal  Journal

	properties     map[string]any
	resolveTimeout time.Duration

	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewManager creates a manager.
func NewManager(cfg ManagerConfig) *Manager {
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	logger := cfg.Logger.With().Str("component", "manager").Logger()

	m := &Manager{
		pool:           cfg.Pool,
		bus:            cfg.Bus,
		tel:            tel,
		logger:         logger,
		journal:        cfg.Journal,
		properties:     make(map[string]any, len(cfg.Properties)),
		resolveTimeout: cfg.ResolveTimeout,
		nodes:          make(map[string]*Node),
	}
	for k, v := range cfg.Properties {
		m.properties[k] = v
	}
	if m.pool == nil {
		m.pool = execution.NewPool(execution.PoolConfig{
			Workers: cfg.Workers,
			Logger:  cfg.Logger,
			Metrics: tel.Metrics,
		})
		m.ownsPool = true
	}
	if m.bus == nil {
		m.bus = sensors.NewBus(sensors.WithLogger(cfg.Logger), sensors.WithMetrics(tel.Metrics))
	}
	if m.resolveTimeout <= 0 {
		m.resolveTimeout = refs.DefaultTimeout
	}

	opts := []refs.Option{
		refs.WithLogger(cfg.Logger),
		refs.WithMetrics(tel.Metrics),
		refs.WithEvents(tel.Events),
	}
	if cfg.BackoffInitial > 0 && cfg.BackoffMax > 0 {
		opts = append(opts, refs.WithBackoff(cfg.BackoffInitial, cfg.BackoffMax))
	}
	m.resolver = refs.NewResolver(m, m.bus, opts...)
	return m
}

// Bus returns the sensor bus.
func (m *Manager) Bus() *sensors.Bus { return m.bus }

// Resolver returns the deferred reference resolver.
func (m *Manager) Resolver() *refs.Resolver { return m.resolver }

// Pool returns the worker pool.
func (m *Manager) Pool() *execution.Pool { return m.pool }

// Telemetry returns the telemetry bundle.
func (m *Manager) Telemetry() *telemetry.Telemetry { return m.tel }

// Logger returns the manager's base logger.
func (m *Manager) Logger() zerolog.Logger { return m.logger }

// ResolveTimeout returns the timeout used for deferred references.
func (m *Manager) ResolveTimeout() time.Duration { return m.resolveTimeout }

// Property returns a global property.
func (m *Manager) Property(key string) (any, bool) {
	v, ok := m.properties[key]
	return v, ok
}

// Lookup implements refs.Graph.
func (m *Manager) Lookup(id string) (refs.Node, bool) {
	n, ok := m.Node(id)
	if !ok {
		return nil, false
	}
	return n, true
}

// Node returns a managed node by id.
func (m *Manager) Node(id string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok
}

// Nodes returns every managed node, ordered by id.
func (m *Manager) Nodes() []*Node {
	m.mu.RLock()
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Roots returns the managed nodes without a parent.
func (m *Manager) Roots() []*Node {
	var out []*Node
	for _, n := range m.Nodes() {
		if n.ParentID() == "" {
			out = append(out, n)
		}
	}
	return out
}

// Options describes a node to create.
type Options struct {
	// ID is the node id; generated when empty.
	ID string

	// PlanID is the blueprint id used by component lookups.
	PlanID string

	DisplayName string
	Type        *Type
	Parent      *Node

	// Config is copied; values may hold deferred references.
	Config map[string]any
}

// NewNode creates and manages a node. The node's creation unit records its
// config, declares its sensors and runs the type's Init hook; the node is
// then registered and added to its parent.
func (m *Manager) NewNode(ctx context.Context, opts Options) (*Node, error) {
	id := opts.ID
	if id == "" {
		id = newID()
	}
	if _, exists := m.Node(id); exists {
		return nil, engine.NewPermanentError(fmt.Sprintf("node %s already exists", id), nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(id)
	}

	ctx, span := m.tel.Tracer.StartNodeSpan(ctx, id, "create")
	defer span.End()

	n := &Node{
		id:        id,
		planID:    opts.PlanID,
		name:      opts.DisplayName,
		typ:       opts.Type,
		mgr:       m,
		logger:    m.logger.With().Str("component", "entity").Str("node_id", id).Logger(),
		lifecycle: engine.LifecycleCreated,
	}
	if n.name == "" {
		n.name = defaultName(opts)
	}
	if opts.Parent != nil {
		n.parent = opts.Parent.ID()
	}
	n.exec = m.pool.NewContext(id)

	if _, err := n.exec.Execute(ctx, func(uctx context.Context) (any, error) {
		return nil, n.initialize(uctx, opts.Config)
	}, execution.WithName("init "+id)); err != nil {
		n.exec.Close()
		telemetry.RecordError(span, err)
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.nodes[id]; exists {
		m.mu.Unlock()
		n.exec.Close()
		return nil, engine.NewPermanentError(fmt.Sprintf("node %s already exists", id), nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(id)
	}
	m.nodes[id] = n
	m.mu.Unlock()

	if opts.Parent != nil {
		if err := opts.Parent.AddChild(ctx, n); err != nil {
			m.forget(n)
			n.exec.Close()
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	m.tel.Metrics.AddManagedNodes(1)
	_ = m.tel.Events.PublishNodeEvent(telemetry.EventTypeNodeManaged, id,
		fmt.Sprintf("Node %s (%s) managed", n.name, n.TypeName()))
	m.journalNode(ctx, n)
	n.logger.Debug().Str("type", n.TypeName()).Str("parent", n.parent).Msg("Node managed")
	telemetry.RecordSuccess(span)
	return n, nil
}

// Unmanage destroys n and its subtree: children first, then the node's
// adjuncts are stopped, its sensors and subscriptions dropped and its
// execution context closed.
func (m *Manager) Unmanage(ctx context.Context, n *Node) error {
	var errs []error
	children := n.Children()
	for i := len(children) - 1; i >= 0; i-- {
		if err := m.Unmanage(ctx, children[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if n.Lifecycle().IsActive() {
		if err := n.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := n.exec.Execute(ctx, func(uctx context.Context) (any, error) {
		n.stopAdjuncts(uctx)
		n.setLifecycle(uctx, engine.LifecycleDestroyed)
		return nil, nil
	}, execution.WithName("destroy "+n.id)); err != nil {
		errs = append(errs, err)
	}

	if p := n.Parent(); p != nil {
		if err := p.removeChild(ctx, n.id); err != nil {
			errs = append(errs, err)
		}
	}

	m.journalNode(ctx, n)
	m.bus.Remove(n.id)
	n.exec.Close()
	m.forget(n)
	m.tel.Metrics.AddManagedNodes(-1)
	_ = m.tel.Events.PublishNodeEvent(telemetry.EventTypeNodeDestroyed, n.id,
		fmt.Sprintf("Node %s destroyed", n.name))
	return errors.Join(errs...)
}

// Close unmanages every root and closes the pool if the manager created it.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, r := range m.Roots() {
		if err := m.Unmanage(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	if m.ownsPool {
		if err := m.pool.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) forget(n *Node) {
	m.mu.Lock()
	delete(m.nodes, n.id)
	m.mu.Unlock()
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func defaultName(opts Options) string {
	if opts.PlanID != "" {
		return opts.PlanID
	}
	if opts.Type != nil {
		if i := strings.LastIndex(opts.Type.Name, "."); i >= 0 {
			return opts.Type.Name[i+1:]
		}
		return opts.Type.Name
	}
	return "node"
}
