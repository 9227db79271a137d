package blueprint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nlabh01/brooklyn-server/pkg/catalog"
	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/execution"
	"github.com/nlabh01/brooklyn-server/pkg/refs"
	"github.com/nlabh01/brooklyn-server/pkg/registry"
	"github.com/nlabh01/brooklyn-server/pkg/telemetry"
)

// Record is the persisted view of a deployment.
type Record struct {
	ID        string
	Blueprint string
	Source    string
	AppID     string
	Status    engine.DeploymentStatus
	Errors    []string
	StartedAt time.Time
	UpdatedAt time.Time
}

// Recorder persists deployment records.
type Recorder interface {
	RecordDeployment(ctx context.Context, rec Record) error
}

// Interpreter materializes blueprints into node graphs owned by a manager.
type Interpreter struct {
	manager  *entity.Manager
	registry *registry.Registry
	recorder Recorder
	logger   zerolog.Logger
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithRecorder persists every deployment outcome.
func WithRecorder(r Recorder) Option {
	return func(i *Interpreter) { i.recorder = r }
}

// WithLogger sets the interpreter's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(i *Interpreter) { i.logger = logger.With().Str("component", "interpreter").Logger() }
}

// NewInterpreter creates an interpreter resolving types through reg.
func NewInterpreter(m *entity.Manager, reg *registry.Registry, opts ...Option) *Interpreter {
	i := &Interpreter{
		manager:  m,
		registry: reg,
		logger:   m.Logger().With().Str("component", "interpreter").Logger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Deployment is the outcome of materializing one blueprint.
type Deployment struct {
	ID        string
	Blueprint string
	Source    string
	StartedAt time.Time

	// App is the application root, nil when it could not be created.
	App *entity.Node

	mu        sync.Mutex
	status    engine.DeploymentStatus
	errs      []error
	attaching []*execution.Handle
}

func newDeployment(bp *Blueprint) *Deployment {
	return &Deployment{
		ID:        uuid.NewString(),
		Blueprint: bp.Name,
		Source:    bp.Source,
		StartedAt: time.Now(),
		status:    engine.DeploymentStatusPending,
	}
}

// Status returns the deployment status.
func (d *Deployment) Status() engine.DeploymentStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Errors returns the failures of subtrees that could not be built or
// started, and of adjuncts that could not be created.
func (d *Deployment) Errors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.errs)
}

// Err joins Errors.
func (d *Deployment) Err() error {
	return errors.Join(d.Errors()...)
}

// Wait blocks until every adjunct attachment submitted during
// materialization has finished. It returns the attachment failures, or the
// context's error when ctx ends first.
func (d *Deployment) Wait(ctx context.Context) error {
	d.mu.Lock()
	handles := slices.Clone(d.attaching)
	d.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if _, err := h.Get(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Find returns the node of the deployment with the given plan id.
func (d *Deployment) Find(planID string) (*entity.Node, bool) {
	if d.App == nil {
		return nil, false
	}
	queue := []*entity.Node{d.App}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.PlanID() == planID {
			return n, true
		}
		queue = append(queue, n.Children()...)
	}
	return nil, false
}

func (d *Deployment) fail(err error) {
	d.mu.Lock()
	d.errs = append(d.errs, err)
	d.mu.Unlock()
}

func (d *Deployment) track(h *execution.Handle) {
	d.mu.Lock()
	d.attaching = append(d.attaching, h)
	d.mu.Unlock()
}

func (d *Deployment) record() Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := Record{
		ID:        d.ID,
		Blueprint: d.Blueprint,
		Source:    d.Source,
		Status:    d.status,
		StartedAt: d.StartedAt,
		UpdatedAt: time.Now(),
	}
	if d.App != nil {
		rec.AppID = d.App.ID()
	}
	for _, err := range d.errs {
		rec.Errors = append(rec.Errors, err.Error())
	}
	return rec
}

// Materialize validates bp and builds its node graph without starting it.
// Failures below the application root are local to their subtree and are
// reported on the deployment; the error is non-nil only when bp is invalid
// or the root itself could not be created.
func (i *Interpreter) Materialize(ctx context.Context, bp *Blueprint) (*Deployment, error) {
	return i.run(ctx, bp, false)
}

// Deploy materializes bp and starts the application. Children start
// concurrently; start failures are reported on the deployment.
func (i *Interpreter) Deploy(ctx context.Context, bp *Blueprint) (*Deployment, error) {
	return i.run(ctx, bp, true)
}

func (i *Interpreter) run(ctx context.Context, bp *Blueprint, start bool) (*Deployment, error) {
	if err := Validate(bp, i.registry); err != nil {
		return nil, err
	}

	d := newDeployment(bp)
	if telemetry.FromTelemetryContext(ctx) == nil {
		ctx = i.manager.Telemetry().WithContext(ctx)
	}
	ctx = telemetry.WithDeploymentContext(ctx, d.ID, bp.Name)
	logger := i.logger.With().Str("deployment_id", d.ID).Str("blueprint", bp.Name).Logger()

	d.mu.Lock()
	d.status = engine.DeploymentStatusRunning
	d.mu.Unlock()
	i.recordDeployment(ctx, d)

	err := i.materialize(ctx, d, bp)
	if err == nil && start {
		if serr := d.App.Start(ctx); serr != nil {
			d.fail(fmt.Errorf("start: %w", serr))
		}
	}

	status := engine.DeploymentStatusSucceeded
	switch {
	case err != nil:
		status = engine.DeploymentStatusFailed
	case len(d.Errors()) > 0:
		status = engine.DeploymentStatusPartial
	}
	d.mu.Lock()
	d.status = status
	d.mu.Unlock()

	telemetry.EndDeploymentContext(ctx, d.ID, string(status), err)
	i.recordDeployment(ctx, d)

	event := logger.Info()
	if status != engine.DeploymentStatusSucceeded {
		event = logger.Warn().Err(errors.Join(err, d.Err()))
	}
	event.Str("status", string(status)).
		Dur("duration", time.Since(d.StartedAt)).
		Msg("Deployment finished")

	return d, err
}

func (i *Interpreter) materialize(ctx context.Context, d *Deployment, bp *Blueprint) error {
	cfg, err := compile(bp.Config)
	if err != nil {
		return err
	}
	app, err := i.manager.NewNode(ctx, entity.Options{
		DisplayName: bp.Name,
		Type:        i.rootType(),
		Config:      cfg,
	})
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}
	d.App = app

	i.attach(ctx, d, app, KeyEnrichers, bp.Enrichers, entity.KindEnricher)
	i.attach(ctx, d, app, KeyPolicies, bp.Policies, entity.KindPolicy)
	for idx := range bp.Services {
		i.build(ctx, d, app, fmt.Sprintf("%s[%d]", KeyServices, idx), &bp.Services[idx])
	}
	return nil
}

// build creates the node for spec under parent, submits its adjunct
// attachments and recurses into its children. A failure abandons only this
// subtree.
func (i *Interpreter) build(ctx context.Context, d *Deployment, parent *entity.Node, path string, spec *NodeSpec) {
	typ, err := i.registry.Type(spec.Type)
	if err != nil {
		i.subtreeFailed(d, path, err)
		return
	}
	cfg, err := compile(spec.NodeConfig())
	if err != nil {
		i.subtreeFailed(d, path, err)
		return
	}
	n, err := i.manager.NewNode(ctx, entity.Options{
		PlanID:      spec.ID,
		DisplayName: spec.Name,
		Type:        typ,
		Parent:      parent,
		Config:      cfg,
	})
	if err != nil {
		i.subtreeFailed(d, path, err)
		return
	}

	i.attach(ctx, d, n, path+"."+KeyEnrichers, spec.Enrichers, entity.KindEnricher)
	i.attach(ctx, d, n, path+"."+KeyPolicies, spec.Policies, entity.KindPolicy)
	for idx := range spec.Children {
		i.build(ctx, d, n, fmt.Sprintf("%s.%s[%d]", path, KeyChildren, idx), &spec.Children[idx])
	}
}

func (i *Interpreter) attach(ctx context.Context, d *Deployment, n *entity.Node, path string, specs []AdjunctSpec, kind entity.AdjunctKind) {
	for idx := range specs {
		s := &specs[idx]
		p := fmt.Sprintf("%s[%d]", path, idx)
		cfg, err := compile(s.AdjunctConfig())
		if err != nil {
			i.adjunctFailed(d, n, p, s.Type, err)
			continue
		}
		a, err := i.registry.NewAdjunct(kind, s.Type, cfg)
		if err != nil {
			i.adjunctFailed(d, n, p, s.Type, err)
			continue
		}
		if named, ok := a.(interface{ SetDisplayName(string) }); ok {
			named.SetDisplayName(s.Name)
		}
		d.track(n.AddAdjunct(ctx, a))
	}
}

func (i *Interpreter) subtreeFailed(d *Deployment, path string, err error) {
	d.fail(fmt.Errorf("%s: %w", path, err))
	i.manager.Telemetry().Metrics.RecordError(codeOf(err))
	i.logger.Warn().Err(err).Str("deployment_id", d.ID).Str("path", path).Msg("Subtree not created")
}

func (i *Interpreter) adjunctFailed(d *Deployment, n *entity.Node, path, typeName string, err error) {
	d.fail(fmt.Errorf("%s: %w", path, engine.NewAttachmentFailure("", "create", err).
		WithDetail("node", n.ID()).
		WithDetail("type", typeName)))
	i.manager.Telemetry().Metrics.RecordError(engine.ErrCodeAttachmentFailed)
	i.logger.Warn().Err(err).Str("deployment_id", d.ID).Str("path", path).Msg("Adjunct not created")
}

func (i *Interpreter) recordDeployment(ctx context.Context, d *Deployment) {
	if i.recorder == nil {
		return
	}
	if err := i.recorder.RecordDeployment(ctx, d.record()); err != nil {
		i.logger.Warn().Err(err).Str("deployment_id", d.ID).Msg("Failed to record deployment")
	}
}

// rootType returns the registered application type, or the built-in one
// when the registry does not carry it.
func (i *Interpreter) rootType() *entity.Type {
	if t, err := i.registry.Type(catalog.BasicApplicationType); err == nil {
		return t
	}
	return catalog.BasicApplication
}

// Destroy unmanages the deployment's application.
func (i *Interpreter) Destroy(ctx context.Context, d *Deployment) error {
	if d.App == nil {
		return nil
	}
	return i.manager.Unmanage(ctx, d.App)
}

// compile deep-copies cfg, turning DSL strings into deferred references.
func compile(cfg map[string]any) (map[string]any, error) {
	if len(cfg) == 0 {
		return map[string]any{}, nil
	}
	v, err := refs.Compile(cfg)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func codeOf(err error) string {
	var e *engine.EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return engine.ErrCodeInternal
}
