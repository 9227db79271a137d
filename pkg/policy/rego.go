package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/nlabh01/brooklyn-server/pkg/adjunct"
	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/sensors"
)

// RegoPolicyType is the registered type name of RegoPolicy.
const RegoPolicyType = "brooklyn.policy.Rego"

// DefaultViolationsSensor receives violation messages unless configured.
const DefaultViolationsSensor = "policy.violations"

// RegoPolicy config keys.
var (
	RegoSource = entity.NewConfigKey[string]("policy.rego",
		"Inline Rego module whose deny rule is evaluated").
		WithAliases("rego")

	RegoPath = entity.NewConfigKey[string]("policy.path",
		"File holding the Rego module").
		WithAliases("path")

	PolicyProducer = entity.NewConfigKey[any]("policy.producer",
		"Node whose sensors are evaluated; defaults to the host").
		WithAliases("producer")

	TriggerSensors = entity.NewConfigKey[[]string]("policy.sensors",
		"Sensors whose events trigger evaluation; every sensor when empty").
		WithAliases("sensors")

	ViolationsSensor = entity.NewConfigKeyWithDefault("policy.violationsSensor",
		"Sensor on the host receiving the violation messages", DefaultViolationsSensor).
		WithAliases("violationsSensor")
)

// RegoSchema is the declared config of RegoPolicy.
var RegoSchema = []entity.ConfigDescriptor{
	RegoSource, RegoPath, PolicyProducer, TriggerSensors, ViolationsSensor,
}

// RegoPolicy evaluates a deny rule whenever a watched sensor of its producer
// changes, and publishes the resulting messages on its host. Without an
// inline module or path it evaluates every policy of a shared Engine.
type RegoPolicy struct {
	*adjunct.Base

	shared   *Engine
	compiled *compiledPolicy
	producer *entity.Node
	triggers []string
	target   string

	mu         sync.Mutex
	violations []Violation
	published  []string
}

var _ entity.Adjunct = (*RegoPolicy)(nil)

// NewRegoPolicy creates a RegoPolicy from blueprint config.
func NewRegoPolicy(cfg map[string]any) (entity.Adjunct, error) {
	return &RegoPolicy{
		Base: adjunct.NewBase(entity.KindPolicy, RegoPolicyType, RegoSchema, cfg),
	}, nil
}

// NewFactory returns a RegoPolicy constructor that falls back to eng when a
// blueprint names no module.
func NewFactory(eng *Engine) func(cfg map[string]any) (entity.Adjunct, error) {
	return func(cfg map[string]any) (entity.Adjunct, error) {
		return &RegoPolicy{
			Base:   adjunct.NewBase(entity.KindPolicy, RegoPolicyType, RegoSchema, cfg),
			shared: eng,
		}, nil
	}
}

// Configure compiles the module and resolves the producer.
func (p *RegoPolicy) Configure(ctx context.Context, host *entity.Node) error {
	if err := p.Base.Configure(ctx, host); err != nil {
		return err
	}
	producer, err := adjunct.NodeConfig(ctx, p.Base, PolicyProducer, host)
	if err != nil {
		return err
	}
	src, err := adjunct.Get(ctx, p.Base, RegoSource)
	if err != nil {
		return err
	}
	path, err := adjunct.Get(ctx, p.Base, RegoPath)
	if err != nil {
		return err
	}
	triggers, err := adjunct.Get(ctx, p.Base, TriggerSensors)
	if err != nil {
		return err
	}
	target, err := adjunct.Get(ctx, p.Base, ViolationsSensor)
	if err != nil {
		return err
	}

	name := p.DisplayName()
	switch {
	case src != "" && path != "":
		return invalid(p, "only one of policy.rego and policy.path may be set")
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", path, err)
		}
		src = string(data)
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	case src != "":
	case p.shared == nil:
		return invalid(p, "policy.rego or policy.path is required")
	}
	if src != "" {
		cp, err := compile(ctx, &Policy{Name: name, Rego: src, Severity: SeverityWarning, Enabled: true})
		if err != nil {
			return err
		}
		p.compiled = cp
	}

	p.producer = producer
	p.triggers = triggers
	p.target = target
	return nil
}

func invalid(p *RegoPolicy, msg string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s: %s", p.TypeName(), msg), nil).
		WithCode(engine.ErrCodeValidation)
}

// Producer returns the node whose sensors are evaluated.
func (p *RegoPolicy) Producer() *entity.Node {
	return p.producer
}

// Subscribe subscribes the host to the trigger sensors.
func (p *RegoPolicy) Subscribe(context.Context) error {
	if len(p.triggers) == 0 {
		p.SubscribeTo(p.producer, sensors.All, p.onEvent)
		return nil
	}
	for _, s := range p.triggers {
		p.SubscribeTo(p.producer, s, p.onEvent)
	}
	return nil
}

// Start evaluates once against the values already published.
func (p *RegoPolicy) Start(ctx context.Context) error {
	p.evaluate(ctx, "", nil)
	return nil
}

func (p *RegoPolicy) onEvent(ctx context.Context, e sensors.Event) {
	if e.Sensor == p.target && p.producer == p.Host() {
		return
	}
	p.evaluate(ctx, e.Sensor, e.Value)
}

// Violations returns the violations of the latest evaluation.
func (p *RegoPolicy) Violations() []Violation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.violations)
}

func (p *RegoPolicy) evaluate(ctx context.Context, sensor string, value any) {
	input := InputFor(p.producer, sensor, value)

	var violations []Violation
	if p.compiled != nil {
		v, err := p.compiled.eval(ctx, input)
		if err != nil {
			_ = p.TransformFailed(sensor, err)
			return
		}
		violations = v
	} else {
		result, err := p.shared.Evaluate(ctx, input)
		if err != nil {
			_ = p.TransformFailed(sensor, err)
			return
		}
		violations = result.Violations
	}

	messages := make([]string, 0, len(violations))
	for _, v := range violations {
		messages = append(messages, v.Message)
	}

	p.mu.Lock()
	p.violations = violations
	changed := !slices.Equal(messages, p.published)
	if changed {
		p.published = messages
	}
	p.mu.Unlock()
	if !changed {
		return
	}

	host := p.Host()
	if err := host.Publish(ctx, p.target, messages); err != nil {
		_ = p.TransformFailed(sensor, err)
		return
	}
	if len(messages) == 0 {
		return
	}
	reason := strings.Join(messages, "; ")
	p.Logger().Warn().
		Str("producer", p.producer.ID()).
		Int("violations", len(messages)).
		Msg("Policy violated")
	_ = host.Manager().Telemetry().Events.PublishPolicyViolation(host.ID(), p.DisplayName(), reason)
}

// InputFor builds the evaluation input for a node and an optional
// triggering event.
func InputFor(n *entity.Node, sensor string, value any) *Input {
	return &Input{
		Entity: EntityInput{
			ID:          n.ID(),
			PlanID:      n.PlanID(),
			Type:        n.TypeName(),
			DisplayName: n.DisplayName(),
			Lifecycle:   string(n.Lifecycle()),
		},
		Sensor:  sensor,
		Value:   entity.Printable(value),
		Sensors: entity.PrintableConfig(n.Sensors()),
	}
}

// EvaluateNode evaluates every enabled policy against the current state of n.
func (e *Engine) EvaluateNode(ctx context.Context, n *entity.Node) (*Result, error) {
	return e.Evaluate(ctx, InputFor(n, "", nil))
}
