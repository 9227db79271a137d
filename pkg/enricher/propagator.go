package enricher

import (
	"context"
	"fmt"
	"slices"

	"github.com/nlabh01/brooklyn-server/pkg/adjunct"
	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/sensors"
)

// PropagatorType is the registered type name of Propagator.
const PropagatorType = "brooklyn.enricher.basic.Propagator"

// Propagator config keys.
var (
	PropagatingAll = entity.NewConfigKeyWithDefault("enricher.propagating.propagatingAll",
		"Propagate every sensor of the producer except the lifecycle sensors", false).
		WithAliases("propagatingAll")

	PropagatingAllBut = entity.NewConfigKey[[]string]("enricher.propagating.propagatingAllBut",
		"Propagate every sensor except these").
		WithAliases("propagatingAllBut")

	Propagating = entity.NewConfigKey[[]string]("enricher.propagating.inclusions",
		"Sensors to propagate").
		WithAliases("propagating")

	SensorMapping = entity.NewConfigKey[map[string]string]("enricher.propagating.sensorMapping",
		"Renames applied while propagating, producer sensor to host sensor").
		WithAliases("sensorMapping")
)

// PropagatorSchema is the declared config of Propagator.
var PropagatorSchema = []entity.ConfigDescriptor{
	Producer, PropagatingAll, PropagatingAllBut, Propagating, SensorMapping,
}

// Propagator republishes sensors of a producer on its host, unchanged or
// under a renaming map.
type Propagator struct {
	*adjunct.Base

	producer *entity.Node
	all      bool
	excluded []string
	included []string
	mapping  map[string]string
}

var _ entity.Adjunct = (*Propagator)(nil)

// NewPropagator creates a Propagator from blueprint config.
func NewPropagator(cfg map[string]any) (entity.Adjunct, error) {
	return &Propagator{
		Base: adjunct.NewBase(entity.KindEnricher, PropagatorType, PropagatorSchema, cfg),
	}, nil
}

// Configure resolves the producer and checks that exactly one selection
// mode is configured.
func (p *Propagator) Configure(ctx context.Context, host *entity.Node) error {
	if err := p.Base.Configure(ctx, host); err != nil {
		return err
	}
	producer, err := adjunct.NodeConfig(ctx, p.Base, Producer, host)
	if err != nil {
		return err
	}
	all, err := adjunct.Get(ctx, p.Base, PropagatingAll)
	if err != nil {
		return err
	}
	allBut, err := adjunct.Get(ctx, p.Base, PropagatingAllBut)
	if err != nil {
		return err
	}
	included, err := adjunct.Get(ctx, p.Base, Propagating)
	if err != nil {
		return err
	}
	mapping, err := adjunct.Get(ctx, p.Base, SensorMapping)
	if err != nil {
		return err
	}

	hasAllBut := p.Has(PropagatingAllBut.Name())
	modes := 0
	for _, set := range []bool{all, hasAllBut, len(included) > 0} {
		if set {
			modes++
		}
	}
	if modes == 0 && len(mapping) > 0 {
		for k := range mapping {
			included = append(included, k)
		}
		slices.Sort(included)
		modes = 1
	}
	if modes != 1 {
		return invalidConfig(p.Base, "exactly one of propagatingAll, propagatingAllBut or propagating must be set")
	}
	if (all || hasAllBut) && producer == host {
		return invalidConfig(p.Base, "cannot propagate all sensors of the host onto itself")
	}

	p.producer = producer
	p.all = all || hasAllBut
	p.excluded = allBut
	p.included = included
	p.mapping = mapping
	return nil
}

// Producer returns the node whose sensors are propagated.
func (p *Propagator) Producer() *entity.Node {
	return p.producer
}

// Subscribe subscribes the host to the selected producer sensors.
func (p *Propagator) Subscribe(context.Context) error {
	if p.all {
		p.SubscribeTo(p.producer, sensors.All, p.onEvent)
		return nil
	}
	for _, s := range p.included {
		p.SubscribeTo(p.producer, s, p.onEvent)
	}
	return nil
}

// Start republishes the matching values the producer already holds.
func (p *Propagator) Start(ctx context.Context) error {
	values := p.producer.Sensors()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if p.selects(name) {
			p.forward(ctx, name, values[name])
		}
	}
	return nil
}

func (p *Propagator) selects(name string) bool {
	if p.all {
		return !entity.IsBuiltinSensor(name) && !slices.Contains(p.excluded, name)
	}
	return slices.Contains(p.included, name)
}

func (p *Propagator) onEvent(ctx context.Context, e sensors.Event) {
	if !p.selects(e.Sensor) {
		return
	}
	p.forward(ctx, e.Sensor, e.Value)
}

func (p *Propagator) forward(ctx context.Context, name string, value any) {
	target := name
	if renamed, ok := p.mapping[name]; ok {
		target = renamed
	}
	if err := p.Host().Publish(ctx, target, value); err != nil {
		_ = p.TransformFailed(name, err)
	}
}

func invalidConfig(b *adjunct.Base, msg string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s: %s", b.TypeName(), msg), nil).
		WithCode(engine.ErrCodeValidation)
}
