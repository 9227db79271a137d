package enricher

import (
	"context"
	"fmt"
	"slices"

	"github.com/nlabh01/brooklyn-server/pkg/adjunct"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/execution"
	"github.com/nlabh01/brooklyn-server/pkg/sensors"
)

// TransformerType is the registered type name of Transformer.
const TransformerType = "brooklyn.enricher.basic.Transformer"

// TransformerSchema is the declared config of Transformer.
var TransformerSchema = []entity.ConfigDescriptor{
	Producer, SourceSensor, SourceSensors, TargetSensor, TargetEntity, Transformation,
}

// TransformFunc computes a target value from the current source values,
// keyed by sensor name. trigger names the sensor whose event caused the call.
type TransformFunc func(ctx context.Context, trigger string, values map[string]any) (any, error)

// Transformer publishes a value derived from one or more producer sensors.
// It recomputes on every source event once all sources hold a value; while
// any source is unset nothing is published. A nil result is not published.
type Transformer struct {
	*adjunct.Base

	fn       TransformFunc
	producer *entity.Node
	target   *entity.Node
	sources  []string
	sensor   string
}

var _ entity.Adjunct = (*Transformer)(nil)

// NewTransformer creates a Transformer from blueprint config. The
// computation is the Starlark expression in enricher.transformation, with
// value (the triggering value), values (all sources by name) and sensor
// (the triggering sensor) bound. Without a transformation a single source
// is forwarded unchanged.
func NewTransformer(cfg map[string]any) (entity.Adjunct, error) {
	return &Transformer{
		Base: adjunct.NewBase(entity.KindEnricher, TransformerType, TransformerSchema, cfg),
	}, nil
}

// NewTransformerFunc creates a Transformer computing with fn.
func NewTransformerFunc(cfg map[string]any, fn TransformFunc) *Transformer {
	return &Transformer{
		Base: adjunct.NewBase(entity.KindEnricher, TransformerType, TransformerSchema, cfg),
		fn:   fn,
	}
}

// Configure resolves producer, target and sensors.
func (t *Transformer) Configure(ctx context.Context, host *entity.Node) error {
	if err := t.Base.Configure(ctx, host); err != nil {
		return err
	}
	producer, err := adjunct.NodeConfig(ctx, t.Base, Producer, host)
	if err != nil {
		return err
	}
	target, err := adjunct.NodeConfig(ctx, t.Base, TargetEntity, host)
	if err != nil {
		return err
	}
	sources, err := adjunct.Get(ctx, t.Base, SourceSensors)
	if err != nil {
		return err
	}
	if single, err := adjunct.Get(ctx, t.Base, SourceSensor); err != nil {
		return err
	} else if single != "" {
		sources = append([]string{single}, sources...)
	}
	sensor, err := adjunct.Get(ctx, t.Base, TargetSensor)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return invalidConfig(t.Base, "a source sensor is required")
	}
	if sensor == "" {
		return invalidConfig(t.Base, "a target sensor is required")
	}
	if t.fn == nil {
		fn, err := t.scriptFunc(ctx, len(sources))
		if err != nil {
			return err
		}
		t.fn = fn
	}
	if producer == target && slices.Contains(sources, sensor) {
		return invalidConfig(t.Base, fmt.Sprintf("target sensor %s is also a source of the same node", sensor))
	}

	t.producer = producer
	t.target = target
	t.sources = sources
	t.sensor = sensor
	return nil
}

func (t *Transformer) scriptFunc(ctx context.Context, sources int) (TransformFunc, error) {
	expr, err := adjunct.Get(ctx, t.Base, Transformation)
	if err != nil {
		return nil, err
	}
	if expr == "" {
		if sources != 1 {
			return nil, invalidConfig(t.Base, "a transformation is required with several source sensors")
		}
		return func(_ context.Context, trigger string, values map[string]any) (any, error) {
			return values[trigger], nil
		}, nil
	}
	return func(ctx context.Context, trigger string, values map[string]any) (any, error) {
		return evaluator.Eval(ctx, expr, map[string]any{
			"value":  values[trigger],
			"values": values,
			"sensor": trigger,
		})
	}, nil
}

// Target returns the node the computed value is published on.
func (t *Transformer) Target() *entity.Node {
	return t.target
}

// Subscribe subscribes the host to each source sensor.
func (t *Transformer) Subscribe(context.Context) error {
	for _, s := range t.sources {
		t.SubscribeTo(t.producer, s, t.onEvent)
	}
	return nil
}

// Start computes once from the values already published.
func (t *Transformer) Start(ctx context.Context) error {
	t.recompute(ctx, t.sources[0])
	return nil
}

func (t *Transformer) onEvent(ctx context.Context, e sensors.Event) {
	t.recompute(ctx, e.Sensor)
}

func (t *Transformer) recompute(ctx context.Context, trigger string) {
	values := make(map[string]any, len(t.sources))
	for _, s := range t.sources {
		v, ok := t.producer.Sensor(s)
		if !ok || v == nil {
			return
		}
		values[s] = v
	}

	out, err := t.fn(ctx, trigger, values)
	if err != nil {
		_ = t.TransformFailed(trigger, err)
		return
	}
	if out == nil {
		return
	}
	if err := publishOn(ctx, t.Host(), t.target, t.sensor, out); err != nil {
		_ = t.TransformFailed(trigger, err)
	}
}

// publishOn publishes on target from a unit running on host. Values for
// another node are handed to that node's context.
func publishOn(ctx context.Context, host, target *entity.Node, sensor string, value any) error {
	if target == host {
		return host.Publish(ctx, sensor, value)
	}
	target.Execution().Submit(ctx, func(uctx context.Context) (any, error) {
		return nil, target.Publish(uctx, sensor, value)
	}, execution.WithName("publish "+sensor))
	return nil
}
