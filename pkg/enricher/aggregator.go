package enricher

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nlabh01/brooklyn-server/pkg/adjunct"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/sensors"
)

// AggregatorType is the registered type name of Aggregator.
const AggregatorType = "brooklyn.enricher.basic.Aggregator"

// AggregationFunction selects a built-in aggregation, or holds a Starlark
// expression over values.
var AggregationFunction = entity.NewConfigKeyWithDefault("enricher.aggregator.function",
	"sum, average, min, max, count, list, or a Starlark expression over values", "list").
	WithAliases("function")

// AggregatorSchema is the declared config of Aggregator.
var AggregatorSchema = []entity.ConfigDescriptor{
	Producer, SourceSensor, TargetSensor, AggregationFunction,
}

// Aggregator combines one sensor across the children of its producer into a
// sensor on the host. Children are tracked as they are added and removed;
// children without a value are left out.
type Aggregator struct {
	*adjunct.Base

	producer *entity.Node
	source   string
	target   string
	fn       aggregation

	mu      sync.Mutex
	members map[string]*sensors.Subscription
}

var _ entity.Adjunct = (*Aggregator)(nil)

// NewAggregator creates an Aggregator from blueprint config.
func NewAggregator(cfg map[string]any) (entity.Adjunct, error) {
	return &Aggregator{
		Base:    adjunct.NewBase(entity.KindEnricher, AggregatorType, AggregatorSchema, cfg),
		members: make(map[string]*sensors.Subscription),
	}, nil
}

// Configure resolves the producer and selects the aggregation.
func (a *Aggregator) Configure(ctx context.Context, host *entity.Node) error {
	if err := a.Base.Configure(ctx, host); err != nil {
		return err
	}
	producer, err := adjunct.NodeConfig(ctx, a.Base, Producer, host)
	if err != nil {
		return err
	}
	source, err := adjunct.Get(ctx, a.Base, SourceSensor)
	if err != nil {
		return err
	}
	target, err := adjunct.Get(ctx, a.Base, TargetSensor)
	if err != nil {
		return err
	}
	name, err := adjunct.Get(ctx, a.Base, AggregationFunction)
	if err != nil {
		return err
	}
	if source == "" || target == "" {
		return invalidConfig(a.Base, "source and target sensors are required")
	}
	fn, ok := aggregations[strings.ToLower(name)]
	if !ok {
		expr := name
		fn = func(ctx context.Context, values []any) (any, error) {
			return evaluator.Eval(ctx, expr, map[string]any{"values": values})
		}
	}

	a.producer = producer
	a.source = source
	a.target = target
	a.fn = fn
	return nil
}

// Subscribe tracks membership changes of the producer.
func (a *Aggregator) Subscribe(context.Context) error {
	a.SubscribeTo(a.producer, entity.ChildAdded.Name(), a.onChildAdded)
	a.SubscribeTo(a.producer, entity.ChildRemoved.Name(), a.onChildRemoved)
	return nil
}

// Start subscribes to the current children and publishes a first value.
func (a *Aggregator) Start(ctx context.Context) error {
	for _, c := range a.producer.Children() {
		a.track(c)
	}
	a.recompute(ctx)
	return nil
}

// Stop drops membership and member subscriptions.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.members = make(map[string]*sensors.Subscription)
	a.mu.Unlock()
	return a.Base.Stop(ctx)
}

// Members returns the ids of the tracked children.
func (a *Aggregator) Members() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.members))
	for _, id := range a.producer.ChildIDs() {
		if _, ok := a.members[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (a *Aggregator) track(child *entity.Node) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.members[child.ID()]; ok {
		return false
	}
	a.members[child.ID()] = a.SubscribeTo(child, a.source, a.onValue)
	return true
}

func (a *Aggregator) onChildAdded(ctx context.Context, e sensors.Event) {
	id, _ := e.Value.(string)
	child, ok := a.Host().Manager().Node(id)
	if !ok {
		return
	}
	if a.track(child) {
		a.recompute(ctx)
	}
}

func (a *Aggregator) onChildRemoved(ctx context.Context, e sensors.Event) {
	id, _ := e.Value.(string)
	a.mu.Lock()
	sub, ok := a.members[id]
	delete(a.members, id)
	a.mu.Unlock()
	if ok {
		a.Unsubscribe(sub)
		a.recompute(ctx)
	}
}

func (a *Aggregator) onValue(ctx context.Context, _ sensors.Event) {
	a.recompute(ctx)
}

func (a *Aggregator) recompute(ctx context.Context) {
	bus := a.Host().Manager().Bus()
	var values []any
	for _, id := range a.Members() {
		if v, ok := bus.CurrentValue(id, a.source); ok && v != nil {
			values = append(values, v)
		}
	}
	out, err := a.fn(ctx, values)
	if err != nil {
		_ = a.TransformFailed(a.source, err)
		return
	}
	if out == nil {
		return
	}
	if err := a.Host().Publish(ctx, a.target, out); err != nil {
		_ = a.TransformFailed(a.source, fmt.Errorf("publish %s: %w", a.target, err))
	}
}
