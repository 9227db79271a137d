package sensors

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/execution"
	"github.com/nlabh01/brooklyn-server/pkg/telemetry"
)

// Bus is the sensor publish/subscribe hub. Each producer has a value table;
// publishing updates the table and queues one delivery per matching
// subscription on the subscriber's execution context.
//
// By default every publish notifies, even when the value is unchanged. A bus
// built WithDedup(true) skips notification when the new value is deeply equal
// to the current one.
type Bus struct {
	dedup   bool
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu           sync.RWMutex
	tables       map[string]*table
	bySubscriber map[string]map[string]*Subscription

	obsMu     sync.RWMutex
	observers []Observer
}

type entry struct {
	value any
	seq   uint64
	at    time.Time
}

type table struct {
	// pubMu serializes publishes and subscription changes for one producer.
	pubMu sync.Mutex
	subs  []*Subscription
	seq   uint64

	valMu    sync.RWMutex
	values   map[string]entry
	declared map[string]Descriptor
}

func newTable() *table {
	return &table{
		values:   make(map[string]entry),
		declared: make(map[string]Descriptor),
	}
}

// Option configures a Bus.
type Option func(*Bus)

// WithDedup enables or disables suppression of unchanged values.
func WithDedup(enabled bool) Option {
	return func(b *Bus) {
		b.dedup = enabled
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		logger:       zerolog.Nop(),
		tables:       make(map[string]*table),
		bySubscriber: make(map[string]map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With().Str("component", "sensors").Logger()
	return b
}

// Dedup reports whether unchanged values are suppressed.
func (b *Bus) Dedup() bool {
	return b.dedup
}

func (b *Bus) table(id string, create bool) *table {
	b.mu.RLock()
	t := b.tables[id]
	b.mu.RUnlock()
	if t != nil || !create {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t = b.tables[id]; t == nil {
		t = newTable()
		b.tables[id] = t
	}
	return t
}

// Declare registers a typed sensor on a producer. Later publishes under the
// same name are type-checked.
func (b *Bus) Declare(producerID string, d Descriptor) {
	t := b.table(producerID, true)
	t.valMu.Lock()
	t.declared[d.Name()] = d
	t.valMu.Unlock()
}

// Declared returns the sensors declared on a producer.
func (b *Bus) Declared(producerID string) []Descriptor {
	t := b.table(producerID, false)
	if t == nil {
		return nil
	}
	t.valMu.RLock()
	defer t.valMu.RUnlock()
	out := make([]Descriptor, 0, len(t.declared))
	for _, d := range t.declared {
		out = append(out, d)
	}
	return out
}

// Observe adds a bus-wide observer.
func (b *Bus) Observe(o Observer) {
	b.obsMu.Lock()
	b.observers = append(b.observers, o)
	b.obsMu.Unlock()
}

// Publish sets a sensor value on producer and queues deliveries to matching
// subscribers. It never runs callbacks inline.
func (b *Bus) Publish(ctx context.Context, producer Endpoint, name string, value any) error {
	t := b.table(producer.ID(), true)

	t.valMu.RLock()
	d, declared := t.declared[name]
	t.valMu.RUnlock()
	if declared && value != nil {
		if vt := reflect.TypeOf(value); !vt.AssignableTo(d.Type()) {
			return engine.NewPermanentError(
				fmt.Sprintf("sensor %s expects %s, got %s", name, d.Type(), vt), nil).
				WithCode(engine.ErrCodeTypeMismatch).
				WithResource(producer.ID())
		}
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.valMu.Lock()
	prev, had := t.values[name]
	if b.dedup && had && reflect.DeepEqual(prev.value, value) {
		t.valMu.Unlock()
		b.metrics.RecordSensorPublish(true)
		return nil
	}
	t.seq++
	now := time.Now()
	t.values[name] = entry{value: value, seq: t.seq, at: now}
	t.valMu.Unlock()
	b.metrics.RecordSensorPublish(false)

	ev := Event{
		Producer:    producer.ID(),
		Sensor:      name,
		Value:       value,
		Previous:    prev.value,
		HadPrevious: had,
		Seq:         t.seq,
		Timestamp:   now,
	}

	b.obsMu.RLock()
	for _, o := range b.observers {
		o.SensorPublished(ev)
	}
	b.obsMu.RUnlock()

	for _, sub := range t.subs {
		if sub.matches(name) {
			sub.deliver(ctx, ev)
		}
	}
	return nil
}

// CurrentValue returns a producer's latest value for a sensor. It never
// waits on any execution context.
func (b *Bus) CurrentValue(producerID, name string) (any, bool) {
	t := b.table(producerID, false)
	if t == nil {
		return nil, false
	}
	t.valMu.RLock()
	defer t.valMu.RUnlock()
	e, ok := t.values[name]
	return e.value, ok
}

// Snapshot returns a copy of every value currently set on a producer.
func (b *Bus) Snapshot(producerID string) map[string]any {
	out := make(map[string]any)
	t := b.table(producerID, false)
	if t == nil {
		return out
	}
	t.valMu.RLock()
	defer t.valMu.RUnlock()
	for k, e := range t.values {
		out[k] = e.value
	}
	return out
}

// Subscribe registers cb for future publishes of sensor name (or All) on
// producer. Events are delivered on subscriber's execution context. Values
// published before the call are not replayed.
func (b *Bus) Subscribe(subscriber, producer Endpoint, name string, cb Callback) *Subscription {
	sub := &Subscription{
		id:         uuid.New().String(),
		subscriber: subscriber,
		producerID: producer.ID(),
		sensor:     name,
		cb:         cb,
		bus:        b,
	}
	sub.active.Store(true)

	t := b.table(producer.ID(), true)
	t.pubMu.Lock()
	t.subs = append(t.subs, sub)
	t.pubMu.Unlock()

	b.mu.Lock()
	m := b.bySubscriber[subscriber.ID()]
	if m == nil {
		m = make(map[string]*Subscription)
		b.bySubscriber[subscriber.ID()] = m
	}
	m[sub.id] = sub
	b.mu.Unlock()

	b.metrics.AddSubscriptions(1)
	b.logger.Debug().
		Str("subscriber", subscriber.ID()).
		Str("producer", producer.ID()).
		Str("sensor", name).
		Msg("Subscribed")
	return sub
}

// Unsubscribe deactivates a subscription. Deliveries already queued are
// dropped. Calling it more than once is harmless.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.active.CompareAndSwap(true, false) {
		return
	}

	if t := b.table(sub.producerID, false); t != nil {
		t.pubMu.Lock()
		for i, s := range t.subs {
			if s == sub {
				t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
				break
			}
		}
		t.pubMu.Unlock()
	}

	b.mu.Lock()
	if m := b.bySubscriber[sub.subscriber.ID()]; m != nil {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(b.bySubscriber, sub.subscriber.ID())
		}
	}
	b.mu.Unlock()

	b.metrics.AddSubscriptions(-1)
}

// UnsubscribeAll removes every subscription held by subscriberID.
func (b *Bus) UnsubscribeAll(subscriberID string) {
	for _, sub := range b.SubscriptionsOf(subscriberID) {
		b.Unsubscribe(sub)
	}
}

// SubscriptionsOf returns the active subscriptions held by subscriberID.
func (b *Bus) SubscriptionsOf(subscriberID string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := b.bySubscriber[subscriberID]
	out := make([]*Subscription, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

// Remove drops a node's value table and every subscription it is part of.
func (b *Bus) Remove(id string) {
	b.UnsubscribeAll(id)

	b.mu.Lock()
	t := b.tables[id]
	delete(b.tables, id)
	b.mu.Unlock()
	if t == nil {
		return
	}

	t.pubMu.Lock()
	subs := t.subs
	t.pubMu.Unlock()
	for _, sub := range subs {
		b.Unsubscribe(sub)
	}
}

// Set publishes a typed value.
func Set[T any](ctx context.Context, b *Bus, producer Endpoint, s Sensor[T], v T) error {
	return b.Publish(ctx, producer, s.Name(), v)
}

// Get returns a typed current value. A value of another type reads as unset.
func Get[T any](b *Bus, producerID string, s Sensor[T]) (T, bool) {
	var zero T
	v, ok := b.CurrentValue(producerID, s.Name())
	if !ok || v == nil {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Subscription is an active interest of one endpoint in a producer's sensor.
type Subscription struct {
	id         string
	subscriber Endpoint
	producerID string
	sensor     string
	cb         Callback
	active     atomic.Bool
	bus        *Bus
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// SubscriberID returns the id of the subscribing endpoint.
func (s *Subscription) SubscriberID() string { return s.subscriber.ID() }

// ProducerID returns the id of the producing node.
func (s *Subscription) ProducerID() string { return s.producerID }

// Sensor returns the subscribed sensor name, or All.
func (s *Subscription) Sensor() string { return s.sensor }

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return s.active.Load() }

func (s *Subscription) matches(name string) bool {
	return s.active.Load() && (s.sensor == All || s.sensor == name)
}

func (s *Subscription) deliver(ctx context.Context, ev Event) {
	exec := s.subscriber.Execution()
	if exec == nil {
		return
	}
	exec.Submit(ctx, func(uctx context.Context) (any, error) {
		if !s.active.Load() {
			return nil, nil
		}
		s.bus.metrics.RecordSensorDelivery()
		s.cb(uctx, ev)
		return nil, nil
	}, execution.WithName("deliver "+ev.Sensor))
}
