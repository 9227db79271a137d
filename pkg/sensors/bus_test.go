package sensors

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/nlabh01/brooklyn-server/internal/testutil"
	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/execution"
)

type endpoint struct {
	id   string
	exec *execution.Context
}

func (e *endpoint) ID() string                    { return e.id }
func (e *endpoint) Execution() *execution.Context { return e.exec }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) callback(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) values() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Value)
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func setup(t *testing.T, opts ...Option) (*Bus, *execution.Pool) {
	t.Helper()
	pool := execution.NewPool(execution.PoolConfig{Workers: 4, Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	return NewBus(opts...), pool
}

func newEndpoint(pool *execution.Pool, id string) *endpoint {
	return &endpoint{id: id, exec: pool.NewContext(id)}
}

var nameSensor = New[string]("test.name", "A name")

func TestDeliveryIsAsyncOnSubscriberContext(t *testing.T) {
	bus, pool := setup(t)
	producer := newEndpoint(pool, "producer")
	subscriber := newEndpoint(pool, "subscriber")
	ctx := context.Background()

	var mu sync.Mutex
	var onContext *execution.Context
	delivered := make(chan struct{})
	bus.Subscribe(subscriber, producer, nameSensor.Name(), func(uctx context.Context, e Event) {
		mu.Lock()
		onContext = execution.Current(uctx)
		mu.Unlock()
		close(delivered)
	})

	release := make(chan struct{})
	subscriber.exec.Submit(ctx, func(context.Context) (any, error) {
		<-release
		return nil, nil
	})

	if err := Set(ctx, bus, producer, nameSensor, "hello"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case <-delivered:
		t.Fatal("callback ran while the subscriber's context was busy")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("event never delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if onContext != subscriber.exec {
		t.Errorf("delivered on %v, want subscriber context", onContext)
	}
}

func TestNoReplay(t *testing.T) {
	bus, pool := setup(t)
	producer := newEndpoint(pool, "producer")
	subscriber := newEndpoint(pool, "subscriber")
	ctx := context.Background()

	if err := bus.Publish(ctx, producer, "test.name", "before"); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	bus.Subscribe(subscriber, producer, "test.name", rec.callback)
	if err := bus.Publish(ctx, producer, "test.name", "after"); err != nil {
		t.Fatal(err)
	}

	testutil.Eventually(t, 0, func() bool { return rec.len() == 1 }, "one delivery")
	testutil.Never(t, 20*time.Millisecond, func() bool { return rec.len() > 1 }, "replayed value")
	if diff := cmp.Diff([]any{"after"}, rec.values()); diff != "" {
		t.Errorf("delivered (-want +got):\n%s", diff)
	}
}

func TestPerProducerOrder(t *testing.T) {
	bus, pool := setup(t)
	producer := newEndpoint(pool, "producer")
	subscriber := newEndpoint(pool, "subscriber")
	ctx := context.Background()

	rec := &recorder{}
	bus.Subscribe(subscriber, producer, All, rec.callback)

	want := make([]any, 0, 100)
	for i := 0; i < 100; i++ {
		want = append(want, i)
		if err := bus.Publish(ctx, producer, "counter", i); err != nil {
			t.Fatal(err)
		}
	}
	testutil.Eventually(t, 0, func() bool { return rec.len() == 100 }, "all deliveries")
	if diff := cmp.Diff(want, rec.values()); diff != "" {
		t.Errorf("delivery order (-want +got):\n%s", diff)
	}
}

func TestDedupPolicy(t *testing.T) {
	tests := []struct {
		name  string
		dedup bool
		want  int
	}{
		{"at-least-once by default", false, 3},
		{"dedup suppresses unchanged values", true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, pool := setup(t, WithDedup(tt.dedup))
			producer := newEndpoint(pool, "producer")
			subscriber := newEndpoint(pool, "subscriber")
			ctx := context.Background()

			rec := &recorder{}
			bus.Subscribe(subscriber, producer, "test.name", rec.callback)
			for _, v := range []string{"a", "a", "b"} {
				if err := bus.Publish(ctx, producer, "test.name", v); err != nil {
					t.Fatal(err)
				}
			}
			testutil.Eventually(t, 0, func() bool { return rec.len() == tt.want }, "%d deliveries", tt.want)
			testutil.Never(t, 20*time.Millisecond, func() bool { return rec.len() > tt.want }, "extra delivery")
			if got, _ := bus.CurrentValue("producer", "test.name"); got != "b" {
				t.Errorf("CurrentValue() = %v, want b", got)
			}
		})
	}
}

func TestCurrentValueNeverBlocks(t *testing.T) {
	bus, pool := setup(t)
	producer := newEndpoint(pool, "producer")
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	producer.exec.Submit(ctx, func(context.Context) (any, error) {
		<-release
		return nil, nil
	})

	if _, ok := bus.CurrentValue("producer", "test.name"); ok {
		t.Error("CurrentValue() reported an unset sensor as set")
	}
	if err := Set(ctx, bus, producer, nameSensor, "x"); err != nil {
		t.Fatal(err)
	}
	done := make(chan string)
	go func() {
		v, _ := Get(bus, "producer", nameSensor)
		done <- v
	}()
	select {
	case v := <-done:
		if v != "x" {
			t.Errorf("Get() = %q, want x", v)
		}
	case <-time.After(time.Second):
		t.Fatal("CurrentValue blocked on a busy producer")
	}
	if diff := cmp.Diff(map[string]any{"test.name": "x"}, bus.Snapshot("producer")); diff != "" {
		t.Errorf("Snapshot() (-want +got):\n%s", diff)
	}
}

func TestDeclaredSensorsAreTypeChecked(t *testing.T) {
	bus, pool := setup(t)
	producer := newEndpoint(pool, "producer")
	bus.Declare("producer", New[int]("test.count", ""))

	err := bus.Publish(context.Background(), producer, "test.count", "seven")
	if !errors.Is(err, engine.ErrTypeMismatch) {
		t.Fatalf("Publish() error = %v, want type mismatch", err)
	}
	if err := bus.Publish(context.Background(), producer, "test.count", 7); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
	if got := len(bus.Declared("producer")); got != 1 {
		t.Errorf("Declared() len = %d, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus, pool := setup(t)
	producer := newEndpoint(pool, "producer")
	subscriber := newEndpoint(pool, "subscriber")
	ctx := context.Background()

	rec := &recorder{}
	sub := bus.Subscribe(subscriber, producer, "test.name", rec.callback)
	other := bus.Subscribe(subscriber, producer, "other", rec.callback)
	if got := len(bus.SubscriptionsOf("subscriber")); got != 2 {
		t.Fatalf("SubscriptionsOf() len = %d, want 2", got)
	}

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	if sub.Active() {
		t.Error("Active() = true after Unsubscribe")
	}
	if err := bus.Publish(ctx, producer, "test.name", "ignored"); err != nil {
		t.Fatal(err)
	}
	testutil.Never(t, 30*time.Millisecond, func() bool { return rec.len() > 0 }, "delivery after unsubscribe")

	bus.UnsubscribeAll("subscriber")
	if other.Active() {
		t.Error("UnsubscribeAll left a subscription active")
	}
}

func TestRemoveDropsTableAndSubscriptions(t *testing.T) {
	bus, pool := setup(t)
	producer := newEndpoint(pool, "producer")
	subscriber := newEndpoint(pool, "subscriber")
	ctx := context.Background()

	sub := bus.Subscribe(subscriber, producer, All, func(context.Context, Event) {})
	if err := bus.Publish(ctx, producer, "test.name", "x"); err != nil {
		t.Fatal(err)
	}
	bus.Remove("producer")

	if sub.Active() {
		t.Error("subscription on removed producer still active")
	}
	if _, ok := bus.CurrentValue("producer", "test.name"); ok {
		t.Error("CurrentValue() still set after Remove")
	}
}

func TestObserverSeesEveryPublish(t *testing.T) {
	bus, pool := setup(t)
	producer := newEndpoint(pool, "producer")

	var seen []Event
	bus.Observe(ObserverFunc(func(e Event) { seen = append(seen, e) }))
	for _, v := range []string{"a", "b"} {
		if err := bus.Publish(context.Background(), producer, "test.name", v); err != nil {
			t.Fatal(err)
		}
	}
	if len(seen) != 2 {
		t.Fatalf("observer saw %d events, want 2", len(seen))
	}
	if !seen[1].HadPrevious || seen[1].Previous != "a" || seen[1].Seq != 2 {
		t.Errorf("second event = %+v", seen[1])
	}
}
