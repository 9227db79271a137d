// Package sensors implements the typed sensor publish/subscribe bus.
package sensors

import (
	"context"
	"reflect"
	"time"

	"github.com/nlabh01/brooklyn-server/pkg/execution"
)

// All subscribes to every sensor of a producer.
const All = "*"

// Descriptor describes a declared sensor.
type Descriptor interface {
	Name() string
	Description() string
	Type() reflect.Type
}

// Sensor is a typed sensor declaration.
type Sensor[T any] struct {
	name        string
	description string
}

// New declares a sensor carrying values of type T.
func New[T any](name, description string) Sensor[T] {
	return Sensor[T]{name: name, description: description}
}

// Name returns the sensor name.
func (s Sensor[T]) Name() string { return s.name }

// Description returns the sensor description.
func (s Sensor[T]) Description() string { return s.description }

// Type returns the Go type of the sensor's values.
func (s Sensor[T]) Type() reflect.Type { return reflect.TypeFor[T]() }

// String returns the sensor name.
func (s Sensor[T]) String() string { return s.name }

// Endpoint is a participant on the bus: something with an identity and its
// own execution context on which events addressed to it are delivered.
type Endpoint interface {
	ID() string
	Execution() *execution.Context
}

// Event is one published sensor value.
type Event struct {
	Producer    string
	Sensor      string
	Value       any
	Previous    any
	HadPrevious bool
	Seq         uint64
	Timestamp   time.Time
}

// Callback handles a delivered event. It runs as a unit on the subscriber's
// execution context.
type Callback func(ctx context.Context, e Event)

// Observer sees every publish synchronously, before deliveries are queued.
// Implementations must not block or call back into the bus.
type Observer interface {
	SensorPublished(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event)

// SensorPublished calls f(e).
func (f ObserverFunc) SensorPublished(e Event) { f(e) }
