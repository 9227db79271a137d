package entity

import (
	"context"
	"fmt"

	"github.com/nlabh01/brooklyn-server/pkg/sensors"
)

// Built-in sensors every node carries.
var (
	ServiceUp    = sensors.New[bool]("service.isUp", "Whether the node is up")
	ServiceState = sensors.New[string]("service.state", "Lifecycle state of the node")
	ChildAdded   = sensors.New[string]("entity.childAdded", "Id of a child that was added")
	ChildRemoved = sensors.New[string]("entity.childRemoved", "Id of a child that was removed")
)

// BuiltinSensors lists the sensors declared on every node.
var BuiltinSensors = []sensors.Descriptor{ServiceUp, ServiceState, ChildAdded, ChildRemoved}

// IsBuiltinSensor reports whether name is one of the lifecycle sensors.
func IsBuiltinSensor(name string) bool {
	for _, d := range BuiltinSensors {
		if d.Name() == name {
			return true
		}
	}
	return false
}

// Hook is a type-specific lifecycle callback. Init runs inside the node's
// creation unit; Start and Stop run inside the start and stop units.
type Hook func(ctx context.Context, n *Node) error

// Type describes a kind of node: the sensors and config keys it declares and
// its lifecycle hooks. The driver layer plugs in through Start and Stop.
type Type struct {
	Name        string
	Description string
	Sensors     []sensors.Descriptor
	Config      []ConfigDescriptor
	Init        Hook
	Start       Hook
	Stop        Hook
}

// ConfigKey returns the declared descriptor answering to name.
func (t *Type) ConfigKey(name string) (ConfigDescriptor, bool) {
	if t == nil {
		return nil, false
	}
	for _, d := range t.Config {
		for _, n := range Names(d) {
			if n == name {
				return d, true
			}
		}
	}
	return nil, false
}

// AdjunctKind separates enrichers from policies.
type AdjunctKind string

const (
	KindEnricher AdjunctKind = "enricher"
	KindPolicy   AdjunctKind = "policy"
)

// AdjunctState is the attachment state of an enricher or policy.
type AdjunctState string

const (
	AdjunctCreated    AdjunctState = "created"
	AdjunctConfigured AdjunctState = "configured"
	AdjunctSubscribed AdjunctState = "subscribed"
	AdjunctRunning    AdjunctState = "running"
	AdjunctStopped    AdjunctState = "stopped"
	AdjunctFailed     AdjunctState = "failed"
)

var adjunctTransitions = map[AdjunctState][]AdjunctState{
	AdjunctCreated:    {AdjunctConfigured, AdjunctFailed, AdjunctStopped},
	AdjunctConfigured: {AdjunctSubscribed, AdjunctFailed, AdjunctStopped},
	AdjunctSubscribed: {AdjunctRunning, AdjunctFailed, AdjunctStopped},
	AdjunctRunning:    {AdjunctStopped},
	AdjunctFailed:     {AdjunctStopped},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to AdjunctState) bool {
	for _, s := range adjunctTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned for a transition the state machine forbids.
type ErrInvalidTransition struct {
	From, To AdjunctState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid adjunct transition %s -> %s", e.From, e.To)
}

// Adjunct is an enricher or policy attached to a host node.
//
// The attachment driver calls Configure off the host queue (it may block on
// deferred references), then Subscribe and Start inside one unit on the host
// context. Stop runs on the host context.
type Adjunct interface {
	ID() string
	TypeName() string
	Kind() AdjunctKind
	DisplayName() string

	State() AdjunctState
	Failure() error

	// Transition moves the adjunct to state; cause is recorded when the new
	// state is AdjunctFailed.
	Transition(to AdjunctState, cause error) error

	Configure(ctx context.Context, host *Node) error
	Subscribe(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// ConfigSnapshot returns the declared config, resolved where resolution
	// already happened.
	ConfigSnapshot() map[string]any

	// Leftovers returns the supplied config keys the adjunct does not declare.
	Leftovers() map[string]any
}
