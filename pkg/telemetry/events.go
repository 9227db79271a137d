package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventTypeDeploymentStarted   = "deployment.started"
	EventTypeDeploymentCompleted = "deployment.completed"
	EventTypeDeploymentFailed    = "deployment.failed"
	EventTypeNodeManaged         = "node.managed"
	EventTypeNodeStarted         = "node.started"
	EventTypeNodeFailed          = "node.failed"
	EventTypeNodeDestroyed       = "node.destroyed"
	EventTypeAdjunctAttached     = "adjunct.attached"
	EventTypeAdjunctFailed       = "adjunct.failed"
	EventTypeReferenceUnresolved = "reference.unresolved"
	EventTypePolicyViolation     = "policy.violation"
)

// Event levels, in increasing severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var eventLevels = []string{EventLevelInfo, EventLevelWarning, EventLevelError}

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// Event is a lifecycle event about the managed graph.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         string         `json:"type"`
	Source       string         `json:"source"`
	DeploymentID string         `json:"deployment_id,omitempty"`
	NodeID       string         `json:"node_id,omitempty"`
	AdjunctID    string         `json:"adjunct_id,omitempty"`
	Message      string         `json:"message"`
	Level        string         `json:"level"`
	Data         map[string]any `json:"data,omitempty"`
}

// EventSubscriber receives delivered events. Subscribers run on the
// publishing goroutine, or on the async worker, and must not block.
type EventSubscriber func(Event)

// EventFilter selects the events a subscriber sees.
type EventFilter func(Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers in publish order. With
// EnableAsync, events queue in a bounded buffer and a full buffer drops the
// event. A nil or disabled publisher accepts and drops everything.
type EventPublisher struct {
	config EventsConfig

	mu   sync.RWMutex
	subs []subscription

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewEventPublisher creates a publisher and, for async delivery, starts its
// worker.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size %d must be positive", cfg.BufferSize)
	}
	if ep.config.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})
	go ep.run()
	return ep, nil
}

// Subscribe registers fn. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps e with an id and timestamp when missing and delivers it.
func (ep *EventPublisher) Publish(e Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if ep.queue == nil {
		ep.deliver(e)
		return nil
	}
	select {
	case <-ep.stop:
		return errPublisherStopped
	default:
	}
	select {
	case ep.queue <- e:
		return nil
	default:
		return errBufferFull
	}
}

func (ep *EventPublisher) run() {
	defer close(ep.done)
	for {
		select {
		case e := <-ep.queue:
			ep.deliver(e)
			for i := 1; i < ep.config.MaxBatchSize && len(ep.queue) > 0; i++ {
				ep.deliver(<-ep.queue)
			}
		case <-ep.stop:
			for {
				select {
				case e := <-ep.queue:
					ep.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(e Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(e) {
			s.fn(e)
		}
	}
}

// Shutdown drains the async buffer. It returns ctx's error if the worker
// has not finished when ctx ends.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.queue == nil {
		return nil
	}
	ep.once.Do(func() { close(ep.stop) })
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func (ep *EventPublisher) PublishDeploymentStarted(deploymentID, blueprint string) error {
	return ep.Publish(Event{
		Type:         EventTypeDeploymentStarted,
		Source:       "interpreter",
		DeploymentID: deploymentID,
		Level:        EventLevelInfo,
		Message:      fmt.Sprintf("Deployment %s of %q started", deploymentID, blueprint),
		Data:         map[string]any{"blueprint": blueprint},
	})
}

func (ep *EventPublisher) PublishDeploymentCompleted(deploymentID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:         EventTypeDeploymentCompleted,
		Source:       "interpreter",
		DeploymentID: deploymentID,
		Level:        EventLevelInfo,
		Message:      fmt.Sprintf("Deployment %s finished %s", deploymentID, status),
		Data:         map[string]any{"status": status, "duration": duration.Seconds()},
	})
}

func (ep *EventPublisher) PublishDeploymentFailed(deploymentID, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypeDeploymentFailed,
		Source:       "interpreter",
		DeploymentID: deploymentID,
		Level:        EventLevelError,
		Message:      fmt.Sprintf("Deployment %s failed: %s", deploymentID, reason),
		Data:         map[string]any{"reason": reason},
	})
}

// PublishNodeEvent publishes one of the node.* event types. Failures are
// published at error level.
func (ep *EventPublisher) PublishNodeEvent(eventType, nodeID, message string) error {
	level := EventLevelInfo
	if eventType == EventTypeNodeFailed {
		level = EventLevelError
	}
	return ep.Publish(Event{Type: eventType, Source: "entity", NodeID: nodeID, Level: level, Message: message})
}

func (ep *EventPublisher) PublishAdjunctAttached(nodeID, adjunctID, adjunctType string) error {
	return ep.Publish(Event{
		Type:      EventTypeAdjunctAttached,
		Source:    "entity",
		NodeID:    nodeID,
		AdjunctID: adjunctID,
		Level:     EventLevelInfo,
		Message:   fmt.Sprintf("%s %s attached to %s", adjunctType, adjunctID, nodeID),
		Data:      map[string]any{"type": adjunctType},
	})
}

func (ep *EventPublisher) PublishAdjunctFailed(nodeID, adjunctID, adjunctType, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeAdjunctFailed,
		Source:    "entity",
		NodeID:    nodeID,
		AdjunctID: adjunctID,
		Level:     EventLevelWarning,
		Message:   fmt.Sprintf("%s %s not attached to %s: %s", adjunctType, adjunctID, nodeID, reason),
		Data:      map[string]any{"type": adjunctType, "reason": reason},
	})
}

// PublishReferenceUnresolved reports a deferred reference that gave up.
func (ep *EventPublisher) PublishReferenceUnresolved(nodeID, expression, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeReferenceUnresolved,
		Source:  "resolver",
		NodeID:  nodeID,
		Level:   EventLevelWarning,
		Message: fmt.Sprintf("%s on %s unresolved: %s", expression, nodeID, reason),
		Data:    map[string]any{"expression": expression, "reason": reason},
	})
}

func (ep *EventPublisher) PublishPolicyViolation(nodeID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypePolicyViolation,
		Source:    "policy",
		NodeID:    nodeID,
		AdjunctID: policyName,
		Level:     EventLevelError,
		Message:   fmt.Sprintf("%s violated on %s: %s", policyName, nodeID, reason),
		Data:      map[string]any{"policy": policyName, "reason": reason},
	})
}

// FilterByLevel accepts events at level or above.
func FilterByLevel(level string) EventFilter {
	floor := slices.Index(eventLevels, level)
	return func(e Event) bool {
		return slices.Index(eventLevels, e.Level) >= floor
	}
}

func FilterByType(types ...string) EventFilter {
	return func(e Event) bool {
		return slices.Contains(types, e.Type)
	}
}

func FilterByNodeID(nodeID string) EventFilter {
	return func(e Event) bool {
		return e.NodeID == nodeID
	}
}
