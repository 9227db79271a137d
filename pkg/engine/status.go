package engine

import (
	"fmt"
)

// Lifecycle represents the service state of a managed node.
type Lifecycle string

const (
	// LifecycleCreated indicates the node exists but has not been started.
	LifecycleCreated Lifecycle = "created"

	// LifecycleStarting indicates the node's start procedure is running.
	LifecycleStarting Lifecycle = "starting"

	// LifecycleRunning indicates the node and its children started successfully.
	LifecycleRunning Lifecycle = "running"

	// LifecycleStopping indicates the node is being stopped.
	LifecycleStopping Lifecycle = "stopping"

	// LifecycleStopped indicates the node has stopped.
	LifecycleStopped Lifecycle = "stopped"

	// LifecycleOnFire indicates the node failed to start or a child failed.
	LifecycleOnFire Lifecycle = "on-fire"

	// LifecycleDestroyed indicates the node has been unmanaged.
	LifecycleDestroyed Lifecycle = "destroyed"
)

// IsTerminal returns true if no further transitions are expected.
func (l Lifecycle) IsTerminal() bool {
	return l == LifecycleDestroyed
}

// IsActive returns true while the node is starting or running.
func (l Lifecycle) IsActive() bool {
	return l == LifecycleStarting || l == LifecycleRunning
}

// Validate checks if the lifecycle value is valid.
func (l Lifecycle) Validate() error {
	switch l {
	case LifecycleCreated, LifecycleStarting, LifecycleRunning, LifecycleStopping,
		LifecycleStopped, LifecycleOnFire, LifecycleDestroyed:
		return nil
	default:
		return fmt.Errorf("invalid lifecycle state: %s", l)
	}
}

// DeploymentStatus represents the outcome of materializing a blueprint.
type DeploymentStatus string

const (
	// DeploymentStatusPending indicates materialization has not started.
	DeploymentStatusPending DeploymentStatus = "pending"

	// DeploymentStatusRunning indicates nodes are being created or started.
	DeploymentStatusRunning DeploymentStatus = "running"

	// DeploymentStatusSucceeded indicates every node was created and started.
	DeploymentStatusSucceeded DeploymentStatus = "succeeded"

	// DeploymentStatusPartial indicates some subtrees failed to build or start.
	DeploymentStatusPartial DeploymentStatus = "partial"

	// DeploymentStatusFailed indicates the application root could not be built.
	DeploymentStatusFailed DeploymentStatus = "failed"
)

// IsTerminal returns true if the deployment status represents a final state.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentStatusSucceeded || s == DeploymentStatusPartial ||
		s == DeploymentStatusFailed
}

// Validate checks if the deployment status is valid.
func (s DeploymentStatus) Validate() error {
	switch s {
	case DeploymentStatusPending, DeploymentStatusRunning, DeploymentStatusSucceeded,
		DeploymentStatusPartial, DeploymentStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid deployment status: %s", s)
	}
}
