package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/nlabh01/brooklyn-server/pkg/blueprint"
	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
)

// Deployment is a persisted deployment outcome.
type Deployment struct {
	ID        string                  `json:"id"`
	Blueprint string                  `json:"blueprint"`
	Source    string                  `json:"source"`
	AppID     string                  `json:"app_id"`
	Status    engine.DeploymentStatus `json:"status"`
	Errors    string                  `json:"errors"` // JSON array
	StartedAt time.Time               `json:"started_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Node is the latest persisted record of a node.
type Node struct {
	ID          string           `json:"id"`
	PlanID      string           `json:"plan_id"`
	ParentID    *string          `json:"parent_id,omitempty"`
	DisplayName string           `json:"display_name"`
	Type        string           `json:"type"`
	Lifecycle   engine.Lifecycle `json:"lifecycle"`
	Config      string           `json:"config"` // JSON blob
	UpdatedAt   time.Time        `json:"updated_at"`
}

// SensorEvent is one persisted sensor publish.
type SensorEvent struct {
	ID        int64     `json:"id"`
	NodeID    string    `json:"node_id"`
	Sensor    string    `json:"sensor"`
	Value     string    `json:"value"` // JSON blob
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// AdjunctFailure is a persisted attachment failure.
type AdjunctFailure struct {
	ID          int64     `json:"id"`
	NodeID      string    `json:"node_id"`
	AdjunctID   string    `json:"adjunct_id"`
	AdjunctType string    `json:"adjunct_type"`
	Kind        string    `json:"kind"`
	Phase       string    `json:"phase"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Deployment operations
	RecordDeployment(ctx context.Context, rec blueprint.Record) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	ListDeployments(ctx context.Context, limit, offset int) ([]*Deployment, error)
	DeleteDeployment(ctx context.Context, id string) error

	// Node operations
	RecordNode(ctx context.Context, rec entity.NodeRecord) error
	GetNode(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context, parentID *string) ([]*Node, error)

	// Sensor event operations
	AppendSensorEvents(ctx context.Context, events []*SensorEvent) error
	GetSensorEvents(ctx context.Context, nodeID, sensor *string, limit, offset int) ([]*SensorEvent, error)

	// Adjunct failure operations
	RecordAdjunctFailure(ctx context.Context, rec entity.FailureRecord) error
	ListAdjunctFailures(ctx context.Context, nodeID *string, limit, offset int) ([]*AdjunctFailure, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var (
	_ Store              = (*SQLiteStore)(nil)
	_ entity.Journal     = (*SQLiteStore)(nil)
	_ blueprint.Recorder = (*SQLiteStore)(nil)
)
