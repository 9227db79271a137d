package entity

import (
	"context"
	"fmt"
	"time"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/refs"
)

// NodeRecord is the persisted view of a node.
type NodeRecord struct {
	ID          string
	PlanID      string
	ParentID    string
	DisplayName string
	Type        string
	Lifecycle   engine.Lifecycle
	Config      map[string]any
	UpdatedAt   time.Time
}

// FailureRecord is the persisted view of a failed attachment.
type FailureRecord struct {
	NodeID      string
	AdjunctID   string
	AdjunctType string
	Kind        AdjunctKind
	Phase       string
	Reason      string
	At          time.Time
}

// Journal persists graph changes. Errors are logged by the caller and never
// fail the graph operation that produced the record.
type Journal interface {
	RecordNode(ctx context.Context, rec NodeRecord) error
	RecordAdjunctFailure(ctx context.Context, rec FailureRecord) error
}

func (n *Node) record() NodeRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return NodeRecord{
		ID:          n.id,
		PlanID:      n.planID,
		ParentID:    n.parent,
		DisplayName: n.name,
		Type:        n.TypeName(),
		Lifecycle:   n.lifecycle,
		Config:      PrintableConfig(n.config),
		UpdatedAt:   time.Now(),
	}
}

func (m *Manager) journalNode(ctx context.Context, n *Node) {
	if m.journal == nil {
		return
	}
	if err := m.journal.RecordNode(ctx, n.record()); err != nil {
		m.logger.Warn().Err(err).Str("node_id", n.id).Msg("Failed to record node")
	}
}

// PrintableConfig applies Printable to every value of cfg.
func PrintableConfig(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = Printable(v)
	}
	return out
}

// Printable replaces deferred references inside v with their DSL text and
// nodes with their ids, producing a value safe to serialize.
func Printable(v any) any {
	switch val := v.(type) {
	case *refs.Deferred:
		return val.String()
	case refs.Node:
		return val.ID()
	case map[string]any:
		return PrintableConfig(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Printable(item)
		}
		return out
	case fmt.Stringer:
		return val.String()
	}
	return v
}
