// Package inspect exposes read-only views of a running node graph: the
// children, sensors and adjuncts of a node, recursive descriptions, text
// and JSON dumps, and the failures recorded anywhere in a subtree.
package inspect

import (
	"context"
	"encoding/json"
	"io"
	"sort"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/execution"
)

// AdjunctView describes one attached enricher or policy.
type AdjunctView struct {
	ID          string              `json:"id"`
	Type        string              `json:"type"`
	DisplayName string              `json:"display_name"`
	Kind        entity.AdjunctKind  `json:"kind"`
	State       entity.AdjunctState `json:"state"`
	Failure     string              `json:"failure,omitempty"`
	Config      map[string]any      `json:"config,omitempty"`
	Leftovers   map[string]any      `json:"leftovers,omitempty"`
}

// NodeView describes a node and, recursively, its children.
type NodeView struct {
	ID          string           `json:"id"`
	PlanID      string           `json:"plan_id,omitempty"`
	DisplayName string           `json:"display_name"`
	Type        string           `json:"type"`
	Lifecycle   engine.Lifecycle `json:"lifecycle"`
	Config      map[string]any   `json:"config,omitempty"`
	Sensors     map[string]any   `json:"sensors,omitempty"`
	Enrichers   []AdjunctView    `json:"enrichers,omitempty"`
	Policies    []AdjunctView    `json:"policies,omitempty"`
	Problems    []string         `json:"problems,omitempty"`
	Children    []NodeView       `json:"children,omitempty"`
}

// Failure kinds.
const (
	FailureAttachment = "attachment"
	FailureReference  = "reference"
)

// Failure is one problem found in a subtree.
type Failure struct {
	NodeID      string `json:"node_id"`
	NodeName    string `json:"node_name"`
	Kind        string `json:"kind"`
	AdjunctID   string `json:"adjunct_id,omitempty"`
	AdjunctType string `json:"adjunct_type,omitempty"`
	Reason      string `json:"reason"`
}

// Children returns the children of n in insertion order.
func Children(n *entity.Node) []*entity.Node {
	return n.Children()
}

// Sensors returns the current sensor values of n, safe to serialize.
func Sensors(n *entity.Node) map[string]any {
	return entity.PrintableConfig(n.Sensors())
}

// Adjuncts describes every adjunct attached to n, enrichers first.
func Adjuncts(n *entity.Node) []AdjunctView {
	return append(adjunctViews(n.Enrichers()), adjunctViews(n.Policies())...)
}

func adjunctViews(list []entity.Adjunct) []AdjunctView {
	out := make([]AdjunctView, 0, len(list))
	for _, a := range list {
		out = append(out, describeAdjunct(a))
	}
	return out
}

func describeAdjunct(a entity.Adjunct) AdjunctView {
	v := AdjunctView{
		ID:          a.ID(),
		Type:        a.TypeName(),
		DisplayName: a.DisplayName(),
		Kind:        a.Kind(),
		State:       a.State(),
		Config:      entity.PrintableConfig(a.ConfigSnapshot()),
		Leftovers:   entity.PrintableConfig(a.Leftovers()),
	}
	if err := a.Failure(); err != nil {
		v.Failure = err.Error()
	}
	return v
}

// Describe returns the view of n and its whole subtree.
func Describe(n *entity.Node) NodeView {
	v := NodeView{
		ID:          n.ID(),
		PlanID:      n.PlanID(),
		DisplayName: n.DisplayName(),
		Type:        n.TypeName(),
		Lifecycle:   n.Lifecycle(),
		Config:      entity.PrintableConfig(n.ConfigMap()),
		Sensors:     Sensors(n),
		Enrichers:   adjunctViews(n.Enrichers()),
		Policies:    adjunctViews(n.Policies()),
	}
	for _, err := range n.Problems() {
		v.Problems = append(v.Problems, err.Error())
	}
	for _, c := range n.Children() {
		v.Children = append(v.Children, Describe(c))
	}
	return v
}

// WriteJSON writes the indented JSON description of n's subtree.
func WriteJSON(w io.Writer, n *entity.Node) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Describe(n))
}

// Submit runs fn on n's execution context and blocks for its result. It is
// the way to read deferred config of n or its adjuncts from outside the
// graph.
func Submit(ctx context.Context, n *entity.Node, fn execution.Func) (any, error) {
	return n.Submit(ctx, fn)
}

// Failures collects attachment failures and unresolved references from n
// and every node below it, depth first.
func Failures(n *entity.Node) []Failure {
	var out []Failure
	walk(n, func(n *entity.Node) {
		for _, a := range n.Adjuncts() {
			if a.State() != entity.AdjunctFailed {
				continue
			}
			reason := "unknown"
			if err := a.Failure(); err != nil {
				reason = err.Error()
			}
			out = append(out, Failure{
				NodeID:      n.ID(),
				NodeName:    n.DisplayName(),
				Kind:        FailureAttachment,
				AdjunctID:   a.ID(),
				AdjunctType: a.TypeName(),
				Reason:      reason,
			})
		}
		for _, err := range n.Problems() {
			out = append(out, Failure{
				NodeID:   n.ID(),
				NodeName: n.DisplayName(),
				Kind:     FailureReference,
				Reason:   err.Error(),
			})
		}
	})
	return out
}

func walk(n *entity.Node, visit func(*entity.Node)) {
	visit(n)
	for _, c := range n.Children() {
		walk(c, visit)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
