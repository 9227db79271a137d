// Package refs resolves deferred references between nodes of the managed
// graph: the "$brooklyn:" DSL, its expression tree, and a resolver that
// retries until the referenced node or value appears.
package refs

import (
	"github.com/nlabh01/brooklyn-server/pkg/execution"
)

// Node is the view of a managed node the resolver needs.
type Node interface {
	ID() string
	Execution() *execution.Context
	PlanID() string
	DisplayName() string
	ParentID() string
	ChildIDs() []string

	// Initialized reports whether the node's creation unit has run.
	Initialized() bool

	// RawConfig returns the unresolved config value for key, including values
	// inherited from ancestors and global properties.
	RawConfig(key string) (any, bool)
}

// Graph looks nodes up by id.
type Graph interface {
	Lookup(id string) (Node, bool)
}

func parentOf(g Graph, n Node) (Node, bool) {
	if n.ParentID() == "" {
		return nil, false
	}
	return g.Lookup(n.ParentID())
}

func rootOf(g Graph, n Node) Node {
	for {
		p, ok := parentOf(g, n)
		if !ok {
			return n
		}
		n = p
	}
}

func matches(n Node, id string) bool {
	return n.ID() == id || (n.PlanID() != "" && n.PlanID() == id)
}

func children(g Graph, n Node) []Node {
	ids := n.ChildIDs()
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		if c, ok := g.Lookup(id); ok {
			out = append(out, c)
		}
	}
	return out
}

// walk visits n's subtree depth first, excluding n itself, until visit
// returns false.
func walk(g Graph, n Node, visit func(Node) bool) bool {
	for _, c := range children(g, n) {
		if !visit(c) || !walk(g, c, visit) {
			return false
		}
	}
	return true
}

func findDescendant(g Graph, n Node, id string) (Node, bool) {
	var found Node
	walk(g, n, func(c Node) bool {
		if matches(c, id) {
			found = c
			return false
		}
		return true
	})
	return found, found != nil
}
