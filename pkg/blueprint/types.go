package blueprint

import (
	"fmt"
	"strings"
)

// Blueprint is a parsed application plan. It is read-only once parsed; the
// interpreter copies every map it hands to live nodes.
type Blueprint struct {
	// Name becomes the display name of the application root.
	Name string `json:"name,omitempty"`

	Description string `json:"description,omitempty"`

	// Config is set on the application root.
	Config map[string]any `json:"brooklyn.config,omitempty"`

	Services  []NodeSpec    `json:"services" validate:"dive"`
	Enrichers []AdjunctSpec `json:"brooklyn.enrichers,omitempty" validate:"dive"`
	Policies  []AdjunctSpec `json:"brooklyn.policies,omitempty" validate:"dive"`

	// Metadata holds top-level keys the interpreter does not read.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Source is the file the blueprint was loaded from, if any.
	Source string `json:"-"`
}

// NodeSpec describes one node and its subtree.
type NodeSpec struct {
	// Type is the registered node type name or alias.
	Type string `json:"serviceType" validate:"required"`

	// ID is the plan id used by component lookups.
	ID string `json:"id,omitempty" validate:"omitempty,printascii"`

	Name string `json:"name,omitempty"`

	// Config is the explicit brooklyn.config map.
	Config map[string]any `json:"brooklyn.config,omitempty"`

	// Flags are the remaining keys of the node entry. Explicit config wins
	// over a flag of the same name.
	Flags map[string]any `json:"flags,omitempty"`

	Children  []NodeSpec    `json:"brooklyn.children,omitempty" validate:"dive"`
	Enrichers []AdjunctSpec `json:"brooklyn.enrichers,omitempty" validate:"dive"`
	Policies  []AdjunctSpec `json:"brooklyn.policies,omitempty" validate:"dive"`
}

// AdjunctSpec describes an enricher or policy to attach.
type AdjunctSpec struct {
	Type string `json:"type" validate:"required"`
	Name string `json:"name,omitempty"`

	Config map[string]any `json:"brooklyn.config,omitempty"`

	// Flags are the remaining keys of the entry.
	Flags map[string]any `json:"flags,omitempty"`
}

// NodeConfig returns the flags overlaid with the explicit config.
func (s *NodeSpec) NodeConfig() map[string]any {
	return overlay(s.Flags, s.Config)
}

// AdjunctConfig returns the flags overlaid with the explicit config.
func (s *AdjunctSpec) AdjunctConfig() map[string]any {
	return overlay(s.Flags, s.Config)
}

func overlay(base, top map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}

// Walk visits every node spec of the blueprint depth first, passing the
// path of the entry (for example "services[0].brooklyn.children[1]").
func (b *Blueprint) Walk(visit func(path string, spec *NodeSpec)) {
	for i := range b.Services {
		walk(fmt.Sprintf("services[%d]", i), &b.Services[i], visit)
	}
}

func walk(path string, spec *NodeSpec, visit func(string, *NodeSpec)) {
	visit(path, spec)
	for i := range spec.Children {
		walk(fmt.Sprintf("%s.brooklyn.children[%d]", path, i), &spec.Children[i], visit)
	}
}

// ValidationError is one problem found in a blueprint.
type ValidationError struct {
	// File is the source file, when known.
	File string `json:"file,omitempty"`

	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Path locates the problem inside the document.
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (v ValidationError) String() string {
	var loc []string
	if v.File != "" {
		f := v.File
		if v.Line > 0 {
			f = fmt.Sprintf("%s:%d:%d", f, v.Line, v.Column)
		}
		loc = append(loc, f)
	}
	if v.Path != "" {
		loc = append(loc, v.Path)
	}
	if len(loc) == 0 {
		return v.Message
	}
	return strings.Join(loc, " ") + ": " + v.Message
}

// Error lists every problem found while loading or validating a blueprint.
type Error struct {
	Problems []ValidationError
}

func (e *Error) Error() string {
	if len(e.Problems) == 0 {
		return "no problems recorded"
	}
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.String()
	}
	return strings.Join(msgs, "; ")
}
