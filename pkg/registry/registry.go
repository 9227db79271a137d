// Package registry maps blueprint type names to node types and adjunct
// factories. A Registry is built explicitly and handed to the interpreter;
// there is no process-wide default.
package registry

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
)

// AdjunctFactory builds an enricher or policy from blueprint config.
type AdjunctFactory func(cfg map[string]any) (entity.Adjunct, error)

// AdjunctType describes a registered enricher or policy type.
type AdjunctType struct {
	Name        string
	Aliases     []string
	Kind        entity.AdjunctKind
	Description string
	Schema      []entity.ConfigDescriptor
	New         AdjunctFactory
}

// Registry holds node types and adjunct types by name and alias.
type Registry struct {
	// mu protects every map below.
	mu sync.RWMutex

	// types maps a node type name to its definition.
	types map[string]*entity.Type

	// typeAliases maps alternative node type names to canonical ones.
	typeAliases map[string]string

	// adjuncts maps an adjunct type name to its definition.
	adjuncts map[string]*AdjunctType

	// adjunctAliases maps alternative adjunct type names to canonical ones.
	adjunctAliases map[string]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		types:          make(map[string]*entity.Type),
		typeAliases:    make(map[string]string),
		adjuncts:       make(map[string]*AdjunctType),
		adjunctAliases: make(map[string]string),
	}
}

// RegisterType registers a node type under its name and any aliases.
func (r *Registry) RegisterType(t *entity.Type, aliases ...string) error {
	if t == nil || t.Name == "" {
		return engine.NewPermanentError("node type name is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range append([]string{t.Name}, aliases...) {
		if r.typeTaken(name) {
			return alreadyRegistered("node type", name)
		}
	}
	r.types[t.Name] = t
	for _, a := range aliases {
		r.typeAliases[a] = t.Name
	}
	return nil
}

func (r *Registry) typeTaken(name string) bool {
	_, isType := r.types[name]
	_, isAlias := r.typeAliases[name]
	return isType || isAlias
}

// Type returns the node type registered as name or under an alias.
func (r *Registry) Type(name string) (*entity.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.typeAliases[name]; ok {
		name = canonical
	}
	t, ok := r.types[name]
	if !ok {
		return nil, unknown("node type", name)
	}
	return t, nil
}

// Types returns the registered node type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterAdjunct registers an enricher or policy type.
func (r *Registry) RegisterAdjunct(t *AdjunctType) error {
	switch {
	case t == nil || t.Name == "":
		return engine.NewPermanentError("adjunct type name is required", nil).
			WithCode(engine.ErrCodeValidation)
	case t.New == nil:
		return engine.NewPermanentError(fmt.Sprintf("adjunct type %s has no factory", t.Name), nil).
			WithCode(engine.ErrCodeValidation)
	case t.Kind != entity.KindEnricher && t.Kind != entity.KindPolicy:
		return engine.NewPermanentError(fmt.Sprintf("adjunct type %s has unknown kind %q", t.Name, t.Kind), nil).
			WithCode(engine.ErrCodeValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range append([]string{t.Name}, t.Aliases...) {
		_, isType := r.adjuncts[name]
		_, isAlias := r.adjunctAliases[name]
		if isType || isAlias {
			return alreadyRegistered("adjunct type", name)
		}
	}
	stored := *t
	stored.Aliases = slices.Clone(t.Aliases)
	r.adjuncts[t.Name] = &stored
	for _, a := range t.Aliases {
		r.adjunctAliases[a] = t.Name
	}
	return nil
}

// Adjunct returns the adjunct type registered as name or under an alias.
func (r *Registry) Adjunct(name string) (*AdjunctType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.adjunctAliases[name]; ok {
		name = canonical
	}
	t, ok := r.adjuncts[name]
	if !ok {
		return nil, unknown("adjunct type", name)
	}
	return t, nil
}

// Adjuncts returns the registered adjunct types of kind, sorted by name.
func (r *Registry) Adjuncts(kind entity.AdjunctKind) []*AdjunctType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AdjunctType
	for _, t := range r.adjuncts {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NewAdjunct instantiates the adjunct type name, which must be of kind.
func (r *Registry) NewAdjunct(kind entity.AdjunctKind, name string, cfg map[string]any) (entity.Adjunct, error) {
	t, err := r.Adjunct(name)
	if err != nil {
		return nil, err
	}
	if t.Kind != kind {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("%s is a %s, not a %s", name, t.Kind, kind), nil).
			WithCode(engine.ErrCodeTypeMismatch).
			WithResource(name)
	}
	a, err := t.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", t.Name, err)
	}
	return a, nil
}

func unknown(what, name string) error {
	return engine.NewPermanentError(fmt.Sprintf("unknown %s %q", what, name), nil).
		WithCode(engine.ErrCodeUnknownType).
		WithResource(name)
}

func alreadyRegistered(what, name string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s %q already registered", what, name), nil).
		WithCode(engine.ErrCodeAlreadyExists).
		WithResource(name)
}
