package refs

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
)

// Expression is a node of the reference expression tree. Evaluation is a
// single attempt: references that cannot resolve yet fail with a
// not-yet-resolvable error.
type Expression interface {
	String() string
	eval(ctx context.Context, r *Resolver, caller Node) (any, error)
}

// Scope selects where a component lookup searches, relative to the caller.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeThis       Scope = "this"
	ScopeParent     Scope = "parent"
	ScopeChild      Scope = "child"
	ScopeSibling    Scope = "sibling"
	ScopeDescendant Scope = "descendant"
	ScopeAncestor   Scope = "ancestor"
	ScopeRoot       Scope = "root"
)

// ParseScope converts a DSL scope name.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(s); sc {
	case ScopeGlobal, ScopeThis, ScopeParent, ScopeChild, ScopeSibling,
		ScopeDescendant, ScopeAncestor, ScopeRoot:
		return sc, nil
	case "self":
		return ScopeThis, nil
	default:
		return "", fmt.Errorf("unknown component scope %q", s)
	}
}

func (s Scope) needsID() bool {
	switch s {
	case ScopeThis, ScopeParent, ScopeRoot:
		return false
	default:
		return true
	}
}

// Component finds a node by id or plan id within a scope. From, when set,
// replaces the caller as the starting point.
type Component struct {
	Scope Scope
	ID    string
	From  Expression
}

func (c Component) String() string {
	var prefix string
	if c.From != nil {
		prefix = c.From.String() + "."
	}
	switch {
	case c.Scope == ScopeThis:
		return prefix + "self()"
	case c.Scope == ScopeParent:
		return prefix + "parent()"
	case c.Scope == ScopeRoot:
		return prefix + "root()"
	case c.Scope == ScopeGlobal && c.From == nil:
		return fmt.Sprintf("component(%q)", c.ID)
	}
	return fmt.Sprintf("%s%s(%q)", prefix, c.Scope, c.ID)
}

func (c Component) eval(ctx context.Context, r *Resolver, caller Node) (any, error) {
	start, err := r.nodeOf(ctx, c.From, caller)
	if err != nil {
		return nil, err
	}
	n, ok := r.find(start, c.Scope, c.ID)
	if !ok {
		return nil, engine.NewNotYetResolvableError(c.String(), engine.ReasonNodeMissing)
	}
	if !n.Initialized() {
		return nil, engine.NewNotYetResolvableError(c.String(), engine.ReasonNodeNotInitialized)
	}
	return n, nil
}

// ChildAt selects the child at Index of From (or the caller).
type ChildAt struct {
	Index int
	From  Expression
}

func (c ChildAt) String() string {
	if c.From != nil {
		return fmt.Sprintf("%s.childAt(%d)", c.From, c.Index)
	}
	return fmt.Sprintf("childAt(%d)", c.Index)
}

func (c ChildAt) eval(ctx context.Context, r *Resolver, caller Node) (any, error) {
	start, err := r.nodeOf(ctx, c.From, caller)
	if err != nil {
		return nil, err
	}
	ids := start.ChildIDs()
	if c.Index < 0 || c.Index >= len(ids) {
		return nil, engine.NewNotYetResolvableError(c.String(), engine.ReasonNodeMissing)
	}
	n, ok := r.graph.Lookup(ids[c.Index])
	if !ok {
		return nil, engine.NewNotYetResolvableError(c.String(), engine.ReasonNodeMissing)
	}
	if !n.Initialized() {
		return nil, engine.NewNotYetResolvableError(c.String(), engine.ReasonNodeNotInitialized)
	}
	return n, nil
}

// Attribute waits for a sensor of Of (or the caller) to hold a ready value.
type Attribute struct {
	Of     Expression
	Sensor string
}

func (a Attribute) String() string {
	if a.Of != nil {
		return fmt.Sprintf("%s.attributeWhenReady(%q)", a.Of, a.Sensor)
	}
	return fmt.Sprintf("attributeWhenReady(%q)", a.Sensor)
}

func (a Attribute) eval(ctx context.Context, r *Resolver, caller Node) (any, error) {
	target, err := r.nodeOf(ctx, a.Of, caller)
	if err != nil {
		return nil, err
	}
	v, ok := r.bus.CurrentValue(target.ID(), a.Sensor)
	if !ok || !IsReady(v) {
		return nil, engine.NewNotYetResolvableError(a.String(), engine.ReasonValueUnset)
	}
	return v, nil
}

// ConfigRef reads a config key of Of (or the caller). Deferred values found
// there are evaluated relative to that node.
type ConfigRef struct {
	Of  Expression
	Key string
}

func (c ConfigRef) String() string {
	if c.Of != nil {
		return fmt.Sprintf("%s.config(%q)", c.Of, c.Key)
	}
	return fmt.Sprintf("config(%q)", c.Key)
}

func (c ConfigRef) eval(ctx context.Context, r *Resolver, caller Node) (any, error) {
	target, err := r.nodeOf(ctx, c.Of, caller)
	if err != nil {
		return nil, err
	}
	raw, ok := target.RawConfig(c.Key)
	if !ok {
		return nil, engine.NewNotYetResolvableError(c.String(), engine.ReasonValueUnset)
	}
	return r.evaluateValue(ctx, raw, target)
}

// Format renders a fmt-style template with evaluated arguments. Args may mix
// Expressions and plain values.
type Format struct {
	Format string
	Args   []any
}

func (f Format) String() string {
	parts := []string{strconv.Quote(f.Format)}
	for _, a := range f.Args {
		if e, ok := a.(Expression); ok {
			parts = append(parts, e.String())
		} else {
			parts = append(parts, fmt.Sprintf("%#v", a))
		}
	}
	return "formatString(" + strings.Join(parts, ", ") + ")"
}

func (f Format) eval(ctx context.Context, r *Resolver, caller Node) (any, error) {
	args := make([]any, len(f.Args))
	for i, a := range f.Args {
		v, err := r.evaluateValue(ctx, a, caller)
		if err != nil {
			return nil, err
		}
		if n, ok := v.(Node); ok {
			v = n.DisplayName()
		}
		args[i] = v
	}
	return fmt.Sprintf(f.Format, args...), nil
}

// Literal yields Value unchanged.
type Literal struct {
	Value any
}

func (l Literal) String() string {
	return fmt.Sprintf("literal(%#v)", l.Value)
}

func (l Literal) eval(context.Context, *Resolver, Node) (any, error) {
	return l.Value, nil
}

// IsReady reports whether a sensor value counts as published for
// attributeWhenReady: nil, empty strings, false and empty collections do not.
func IsReady(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case string:
		return val != ""
	case bool:
		return val
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
