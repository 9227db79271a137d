package refs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/script"
)

// Prefix marks a config string as a DSL expression.
const Prefix = "$brooklyn:"

var parser = script.NewEvaluator(time.Second)

// IsDSL reports whether s is a DSL expression.
func IsDSL(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), Prefix)
}

// Parse parses a "$brooklyn:" expression. The body uses Starlark call syntax,
// for example component("db").attributeWhenReady("host.address").
func Parse(s string) (Expression, error) {
	body := strings.TrimSpace(s)
	if !strings.HasPrefix(body, Prefix) {
		return nil, dslError(s, fmt.Errorf("missing %q prefix", Prefix))
	}
	body = strings.TrimSpace(strings.TrimPrefix(body, Prefix))
	if body == "" {
		return nil, dslError(s, fmt.Errorf("empty expression"))
	}

	v, err := parser.EvalValue(context.Background(), body, builtins)
	if err != nil {
		return nil, dslError(s, err)
	}
	if dv, ok := v.(*dslValue); ok {
		return dv.expr, nil
	}
	lit, err := script.FromValue(v)
	if err != nil {
		return nil, dslError(s, err)
	}
	return Literal{Value: lit}, nil
}

// ParseDeferred parses s into a Deferred.
func ParseDeferred(s string) (*Deferred, error) {
	expr, err := Parse(s)
	if err != nil {
		return nil, err
	}
	return NewDeferred(expr), nil
}

// Compile returns a copy of v in which every DSL string, at any depth of maps
// and slices, is replaced by a Deferred.
func Compile(v any) (any, error) {
	switch val := v.(type) {
	case string:
		if !IsDSL(val) {
			return val, nil
		}
		return ParseDeferred(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			cv, err := Compile(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = cv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			cv, err := Compile(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = cv
		}
		return out, nil
	default:
		return v, nil
	}
}

func dslError(s string, err error) error {
	return engine.NewPermanentError(fmt.Sprintf("invalid DSL expression %q", s), err).
		WithCode(engine.ErrCodeValidation)
}

// dslValue carries an Expression through Starlark evaluation.
type dslValue struct {
	expr Expression
}

var (
	_ starlark.Value    = (*dslValue)(nil)
	_ starlark.HasAttrs = (*dslValue)(nil)
)

func (v *dslValue) String() string        { return v.expr.String() }
func (v *dslValue) Type() string          { return "brooklyn.ref" }
func (v *dslValue) Freeze()               {}
func (v *dslValue) Truth() starlark.Bool  { return starlark.True }
func (v *dslValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", v.Type()) }

var dslMethods = []string{
	"attributeWhenReady", "config", "child", "sibling", "descendant",
	"ancestor", "parent", "childAt",
}

func (v *dslValue) AttrNames() []string {
	return dslMethods
}

func (v *dslValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "attributeWhenReady":
		return stringMethod(name, func(s string) Expression { return Attribute{Of: v.expr, Sensor: s} }), nil
	case "config":
		return stringMethod(name, func(s string) Expression { return ConfigRef{Of: v.expr, Key: s} }), nil
	case "child", "sibling", "descendant", "ancestor":
		scope := Scope(name)
		return stringMethod(name, func(s string) Expression { return Component{Scope: scope, ID: s, From: v.expr} }), nil
	case "parent":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
				return nil, err
			}
			return &dslValue{expr: Component{Scope: ScopeParent, From: v.expr}}, nil
		}), nil
	case "childAt":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var index int
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "index", &index); err != nil {
				return nil, err
			}
			return &dslValue{expr: ChildAt{Index: index, From: v.expr}}, nil
		}), nil
	}
	return nil, nil
}

func stringMethod(name string, build func(string) Expression) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &s); err != nil {
			return nil, err
		}
		return &dslValue{expr: build(s)}, nil
	})
}

func noArgs(name string, expr Expression) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		return &dslValue{expr: expr}, nil
	})
}

func scoped(scope Scope) *starlark.Builtin {
	return stringMethod(string(scope), func(id string) Expression { return Component{Scope: scope, ID: id} })
}

var builtins = starlark.StringDict{
	"component":  starlark.NewBuiltin("component", builtinComponent),
	"entity":     starlark.NewBuiltin("entity", builtinComponent),
	"self":       noArgs("self", Component{Scope: ScopeThis}),
	"parent":     noArgs("parent", Component{Scope: ScopeParent}),
	"root":       noArgs("root", Component{Scope: ScopeRoot}),
	"child":      scoped(ScopeChild),
	"sibling":    scoped(ScopeSibling),
	"descendant": scoped(ScopeDescendant),
	"ancestor":   scoped(ScopeAncestor),
	"childAt": starlark.NewBuiltin("childAt", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var index int
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "index", &index); err != nil {
			return nil, err
		}
		return &dslValue{expr: ChildAt{Index: index}}, nil
	}),
	"attributeWhenReady": stringMethod("attributeWhenReady", func(s string) Expression { return Attribute{Sensor: s} }),
	"config":             stringMethod("config", func(s string) Expression { return ConfigRef{Key: s} }),
	"formatString":       starlark.NewBuiltin("formatString", builtinFormatString),
	"literal":            starlark.NewBuiltin("literal", builtinLiteral),
}

// builtinComponent implements component(id) and component(scope, id).
func builtinComponent(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var first, second string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &first, &second); err != nil {
		return nil, err
	}
	if len(args) == 1 {
		return &dslValue{expr: Component{Scope: ScopeGlobal, ID: first}}, nil
	}
	scope, err := ParseScope(first)
	if err != nil {
		return nil, err
	}
	c := Component{Scope: scope}
	if scope.needsID() {
		c.ID = second
	}
	return &dslValue{expr: c}, nil
}

func builtinFormatString(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing format", b.Name())
	}
	format, ok := starlark.AsString(args[0])
	if !ok {
		return nil, fmt.Errorf("%s: format must be a string, got %s", b.Name(), args[0].Type())
	}
	rest := make([]any, 0, len(args)-1)
	for _, a := range args[1:] {
		v, err := argValue(a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		rest = append(rest, v)
	}
	return &dslValue{expr: Format{Format: format, Args: rest}}, nil
}

func builtinLiteral(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	gv, err := script.FromValue(v)
	if err != nil {
		return nil, err
	}
	return &dslValue{expr: Literal{Value: gv}}, nil
}

func argValue(v starlark.Value) (any, error) {
	if dv, ok := v.(*dslValue); ok {
		return dv.expr, nil
	}
	return script.FromValue(v)
}
