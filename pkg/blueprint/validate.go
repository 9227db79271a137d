package blueprint

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/refs"
	"github.com/nlabh01/brooklyn-server/pkg/registry"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks bp without creating anything: struct constraints, the
// document schema, the syntax of every DSL expression and, when reg is not
// nil, that every node and adjunct type is registered with the right kind.
func Validate(bp *Blueprint, reg *registry.Registry) error {
	var problems []ValidationError
	add := func(path, format string, args ...any) {
		problems = append(problems, ValidationError{
			File:    bp.Source,
			Path:    path,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if err := validate.Struct(bp); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return engine.NewPermanentError("failed to validate blueprint", err).
				WithCode(engine.ErrCodeInternal)
		}
		for _, fe := range verrs {
			add(fieldPath(fe), "%s", describe(fe))
		}
	}

	for _, p := range schemaProblems(bp.Document()) {
		p.File = bp.Source
		problems = append(problems, p)
	}

	checkDSL(KeyConfig, bp.Config, add)
	checkAdjuncts(KeyEnrichers, bp.Enrichers, entity.KindEnricher, reg, add)
	checkAdjuncts(KeyPolicies, bp.Policies, entity.KindPolicy, reg, add)
	bp.Walk(func(path string, spec *NodeSpec) {
		if reg != nil && spec.Type != "" {
			if _, err := reg.Type(spec.Type); err != nil {
				add(path+"."+KeyServiceType, "unknown node type %q", spec.Type)
			}
		}
		checkDSL(path, spec.Flags, add)
		checkDSL(path+"."+KeyConfig, spec.Config, add)
		checkAdjuncts(path+"."+KeyEnrichers, spec.Enrichers, entity.KindEnricher, reg, add)
		checkAdjuncts(path+"."+KeyPolicies, spec.Policies, entity.KindPolicy, reg, add)
	})

	if len(problems) > 0 {
		return invalid(problems)
	}
	return nil
}

type addFunc func(path, format string, args ...any)

func checkAdjuncts(path string, specs []AdjunctSpec, kind entity.AdjunctKind, reg *registry.Registry, add addFunc) {
	for i := range specs {
		s := &specs[i]
		p := fmt.Sprintf("%s[%d]", path, i)
		if reg != nil && s.Type != "" {
			t, err := reg.Adjunct(s.Type)
			switch {
			case err != nil:
				add(p, "unknown %s type %q", kind, s.Type)
			case t.Kind != kind:
				add(p, "%s is a %s, not a %s", s.Type, t.Kind, kind)
			}
		}
		checkDSL(p, s.Flags, add)
		checkDSL(p+"."+KeyConfig, s.Config, add)
	}
}

// checkDSL parses every DSL string inside v.
func checkDSL(path string, v any, add addFunc) {
	switch val := v.(type) {
	case string:
		if !refs.IsDSL(val) {
			return
		}
		if _, err := refs.Parse(val); err != nil {
			add(path, "invalid DSL expression: %v", cause(err))
		}
	case map[string]any:
		for _, k := range sortedKeys(val) {
			checkDSL(path+"."+k, val[k], add)
		}
	case []any:
		for i, item := range val {
			checkDSL(fmt.Sprintf("%s[%d]", path, i), item, add)
		}
	}
}

func cause(err error) error {
	var e *engine.EngineError
	if errors.As(err, &e) && e.Err != nil {
		return e.Err
	}
	return err
}

// fieldPath turns "Blueprint.services[0].serviceType" into
// "services[0].serviceType".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "printascii":
		return fmt.Sprintf("%q must be printable ASCII", fe.Value())
	}
	if fe.Param() != "" {
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
	return "failed " + fe.Tag()
}
