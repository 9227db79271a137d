package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
)

// Engine keeps a set of compiled policies and evaluates them against node
// inputs. It is safe for concurrent use; Replace swaps the whole set.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	logger          zerolog.Logger
	builtinPolicies []Policy
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// compile parses a policy and prepares the query for its deny rule.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to parse policy %s", policy.Name), err).
			WithCode(engine.ErrCodeValidation).
			WithResource(policy.Name)
	}
	if module.Package == nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("policy %s has no package", policy.Name), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(policy.Name)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to prepare policy %s", policy.Name), err).
			WithCode(engine.ErrCodeValidation).
			WithResource(policy.Name)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// eval runs the deny rule of cp against input.
func (cp *compiledPolicy) eval(ctx context.Context, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy %s evaluation error: %w", cp.policy.Name, err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, cp.violation(d, input))
		}
	}
	sort.SliceStable(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// violation converts one element of the deny set.
func (cp *compiledPolicy) violation(result interface{}, input *Input) Violation {
	v := Violation{
		Policy:     cp.policy.Name,
		NodeID:     input.Entity.ID,
		Sensor:     input.Sensor,
		Severity:   cp.policy.Severity,
		DetectedAt: time.Now(),
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		for key, val := range r {
			switch key {
			case "message", "msg":
				v.Message = fmt.Sprint(val)
			case "severity":
				v.Severity = Severity(fmt.Sprint(val))
			default:
				if v.Details == nil {
					v.Details = make(map[string]interface{})
				}
				v.Details[key] = val
			}
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}

	return v
}

// Evaluate evaluates every enabled policy against input. A policy that fails
// to evaluate is reported in Warnings and does not stop the others.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			compiled = append(compiled, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].policy.Name < compiled[j].policy.Name })

	result := &Result{Allowed: true}
	for _, cp := range compiled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := cp.eval(ctx, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("node_id", input.Entity.ID).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, err.Error())
			continue
		}
		for _, v := range violations {
			if blocking(v.Severity) {
				result.Allowed = false
			}
		}
		result.Violations = append(result.Violations, violations...)
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)
	e.logger.Debug().
		Str("node_id", input.Entity.ID).
		Str("sensor", input.Sensor).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// Add compiles a policy and stores it, replacing one of the same name.
func (e *Engine) Add(ctx context.Context, policy Policy) error {
	cp, err := compile(ctx, &policy)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.policies[policy.Name] = cp
	e.mu.Unlock()

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled successfully")
	return nil
}

// LoadPolicies loads policy files and directories into the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.Add(ctx, policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// Replace swaps the loaded policies for policies, keeping the built-ins. On
// a compile error the current set is left untouched.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(e.builtinPolicies)+len(policies))
	all := append(append([]Policy(nil), e.builtinPolicies...), policies...)
	for i := range all {
		cp, err := compile(ctx, &all[i])
		if err != nil {
			return err
		}
		next[all[i].Name] = cp
	}

	e.mu.Lock()
	e.policies = next
	e.mu.Unlock()

	e.logger.Info().Int("count", len(next)).Msg("Policies replaced")
	return nil
}

// loadBuiltinPolicies compiles the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		if err := e.Add(ctx, e.builtinPolicies[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, notFound(name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies, sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return notFound(name)
	}
	p := *cp.policy
	p.Enabled = enabled
	p.UpdatedAt = time.Now()
	e.policies[name] = &compiledPolicy{policy: &p, module: cp.module, query: cp.query, compiled: cp.compiled}

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

func notFound(name string) error {
	return engine.NewPermanentError(fmt.Sprintf("policy not found: %s", name), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(name)
}
