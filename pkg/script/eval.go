// Package script evaluates Starlark used by blueprints: DSL expressions and
// enricher transformation functions.
package script

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultTimeout bounds a single evaluation when none is configured.
const DefaultTimeout = 5 * time.Second

// Evaluator executes Starlark with a time bound and a fixed set of helpers.
type Evaluator struct {
	timeout time.Duration
}

// Result is the output of a script.
type Result struct {
	// Output holds the script's public globals.
	Output map[string]any

	// ExecutionTime is the wall time spent evaluating.
	ExecutionTime time.Duration
}

// NewEvaluator creates an evaluator. A zero timeout selects DefaultTimeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout}
}

func (e *Evaluator) thread(ctx context.Context, name string) (*starlark.Thread, func()) {
	thread := &starlark.Thread{
		Name:  name,
		Print: func(*starlark.Thread, string) {},
	}
	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	return thread, func() {
		stop()
		cancel()
	}
}

func predeclared(input map[string]any) (starlark.StringDict, error) {
	env := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for key, val := range input {
		sv, err := ToValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		env[key] = sv
	}
	return env, nil
}

// Exec runs a whole script and returns its public globals.
func (e *Evaluator) Exec(ctx context.Context, script string, input map[string]any) (*Result, error) {
	start := time.Now()
	env, err := predeclared(input)
	if err != nil {
		return nil, err
	}

	thread, done := e.thread(ctx, "script")
	defer done()

	globals, err := starlark.ExecFile(thread, "script.star", script, env)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]any, len(globals))
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		goVal, err := FromValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}
	return &Result{Output: output, ExecutionTime: time.Since(start)}, nil
}

// Eval evaluates a single expression with input bound as globals and returns
// the Go value of the result.
func (e *Evaluator) Eval(ctx context.Context, expr string, input map[string]any) (any, error) {
	env, err := predeclared(input)
	if err != nil {
		return nil, err
	}
	v, err := e.EvalValue(ctx, expr, env)
	if err != nil {
		return nil, err
	}
	return FromValue(v)
}

// EvalValue evaluates an expression against a prepared environment and
// returns the raw Starlark value. Callers supply their own builtins.
func (e *Evaluator) EvalValue(ctx context.Context, expr string, env starlark.StringDict) (starlark.Value, error) {
	thread, done := e.thread(ctx, "expr")
	defer done()

	v, err := starlark.Eval(thread, "expr", expr, env)
	if err != nil {
		return nil, fmt.Errorf("starlark evaluation of %q failed: %w", expr, err)
	}
	return v, nil
}
