package refs

import (
	"reflect"
	"sync"
)

// Deferred is a reference resolved lazily against the live graph. Successful
// results are memoized per caller node; failures are not, so a later
// resolution attempts again.
type Deferred struct {
	expr Expression

	mu   sync.Mutex
	memo map[string]any
}

// NewDeferred wraps an expression.
func NewDeferred(expr Expression) *Deferred {
	return &Deferred{expr: expr, memo: make(map[string]any)}
}

// Expression returns the wrapped expression.
func (d *Deferred) Expression() Expression {
	return d.expr
}

// String renders the reference in DSL form.
func (d *Deferred) String() string {
	return Prefix + d.expr.String()
}

// Cached returns the memoized result for callerID.
func (d *Deferred) Cached(callerID string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.memo[callerID]
	return v, ok
}

func (d *Deferred) remember(callerID string, v any) {
	d.mu.Lock()
	d.memo[callerID] = v
	d.mu.Unlock()
}

// Clone returns a copy of the reference with an empty memo.
func (d *Deferred) Clone() *Deferred {
	return NewDeferred(d.expr)
}

// Contains reports whether v holds a Deferred anywhere inside a map or slice.
func Contains(v any) bool {
	switch val := v.(type) {
	case *Deferred:
		return true
	case map[string]any:
		for _, item := range val {
			if Contains(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if Contains(item) {
				return true
			}
		}
	}
	return false
}

// Copy deep-copies maps and slices of v, cloning any Deferred it meets so the
// copy shares no memo with the original.
func Copy(v any) any {
	switch val := v.(type) {
	case *Deferred:
		return val.Clone()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Copy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Copy(item)
		}
		return out
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice && !rv.IsNil() {
			cp := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
			reflect.Copy(cp, rv)
			return cp.Interface()
		}
		return v
	}
}
