package script

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestEvaluatorExec(t *testing.T) {
	evaluator := NewEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name    string
		script  string
		input   map[string]any
		want    map[string]any
		wantErr bool
	}{
		{
			name:   "simple arithmetic",
			script: "result = 2 + 2\n",
			want:   map[string]any{"result": int64(4)},
		},
		{
			name:   "use input variables",
			script: "doubled = count * 2\n",
			input:  map[string]any{"count": 5},
			want:   map[string]any{"doubled": int64(10)},
		},
		{
			name: "function and private globals",
			script: `
def _double(xs):
    return [x * 2 for x in xs]

_tmp = 1
output = _double(values)
`,
			input: map[string]any{"values": []any{1, 2, 3}},
			want:  map[string]any{"output": []any{int64(2), int64(4), int64(6)}},
		},
		{
			name:    "syntax error",
			script:  "result = (",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := evaluator.Exec(ctx, tt.script, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Exec() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, res.Output); diff != "" {
				t.Errorf("Exec() output mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEvaluatorEval(t *testing.T) {
	evaluator := NewEvaluator(time.Second)
	ctx := context.Background()

	tests := []struct {
		name    string
		expr    string
		input   map[string]any
		want    any
		wantErr bool
	}{
		{name: "upper", expr: "value.upper()", input: map[string]any{"value": "new name"}, want: "NEW NAME"},
		{name: "undefined", expr: "sum_values(values)", wantErr: true},
		{name: "dict", expr: `{"a": value}`, input: map[string]any{"value": 1.5}, want: map[string]any{"a": 1.5}},
		{name: "none", expr: "None"},
		{name: "tuple", expr: "(1, 'x')", want: []any{int64(1), "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Eval(ctx, tt.expr, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Eval() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Eval() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEvaluatorTimeout(t *testing.T) {
	evaluator := NewEvaluator(50 * time.Millisecond)
	script := `
def spin():
    n = 0
    for i in range(100000000):
        n += i
    return n

x = spin()
`
	_, err := evaluator.Exec(context.Background(), script, nil)
	if err == nil {
		t.Fatal("Exec() of a long script did not time out")
	}
	if !strings.Contains(err.Error(), "deadline") && !strings.Contains(err.Error(), "cancel") {
		t.Errorf("Exec() error = %v, want cancellation", err)
	}
}

func TestToValueRejectsUnsupported(t *testing.T) {
	if _, err := ToValue(make(chan int)); err == nil {
		t.Error("ToValue(chan) did not fail")
	}
	v, err := ToValue(map[string]string{"b": "2", "a": "1"})
	if err != nil {
		t.Fatalf("ToValue() error = %v", err)
	}
	back, err := FromValue(v)
	if err != nil {
		t.Fatalf("FromValue() error = %v", err)
	}
	if diff := cmp.Diff(map[string]any{"a": "1", "b": "2"}, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestToValueTypedCollections(t *testing.T) {
	v, err := ToValue(map[string]any{"ports": []int{80, 443}, "load": map[string]float64{"cpu": 0.5}})
	if err != nil {
		t.Fatalf("ToValue() error = %v", err)
	}
	back, err := FromValue(v)
	if err != nil {
		t.Fatalf("FromValue() error = %v", err)
	}
	want := map[string]any{"ports": []any{int64(80), int64(443)}, "load": map[string]any{"cpu": 0.5}}
	if diff := cmp.Diff(want, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if _, err := ToValue(map[int]string{1: "a"}); err == nil {
		t.Error("ToValue(map[int]string) did not fail")
	}
}
