package entity

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
)

func TestCoerce(t *testing.T) {
	t.Run("int", func(t *testing.T) {
		for _, in := range []any{"8080", int64(8080), 8080.0, 8080} {
			got, err := Coerce[int](in)
			if err != nil || got != 8080 {
				t.Errorf("Coerce[int](%#v) = %d, %v", in, got, err)
			}
		}
	})
	t.Run("bool", func(t *testing.T) {
		got, err := Coerce[bool]("true")
		if err != nil || !got {
			t.Errorf("Coerce[bool](\"true\") = %v, %v", got, err)
		}
	})
	t.Run("string", func(t *testing.T) {
		got, err := Coerce[string](int64(3))
		if err != nil || got != "3" {
			t.Errorf("Coerce[string](3) = %q, %v", got, err)
		}
	})
	t.Run("duration", func(t *testing.T) {
		got, err := Coerce[time.Duration]("2s")
		if err != nil || got != 2*time.Second {
			t.Errorf("Coerce[Duration](\"2s\") = %v, %v", got, err)
		}
	})
	t.Run("slice", func(t *testing.T) {
		got, err := Coerce[[]string]([]any{"a", int64(1), true})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"a", "1", "true"}, got); diff != "" {
			t.Errorf("Coerce[[]string] mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("map", func(t *testing.T) {
		got, err := Coerce[map[string]string](map[string]any{"a": "x", "b": int64(2)})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(map[string]string{"a": "x", "b": "2"}, got); diff != "" {
			t.Errorf("Coerce[map] mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("nil", func(t *testing.T) {
		got, err := Coerce[int](nil)
		if err != nil || got != 0 {
			t.Errorf("Coerce[int](nil) = %d, %v", got, err)
		}
	})
	t.Run("mismatch", func(t *testing.T) {
		for _, in := range []any{"abc", 1.5, []any{1}} {
			if _, err := Coerce[int](in); !engine.IsPermanent(err) {
				t.Errorf("Coerce[int](%#v) error = %v, want type mismatch", in, err)
			}
		}
		if _, err := Coerce[bool](1); err == nil {
			t.Error("Coerce[bool](1) succeeded")
		}
	})
}
