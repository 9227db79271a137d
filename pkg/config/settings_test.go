package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nlabh01/brooklyn-server/internal/testutil"
	"github.com/nlabh01/brooklyn-server/pkg/engine"
)

func isValidation(err error) bool {
	return errors.Is(err, engine.NewPermanentError("", nil).WithCode(engine.ErrCodeValidation))
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestParse(t *testing.T) {
	s, err := Parse(`
[management]
workers = 3
resolve_timeout = "250ms"
dedup = true

[store]
path = "state.db"
record_sensors = true

[logging]
level = "debug"
format = "json"

[tracing]
enabled = true
exporter = "stdout"
sampling_rate = 0.5

[properties]
"test.confName" = "global"
region = "eu"

[properties.brooklyn.location]
name = "localhost"
`)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if s.Management.Workers != 3 || s.Management.ResolveTimeout.Duration != 250*time.Millisecond || !s.Management.Dedup {
		t.Errorf("management = %+v", s.Management)
	}
	if s.Management.BackoffMax.Duration != Default().Management.BackoffMax.Duration {
		t.Errorf("unset backoff_max = %v, want default", s.Management.BackoffMax)
	}
	if s.Store.Path != "state.db" || !s.Store.RecordSensors {
		t.Errorf("store = %+v", s.Store)
	}
	if s.Logging.Output != "stderr" {
		t.Errorf("unset logging output = %q, want default", s.Logging.Output)
	}

	want := map[string]any{
		"test.confName":          "global",
		"region":                 "eu",
		"brooklyn.location.name": "localhost",
	}
	if diff := cmp.Diff(want, s.Properties); diff != "" {
		t.Errorf("properties mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"brooklyn.location.name", "region", "test.confName"}, s.PropertyKeys()); diff != "" {
		t.Errorf("PropertyKeys() mismatch (-want +got):\n%s", diff)
	}

	tc := s.Telemetry("1.2.3")
	if tc.ServiceVersion != "1.2.3" || tc.Logging.Level != "debug" || tc.Logging.Format != "json" {
		t.Errorf("telemetry logging = %+v", tc.Logging)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "stdout" || tc.Tracing.SamplingRate != 0.5 {
		t.Errorf("telemetry tracing = %+v", tc.Tracing)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("telemetry config invalid: %v", err)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		msg  string
	}{
		{"syntax", "[management\n", "failed to parse"},
		{"bad duration", "[management]\nresolve_timeout = \"soon\"\n", "failed to parse"},
		{"unknown key", "[management]\nthreads = 4\n", "management.threads"},
		{"unknown section", "[cluster]\nsize = 3\n", "cluster.size"},
		{"zero workers", "[management]\nworkers = 0\n", "Workers"},
		{"bad level", "[logging]\nlevel = \"loud\"\n", "Level"},
		{"bad exporter", "[tracing]\nexporter = \"zipkin\"\n", "Exporter"},
		{"sampling out of range", "[tracing]\nsampling_rate = 2.0\n", "SamplingRate"},
		{"metrics without address", "[metrics]\nenabled = true\nlisten_address = \"\"\n", "ListenAddress"},
		{"backoff inverted", "[management]\nbackoff_initial = \"1s\"\nbackoff_max = \"10ms\"\n", "backoff"},
		{"zero resolve timeout", "[management]\nresolve_timeout = \"0s\"\n", "ResolveTimeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.doc)
			if !isValidation(err) {
				t.Fatalf("Parse() error = %v, want validation error", err)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("error %q does not mention %q", err, tt.msg)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brooklyn.toml")
	if err := os.WriteFile(path, []byte("[management]\nworkers = 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Management.Workers != 2 {
		t.Errorf("workers = %d", s.Management.Workers)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	if !isValidation(err) || !strings.Contains(err.Error(), "missing.toml") {
		t.Errorf("Load(missing) error = %v", err)
	}
}

func TestManagerConfig(t *testing.T) {
	s, err := Parse("[management]\nworkers = 5\ndedup = true\n[properties]\nk = \"v\"\n")
	if err != nil {
		t.Fatal(err)
	}
	mc := s.ManagerConfig(nil, testutil.Logger(t), nil)
	if mc.Workers != 5 || mc.ResolveTimeout != 30*time.Second || mc.Journal != nil {
		t.Errorf("ManagerConfig() = %+v", mc)
	}
	if mc.Bus == nil || !mc.Bus.Dedup() {
		t.Error("bus missing or dedup not applied")
	}
	mc.Properties["k"] = "changed"
	if s.Properties["k"] != "v" {
		t.Error("ManagerConfig() shares the properties map")
	}
}

func TestFlatten(t *testing.T) {
	got := Flatten(map[string]any{
		"a":     map[string]any{"b": int64(1), "c": map[string]any{"d": true}},
		"x.y":   "kept",
		"plain": []any{"l"},
	})
	want := map[string]any{"a.b": int64(1), "a.c.d": true, "x.y": "kept", "plain": []any{"l"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Flatten() mismatch (-want +got):\n%s", diff)
	}
}
