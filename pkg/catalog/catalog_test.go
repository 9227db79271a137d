package catalog

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nlabh01/brooklyn-server/pkg/enricher"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/policy"
	"github.com/nlabh01/brooklyn-server/pkg/registry"
)

func TestBuiltin(t *testing.T) {
	r, err := Builtin(nil)
	if err != nil {
		t.Fatalf("Builtin failed: %v", err)
	}

	wantTypes := []string{BasicApplicationType, BasicEntityType, TestEntityType}
	if diff := cmp.Diff(wantTypes, r.Types()); diff != "" {
		t.Errorf("Types() mismatch (-want +got):\n%s", diff)
	}

	aliases := map[string]string{
		"propagator":  enricher.PropagatorType,
		"transformer": enricher.TransformerType,
		"aggregator":  enricher.AggregatorType,
		"rego":        policy.RegoPolicyType,
	}
	for alias, name := range aliases {
		at, err := r.Adjunct(alias)
		if err != nil {
			t.Errorf("Adjunct(%q): %v", alias, err)
			continue
		}
		if at.Name != name {
			t.Errorf("Adjunct(%q).Name = %s, want %s", alias, at.Name, name)
		}
	}

	a, err := r.NewAdjunct(entity.KindEnricher, TestEnricherType, map[string]any{
		"confName":              "Name from YAML",
		"enricherLiteralValue1": "Hello",
	})
	if err != nil {
		t.Fatalf("NewAdjunct failed: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"enricherLiteralValue1": "Hello"}, a.Leftovers()); diff != "" {
		t.Errorf("leftovers mismatch (-want +got):\n%s", diff)
	}
	if got := a.ConfigSnapshot()["test.confName"]; got != "Name from YAML" {
		t.Errorf("test.confName = %v", got)
	}
}

func TestBuiltinWithEngine(t *testing.T) {
	r, err := Builtin(&policy.Engine{})
	if err != nil {
		t.Fatal(err)
	}
	a, err := r.NewAdjunct(entity.KindPolicy, "rego", nil)
	if err != nil {
		t.Fatalf("NewAdjunct(rego) failed: %v", err)
	}
	if _, ok := a.(*policy.RegoPolicy); !ok {
		t.Errorf("rego factory built %T", a)
	}
}

const manifest = `
types:
- name: example.WebServer
  aliases: [web]
  extends: brooklyn.test.entity.TestEntity
  sensors:
  - {name: http.requests, type: int}
  - {name: http.latency, type: duration}
  config:
  - {name: http.port, type: int, default: 8080, aliases: [port]}
  - {name: http.timeout, type: duration, default: 1500}
- name: example.Cluster
  description: Group of web servers
`

func TestManifest(t *testing.T) {
	r := registry.New()
	if err := RegisterTestTypes(r); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "types.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := LoadManifest(r, path); err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}

	web, err := r.Type("web")
	if err != nil {
		t.Fatal(err)
	}
	var sensorNames []string
	for _, s := range web.Sensors {
		sensorNames = append(sensorNames, s.Name())
	}
	if diff := cmp.Diff([]string{"test.name", "http.requests", "http.latency"}, sensorNames); diff != "" {
		t.Errorf("sensors mismatch (-want +got):\n%s", diff)
	}
	if web.Sensors[2].Type() != reflect.TypeFor[time.Duration]() {
		t.Errorf("http.latency type = %v", web.Sensors[2].Type())
	}

	port, ok := web.ConfigKey("port")
	if !ok {
		t.Fatal("http.port not declared under its alias")
	}
	if def, _ := port.DefaultValue(); def != 8080 {
		t.Errorf("http.port default = %v (%T)", def, def)
	}
	timeout, _ := web.ConfigKey("http.timeout")
	if def, _ := timeout.DefaultValue(); def != 1500*time.Millisecond {
		t.Errorf("http.timeout default = %v", def)
	}
	if _, ok := web.ConfigKey("test.confName"); !ok {
		t.Error("inherited config key missing")
	}

	cluster, err := r.Type("example.Cluster")
	if err != nil || cluster.Description != "Group of web servers" {
		t.Errorf("Type(example.Cluster) = %+v, %v", cluster, err)
	}
}

func TestManifestErrors(t *testing.T) {
	tests := map[string]string{
		"not yaml":       "types: [",
		"no types":       "other: 1",
		"missing name":   "types:\n- description: x",
		"bad type":       "types:\n- name: a\n  sensors:\n  - {name: s, type: complex}",
		"bad default":    "types:\n- name: a\n  config:\n  - {name: c, type: int, default: abc}",
		"unknown parent": "types:\n- name: a\n  extends: nope",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			m, err := ParseManifest([]byte(src))
			if err == nil {
				err = m.Register(registry.New())
			}
			if err == nil {
				t.Error("expected an error")
			}
		})
	}
}
