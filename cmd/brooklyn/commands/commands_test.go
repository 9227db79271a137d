package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/inspect"
	"github.com/nlabh01/brooklyn-server/pkg/stores"
)

const simpleBlueprint = `
name: cli-app
services:
- serviceType: brooklyn.test.entity.TestEntity
  id: web
  name: web
  brooklyn.config:
    test.confName: from-cli
`

const brokenBlueprint = `
name: cli-broken
services:
- serviceType: brooklyn.test.entity.TestEntity
  id: broken
  brooklyn.enrichers:
  - type: brooklyn.enricher.basic.Propagator
    brooklyn.config:
      enricher.producer: $brooklyn:component("nowhere")
`

const quietSettings = `
[management]
workers = 2
resolve_timeout = "100ms"

[logging]
level = "disabled"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// run executes the root command and returns what it wrote to stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	settings := writeFile(t, t.TempDir(), "brooklyn.toml", quietSettings)

	var out bytes.Buffer
	root := newRootCommand("test", "abc123", "today")
	root.SetArgs(append([]string{"--settings", settings}, args...))
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out, "brooklyn test (commit: abc123, built: today") {
		t.Errorf("version output = %q", out)
	}

	out, err = run(t, "", "--json", "version")
	if err != nil {
		t.Fatalf("version --json error = %v", err)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version --json is not JSON: %v\n%s", err, out)
	}
	if info.Version != "test" || info.Commit != "abc123" || info.GoVersion == "" {
		t.Errorf("version info = %+v", info)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", simpleBlueprint)
	bad := writeFile(t, dir, "bad.yaml", `
services:
- serviceType: no.such.Type
  brooklyn.config:
    ref: $brooklyn:component(
`)

	out, err := run(t, "", "validate", good)
	if err != nil {
		t.Fatalf("validate(good) error = %v", err)
	}
	if !strings.Contains(out, "valid (1 services)") {
		t.Errorf("validate(good) output = %q", out)
	}

	out, err = run(t, "", "validate", bad)
	if err == nil || !strings.Contains(err.Error(), "2 problem(s)") {
		t.Fatalf("validate(bad) error = %v", err)
	}
	for _, want := range []string{`unknown node type "no.such.Type"`, "invalid DSL expression"} {
		if !strings.Contains(out, want) {
			t.Errorf("validate(bad) output missing %q:\n%s", want, out)
		}
	}

	out, _ = run(t, "", "--json", "validate", bad)
	var report validationReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("validate --json is not JSON: %v\n%s", err, out)
	}
	if report.Valid || len(report.Problems) != 2 {
		t.Errorf("report = %+v", report)
	}

	if _, err := run(t, "", "validate", filepath.Join(dir, "missing.yaml")); !isNotFound(err) {
		t.Errorf("validate(missing) error = %v, want not found", err)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, engine.NewPermanentError("", nil).WithCode(engine.ErrCodeNotFound))
}

func TestDeployText(t *testing.T) {
	path := writeFile(t, t.TempDir(), "app.yaml", simpleBlueprint)
	out, err := run(t, "", "deploy", path)
	if err != nil {
		t.Fatalf("deploy error = %v\n%s", err, out)
	}
	for _, want := range []string{
		"BasicApplication: ",
		"  displayName: cli-app\n",
		"      displayName: web\n",
		"      planId: web\n",
		"      lifecycle: running\n",
		"        test.confName: from-cli\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("deploy output missing %q:\n%s", want, out)
		}
	}
}

func TestDeployFromStdin(t *testing.T) {
	out, err := run(t, simpleBlueprint, "deploy", "-")
	if err != nil {
		t.Fatalf("deploy - error = %v", err)
	}
	if !strings.Contains(out, "displayName: cli-app") {
		t.Errorf("deploy - output = %q", out)
	}

	if _, err := run(t, "  \n", "deploy", "-"); err == nil {
		t.Error("deploy with empty stdin succeeded")
	}
}

func TestDeployJSONWithState(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "app.yaml", simpleBlueprint)
	state := filepath.Join(dir, "state", "brooklyn.db")

	out, err := run(t, "", "--json", "deploy", "--state", state, path)
	if err != nil {
		t.Fatalf("deploy error = %v", err)
	}
	var view inspect.NodeView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("deploy --json is not JSON: %v\n%s", err, out)
	}
	if view.DisplayName != "cli-app" || len(view.Children) != 1 || view.Children[0].PlanID != "web" {
		t.Errorf("view = %+v", view)
	}

	ctx := context.Background()
	store, err := stores.NewSQLiteStore(stores.Config{Path: state})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	deployments, err := store.ListDeployments(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListDeployments() error = %v", err)
	}
	if len(deployments) != 1 {
		t.Fatalf("deployments = %d, want 1", len(deployments))
	}
	if d := deployments[0]; d.Blueprint != "cli-app" || d.Status != engine.DeploymentStatusSucceeded || d.AppID != view.ID {
		t.Errorf("deployment = %+v", d)
	}
	n, err := store.GetNode(ctx, view.Children[0].ID)
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	if n.PlanID != "web" || n.ParentID == nil || *n.ParentID != view.ID {
		t.Errorf("node = %+v", n)
	}
}

func TestDeployReportsFailures(t *testing.T) {
	path := writeFile(t, t.TempDir(), "broken.yaml", brokenBlueprint)
	out, err := run(t, "", "deploy", "--wait", "5s", path)
	if err == nil || !strings.Contains(err.Error(), "1 problem(s)") {
		t.Fatalf("deploy error = %v", err)
	}
	if !strings.Contains(out, "Propagator[") || !strings.Contains(out, ": failed (") {
		t.Errorf("deploy output does not show the failed enricher:\n%s", out)
	}
}

func TestDeployFlagErrors(t *testing.T) {
	path := writeFile(t, t.TempDir(), "app.yaml", simpleBlueprint)
	if _, err := run(t, "", "deploy", "--watch", path); err == nil || !strings.Contains(err.Error(), "--policies") {
		t.Errorf("deploy --watch error = %v", err)
	}
	if _, err := run(t, "", "deploy"); err == nil {
		t.Error("deploy without a blueprint succeeded")
	}
	if _, err := run(t, "", "deploy", "--settings", filepath.Join(t.TempDir(), "none.toml"), path); err == nil {
		t.Error("deploy with missing settings succeeded")
	}
}

func TestTypesManifest(t *testing.T) {
	dir := t.TempDir()
	types := writeFile(t, dir, "types.yaml", `
types:
- name: example.WebServer
  aliases: [web]
  extends: brooklyn.entity.basic.BasicEntity
  config:
  - {name: http.port, type: int, default: 8080, aliases: [port]}
`)
	app := writeFile(t, dir, "app.yaml", `
name: typed-app
services:
- serviceType: web
  port: 9090
`)

	if _, err := run(t, "", "validate", app); err == nil {
		t.Fatal("validate without --types accepted an unknown type")
	}
	out, err := run(t, "", "--types", types, "deploy", app)
	if err != nil {
		t.Fatalf("deploy --types error = %v\n%s", err, out)
	}
	for _, want := range []string{"WebServer: ", "port: 9090", "displayName: typed-app"} {
		if !strings.Contains(out, want) {
			t.Errorf("deploy output missing %q:\n%s", want, out)
		}
	}
}
