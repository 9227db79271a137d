package blueprint

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nlabh01/brooklyn-server/internal/testutil"
	"github.com/nlabh01/brooklyn-server/pkg/adjunct"
	"github.com/nlabh01/brooklyn-server/pkg/catalog"
	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/enricher"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/registry"
)

type fakeRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *fakeRecorder) RecordDeployment(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeRecorder) all() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

func newInterpreter(t *testing.T, props map[string]any, opts ...Option) (*Interpreter, *registry.Registry) {
	t.Helper()
	return newInterpreterWithTimeout(t, props, 2*time.Second, opts...)
}

func newInterpreterWithTimeout(t *testing.T, props map[string]any, resolve time.Duration, opts ...Option) (*Interpreter, *registry.Registry) {
	t.Helper()
	m := entity.NewManager(entity.ManagerConfig{
		Workers:        4,
		Logger:         testutil.Logger(t),
		Properties:     props,
		ResolveTimeout: resolve,
		BackoffInitial: time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	reg, err := catalog.Builtin(nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewInterpreter(m, reg, opts...), reg
}

func deploy(t *testing.T, i *Interpreter, doc string) *Deployment {
	t.Helper()
	ctx := context.Background()
	bp, err := ParseYAML([]byte(doc))
	if err != nil {
		t.Fatalf("ParseYAML() error = %v", err)
	}
	d, err := i.Deploy(ctx, bp)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if err := d.Err(); err != nil {
		t.Fatalf("deployment errors: %v", err)
	}
	return d
}

func find(t *testing.T, d *Deployment, planID string) *entity.Node {
	t.Helper()
	n, ok := d.Find(planID)
	if !ok {
		t.Fatalf("node %q not found", planID)
	}
	return n
}

func onlyEnricher[T entity.Adjunct](t *testing.T, n *entity.Node) T {
	t.Helper()
	var zero T
	enrichers := n.Enrichers()
	if len(enrichers) != 1 {
		t.Fatalf("%s has %d enrichers, want 1", n, len(enrichers))
		return zero
	}
	e, ok := enrichers[0].(T)
	if !ok {
		t.Fatalf("enricher is %T, want %T", enrichers[0], zero)
	}
	return e
}

func TestDeployWithAppEnricher(t *testing.T) {
	i, _ := newInterpreter(t, nil)
	d := deploy(t, i, `
name: test-app-with-enricher
brooklyn.enrichers:
- enricherType: brooklyn.test.policy.TestEnricher
  targetEntityFromFlag: $brooklyn:component("testentity")
  enricherLiteralValue1: Hello
  brooklyn.config:
    test.confName: Name from YAML
    test.confFromFunction: '$brooklyn:formatString("%s: is a fun place", "$brooklyn")'
    test.targetEntity: $brooklyn:component("testentity")
    enricherLiteralValue2: World
services:
- serviceType: brooklyn.test.entity.TestEntity
  name: testentity
  id: testentity
`)
	ctx := context.Background()
	app := d.App
	if app.DisplayName() != "test-app-with-enricher" {
		t.Errorf("app name = %q", app.DisplayName())
	}
	if app.Lifecycle() != engine.LifecycleRunning {
		t.Errorf("app lifecycle = %s, want running", app.Lifecycle())
	}
	testEntity := find(t, d, "testentity")
	if len(app.Children()) != 1 || app.Children()[0] != testEntity {
		t.Fatalf("app children = %v", app.ChildIDs())
	}

	te := onlyEnricher[*catalog.TestEnricher](t, app)
	if te.State() != entity.AdjunctRunning {
		t.Errorf("enricher state = %s, want running", te.State())
	}
	if got, _ := adjunct.Get(ctx, te.Base, catalog.EnricherConfName); got != "Name from YAML" {
		t.Errorf("test.confName = %q", got)
	}
	if got, _ := adjunct.Get(ctx, te.Base, catalog.EnricherConfFromFunction); got != "$brooklyn: is a fun place" {
		t.Errorf("test.confFromFunction = %q", got)
	}

	targets, err := app.Submit(ctx, func(ctx context.Context) (any, error) {
		a, err := te.TargetEntity(ctx)
		if err != nil {
			return nil, err
		}
		b, err := te.TargetEntityFromFlag(ctx)
		return []*entity.Node{a, b}, err
	})
	if err != nil {
		t.Fatalf("resolve targets: %v", err)
	}
	for _, n := range targets.([]*entity.Node) {
		if n != testEntity {
			t.Errorf("target = %v, want %v", n, testEntity)
		}
	}

	want := map[string]any{"enricherLiteralValue1": "Hello", "enricherLiteralValue2": "World"}
	if diff := cmp.Diff(want, te.Leftovers()); diff != "" {
		t.Errorf("Leftovers() mismatch (-want +got):\n%s", diff)
	}
}

func TestDeployWithEntityEnricher(t *testing.T) {
	i, _ := newInterpreter(t, nil)
	d := deploy(t, i, `
name: test-entity-with-enricher
services:
- serviceType: brooklyn.test.entity.TestEntity
  id: testentity
  brooklyn.enrichers:
  - enricherType: brooklyn.test.policy.TestEnricher
    brooklyn.config:
      test.confName: Name from YAML
      test.targetEntity: $brooklyn:self()
`)
	if n := len(d.App.Enrichers()); n != 0 {
		t.Errorf("app has %d enrichers, want 0", n)
	}
	testEntity := find(t, d, "testentity")
	te := onlyEnricher[*catalog.TestEnricher](t, testEntity)
	if te.Host() != testEntity {
		t.Errorf("enricher host = %v", te.Host())
	}
	target, err := te.TargetEntity(context.Background())
	if err != nil || target != testEntity {
		t.Errorf("TargetEntity() = %v, %v; want %v", target, err, testEntity)
	}
}

func TestDeployPropagatingEnricher(t *testing.T) {
	i, _ := newInterpreter(t, nil)
	d := deploy(t, i, `
name: test-propagating-enricher
description: TestEntity with a propagating enricher at application level
services:
- type: brooklyn.test.entity.TestEntity
  id: testentity
brooklyn.enrichers:
- type: brooklyn.enricher.basic.Propagator
  brooklyn.config:
    enricher.producer: $brooklyn:component("testentity")
    enricher.propagating.propagatingAll: true
`)
	ctx := context.Background()
	testEntity := find(t, d, "testentity")
	p := onlyEnricher[*enricher.Propagator](t, d.App)
	if p.Producer() != testEntity {
		t.Errorf("Producer() = %v, want %v", p.Producer(), testEntity)
	}

	if err := entity.SetSensor(ctx, testEntity, catalog.TestName, "New Name"); err != nil {
		t.Fatal(err)
	}
	testutil.Eventually(t, 0, func() bool {
		v, ok := entity.SensorValue(d.App, catalog.TestName)
		return ok && v == "New Name"
	}, "test.name not propagated to %s", d.App)
}

func TestDeployPropagatesChildSensor(t *testing.T) {
	i, _ := newInterpreter(t, map[string]any{"test.confName": "parent entity"})
	d := deploy(t, i, `
name: test-entity-basic-template
services:
- serviceType: brooklyn.test.entity.TestEntity
  name: testentity
  id: parentId
  brooklyn.enrichers:
  - enricherType: brooklyn.enricher.basic.Propagator
    brooklyn.config:
      enricher.producer: $brooklyn:component("childId")
      enricher.propagating.propagatingAll: true
  brooklyn.children:
  - serviceType: brooklyn.test.entity.TestEntity
    id: childId
    brooklyn.config:
      test.confName: Child Name
`)
	ctx := context.Background()
	parent := find(t, d, "parentId")
	child := find(t, d, "childId")
	if parent.Parent() != d.App || child.Parent() != parent {
		t.Fatalf("unexpected tree: parent of %s is %v, parent of %s is %v", parent, parent.Parent(), child, child.Parent())
	}
	for _, n := range []*entity.Node{parent, child} {
		if n.TypeName() != catalog.TestEntityType {
			t.Errorf("%s type = %s", n, n.TypeName())
		}
	}

	if got, _ := entity.GetConfig(ctx, parent, catalog.TestConfName); got != "parent entity" {
		t.Errorf("parent test.confName = %q", got)
	}
	if got, _ := entity.GetConfig(ctx, child, catalog.TestConfName); got != "Child Name" {
		t.Errorf("child test.confName = %q", got)
	}

	p := onlyEnricher[*enricher.Propagator](t, parent)
	if p.Producer() != child {
		t.Errorf("Producer() = %v, want %v", p.Producer(), child)
	}
	if all, _ := adjunct.Get(ctx, p.Base, enricher.PropagatingAll); !all {
		t.Error("propagatingAll = false")
	}

	if err := entity.SetSensor(ctx, child, catalog.TestName, "New Name"); err != nil {
		t.Fatal(err)
	}
	testutil.Eventually(t, 0, func() bool {
		v, ok := entity.SensorValue(parent, catalog.TestName)
		return ok && v == "New Name"
	}, "test.name not propagated to %s", parent)
}

func TestDeployResolvesNodeConfig(t *testing.T) {
	i, _ := newInterpreter(t, nil)
	d := deploy(t, i, `
name: refs
services:
- type: brooklyn.test.entity.TestEntity
  id: web
  confName: from flag
  brooklyn.config:
    db.name: $brooklyn:component("db").attributeWhenReady("test.name")
- type: brooklyn.test.entity.TestEntity
  id: db
  confName: from flag
  brooklyn.config:
    test.confName: explicit
`)
	ctx := context.Background()
	web, db := find(t, d, "web"), find(t, d, "db")

	if got, _ := entity.GetConfig(ctx, web, catalog.TestConfName); got != "from flag" {
		t.Errorf("web test.confName = %q, want flag value", got)
	}
	if got, _ := entity.GetConfig(ctx, db, catalog.TestConfName); got != "explicit" {
		t.Errorf("db test.confName = %q, want explicit config to win", got)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = entity.SetSensor(ctx, db, catalog.TestName, "orders")
	}()
	got, err := web.Config(ctx, "db.name")
	if err != nil || got != "orders" {
		t.Errorf("Config(db.name) = %v, %v; want orders", got, err)
	}
}

func TestSubtreeFailureIsLocal(t *testing.T) {
	rec := &fakeRecorder{}
	i, reg := newInterpreter(t, nil, WithRecorder(rec))
	broken := &entity.Type{
		Name: "test.Broken",
		Init: func(context.Context, *entity.Node) error { return errors.New("no capacity") },
	}
	if err := reg.RegisterType(broken); err != nil {
		t.Fatal(err)
	}

	bp, err := ParseYAML([]byte(`
name: partial
services:
- type: brooklyn.test.entity.TestEntity
  id: ok
  brooklyn.children:
  - type: test.Broken
    id: broken
    brooklyn.children:
    - type: brooklyn.test.entity.TestEntity
      id: grandchild
- type: brooklyn.test.entity.TestEntity
  id: sibling
`))
	if err != nil {
		t.Fatal(err)
	}
	d, err := i.Deploy(context.Background(), bp)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if d.Status() != engine.DeploymentStatusPartial {
		t.Errorf("Status() = %s, want partial", d.Status())
	}
	errs := d.Errors()
	if len(errs) != 1 || !strings.HasPrefix(errs[0].Error(), "services[0].brooklyn.children[0]:") {
		t.Fatalf("Errors() = %v", errs)
	}
	for _, id := range []string{"ok", "sibling"} {
		if n := find(t, d, id); n.Lifecycle() != engine.LifecycleRunning {
			t.Errorf("%s lifecycle = %s, want running", id, n.Lifecycle())
		}
	}
	for _, id := range []string{"broken", "grandchild"} {
		if _, ok := d.Find(id); ok {
			t.Errorf("node %q exists, want it skipped", id)
		}
	}

	records := rec.all()
	if len(records) != 2 {
		t.Fatalf("recorded %d deployments, want 2", len(records))
	}
	if records[0].Status != engine.DeploymentStatusRunning {
		t.Errorf("first record status = %s, want running", records[0].Status)
	}
	last := records[1]
	if last.ID != d.ID || last.AppID != d.App.ID() || last.Status != engine.DeploymentStatusPartial || len(last.Errors) != 1 {
		t.Errorf("last record = %+v", last)
	}
}

func TestAdjunctFailureIsReported(t *testing.T) {
	i, _ := newInterpreterWithTimeout(t, nil, 50*time.Millisecond)
	bp, err := ParseYAML([]byte(`
name: bad-enricher
services:
- type: brooklyn.test.entity.TestEntity
  id: web
  brooklyn.enrichers:
  - type: brooklyn.enricher.basic.Propagator
    brooklyn.config:
      enricher.producer: $brooklyn:component("nowhere")
      enricher.propagating.propagatingAll: true
`))
	if err != nil {
		t.Fatal(err)
	}
	d, err := i.Deploy(context.Background(), bp)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if err := d.Wait(context.Background()); err == nil {
		t.Fatal("Wait() error = nil, want attachment failure")
	}
	web := find(t, d, "web")
	if web.Lifecycle() != engine.LifecycleRunning {
		t.Errorf("web lifecycle = %s, want running", web.Lifecycle())
	}
	p := onlyEnricher[*enricher.Propagator](t, web)
	if p.State() != entity.AdjunctFailed || p.Failure() == nil {
		t.Errorf("propagator state = %s, failure = %v", p.State(), p.Failure())
	}
}

func TestMaterializeDoesNotStart(t *testing.T) {
	i, _ := newInterpreter(t, nil)
	bp, err := ParseYAML([]byte("name: idle\nservices:\n- type: basic\n  id: n\n"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	d, err := i.Materialize(ctx, bp)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if d.Status() != engine.DeploymentStatusSucceeded {
		t.Errorf("Status() = %s", d.Status())
	}
	n := find(t, d, "n")
	if n.Lifecycle() != engine.LifecycleCreated {
		t.Errorf("lifecycle = %s, want created", n.Lifecycle())
	}
	if err := d.App.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if n.Lifecycle() != engine.LifecycleRunning {
		t.Errorf("lifecycle after Start = %s, want running", n.Lifecycle())
	}

	if err := i.Destroy(ctx, d); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, ok := i.manager.Node(d.App.ID()); ok {
		t.Error("application still managed after Destroy")
	}
}

func TestDeployInvalidBlueprint(t *testing.T) {
	rec := &fakeRecorder{}
	i, _ := newInterpreter(t, nil, WithRecorder(rec))
	bp, err := ParseYAML([]byte("services:\n- type: no.such.Type\n"))
	if err != nil {
		t.Fatal(err)
	}
	d, err := i.Deploy(context.Background(), bp)
	if d != nil {
		t.Errorf("Deploy() deployment = %+v, want nil", d)
	}
	problemsOf(t, err)
	if n := len(rec.all()); n != 0 {
		t.Errorf("recorded %d deployments for an invalid blueprint", n)
	}
	if n := len(i.manager.Nodes()); n != 0 {
		t.Errorf("%d nodes created for an invalid blueprint", n)
	}
}
