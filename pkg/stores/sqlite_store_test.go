package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nlabh01/brooklyn-server/internal/testutil"
	"github.com/nlabh01/brooklyn-server/pkg/blueprint"
	"github.com/nlabh01/brooklyn-server/pkg/catalog"
	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/sensors"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func isNotFound(err error) bool {
	return errors.Is(err, engine.NewPermanentError("", nil).WithCode(engine.ErrCodeNotFound))
}

func strPtr(s string) *string { return &s }

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("NewSQLiteStore() without path succeeded")
	}

	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("health check succeeded before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"deployments", "nodes", "sensor_events", "adjunct_failures"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestDeploymentRecords(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)

	rec := blueprint.Record{
		ID:        "dep-1",
		Blueprint: "web",
		Source:    "web.yaml",
		Status:    engine.DeploymentStatusRunning,
		StartedAt: started,
		UpdatedAt: started,
	}
	if err := store.RecordDeployment(ctx, rec); err != nil {
		t.Fatalf("failed to record deployment: %v", err)
	}

	rec.AppID = "app-1"
	rec.Status = engine.DeploymentStatusPartial
	rec.Errors = []string{"services[1]: no capacity"}
	rec.UpdatedAt = time.Now()
	if err := store.RecordDeployment(ctx, rec); err != nil {
		t.Fatalf("failed to update deployment: %v", err)
	}

	got, err := store.GetDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatalf("failed to get deployment: %v", err)
	}
	if got.Blueprint != "web" || got.Source != "web.yaml" || got.AppID != "app-1" || got.Status != engine.DeploymentStatusPartial {
		t.Errorf("deployment = %+v", got)
	}
	var errs []string
	if err := json.Unmarshal([]byte(got.Errors), &errs); err != nil {
		t.Fatalf("errors column is not JSON: %v", err)
	}
	if diff := cmp.Diff(rec.Errors, errs); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}

	second := blueprint.Record{ID: "dep-2", Blueprint: "db", Status: engine.DeploymentStatusSucceeded, StartedAt: time.Now(), UpdatedAt: time.Now()}
	if err := store.RecordDeployment(ctx, second); err != nil {
		t.Fatal(err)
	}
	list, err := store.ListDeployments(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list deployments: %v", err)
	}
	if len(list) != 2 || list[0].ID != "dep-2" || list[0].Errors != "[]" {
		t.Errorf("ListDeployments() = %+v", list)
	}

	if err := store.DeleteDeployment(ctx, "dep-1"); err != nil {
		t.Fatalf("failed to delete deployment: %v", err)
	}
	if _, err := store.GetDeployment(ctx, "dep-1"); !isNotFound(err) {
		t.Errorf("GetDeployment(deleted) error = %v, want not found", err)
	}
	if err := store.DeleteDeployment(ctx, "dep-1"); !isNotFound(err) {
		t.Errorf("DeleteDeployment(deleted) error = %v, want not found", err)
	}
}

func TestNodeRecords(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	records := []entity.NodeRecord{
		{ID: "app", DisplayName: "web", Type: catalog.BasicApplicationType, Lifecycle: engine.LifecycleCreated, UpdatedAt: now},
		{
			ID: "n1", PlanID: "db", ParentID: "app", DisplayName: "db", Type: catalog.TestEntityType,
			Lifecycle: engine.LifecycleCreated, Config: map[string]any{"test.confName": "orders"}, UpdatedAt: now,
		},
	}
	for _, rec := range records {
		if err := store.RecordNode(ctx, rec); err != nil {
			t.Fatalf("failed to record node %s: %v", rec.ID, err)
		}
	}
	records[1].Lifecycle = engine.LifecycleRunning
	if err := store.RecordNode(ctx, records[1]); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetNode(ctx, "n1")
	if err != nil {
		t.Fatalf("failed to get node: %v", err)
	}
	if got.ParentID == nil || *got.ParentID != "app" || got.Lifecycle != engine.LifecycleRunning || got.PlanID != "db" {
		t.Errorf("node = %+v", got)
	}
	if got.Config != `{"test.confName":"orders"}` {
		t.Errorf("config = %s", got.Config)
	}

	roots, err := store.ListNodes(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 1 || roots[0].ID != "app" || roots[0].ParentID != nil {
		t.Errorf("ListNodes(nil) = %+v", roots)
	}
	children, err := store.ListNodes(ctx, strPtr("app"))
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 || children[0].ID != "n1" {
		t.Errorf("ListNodes(app) = %+v", children)
	}

	if _, err := store.GetNode(ctx, "missing"); !isNotFound(err) {
		t.Errorf("GetNode(missing) error = %v, want not found", err)
	}
}

func TestSensorEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	events := []*SensorEvent{
		{NodeID: "n1", Sensor: "test.name", Value: `"a"`, Seq: 1, Timestamp: now},
		{NodeID: "n1", Sensor: "service.isUp", Value: `true`, Seq: 2, Timestamp: now},
		{NodeID: "n2", Sensor: "test.name", Value: `"b"`, Seq: 1, Timestamp: now},
	}
	if err := store.AppendSensorEvents(ctx, events); err != nil {
		t.Fatalf("failed to append events: %v", err)
	}
	for _, e := range events {
		if e.ID == 0 {
			t.Errorf("event %+v has no ID", e)
		}
	}
	if err := store.AppendSensorEvents(ctx, nil); err != nil {
		t.Errorf("AppendSensorEvents(nil) error = %v", err)
	}

	tests := []struct {
		name   string
		nodeID *string
		sensor *string
		want   []string
	}{
		{"all", nil, nil, []string{`"b"`, `true`, `"a"`}},
		{"by node", strPtr("n1"), nil, []string{`true`, `"a"`}},
		{"by sensor", nil, strPtr("test.name"), []string{`"b"`, `"a"`}},
		{"by both", strPtr("n2"), strPtr("test.name"), []string{`"b"`}},
		{"no match", strPtr("n3"), nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.GetSensorEvents(ctx, tt.nodeID, tt.sensor, 10, 0)
			if err != nil {
				t.Fatal(err)
			}
			values := []string{}
			for _, e := range got {
				values = append(values, e.Value)
			}
			if diff := cmp.Diff(tt.want, values); diff != "" {
				t.Errorf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAdjunctFailures(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, node := range []string{"n1", "n2", "n1"} {
		rec := entity.FailureRecord{
			NodeID:      node,
			AdjunctID:   fmt.Sprintf("a%d", i),
			AdjunctType: "brooklyn.enricher.basic.Propagator",
			Kind:        entity.KindEnricher,
			Phase:       entity.PhaseConfigure,
			Reason:      "producer missing",
			At:          time.Now(),
		}
		if err := store.RecordAdjunctFailure(ctx, rec); err != nil {
			t.Fatalf("failed to record failure: %v", err)
		}
	}

	got, err := store.ListAdjunctFailures(ctx, strPtr("n1"), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].AdjunctID != "a2" || got[1].AdjunctID != "a0" {
		t.Errorf("ListAdjunctFailures(n1) = %+v", got)
	}
	if got[0].Kind != string(entity.KindEnricher) || got[0].Phase != entity.PhaseConfigure {
		t.Errorf("failure = %+v", got[0])
	}

	page, err := store.ListAdjunctFailures(ctx, nil, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].NodeID != "n2" {
		t.Errorf("second page = %+v", page)
	}
}

func TestSensorRecorder(t *testing.T) {
	store := setupTestStore(t)
	rec := NewSensorRecorder(store, RecorderConfig{BatchSize: 2, FlushInterval: 10 * time.Millisecond})

	now := time.Now()
	for i, v := range []any{"a", 2, map[string]any{"k": "v"}} {
		rec.SensorPublished(sensors.Event{Producer: "n1", Sensor: "s", Value: v, Seq: uint64(i + 1), Timestamp: now})
	}
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	rec.SensorPublished(sensors.Event{Producer: "n1", Sensor: "late"})
	if rec.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", rec.Dropped())
	}

	got, err := store.GetSensorEvents(context.Background(), strPtr("n1"), nil, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	values := []string{}
	for _, e := range got {
		values = append(values, e.Value)
	}
	if diff := cmp.Diff([]string{`{"k":"v"}`, `2`, `"a"`}, values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

// The store journals a live deployment when wired into the manager, the
// interpreter and the bus.
func TestStoreJournalsDeployment(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := entity.NewManager(entity.ManagerConfig{
		Workers:        4,
		Logger:         testutil.Logger(t),
		Journal:        store,
		ResolveTimeout: 100 * time.Millisecond,
		BackoffInitial: time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	rec := NewSensorRecorder(store, RecorderConfig{FlushInterval: 5 * time.Millisecond})
	t.Cleanup(func() { _ = rec.Close(context.Background()) })
	m.Bus().Observe(rec)

	reg, err := catalog.Builtin(nil)
	if err != nil {
		t.Fatal(err)
	}
	bp, err := blueprint.ParseYAML([]byte(`
name: journaled
services:
- type: brooklyn.test.entity.TestEntity
  id: db
  brooklyn.enrichers:
  - type: brooklyn.enricher.basic.Propagator
    brooklyn.config:
      enricher.producer: $brooklyn:component("nowhere")
      enricher.propagating.propagatingAll: true
`))
	if err != nil {
		t.Fatal(err)
	}
	d, err := blueprint.NewInterpreter(m, reg, blueprint.WithRecorder(store)).Deploy(ctx, bp)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	_ = d.Wait(ctx)
	db, _ := d.Find("db")
	if err := entity.SetSensor(ctx, db, catalog.TestName, "orders"); err != nil {
		t.Fatal(err)
	}

	dep, err := store.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatalf("deployment not recorded: %v", err)
	}
	if dep.AppID != d.App.ID() || dep.Blueprint != "journaled" {
		t.Errorf("deployment = %+v", dep)
	}

	node, err := store.GetNode(ctx, db.ID())
	if err != nil {
		t.Fatalf("node not recorded: %v", err)
	}
	if node.Lifecycle != engine.LifecycleRunning || node.ParentID == nil || *node.ParentID != d.App.ID() {
		t.Errorf("node = %+v", node)
	}

	failures, err := store.ListAdjunctFailures(ctx, strPtr(db.ID()), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 || failures[0].Phase != entity.PhaseConfigure {
		t.Errorf("failures = %+v", failures)
	}

	testutil.Eventually(t, 0, func() bool {
		events, err := store.GetSensorEvents(ctx, strPtr(db.ID()), strPtr(catalog.TestName.Name()), 1, 0)
		return err == nil && len(events) == 1 && events[0].Value == `"orders"`
	}, "sensor event not recorded")
}
