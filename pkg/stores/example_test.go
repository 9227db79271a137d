package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/stores"
)

func openMemory(ctx context.Context) *stores.SQLiteStore {
	store, err := stores.NewSQLiteStore(stores.Config{Path: stores.MemoryPath})
	if err != nil {
		log.Fatal(err)
	}
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	return store
}

// ExampleSQLiteStore_ListNodes journals a small node tree and walks it back
// from the root.
func ExampleSQLiteStore_ListNodes() {
	ctx := context.Background()
	store := openMemory(ctx)
	defer store.Close()

	now := time.Now()
	for _, rec := range []entity.NodeRecord{
		{ID: "app", DisplayName: "shop", Type: "BasicApplication", Lifecycle: engine.LifecycleRunning, UpdatedAt: now},
		{ID: "db", PlanID: "db", ParentID: "app", Type: "Database", Lifecycle: engine.LifecycleRunning, UpdatedAt: now},
		{ID: "web", PlanID: "web", ParentID: "app", Type: "WebServer", Lifecycle: engine.LifecycleStarting, UpdatedAt: now.Add(time.Millisecond)},
	} {
		if err := store.RecordNode(ctx, rec); err != nil {
			log.Fatal(err)
		}
	}

	roots, _ := store.ListNodes(ctx, nil)
	for _, root := range roots {
		fmt.Println(root.DisplayName)
		children, _ := store.ListNodes(ctx, &root.ID)
		for _, c := range children {
			fmt.Printf("  %s %s\n", c.PlanID, c.Lifecycle)
		}
	}
	// Output:
	// shop
	//   db running
	//   web starting
}

// ExampleSQLiteStore_GetSensorEvents appends two publishes and reads the
// latest one of a sensor.
func ExampleSQLiteStore_GetSensorEvents() {
	ctx := context.Background()
	store := openMemory(ctx)
	defer store.Close()

	_ = store.AppendSensorEvents(ctx, []*stores.SensorEvent{
		{NodeID: "web", Sensor: "http.port", Value: "8080", Seq: 1, Timestamp: time.Now()},
		{NodeID: "web", Sensor: "http.port", Value: "9090", Seq: 2, Timestamp: time.Now()},
	})

	node, sensor := "web", "http.port"
	events, err := store.GetSensorEvents(ctx, &node, &sensor, 1, 0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s=%s (seq %d)\n", events[0].Sensor, events[0].Value, events[0].Seq)
	// Output: http.port=9090 (seq 2)
}
