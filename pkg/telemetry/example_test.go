package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/nlabh01/brooklyn-server/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Example_eventPublishing demonstrates synchronous event delivery.
func Example_eventPublishing() {
	cfg := telemetry.TestConfig()

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s %s\n", event.Type, event.AdjunctID)
	}, telemetry.FilterByType(telemetry.EventTypeAdjunctAttached, telemetry.EventTypeAdjunctFailed))

	_ = tel.Events.PublishNodeEvent(telemetry.EventTypeNodeManaged, "n1", "managed")
	_ = tel.Events.PublishAdjunctAttached("n1", "propagator-1", "propagator")
	_ = tel.Events.PublishAdjunctFailed("n1", "transformer-2", "transformer", "bad config")

	// Output:
	// adjunct.attached propagator-1
	// adjunct.failed transformer-2
}

// Example_deploymentInstrumentation demonstrates instrumenting one deployment.
func Example_deploymentInstrumentation() {
	tel, _ := telemetry.NewTelemetry(telemetry.TestConfig())
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Println(event.Type)
	}, nil)

	ctx := tel.WithContext(context.Background())
	ctx = telemetry.WithDeploymentContext(ctx, "dep-1", "test-app")

	ic := telemetry.StartOperation(ctx, "node.start", telemetry.AttrNodeID.String("n1"))
	ic.Logger.Info("Starting node")
	ic.End(nil)

	telemetry.EndDeploymentContext(ctx, "dep-1", "succeeded", nil)

	// Output:
	// deployment.started
	// deployment.completed
}

// Example_metricsCollection demonstrates that metrics calls are safe when disabled.
func Example_metricsCollection() {
	cfg := telemetry.TestConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Metrics.RecordTaskSubmitted()
	tel.Metrics.RecordTaskStarted()
	tel.Metrics.RecordTaskCompleted("succeeded", 5*time.Millisecond)
	tel.Metrics.RecordSensorPublish(false)
	tel.Metrics.RecordResolution("resolved", 2)

	var nilMetrics *telemetry.Metrics
	nilMetrics.RecordDeployment("failed", time.Second)

	fmt.Println("Metrics recorded")
	// Output: Metrics recorded
}

// Example_instrumentedOperation demonstrates the InstrumentedContext helper.
func Example_instrumentedOperation() {
	tel, _ := telemetry.NewTelemetry(telemetry.TestConfig())
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	ic := telemetry.StartOperation(ctx, "blueprint.validate",
		attribute.String("blueprint.path", "app.yaml"),
	)
	defer ic.End(nil)

	ic.Logger.Debug("Validating blueprint")

	fmt.Println("Operation instrumentation complete")
	// Output: Operation instrumentation complete
}
