// Package telemetry provides observability instrumentation for the management plane.
//
// The package combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and a lifecycle event publisher.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	srv := tel.StartMetricsServer()
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("entity")
//	logger = logger.WithNodeID(node.ID()).WithAdjunct(adj.ID(), adj.Type())
//	logger.Error(err, "Adjunct attachment failed")
//
// Library packages that take a zerolog.Logger directly can be handed
// tel.Logger.Zerolog().
//
// # Metrics
//
// Every Record method is safe on a nil *Metrics or on a collector built with
// metrics disabled. Key series:
//
//   - brooklyn_tasks_submitted_total, brooklyn_tasks_completed_total{status}
//   - brooklyn_sensor_publishes_total, brooklyn_sensor_deliveries_total
//   - brooklyn_adjunct_attachments_total{kind,status}
//   - brooklyn_transform_errors_total{adjunct_type}
//   - brooklyn_reference_resolutions_total{status}
//   - brooklyn_deployments_total{status}
//
// # Events
//
// Lifecycle events (deployment, node, adjunct, reference, policy) are
// published through EventPublisher, synchronously or through a buffered
// async queue. Subscribers may filter with FilterByLevel, FilterByType and
// FilterByNodeID.
//
// # Context Helpers
//
//	ctx = telemetry.WithDeploymentContext(ctx, deploymentID, blueprint.Name)
//	defer telemetry.EndDeploymentContext(ctx, deploymentID, status, err)
//
//	ic := telemetry.StartOperation(ctx, "blueprint.validate")
//	defer ic.End(err)
package telemetry
