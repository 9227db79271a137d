package telemetry

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and lifecycle events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryKey struct{}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	return t, nil
}

// Nop returns a bundle that records nothing.
func Nop() *Telemetry {
	cfg := TestConfig()
	cfg.Events.Enabled = false
	tracer, _ := NewTracer(TracingConfig{}, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  tracer,
		Metrics: &Metrics{config: cfg.Metrics},
		Events:  &EventPublisher{config: cfg.Events},
		Config:  cfg,
	}
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryKey{}, t))
}

// FromTelemetryContext returns the bundle stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// Shutdown drains events and then flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer serves the metrics endpoint. It returns nil when
// metrics are disabled or have no listen address.
func (t *Telemetry) StartMetricsServer() *http.Server {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext is one traced, timed operation. Span is nil when ctx
// carried no telemetry.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation opens a span named operation and a logger carrying the
// operation and trace ids.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	ic := &InstrumentedContext{Ctx: ctx, Logger: FromContext(ctx), Timer: NewTimer()}
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ic
	}

	ctx, ic.Span = tel.Tracer.StartSpan(ctx, operation, attrs...)
	ic.Logger = tel.Logger.WithField("operation", operation)
	if sc := ic.Span.SpanContext(); sc.IsValid() {
		ic.Logger = ic.Logger.
			WithField("trace_id", sc.TraceID().String()).
			WithField("span_id", sc.SpanID().String())
	}
	ic.Ctx = ic.Logger.WithContext(ctx)
	return ic
}

// End closes the span with err's outcome.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	endSpan(ic.Span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}

// deployment is what WithDeploymentContext leaves in the context for
// EndDeploymentContext.
type deployment struct {
	span  trace.Span
	timer *Timer
}

type deploymentKey struct{}

// WithDeploymentContext opens the span and logger of one deployment and
// publishes its started event. It returns ctx unchanged when ctx carries no
// telemetry.
func WithDeploymentContext(ctx context.Context, deploymentID, blueprint string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	ctx, span := tel.Tracer.StartDeploymentSpan(ctx, deploymentID, blueprint)
	ctx = tel.Logger.WithDeploymentID(deploymentID).WithField("blueprint", blueprint).WithContext(ctx)
	_ = tel.Events.PublishDeploymentStarted(deploymentID, blueprint)
	return context.WithValue(ctx, deploymentKey{}, &deployment{span: span, timer: NewTimer()})
}

// EndDeploymentContext closes what WithDeploymentContext opened, records the
// deployment metric and publishes the completed or failed event.
func EndDeploymentContext(ctx context.Context, deploymentID, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	d, ok := ctx.Value(deploymentKey{}).(*deployment)
	if !ok {
		d = &deployment{timer: NewTimer()}
	}
	if d.span != nil {
		endSpan(d.span, err)
	}

	elapsed := d.timer.Duration()
	tel.Metrics.RecordDeployment(status, elapsed)
	if err != nil {
		_ = tel.Events.PublishDeploymentFailed(deploymentID, err.Error())
		return
	}
	_ = tel.Events.PublishDeploymentCompleted(deploymentID, status, elapsed)
}
