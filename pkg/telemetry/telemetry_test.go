package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestMetricsRecordWhenEnabled(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.ListenAddress = ""
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordTaskSubmitted()
	m.RecordTaskSubmitted()
	m.RecordTaskStarted()
	m.RecordTaskCompleted("succeeded", time.Millisecond)
	m.RecordTaskCancelled()
	m.RecordSensorPublish(true)
	m.RecordAdjunctAttachment("enricher", "failed")

	body := scrape(t, m)
	for _, want := range []string{
		"brooklyn_tasks_submitted_total 2",
		"brooklyn_tasks_queued 0",
		`brooklyn_tasks_completed_total{status="cancelled"} 1`,
		"brooklyn_sensor_publishes_suppressed_total 1",
		`brooklyn_adjunct_attachments_total{kind="enricher",status="failed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
	if m.StartMetricsServer() != nil {
		t.Error("expected no server without a listen address")
	}
}

func TestEventPublisherAsyncFlushesOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, MaxBatchSize: 4, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.NodeID)
		mu.Unlock()
	}, FilterByLevel(EventLevelInfo))

	for _, id := range []string{"a", "b", "c"} {
		if err := ep.PublishNodeEvent(EventTypeNodeStarted, id, "started"); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("delivered = %v, want [a b c]", got)
	}
}

func TestEventFilters(t *testing.T) {
	warn := Event{Type: EventTypeAdjunctFailed, Level: EventLevelWarning, NodeID: "n1"}
	info := Event{Type: EventTypeNodeStarted, Level: EventLevelInfo, NodeID: "n2"}

	tests := []struct {
		name   string
		filter EventFilter
		event  Event
		want   bool
	}{
		{"level passes", FilterByLevel(EventLevelWarning), warn, true},
		{"level blocks", FilterByLevel(EventLevelWarning), info, false},
		{"type passes", FilterByType(EventTypeNodeStarted), info, true},
		{"type blocks", FilterByType(EventTypeNodeStarted), warn, false},
		{"node passes", FilterByNodeID("n1"), warn, true},
		{"node blocks", FilterByNodeID("n1"), info, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter(tt.event); got != tt.want {
				t.Errorf("filter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNilPublisherAndTelemetry(t *testing.T) {
	var ep *EventPublisher
	if err := ep.PublishDeploymentFailed("d", "boom"); err != nil {
		t.Errorf("nil publisher Publish() error = %v", err)
	}
	var tel *Telemetry
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("nil telemetry Shutdown() error = %v", err)
	}
	n := Nop()
	n.Metrics.RecordError("X")
	if err := n.Events.PublishPolicyViolation("n", "p", "r"); err != nil {
		t.Errorf("Nop events error = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	if err := cfg.Validate(); err == nil {
		t.Error("expected invalid exporter error")
	}
	cfg = TestConfig()
	cfg.Logging.Level = "loud"
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected invalid level and format errors")
	}
	for _, want := range []string{`invalid log level "loud"`, `invalid log format "xml"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() = %q, missing %q", err, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		"debug":    zerolog.DebugLevel,
		"warn":     zerolog.WarnLevel,
		"disabled": zerolog.Disabled,
		"":         zerolog.InfoLevel,
		"chatty":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPublishAfterShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
	if err := ep.PublishNodeEvent(EventTypeNodeStarted, "n", "started"); err == nil {
		t.Error("expected publish after shutdown to fail")
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{zlog: zerolog.New(&buf)}
	l.NewComponentLogger("entity").WithNodeID("n1").WithAdjunct("a1", "propagator").Info("attached")

	out := buf.String()
	for _, want := range []string{`"component":"entity"`, `"node_id":"n1"`, `"adjunct_type":"propagator"`, `"message":"attached"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %s missing %s", out, want)
		}
	}
	if FromContext(l.WithContext(context.Background())) != l {
		t.Error("FromContext did not return the stored logger")
	}
}
