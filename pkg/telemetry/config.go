package telemetry

import (
	"errors"
	"fmt"
	"slices"
)

// Config configures the management plane's logging, tracing, metrics and
// lifecycle events.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Environment is attached to every span resource.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog root logger.
type LoggingConfig struct {
	// Level is one of LogLevels.
	Level string

	// Format is "console" or "json".
	Format string

	// Output is "stdout", "stderr" or a file path opened for append.
	Output string

	EnableCaller bool
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is one of TraceExporters.
	Exporter string

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string

	// SamplingRate is the parent-based ratio in [0, 1].
	SamplingRate float64

	Insecure bool
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress is where StartMetricsServer listens. Empty disables the
	// server but keeps the registry.
	ListenAddress string
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are latency buckets, in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the lifecycle event publisher.
type EventsConfig struct {
	Enabled    bool
	BufferSize int

	// MaxBatchSize bounds how many buffered events the async worker delivers
	// before checking for shutdown.
	MaxBatchSize int

	EnableAsync bool
}

// LogLevels lists the accepted LoggingConfig.Level values.
var LogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal", "disabled"}

// TraceExporters lists the accepted TracingConfig.Exporter values.
var TraceExporters = []string{"otlp", "stdout", "none"}

// DefaultConfig returns the configuration used by the brooklyn binary when
// the settings file says nothing.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "brooklyn",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1,
			Insecure:     true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			ListenAddress:           ":9464",
			Path:                    "/metrics",
			Namespace:               "brooklyn",
			DefaultHistogramBuckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		Events: EventsConfig{
			Enabled:      true,
			BufferSize:   1000,
			MaxBatchSize: 100,
			EnableAsync:  true,
		},
	}
}

// TestConfig silences logs and metrics and delivers events synchronously.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "test"
	cfg.Logging.Level = "disabled"
	cfg.Metrics.Enabled = false
	cfg.Events.EnableAsync = false
	return cfg
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if !slices.Contains(LogLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log format %q", c.Logging.Format))
	}
	if c.Tracing.Enabled && !slices.Contains(TraceExporters, c.Tracing.Exporter) {
		errs = append(errs, fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter))
	}
	if r := c.Tracing.SamplingRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate %g outside [0, 1]", r))
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("event buffer size %d must be positive", c.Events.BufferSize))
	}
	return errors.Join(errs...)
}
