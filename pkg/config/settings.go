package config

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/sensors"
	"github.com/nlabh01/brooklyn-server/pkg/telemetry"
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Settings configures a management plane.
type Settings struct {
	Management Management     `toml:"management"`
	Store      Store          `toml:"store"`
	Logging    Logging        `toml:"logging"`
	Metrics    Metrics        `toml:"metrics"`
	Tracing    Tracing        `toml:"tracing"`
	Properties map[string]any `toml:"properties"`
}

// Management configures execution and resolution.
type Management struct {
	Workers        int      `toml:"workers" validate:"gte=1,lte=4096"`
	ResolveTimeout Duration `toml:"resolve_timeout"`
	BackoffInitial Duration `toml:"backoff_initial"`
	BackoffMax     Duration `toml:"backoff_max"`
	Dedup          bool     `toml:"dedup"`
	Environment    string   `toml:"environment" validate:"required"`
}

// Store configures persistence. An empty path disables it.
type Store struct {
	Path string `toml:"path"`

	// RecordSensors appends every sensor publish to the event log.
	RecordSensors bool `toml:"record_sensors"`
}

// Logging configures the zerolog logger.
type Logging struct {
	Level  string `toml:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `toml:"format" validate:"oneof=console json"`
	Output string `toml:"output" validate:"required"`
	Caller bool   `toml:"caller"`
}

// Metrics configures the prometheus collectors.
type Metrics struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address" validate:"required_if=Enabled true"`
	Namespace     string `toml:"namespace" validate:"required"`
}

// Tracing configures the OpenTelemetry tracer.
type Tracing struct {
	Enabled      bool    `toml:"enabled"`
	Exporter     string  `toml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `toml:"endpoint"`
	SamplingRate float64 `toml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `toml:"insecure"`
}

// Default returns the settings used when no file is given.
func Default() *Settings {
	return &Settings{
		Management: Management{
			Workers:        8,
			ResolveTimeout: Duration{30 * time.Second},
			BackoffInitial: Duration{5 * time.Millisecond},
			BackoffMax:     Duration{500 * time.Millisecond},
			Environment:    "development",
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: Metrics{
			ListenAddress: ":9464",
			Namespace:     "brooklyn",
		},
		Tracing: Tracing{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Properties: map[string]any{},
	}
}

// Load reads settings from a TOML file over the defaults.
func Load(path string) (*Settings, error) {
	s := Default()
	meta, err := toml.DecodeFile(path, s)
	if err != nil {
		return nil, engine.NewPermanentError("failed to load settings", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(path)
	}
	if err := s.finish(meta); err != nil {
		return nil, err.WithResource(path)
	}
	return s, nil
}

// Parse reads settings from TOML text over the defaults.
func Parse(data string) (*Settings, error) {
	s := Default()
	meta, err := toml.Decode(data, s)
	if err != nil {
		return nil, engine.NewPermanentError("failed to parse settings", err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := s.finish(meta); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) finish(meta toml.MetaData) *engine.EngineError {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		var keys []string
		for _, k := range undecoded {
			if len(k) > 0 && k[0] == "properties" {
				continue
			}
			keys = append(keys, k.String())
		}
		if len(keys) > 0 {
			return engine.NewPermanentError(
				fmt.Sprintf("unknown settings: %s", strings.Join(keys, ", ")), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}
	s.Properties = Flatten(s.Properties)
	return s.validate()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every setting.
func (s *Settings) Validate() error {
	if err := s.validate(); err != nil {
		return err
	}
	return nil
}

func (s *Settings) validate() *engine.EngineError {
	var problems []string
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return engine.NewPermanentError("failed to validate settings", err).
				WithCode(engine.ErrCodeInternal)
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	m := s.Management
	if m.ResolveTimeout.Duration <= 0 {
		problems = append(problems, "Settings.Management.ResolveTimeout must be positive")
	}
	if m.BackoffInitial.Duration <= 0 || m.BackoffMax.Duration < m.BackoffInitial.Duration {
		problems = append(problems, "Settings.Management backoff must satisfy 0 < initial <= max")
	}
	if len(problems) == 0 {
		return nil
	}
	return engine.NewPermanentError("invalid settings: "+strings.Join(problems, "; "), nil).
		WithCode(engine.ErrCodeValidation)
}

// Flatten turns nested tables into dotted keys: {"a": {"b": 1}} becomes
// {"a.b": 1}. Keys that already contain dots are kept as written.
func Flatten(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if nested, ok := v.(map[string]any); ok {
				walk(key, nested)
				continue
			}
			out[key] = v
		}
	}
	walk("", props)
	return out
}

// PropertyKeys returns the sorted property names.
func (s *Settings) PropertyKeys() []string {
	keys := make([]string, 0, len(s.Properties))
	for k := range s.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Telemetry maps the settings to a telemetry configuration.
func (s *Settings) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Environment = s.Management.Environment

	cfg.Logging.Level = s.Logging.Level
	cfg.Logging.Format = s.Logging.Format
	cfg.Logging.Output = s.Logging.Output
	cfg.Logging.EnableCaller = s.Logging.Caller

	cfg.Metrics.Enabled = s.Metrics.Enabled
	cfg.Metrics.ListenAddress = s.Metrics.ListenAddress
	cfg.Metrics.Namespace = s.Metrics.Namespace

	cfg.Tracing.Enabled = s.Tracing.Enabled
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.SamplingRate = s.Tracing.SamplingRate
	cfg.Tracing.Insecure = s.Tracing.Insecure
	return cfg
}

// ManagerConfig maps the settings to a manager configuration. The bus is
// created here so that the dedup setting and the telemetry reach it.
func (s *Settings) ManagerConfig(tel *telemetry.Telemetry, logger zerolog.Logger, journal entity.Journal) entity.ManagerConfig {
	opts := []sensors.Option{
		sensors.WithDedup(s.Management.Dedup),
		sensors.WithLogger(logger),
	}
	if tel != nil {
		opts = append(opts, sensors.WithMetrics(tel.Metrics))
	}
	return entity.ManagerConfig{
		Workers:        s.Management.Workers,
		Bus:            sensors.NewBus(opts...),
		Telemetry:      tel,
		Logger:         logger,
		Properties:     maps.Clone(s.Properties),
		ResolveTimeout: s.Management.ResolveTimeout.Duration,
		BackoffInitial: s.Management.BackoffInitial.Duration,
		BackoffMax:     s.Management.BackoffMax.Duration,
		Journal:        journal,
	}
}
