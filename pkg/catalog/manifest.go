package catalog

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/registry"
	"github.com/nlabh01/brooklyn-server/pkg/sensors"
)

// Manifest declares node types in YAML:
//
//	types:
//	- name: example.WebServer
//	  aliases: [web]
//	  extends: brooklyn.entity.basic.BasicEntity
//	  sensors:
//	  - {name: http.requests, type: int}
//	  config:
//	  - {name: http.port, type: int, default: 8080, aliases: [port]}
type Manifest struct {
	Types []TypeSpec `yaml:"types" validate:"required,dive"`
}

// TypeSpec declares one node type.
type TypeSpec struct {
	Name        string       `yaml:"name" validate:"required"`
	Aliases     []string     `yaml:"aliases"`
	Description string       `yaml:"description"`
	Extends     string       `yaml:"extends"`
	Sensors     []SensorSpec `yaml:"sensors" validate:"dive"`
	Config      []ConfigSpec `yaml:"config" validate:"dive"`
}

// SensorSpec declares a sensor of a manifest type.
type SensorSpec struct {
	Name        string `yaml:"name" validate:"required"`
	Type        string `yaml:"type" validate:"omitempty,oneof=any string int float bool duration list map"`
	Description string `yaml:"description"`
}

// ConfigSpec declares a config key of a manifest type.
type ConfigSpec struct {
	Name        string   `yaml:"name" validate:"required"`
	Type        string   `yaml:"type" validate:"omitempty,oneof=any string int float bool duration list map"`
	Description string   `yaml:"description"`
	Aliases     []string `yaml:"aliases"`
	Default     any      `yaml:"default"`
}

var validate = validator.New()

// ParseManifest decodes and validates a type manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// LoadManifest reads a type manifest file and registers its types in r.
func LoadManifest(r *registry.Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return m.Register(r)
}

// Register registers the manifest types in r, in order, so later types may
// extend earlier ones.
func (m *Manifest) Register(r *registry.Registry) error {
	for _, spec := range m.Types {
		t, err := spec.build(r)
		if err != nil {
			return fmt.Errorf("type %s: %w", spec.Name, err)
		}
		if err := r.RegisterType(t, spec.Aliases...); err != nil {
			return err
		}
	}
	return nil
}

func (s TypeSpec) build(r *registry.Registry) (*entity.Type, error) {
	t := &entity.Type{Name: s.Name, Description: s.Description}
	if s.Extends != "" {
		base, err := r.Type(s.Extends)
		if err != nil {
			return nil, err
		}
		t.Sensors = append(t.Sensors, base.Sensors...)
		t.Config = append(t.Config, base.Config...)
		t.Init, t.Start, t.Stop = base.Init, base.Start, base.Stop
		if t.Description == "" {
			t.Description = base.Description
		}
	}
	for _, ss := range s.Sensors {
		t.Sensors = append(t.Sensors, sensorFor(ss))
	}
	for _, cs := range s.Config {
		d, err := configFor(cs)
		if err != nil {
			return nil, err
		}
		t.Config = append(t.Config, d)
	}
	return t, nil
}

func sensorFor(s SensorSpec) sensors.Descriptor {
	switch s.Type {
	case "string":
		return sensors.New[string](s.Name, s.Description)
	case "int":
		return sensors.New[int](s.Name, s.Description)
	case "float":
		return sensors.New[float64](s.Name, s.Description)
	case "bool":
		return sensors.New[bool](s.Name, s.Description)
	case "duration":
		return sensors.New[time.Duration](s.Name, s.Description)
	case "list":
		return sensors.New[[]any](s.Name, s.Description)
	case "map":
		return sensors.New[map[string]any](s.Name, s.Description)
	}
	return sensors.New[any](s.Name, s.Description)
}

func configFor(c ConfigSpec) (entity.ConfigDescriptor, error) {
	switch c.Type {
	case "string":
		return configKey[string](c)
	case "int":
		return configKey[int](c)
	case "float":
		return configKey[float64](c)
	case "bool":
		return configKey[bool](c)
	case "duration":
		return configKey[time.Duration](c)
	case "list":
		return configKey[[]any](c)
	case "map":
		return configKey[map[string]any](c)
	}
	return configKey[any](c)
}

func configKey[T any](c ConfigSpec) (entity.ConfigDescriptor, error) {
	if c.Default == nil {
		return entity.NewConfigKey[T](c.Name, c.Description).WithAliases(c.Aliases...), nil
	}
	def, err := entity.Coerce[T](c.Default)
	if err != nil {
		return nil, fmt.Errorf("config %s default: %w", c.Name, err)
	}
	return entity.NewConfigKeyWithDefault(c.Name, c.Description, def).WithAliases(c.Aliases...), nil
}
