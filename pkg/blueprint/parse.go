package blueprint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nlabh01/brooklyn-server/pkg/engine"
)

// Document keys.
const (
	KeyName         = "name"
	KeyDescription  = "description"
	KeyServices     = "services"
	KeyServiceType  = "serviceType"
	KeyType         = "type"
	KeyID           = "id"
	KeyConfig       = "brooklyn.config"
	KeyChildren     = "brooklyn.children"
	KeyEnrichers    = "brooklyn.enrichers"
	KeyPolicies     = "brooklyn.policies"
	KeyEnricherType = "enricherType"
	KeyPolicyType   = "policyType"
)

// ParseYAML parses a CAMP-style YAML blueprint.
func ParseYAML(data []byte) (*Blueprint, error) {
	return parseYAML(data, "")
}

func parseYAML(data []byte, file string) (*Blueprint, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, invalid([]ValidationError{{File: file, Message: err.Error()}})
	}
	return fromDocument(doc, file)
}

// LoadFile reads a blueprint file. Files ending in .cue are parsed as CUE,
// anything else as YAML.
func LoadFile(path string) (*Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError("failed to read blueprint", err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(path)
	}

	var bp *Blueprint
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		bp, err = parseCUE(data, path)
	} else {
		bp, err = parseYAML(data, path)
	}
	if err != nil {
		return nil, err
	}
	bp.Source = path
	return bp, nil
}

func invalid(problems []ValidationError) error {
	return engine.NewPermanentError("invalid blueprint", &Error{Problems: problems}).
		WithCode(engine.ErrCodeValidation)
}

// fromDocument converts a decoded document (YAML or CUE) into a Blueprint.
func fromDocument(doc any, file string) (*Blueprint, error) {
	d := &decoder{file: file}
	root, ok := normalize(doc).(map[string]any)
	if !ok {
		if doc == nil {
			d.fail("", "empty document")
		} else {
			d.fail("", "document must be a mapping, got %s", kindOf(doc))
		}
		return nil, invalid(d.problems)
	}
	bp := d.blueprint(root)
	if len(d.problems) > 0 {
		return nil, invalid(d.problems)
	}
	return bp, nil
}

type decoder struct {
	file     string
	problems []ValidationError
}

func (d *decoder) fail(path, format string, args ...any) {
	d.problems = append(d.problems, ValidationError{
		File:    d.file,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	})
}

func (d *decoder) blueprint(doc map[string]any) *Blueprint {
	bp := &Blueprint{}
	for _, k := range sortedKeys(doc) {
		v := doc[k]
		switch k {
		case KeyName:
			bp.Name = d.scalar(k, v)
		case KeyDescription:
			bp.Description = d.scalar(k, v)
		case KeyConfig:
			bp.Config = d.mapping(k, v)
		case KeyServices:
			for i, item := range d.list(k, v) {
				bp.Services = append(bp.Services, d.node(fmt.Sprintf("%s[%d]", k, i), item))
			}
		case KeyEnrichers:
			bp.Enrichers = d.adjuncts(k, v, KeyEnricherType)
		case KeyPolicies:
			bp.Policies = d.adjuncts(k, v, KeyPolicyType)
		default:
			if bp.Metadata == nil {
				bp.Metadata = make(map[string]any)
			}
			bp.Metadata[k] = v
		}
	}
	return bp
}

func (d *decoder) node(path string, raw any) NodeSpec {
	var spec NodeSpec
	m, ok := raw.(map[string]any)
	if !ok {
		d.fail(path, "service must be a mapping, got %s", kindOf(raw))
		return spec
	}
	for _, k := range sortedKeys(m) {
		v := m[k]
		p := path + "." + k
		switch k {
		case KeyServiceType, KeyType:
			t := d.str(p, v)
			if spec.Type != "" && t != spec.Type {
				d.fail(p, "conflicts with %s %q", KeyServiceType, spec.Type)
				continue
			}
			spec.Type = t
		case KeyID:
			spec.ID = d.scalar(p, v)
		case KeyName:
			spec.Name = d.scalar(p, v)
		case KeyConfig:
			spec.Config = d.mapping(p, v)
		case KeyChildren:
			for i, item := range d.list(p, v) {
				spec.Children = append(spec.Children, d.node(fmt.Sprintf("%s[%d]", p, i), item))
			}
		case KeyEnrichers:
			spec.Enrichers = d.adjuncts(p, v, KeyEnricherType)
		case KeyPolicies:
			spec.Policies = d.adjuncts(p, v, KeyPolicyType)
		default:
			if spec.Flags == nil {
				spec.Flags = make(map[string]any)
			}
			spec.Flags[k] = v
		}
	}
	return spec
}

func (d *decoder) adjuncts(path string, raw any, typeKey string) []AdjunctSpec {
	var out []AdjunctSpec
	for i, item := range d.list(path, raw) {
		out = append(out, d.adjunct(fmt.Sprintf("%s[%d]", path, i), item, typeKey))
	}
	return out
}

func (d *decoder) adjunct(path string, raw any, typeKey string) AdjunctSpec {
	var spec AdjunctSpec
	m, ok := raw.(map[string]any)
	if !ok {
		d.fail(path, "entry must be a mapping, got %s", kindOf(raw))
		return spec
	}
	for _, k := range sortedKeys(m) {
		v := m[k]
		p := path + "." + k
		switch k {
		case typeKey, KeyType:
			t := d.str(p, v)
			if spec.Type != "" && t != spec.Type {
				d.fail(p, "conflicts with %s %q", typeKey, spec.Type)
				continue
			}
			spec.Type = t
		case KeyName:
			spec.Name = d.scalar(p, v)
		case KeyConfig:
			spec.Config = d.mapping(p, v)
		default:
			if spec.Flags == nil {
				spec.Flags = make(map[string]any)
			}
			spec.Flags[k] = v
		}
	}
	return spec
}

func (d *decoder) str(path string, v any) string {
	s, ok := v.(string)
	if !ok {
		d.fail(path, "must be a string, got %s", kindOf(v))
	}
	return s
}

// scalar accepts strings and renders numbers and booleans, so that names
// and ids like 42 survive YAML typing.
func (d *decoder) scalar(path string, v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(val)
	}
	d.fail(path, "must be a scalar, got %s", kindOf(v))
	return ""
}

func (d *decoder) mapping(path string, v any) map[string]any {
	if v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		d.fail(path, "must be a mapping, got %s", kindOf(v))
		return nil
	}
	return m
}

func (d *decoder) list(path string, v any) []any {
	if v == nil {
		return nil
	}
	l, ok := v.([]any)
	if !ok {
		d.fail(path, "must be a list, got %s", kindOf(v))
		return nil
	}
	return l
}

// normalize converts map[any]any mappings to map[string]any at any depth.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	}
	return v
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case map[string]any:
		return "mapping"
	case []any:
		return "list"
	case bool:
		return "boolean"
	case int, int64, uint64, float64:
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Document renders the blueprint back into its document form.
func (b *Blueprint) Document() map[string]any {
	doc := make(map[string]any, len(b.Metadata)+6)
	for k, v := range b.Metadata {
		doc[k] = v
	}
	if b.Name != "" {
		doc[KeyName] = b.Name
	}
	if b.Description != "" {
		doc[KeyDescription] = b.Description
	}
	if len(b.Config) > 0 {
		doc[KeyConfig] = b.Config
	}
	services := make([]any, len(b.Services))
	for i := range b.Services {
		services[i] = b.Services[i].document()
	}
	doc[KeyServices] = services
	if len(b.Enrichers) > 0 {
		doc[KeyEnrichers] = adjunctDocuments(b.Enrichers, KeyEnricherType)
	}
	if len(b.Policies) > 0 {
		doc[KeyPolicies] = adjunctDocuments(b.Policies, KeyPolicyType)
	}
	return doc
}

func (s *NodeSpec) document() map[string]any {
	doc := make(map[string]any, len(s.Flags)+7)
	for k, v := range s.Flags {
		doc[k] = v
	}
	doc[KeyServiceType] = s.Type
	if s.ID != "" {
		doc[KeyID] = s.ID
	}
	if s.Name != "" {
		doc[KeyName] = s.Name
	}
	if len(s.Config) > 0 {
		doc[KeyConfig] = s.Config
	}
	if len(s.Children) > 0 {
		children := make([]any, len(s.Children))
		for i := range s.Children {
			children[i] = s.Children[i].document()
		}
		doc[KeyChildren] = children
	}
	if len(s.Enrichers) > 0 {
		doc[KeyEnrichers] = adjunctDocuments(s.Enrichers, KeyEnricherType)
	}
	if len(s.Policies) > 0 {
		doc[KeyPolicies] = adjunctDocuments(s.Policies, KeyPolicyType)
	}
	return doc
}

func adjunctDocuments(specs []AdjunctSpec, typeKey string) []any {
	out := make([]any, len(specs))
	for i, s := range specs {
		doc := make(map[string]any, len(s.Flags)+3)
		for k, v := range s.Flags {
			doc[k] = v
		}
		doc[typeKey] = s.Type
		if s.Name != "" {
			doc[KeyName] = s.Name
		}
		if len(s.Config) > 0 {
			doc[KeyConfig] = s.Config
		}
		out[i] = doc
	}
	return out
}
