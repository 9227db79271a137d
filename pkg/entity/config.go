package entity

import (
	"reflect"
)

// ConfigDescriptor describes a declared configuration key.
type ConfigDescriptor interface {
	Name() string
	Aliases() []string
	Description() string
	DefaultValue() (any, bool)
	Type() reflect.Type
}

// ConfigKey is a typed configuration key. Aliases are alternative names
// accepted when config is supplied, such as blueprint flag names.
type ConfigKey[T any] struct {
	name        string
	description string
	def         T
	hasDefault  bool
	aliases     []string
}

// NewConfigKey declares a key without a default.
func NewConfigKey[T any](name, description string) ConfigKey[T] {
	return ConfigKey[T]{name: name, description: description}
}

// NewConfigKeyWithDefault declares a key with a default value.
func NewConfigKeyWithDefault[T any](name, description string, def T) ConfigKey[T] {
	return ConfigKey[T]{name: name, description: description, def: def, hasDefault: true}
}

// WithAliases returns a copy of the key that also answers to names.
func (k ConfigKey[T]) WithAliases(names ...string) ConfigKey[T] {
	k.aliases = append(append([]string(nil), k.aliases...), names...)
	return k
}

func (k ConfigKey[T]) Name() string        { return k.name }
func (k ConfigKey[T]) Description() string { return k.description }
func (k ConfigKey[T]) Type() reflect.Type  { return reflect.TypeFor[T]() }
func (k ConfigKey[T]) String() string      { return k.name }

// Aliases returns the alternative names of the key.
func (k ConfigKey[T]) Aliases() []string {
	return append([]string(nil), k.aliases...)
}

// DefaultValue returns the default, if the key has one.
func (k ConfigKey[T]) DefaultValue() (any, bool) {
	if !k.hasDefault {
		return nil, false
	}
	return k.def, true
}

// Default returns the typed default, or the zero value.
func (k ConfigKey[T]) Default() T {
	return k.def
}

// Names returns the canonical name followed by the aliases.
func Names(d ConfigDescriptor) []string {
	return append([]string{d.Name()}, d.Aliases()...)
}

// Canonicalize rewrites alias keys of cfg to their canonical names. The
// canonical name wins when both are present. Keys no descriptor declares are
// returned separately, untouched.
func Canonicalize(schema []ConfigDescriptor, cfg map[string]any) (declared, leftovers map[string]any) {
	canonical := make(map[string]string)
	for _, d := range schema {
		for _, n := range Names(d) {
			canonical[n] = d.Name()
		}
	}

	declared = make(map[string]any)
	leftovers = make(map[string]any)
	for k, v := range cfg {
		name, ok := canonical[k]
		if !ok {
			leftovers[k] = v
			continue
		}
		if _, exists := declared[name]; exists && k != name {
			continue
		}
		declared[name] = v
	}
	return declared, leftovers
}
