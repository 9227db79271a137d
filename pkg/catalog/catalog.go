// Package catalog assembles registries of the node, enricher and policy
// types that ship with the server.
package catalog

import (
	"errors"

	"github.com/nlabh01/brooklyn-server/pkg/enricher"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/policy"
	"github.com/nlabh01/brooklyn-server/pkg/registry"
)

// Node type names.
const (
	BasicApplicationType = "brooklyn.entity.basic.BasicApplication"
	BasicEntityType      = "brooklyn.entity.basic.BasicEntity"
)

var (
	// BasicApplication is the root type blueprints are wrapped in.
	BasicApplication = &entity.Type{
		Name:        BasicApplicationType,
		Description: "Application root holding the services of a blueprint",
	}

	// BasicEntity is a node with only the built-in sensors.
	BasicEntity = &entity.Type{
		Name:        BasicEntityType,
		Description: "Node without behaviour of its own",
	}
)

// Builtin returns a registry with every built-in type. Policies of type
// rego that name no module evaluate the policies of eng; eng may be nil.
func Builtin(eng *policy.Engine) (*registry.Registry, error) {
	r := registry.New()
	err := errors.Join(
		RegisterEntities(r),
		RegisterEnrichers(r),
		RegisterPolicies(r, eng),
		RegisterTestTypes(r),
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterEntities registers the basic node types.
func RegisterEntities(r *registry.Registry) error {
	return errors.Join(
		r.RegisterType(BasicApplication, "application"),
		r.RegisterType(BasicEntity, "basic", "entity"),
	)
}

// RegisterEnrichers registers Propagator, Transformer and Aggregator.
func RegisterEnrichers(r *registry.Registry) error {
	return errors.Join(
		r.RegisterAdjunct(&registry.AdjunctType{
			Name:        enricher.PropagatorType,
			Aliases:     []string{"propagator"},
			Kind:        entity.KindEnricher,
			Description: "Republishes sensors of a producer on the host",
			Schema:      enricher.PropagatorSchema,
			New:         enricher.NewPropagator,
		}),
		r.RegisterAdjunct(&registry.AdjunctType{
			Name:        enricher.TransformerType,
			Aliases:     []string{"transformer"},
			Kind:        entity.KindEnricher,
			Description: "Publishes a value computed from producer sensors",
			Schema:      enricher.TransformerSchema,
			New:         enricher.NewTransformer,
		}),
		r.RegisterAdjunct(&registry.AdjunctType{
			Name:        enricher.AggregatorType,
			Aliases:     []string{"aggregator"},
			Kind:        entity.KindEnricher,
			Description: "Combines a sensor across the children of a producer",
			Schema:      enricher.AggregatorSchema,
			New:         enricher.NewAggregator,
		}),
	)
}

// RegisterPolicies registers the rego policy type.
func RegisterPolicies(r *registry.Registry, eng *policy.Engine) error {
	factory := registry.AdjunctFactory(policy.NewRegoPolicy)
	if eng != nil {
		factory = policy.NewFactory(eng)
	}
	return r.RegisterAdjunct(&registry.AdjunctType{
		Name:        policy.RegoPolicyType,
		Aliases:     []string{"rego"},
		Kind:        entity.KindPolicy,
		Description: "Evaluates a Rego deny rule on sensor events",
		Schema:      policy.RegoSchema,
		New:         factory,
	})
}
