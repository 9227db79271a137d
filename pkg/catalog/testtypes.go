package catalog

import (
	"context"

	"github.com/nlabh01/brooklyn-server/pkg/adjunct"
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/registry"
	"github.com/nlabh01/brooklyn-server/pkg/sensors"
)

// Type names of the test types.
const (
	TestEntityType   = "brooklyn.test.entity.TestEntity"
	TestEnricherType = "brooklyn.test.policy.TestEnricher"
)

// TestEntity sensors and config.
var (
	TestName = sensors.New[string]("test.name", "Name set by tests")

	TestConfName = entity.NewConfigKeyWithDefault("test.confName", "Configured name", "defaultval").
			WithAliases("confName")
)

// TestEntity is a node type with one sensor and one config key, used by
// blueprints that exercise the graph without real provisioning.
var TestEntity = &entity.Type{
	Name:        TestEntityType,
	Description: "Node used in tests",
	Sensors:     []sensors.Descriptor{TestName},
	Config:      []entity.ConfigDescriptor{TestConfName},
}

// TestEnricher config keys.
var (
	EnricherConfName = entity.NewConfigKeyWithDefault("test.confName", "Configured name", "defaultval").
			WithAliases("confName")

	EnricherConfFromFunction = entity.NewConfigKey[string]("test.confFromFunction",
		"Value computed by a DSL function")

	EnricherTargetEntity = entity.NewConfigKey[any]("test.targetEntity",
		"Node the enricher points at")

	EnricherTargetEntityFromFlag = entity.NewConfigKey[any]("test.targetEntity.from.flag",
		"Node the enricher points at, set through a flag name").
		WithAliases("targetEntityFromFlag")
)

// TestEnricherSchema is the declared config of TestEnricher.
var TestEnricherSchema = []entity.ConfigDescriptor{
	EnricherConfName, EnricherConfFromFunction, EnricherTargetEntity, EnricherTargetEntityFromFlag,
}

// TestEnricher does nothing but hold config, so tests can inspect how
// blueprint config reached it.
type TestEnricher struct {
	*adjunct.Base
}

// NewTestEnricher creates a TestEnricher.
func NewTestEnricher(cfg map[string]any) (entity.Adjunct, error) {
	return &TestEnricher{Base: adjunct.NewBase(entity.KindEnricher, TestEnricherType, TestEnricherSchema, cfg)}, nil
}

// TargetEntity returns the node configured under test.targetEntity.
func (e *TestEnricher) TargetEntity(ctx context.Context) (*entity.Node, error) {
	return adjunct.NodeConfig(ctx, e.Base, EnricherTargetEntity, nil)
}

// TargetEntityFromFlag returns the node configured under
// test.targetEntity.from.flag.
func (e *TestEnricher) TargetEntityFromFlag(ctx context.Context) (*entity.Node, error) {
	return adjunct.NodeConfig(ctx, e.Base, EnricherTargetEntityFromFlag, nil)
}

// RegisterTestTypes registers TestEntity and TestEnricher.
func RegisterTestTypes(r *registry.Registry) error {
	if err := r.RegisterType(TestEntity); err != nil {
		return err
	}
	return r.RegisterAdjunct(&registry.AdjunctType{
		Name:        TestEnricherType,
		Kind:        entity.KindEnricher,
		Description: "Enricher that only holds config",
		Schema:      TestEnricherSchema,
		New:         NewTestEnricher,
	})
}
