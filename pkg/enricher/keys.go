package enricher

import (
	"github.com/nlabh01/brooklyn-server/pkg/entity"
	"github.com/nlabh01/brooklyn-server/pkg/script"
)

// Config keys shared by the enrichers.
var (
	Producer = entity.NewConfigKey[any]("enricher.producer",
		"Node whose sensors are read; defaults to the host").
		WithAliases("producer")

	SourceSensor = entity.NewConfigKey[string]("enricher.sourceSensor",
		"Sensor read from the producer").
		WithAliases("sourceSensor")

	SourceSensors = entity.NewConfigKey[[]string]("enricher.sourceSensors",
		"Sensors read from the producer").
		WithAliases("sourceSensors")

	TargetSensor = entity.NewConfigKey[string]("enricher.targetSensor",
		"Sensor published with the computed value").
		WithAliases("targetSensor")

	TargetEntity = entity.NewConfigKey[any]("enricher.targetEntity",
		"Node the computed value is published on; defaults to the host").
		WithAliases("targetEntity")

	Transformation = entity.NewConfigKey[string]("enricher.transformation",
		"Starlark expression computing the published value").
		WithAliases("transformation")
)

// evaluator runs transformation expressions.
var evaluator = script.NewEvaluator(script.DefaultTimeout)
