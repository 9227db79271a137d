package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies. They check sensor
// hygiene on every node they are evaluated against.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		serviceStatePolicy(),
		serviceUpPolicy(),
		sensorNamingPolicy(),
	}
}

// serviceStatePolicy rejects service.state values outside the lifecycle.
func serviceStatePolicy() Policy {
	return Policy{
		Name:        "service-state",
		Description: "service.state must hold a lifecycle state",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"lifecycle"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package brooklyn.policies.service_state

import rego.v1

states := {"created", "starting", "running", "stopping", "stopped", "on-fire", "destroyed"}

deny contains violation if {
	state := input.sensors["service.state"]
	not states[state]
	violation := {
		"message": sprintf("node %s has unknown service.state %v", [input.entity.id, state]),
		"sensor": "service.state",
	}
}
`,
	}
}

// serviceUpPolicy requires service.isUp to be a boolean.
func serviceUpPolicy() Policy {
	return Policy{
		Name:        "service-up",
		Description: "service.isUp must be a boolean",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"lifecycle"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package brooklyn.policies.service_up

import rego.v1

deny contains msg if {
	up := input.sensors["service.isUp"]
	not is_boolean(up)
	msg := sprintf("node %s has non-boolean service.isUp %v", [input.entity.id, up])
}

deny contains msg if {
	input.entity.lifecycle == "running"
	input.sensors["service.isUp"] == false
	msg := sprintf("node %s is running but not up", [input.entity.id])
}
`,
	}
}

// sensorNamingPolicy keeps sensor names in dotted identifier form.
func sensorNamingPolicy() Policy {
	return Policy{
		Name:        "sensor-naming",
		Description: "Sensor names are dot-separated identifiers",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package brooklyn.policies.sensor_naming

import rego.v1

deny contains msg if {
	some name, _ in input.sensors
	not regex.match("^[A-Za-z][A-Za-z0-9_-]*([.][A-Za-z0-9_-]+)*$", name)
	msg := sprintf("sensor %q of node %s is not a dotted identifier", [name, input.entity.id])
}
`,
	}
}
