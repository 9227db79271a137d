// Package policy evaluates Open Policy Agent (OPA) Rego policies against the
// live state of managed nodes.
//
// # Architecture
//
// The package has three parts:
//
//  1. Engine - compiles named policies and evaluates their deny rules
//  2. Loader - reads .rego and .json policy files and watches them with fsnotify
//  3. RegoPolicy - a policy adjunct that evaluates on sensor events
//
// # Policy shape
//
// A policy is a Rego module whose deny rule produces a set of messages,
// either strings or objects with a message field:
//
//	package brooklyn.policies.port
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.sensors["http.port"] < 1024
//	    msg := sprintf("node %s listens on a privileged port", [input.entity.id])
//	}
//
// The input document is an Input: the node (id, planId, type, displayName,
// lifecycle), the triggering sensor and value, and every current sensor
// value of the node.
//
// # Attaching policies
//
// In a blueprint:
//
//	brooklyn.policies:
//	- policyType: rego
//	  brooklyn.config:
//	    policy.sensors: [http.port]
//	    policy.rego: |
//	      package brooklyn.policies.port
//	      ...
//
// The violation messages are published on the host under
// policy.violations. A RegoPolicy built by NewFactory without an inline
// module evaluates every policy of the shared Engine instead, so a directory
// of policies loaded with Engine.LoadPolicies (and kept current with
// Loader.Watch and Engine.Replace) applies to every node that carries one.
//
// # Built-in policies
//
// The engine always holds service-state, service-up and sensor-naming, which
// check the lifecycle sensors and sensor naming of a node.
package policy
