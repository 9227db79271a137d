// Package blueprint parses application plans and materializes them into
// node graphs.
//
// A blueprint is a CAMP-style document, written in YAML or CUE:
//
//	name: my-app
//	services:
//	- serviceType: brooklyn.test.entity.TestEntity
//	  id: db
//	  brooklyn.config:
//	    test.confName: $brooklyn:formatString("%s-db", "prod")
//	  brooklyn.enrichers:
//	  - enricherType: brooklyn.enricher.basic.Propagator
//	    brooklyn.config:
//	      enricher.propagating.propagatingAll: true
//
// Parsing checks the document shape and reports every problem with its
// path. Validate additionally checks DSL syntax and, given a registry, that
// every type is known. The Interpreter wraps the services in an application
// root, builds each subtree, and submits adjunct attachments to the owning
// node's execution context. A subtree that fails to build is reported on
// the Deployment without affecting its siblings.
package blueprint
