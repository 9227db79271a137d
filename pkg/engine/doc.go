// Package engine provides the shared error taxonomy and lifecycle types for the
// brooklyn orchestration engine.
//
// # Overview
//
// The engine materializes a declarative blueprint into a live tree of managed
// nodes. Each node owns a serial execution queue, publishes sensors on a bus,
// and hosts enrichers and policies that react to sensor changes. The packages
// that implement this are layered leaf-first:
//
//  1. execution - per-node serial queues on a shared worker pool
//  2. sensors - typed pub/sub of node attributes
//  3. refs - deferred references resolved lazily with retry
//  4. entity, adjunct, enricher, policy - nodes and their attached behaviour
//  5. blueprint - the interpreter that builds the tree
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: the condition may clear (a referenced node is not created yet)
//   - Permanent: retrying cannot help (invalid blueprint, resolution timeout)
//
// Codes identify the failure kind independently of its class:
//
//	if engine.IsUnresolvedReference(err) {
//	    log.Warn().Str("reason", engine.ReasonOf(err)).Msg("reference never resolved")
//	}
//
// Failures are local to the smallest unit. A TaskFailure is visible only to
// callers of that unit's handle; an AttachmentFailure marks one enricher as
// failed while its node keeps starting; a TransformError is logged and the
// subscription stays alive.
//
// # Lifecycle
//
// Nodes move through created, starting, running, stopping, stopped and
// destroyed. A node whose start hook or child start fails is on-fire.
package engine
