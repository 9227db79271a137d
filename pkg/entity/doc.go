// Package entity implements the managed node graph: nodes with their
// configuration, children, lifecycle and attached adjuncts, and the Manager
// that owns them.
//
// Every mutation of a node (children, config, adjunct list, lifecycle) runs
// as a unit on the node's own execution context. Accessors return
// lock-protected snapshots and never wait on the queue, so they are safe to
// call from anywhere, including units running on other nodes.
//
// Attaching an adjunct is asynchronous:
//
//	h := node.AddAdjunct(ctx, propagator)
//	// node.Adjuncts() lists the propagator once the first unit ran;
//	// h.Get(ctx) reports the attachment outcome.
//
// A failed attachment leaves the adjunct listed in the failed state and never
// prevents the host from starting.
package entity
