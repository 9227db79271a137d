// Package enricher implements the built-in enrichers: Propagator forwards
// sensors from a producer to its host, Transformer derives one sensor from
// others, Aggregator combines a sensor across a producer's children.
//
// All three run their callbacks on the host's execution context. A failed
// computation for one event is logged as a transform error and the
// subscription stays active.
package enricher
