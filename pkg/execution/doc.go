// Package execution provides per-node serial task queues backed by one shared
// worker pool.
//
// Every managed node owns a Context. Units submitted to the same Context run
// strictly one at a time, in submission order. Units on different Contexts
// run in parallel, bounded by the pool's worker count. Submitting never blocks;
// waiting happens through Handle.Get.
//
// A unit that needs to wait for something that may take a while (another
// node's queue, a backoff timer) should do so through Handle.Get or Park, both
// of which hand the worker slot back to the pool while blocked.
package execution
