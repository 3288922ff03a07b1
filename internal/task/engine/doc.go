// Package engine is the bounded worker pool that executes report cycles.
//
// Tasks are queued (non-blocking Enqueue or blocking Submit), gated per key
// so the same schedule never runs twice at once in a process, retried with
// jittered exponential backoff unless wrapped with NoRetry, and recorded in
// a bounded history for the status endpoint.
package engine
