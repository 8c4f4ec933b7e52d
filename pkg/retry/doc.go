// Package retry provides simple exponential backoff retry logic for transient failures.
//
// # Overview
//
// This package offers a minimal retry mechanism with exponential backoff, used by
// the transport adapter for publish attempts, by the NATS client during startup,
// and by the invoker to pace timeout-triggered question resends.
//
// # Core Functions
//
//   - Do: Execute function with retry and exponential backoff
//   - DoWithResult: Execute function with retry, returns both result and error
//   - Delay: Compute the backoff delay for an attempt without sleeping
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (normal operations)
//   - Publish(): 5 attempts, 50ms-2s delay (transport publishes)
//   - Persistent(): 30 attempts, 200ms-10s delay (critical resources)
//
// # Context Cancellation
//
// All retry operations respect context cancellation and stop retrying
// immediately, both during operation execution and during backoff delay.
//
// # Thread Safety
//
// All functions are safe for concurrent use. The jitter mechanism uses a
// thread-safe random source to avoid contention.
package retry
