// Package worker provides a generic, thread-safe worker pool for concurrent task processing.
//
// # Overview
//
// The worker pool manages a fixed number of goroutines that process work items
// from a bounded channel. It provides:
//   - Generic type support for type-safe work processing without assertions
//   - Bounded queues with backpressure (non-blocking submit)
//   - Context-aware cancellation and graceful shutdown
//   - Always-on statistics plus optional Prometheus metrics
//
// # Usage in askflow
//
// The transport adapter uses a pool per subscription so envelope handlers run
// with bounded concurrency, and the responder uses a separate pool for
// analysis execution so long-running analyses never starve question intake.
//
//	pool := worker.NewPool[envelope.Envelope](
//	    8,    // workers
//	    512,  // queue size
//	    func(ctx context.Context, env envelope.Envelope) error {
//	        return handle(ctx, env)
//	    },
//	)
//	pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
//
// Submit is non-blocking: when the queue is full it returns ErrQueueFull and
// the caller decides whether to drop, block, or propagate backpressure.
package worker
