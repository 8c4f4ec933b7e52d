// Package askflow lets independent data-processing services invoke one
// another asynchronously over NATS, exchanging schema-validated inputs and
// outputs while streaming intermediate log records, monitor messages, and
// heartbeats.
//
// # Architecture
//
// The core is a child-service invocation protocol built on an at-least-once,
// unordered transport:
//
//	┌──────────────────────────────────────┐
//	│          Invoker / Responder         │  Question lifecycle,
//	│   (ask, await, analyse, answer)      │  state machines
//	└──────────────────────────────────────┘
//	           ↓ correlate via
//	┌──────────────────────────────────────┐
//	│        Correlation Registry          │  In-flight invocation
//	│ (create, resolve, sweep, evict)      │  state, idempotent resolve
//	└──────────────────────────────────────┘
//	           ↓ exchange
//	┌──────────────────────────────────────┐
//	│       Envelopes over Transport       │  Typed messages, ordering
//	│  (encode, publish, subscribe, ack)   │  numbers, dedup, chunking
//	└──────────────────────────────────────┘
//
// A parent service sends a question (input values plus a content manifest) to
// a child service's question subject. The child validates the question, runs
// its analysis, streams ordered log/monitor envelopes while it works, and
// publishes exactly one terminal envelope (result or exception) on the
// answer subject for that question's correlation ID. The invoker reorders,
// dedupes, and resolves the invocation to a single outcome; duplicate
// deliveries and duplicate terminals are no-ops.
//
// Package layout:
//
//   - envelope: typed protocol messages and their wire codec
//   - content: Datafile/Dataset/Manifest addressable file collections
//   - transport: publish/subscribe with retry, worker pools, and acks
//   - registry: concurrency-safe in-flight invocation state
//   - invoker: the asking side (send, stream, await, retry on timeout)
//   - responder: the answering side (validate, analyse, stream, reply)
//   - natsclient: NATS/JetStream connection management
//   - storage: byte storage addressed by URI (JetStream ObjectStore)
//   - schema: JSON-schema validation of question and answer payloads
//   - errors, metric, config, health, pkg/retry, pkg/worker: shared
//     infrastructure
package askflow
