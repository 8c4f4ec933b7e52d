package invoker

import (
	"context"
	"encoding/json"

	"github.com/c360/askflow/envelope"
	"github.com/c360/askflow/errors"
	"github.com/c360/askflow/registry"
)

// StreamKind tags a StreamMessage variant.
type StreamKind string

// Stream message kinds.
const (
	// StreamLog carries one (reassembled) log record from the child.
	StreamLog StreamKind = "log"

	// StreamMonitor carries one (reassembled) monitor document.
	StreamMonitor StreamKind = "monitor"

	// StreamGap marks messages lost to a reorder timeout. Everything
	// before the gap was delivered in order; delivery resumes after it.
	StreamGap StreamKind = "gap"
)

// StreamMessage is one item of the live answer stream.
type StreamMessage struct {
	Kind    StreamKind
	Log     *envelope.LogRecordPayload
	Monitor json.RawMessage
}

// Handle follows one invocation from question to terminal answer. A handle
// stays valid across transparent timeout retries.
type Handle struct {
	flight *flight
}

// CorrelationID returns the correlation ID of the current attempt. After a
// timeout retry this changes; ChainLength counts all attempts.
func (h *Handle) CorrelationID() string {
	h.flight.mu.Lock()
	defer h.flight.mu.Unlock()
	if n := len(h.flight.correlationIDs); n > 0 {
		return h.flight.correlationIDs[n-1]
	}
	return ""
}

// ChainLength returns how many correlation IDs this invocation has used,
// one per attempt.
func (h *Handle) ChainLength() int {
	h.flight.mu.Lock()
	defer h.flight.mu.Unlock()
	return len(h.flight.correlationIDs)
}

// Stream returns the live message stream: log records, monitor documents,
// and gap markers, in sender order. The channel closes at terminal
// resolution. Consuming it is optional.
func (h *Handle) Stream() <-chan StreamMessage {
	return h.flight.stream
}

// Done returns a channel closed when the invocation reaches a terminal
// state.
func (h *Handle) Done() <-chan struct{} {
	return h.flight.done
}

// State returns the current lifecycle state of the active attempt.
func (h *Handle) State() registry.State {
	h.flight.mu.Lock()
	defer h.flight.mu.Unlock()
	if h.flight.finished {
		return h.flight.outcome.State
	}
	if h.flight.current != nil {
		return h.flight.current.State()
	}
	return registry.StatePending
}

// Await blocks until the invocation resolves or ctx is cancelled. A
// completed invocation returns its result; a remote failure returns the
// child's structured error; a timeout (after any retries) returns an error
// matching errors.ErrTimeout.
func (h *Handle) Await(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, errors.WrapTransient(ctx.Err(), "Handle", "Await", "wait for answer")
	case <-h.flight.done:
		return h.flight.result()
	}
}

// Cancel abandons the invocation locally. The child may still run to
// completion; its late answers are dropped. Await returns an error
// matching errors.ErrCancelled.
func (h *Handle) Cancel() {
	h.flight.cancel()
}
