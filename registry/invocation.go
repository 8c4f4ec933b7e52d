// Package registry provides the concurrency-safe store of in-flight
// invocation state: one Invocation per correlation ID, with idempotent
// first-writer-wins resolution, per-invocation ordering buffers, deadline
// sweeping, and post-resolution eviction.
package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/c360/askflow/envelope"
	"github.com/c360/askflow/errors"
)

// State is an invocation's position in its lifecycle. Terminal states are
// absorbing: once an invocation is COMPLETED, FAILED, or TIMED_OUT no
// further transition is possible.
type State int

// Invocation states.
const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateTimedOut
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// Outcome is the terminal result of an invocation.
type Outcome struct {
	State          State
	OutputValues   map[string]any
	OutputManifest json.RawMessage
	Failure        *errors.RemoteError
}

// Invocation is the invoker-side state of one outstanding (or resolved)
// question. All mutation goes through its methods, which serialize on a
// per-invocation mutex so ordering and resolve logic stay race-free while
// distinct correlation IDs proceed fully concurrently.
type Invocation struct {
	CorrelationID string
	Target        string

	mu               sync.Mutex
	state            State
	deadline         time.Time
	retriesRemaining int
	nextExpected     uint64
	buffer           map[uint64]envelope.Envelope
	blockedSince     time.Time
	outcome          *Outcome
	done             chan struct{}
	resolvedAt       time.Time
	cancelled        bool
}

func newInvocation(correlationID, target string, deadline time.Time, retries int) *Invocation {
	return &Invocation{
		CorrelationID:    correlationID,
		Target:           target,
		state:            StatePending,
		deadline:         deadline,
		retriesRemaining: retries,
		buffer:           make(map[uint64]envelope.Envelope),
		done:             make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (inv *Invocation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// Outcome returns the terminal outcome, if resolved.
func (inv *Invocation) Outcome() (Outcome, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.outcome == nil {
		return Outcome{}, false
	}
	return *inv.outcome, true
}

// Done returns a channel closed exactly once, at the first terminal
// transition. Await blocks on it.
func (inv *Invocation) Done() <-chan struct{} {
	return inv.done
}

// Deadline returns the current absolute deadline.
func (inv *Invocation) Deadline() time.Time {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.deadline
}

// ExtendDeadline pushes the deadline forward, used when a heartbeat proves
// the child is still alive. Extensions never shorten the deadline and are
// ignored after resolution.
func (inv *Invocation) ExtendDeadline(deadline time.Time) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state.Terminal() {
		return
	}
	if deadline.After(inv.deadline) {
		inv.deadline = deadline
	}
}

// RetriesRemaining returns how many timeout retries are left.
func (inv *Invocation) RetriesRemaining() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.retriesRemaining
}

// MarkRunning transitions PENDING to RUNNING on the first envelope observed
// from the child. Any other state is left alone.
func (inv *Invocation) MarkRunning() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state == StatePending {
		inv.state = StateRunning
	}
}

// Cancel marks the invocation as locally abandoned. Later envelopes are
// dropped without side effects. Cancellation is best-effort and purely
// local; it does not retract the published question.
func (inv *Invocation) Cancel() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.cancelled = true
}

// Cancelled reports whether the invocation was locally abandoned.
func (inv *Invocation) Cancelled() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.cancelled
}

// resolve applies a terminal outcome. The first writer wins; a second call
// is a no-op returning false.
func (inv *Invocation) resolve(outcome Outcome, now time.Time) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.state.Terminal() {
		return false
	}

	inv.state = outcome.State
	inv.outcome = &outcome
	inv.resolvedAt = now
	close(inv.done)
	return true
}

// Accept runs the ordering/dedup step for one ordered envelope from the
// child. Duplicates (already delivered or already buffered) report
// dup=true. In-order envelopes return themselves plus any contiguous run
// they release from the buffer; out-of-order envelopes are buffered and
// start the head-of-line clock.
func (inv *Invocation) Accept(env envelope.Envelope, now time.Time) (ready []envelope.Envelope, dup bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	n := env.OrderingNumber
	if n < inv.nextExpected {
		return nil, true
	}
	if _, buffered := inv.buffer[n]; buffered {
		return nil, true
	}

	if n > inv.nextExpected {
		inv.buffer[n] = env
		if inv.blockedSince.IsZero() {
			inv.blockedSince = now
		}
		return nil, false
	}

	ready = append(ready, env)
	inv.nextExpected++
	ready = inv.drainContiguousLocked(ready)
	return ready, false
}

// FlushGap checks whether the head-of-line has been blocked longer than
// timeout. If so it advances past the gap to the lowest buffered ordering
// number and returns the contiguous run from there, reporting gapped=true
// so the caller can forward a gap marker.
func (inv *Invocation) FlushGap(now time.Time, timeout time.Duration) (ready []envelope.Envelope, gapped bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if len(inv.buffer) == 0 || inv.blockedSince.IsZero() || now.Sub(inv.blockedSince) < timeout {
		return nil, false
	}

	lowest := uint64(0)
	first := true
	for n := range inv.buffer {
		if first || n < lowest {
			lowest = n
			first = false
		}
	}

	inv.nextExpected = lowest
	ready = inv.drainContiguousLocked(nil)
	return ready, true
}

// drainContiguousLocked pops the contiguous run starting at nextExpected.
// Caller holds inv.mu.
func (inv *Invocation) drainContiguousLocked(ready []envelope.Envelope) []envelope.Envelope {
	for {
		next, ok := inv.buffer[inv.nextExpected]
		if !ok {
			break
		}
		delete(inv.buffer, inv.nextExpected)
		ready = append(ready, next)
		inv.nextExpected++
	}
	if len(inv.buffer) == 0 {
		inv.blockedSince = time.Time{}
	} else {
		inv.blockedSince = time.Now()
	}
	return ready
}

// Buffered returns how many out-of-order envelopes are waiting.
func (inv *Invocation) Buffered() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return len(inv.buffer)
}
