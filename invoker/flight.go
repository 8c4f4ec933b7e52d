package invoker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/askflow/content"
	"github.com/c360/askflow/envelope"
	"github.com/c360/askflow/errors"
	"github.com/c360/askflow/pkg/retry"
	"github.com/c360/askflow/registry"
)

// streamBuffer bounds pending stream messages per invocation. Slow stream
// consumers lose log and monitor messages rather than stalling the
// protocol; terminal resolution never depends on stream consumption.
const streamBuffer = 128

// flight is one logical question across its whole retry chain. Each retry
// runs under a fresh correlation ID, but the caller's handle, stream, and
// terminal channel belong to the flight, so Await follows retries
// transparently.
type flight struct {
	invoker    *Invoker
	target     string
	payload    envelope.QuestionPayload
	timeout    time.Duration
	maxRetries int
	stream     chan StreamMessage
	done       chan struct{}
	started    time.Time

	mu             sync.Mutex
	attempt        int
	correlationIDs []string
	current        *registry.Invocation
	unsub          func()
	reassembler    *envelope.Reassembler
	retryPending   bool
	finished       bool
	outcome        registry.Outcome
	err            error
}

// launchAttempt opens a fresh correlation ID: registry entry, answer
// subscription, then the question publish. The subscription goes up first
// so no answer can race past us.
func (f *flight) launchAttempt(ctx context.Context) error {
	correlationID := uuid.New().String()
	inv := f.invoker

	f.mu.Lock()
	attempt := f.attempt
	f.correlationIDs = append(f.correlationIDs, correlationID)
	f.mu.Unlock()

	reg, err := inv.registry.Create(correlationID, f.target,
		time.Now().Add(f.timeout), f.maxRetries-attempt)
	if err != nil {
		return err
	}

	unsub, err := inv.adapter.Subscribe(inv.ctx, inv.subjects.Answers(correlationID),
		func(ctx context.Context, env envelope.Envelope) error {
			f.handleAnswer(env)
			return nil
		})
	if err != nil {
		inv.registry.Evict(correlationID)
		return err
	}

	f.mu.Lock()
	f.current = reg
	f.unsub = unsub
	f.reassembler = envelope.NewReassembler()
	f.mu.Unlock()

	question := envelope.Envelope{
		Kind:            envelope.KindQuestion,
		CorrelationID:   correlationID,
		OrderingNumber:  0,
		SenderRole:      envelope.RoleParent,
		ProtocolVersion: envelope.ProtocolVersion,
		Payload:         f.payload,
	}
	if err := inv.adapter.Publish(ctx, inv.subjects.Question(f.target), question); err != nil {
		unsub()
		inv.registry.Evict(correlationID)
		return err
	}

	inv.logger.Debug("question published",
		"child", f.target,
		"correlation_id", correlationID,
		"attempt", attempt)
	return nil
}

// handleAnswer processes one envelope from the child: heartbeats extend
// the deadline, ordered envelopes pass dedup and reorder buffering, and
// whatever becomes deliverable is dispatched.
func (f *flight) handleAnswer(env envelope.Envelope) {
	f.mu.Lock()
	reg := f.current
	finished := f.finished
	f.mu.Unlock()

	if finished || reg == nil || env.CorrelationID != reg.CorrelationID {
		// Stale attempt or already resolved
		return
	}
	if reg.Cancelled() || reg.State().Terminal() {
		// Locally abandoned, or the sweeper already recorded a terminal
		// outcome and the unsubscribe has not taken effect yet
		return
	}

	// Heartbeats sit outside the ordered sequence: handle before buffering
	if env.Kind == envelope.KindHeartbeat {
		reg.ExtendDeadline(time.Now().Add(f.timeout))
		reg.MarkRunning()
		return
	}

	reg.MarkRunning()
	ready, dup := reg.Accept(env, time.Now())
	if dup {
		if f.invoker.metrics != nil {
			f.invoker.metrics.DuplicatesDropped.WithLabelValues(f.target).Inc()
		}
		return
	}

	for _, r := range ready {
		f.dispatch(r)
	}
}

// dispatch feeds one in-order envelope through chunk reassembly and routes
// the completed message.
func (f *flight) dispatch(env envelope.Envelope) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	complete, err := f.reassembler.Feed(env)
	f.mu.Unlock()

	if err != nil {
		f.invoker.logger.Warn("dropping broken continuation sequence",
			"correlation_id", env.CorrelationID, "error", err)
		f.mu.Lock()
		f.reassembler.Abandon()
		f.mu.Unlock()
		return
	}
	if complete == nil {
		// Mid-chunk, keep accumulating
		return
	}

	switch p := complete.Payload.(type) {
	case envelope.LogRecordPayload:
		f.emit(StreamMessage{Kind: StreamLog, Log: &p})
	case envelope.MonitorPayload:
		f.emit(StreamMessage{Kind: StreamMonitor, Monitor: p.Data})
	case envelope.ResultPayload:
		f.resolve(registry.Outcome{
			State:          registry.StateCompleted,
			OutputValues:   p.OutputValues,
			OutputManifest: p.OutputManifest,
		}, nil)
	case envelope.ExceptionPayload:
		remote := &errors.RemoteError{Kind: p.ErrKind, Message: p.Message, Detail: p.Detail}
		f.resolve(registry.Outcome{
			State:   registry.StateFailed,
			Failure: remote,
		}, remote)
	}
}

// emit forwards a stream message without ever blocking the protocol.
func (f *flight) emit(msg StreamMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	select {
	case f.stream <- msg:
	default:
		f.invoker.logger.Warn("stream buffer full, dropping message",
			"child", f.target, "kind", msg.Kind)
	}
}

// resolve finishes the flight with an answer-derived outcome. The registry
// record is first-writer-wins: if the deadline sweeper already recorded
// TIMED_OUT for this attempt, the answer arrived too late and is dropped
// rather than contradicting the recorded outcome.
func (f *flight) resolve(outcome registry.Outcome, failure error) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	reg := f.current
	f.mu.Unlock()

	if reg != nil {
		won, err := f.invoker.registry.Resolve(reg.CorrelationID, outcome)
		if err != nil || !won {
			return
		}
	}

	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	f.finished = true
	f.outcome = outcome
	f.err = failure
	unsub := f.unsub
	f.unsub = nil
	f.mu.Unlock()

	inv := f.invoker
	if inv.metrics != nil {
		inv.metrics.InvocationsResolved.WithLabelValues(outcome.State.String()).Inc()
		inv.metrics.InvocationsInFlight.Dec()
		inv.metrics.AwaitDuration.WithLabelValues(f.target).Observe(time.Since(f.started).Seconds())
	}
	inv.dropFlight(f)

	close(f.stream)
	close(f.done)

	if unsub != nil {
		// Teardown can block on the worker pool; never under f.mu
		go unsub()
	}
}

// sweep enforces the deadline and the reorder-gap timeout for the current
// attempt.
func (f *flight) sweep(now time.Time) {
	f.mu.Lock()
	reg := f.current
	finished := f.finished
	retryPending := f.retryPending
	f.mu.Unlock()

	if finished || retryPending || reg == nil {
		return
	}

	// Reorder gap: skip past the hole and tell the caller
	ready, gapped := reg.FlushGap(now, f.invoker.reorderTimeout)
	if gapped {
		f.mu.Lock()
		f.reassembler.Abandon()
		f.mu.Unlock()
		if f.invoker.metrics != nil {
			f.invoker.metrics.GapMarkers.Inc()
		}
		f.emit(StreamMessage{Kind: StreamGap})
		for _, r := range ready {
			f.dispatch(r)
		}
	}

	if !reg.Deadline().Before(now) {
		return
	}

	// Deadline passed: retry under a new correlation ID or give up
	f.mu.Lock()
	if f.finished || f.retryPending {
		f.mu.Unlock()
		return
	}
	attempt := f.attempt
	canRetry := attempt < f.maxRetries
	if canRetry {
		f.retryPending = true
	}
	unsub := f.unsub
	f.unsub = nil
	f.mu.Unlock()

	won, resolveErr := f.invoker.registry.Resolve(reg.CorrelationID, registry.Outcome{State: registry.StateTimedOut})
	if unsub != nil {
		go unsub()
	}
	if resolveErr == nil && !won {
		// An answer resolved the attempt while the deadline check ran;
		// the answer path finishes the flight
		f.mu.Lock()
		f.retryPending = false
		f.mu.Unlock()
		return
	}

	if !canRetry {
		var err error
		if f.maxRetries > 0 {
			err = errors.WrapTransient(
				fmt.Errorf("%w: %w after %d attempts", errors.ErrTimeout,
					errors.ErrMaxRetriesExceeded, attempt+1),
				"Invoker", "Await", "await answer")
		} else {
			err = errors.WrapTransient(
				fmt.Errorf("%w: no terminal answer within %v", errors.ErrTimeout, f.timeout),
				"Invoker", "Await", "await answer")
		}
		f.resolveTimeout(err)
		return
	}

	delay := retry.Delay(f.invoker.backoff, attempt)
	f.invoker.logger.Info("invocation timed out, retrying",
		"child", f.target,
		"correlation_id", reg.CorrelationID,
		"attempt", attempt+1,
		"backoff", delay)

	time.AfterFunc(delay, func() {
		f.mu.Lock()
		f.attempt++
		f.retryPending = false
		alreadyDone := f.finished
		f.mu.Unlock()
		if alreadyDone {
			return
		}
		if err := f.launchAttempt(f.invoker.ctx); err != nil {
			f.resolveTimeout(errors.WrapTransient(
				fmt.Errorf("%w: retry failed: %v", errors.ErrTimeout, err),
				"Invoker", "Await", "reissue question"))
		}
	})
}

// resolveTimeout finishes the flight as TIMED_OUT without touching the
// (already resolved) registry entry.
func (f *flight) resolveTimeout(err error) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	f.finished = true
	f.outcome = registry.Outcome{State: registry.StateTimedOut}
	f.err = err
	unsub := f.unsub
	f.unsub = nil
	f.mu.Unlock()

	inv := f.invoker
	if inv.metrics != nil {
		inv.metrics.InvocationsResolved.WithLabelValues(registry.StateTimedOut.String()).Inc()
		inv.metrics.InvocationsInFlight.Dec()
	}
	inv.dropFlight(f)

	close(f.stream)
	close(f.done)
	if unsub != nil {
		go unsub()
	}
}

// cancel abandons the flight locally. The registry entry is settled to a
// terminal state so the janitor can evict it after retention.
func (f *flight) cancel() {
	f.mu.Lock()
	reg := f.current
	f.mu.Unlock()
	if reg != nil {
		reg.Cancel()
		_, _ = f.invoker.registry.Resolve(reg.CorrelationID, registry.Outcome{State: registry.StateTimedOut})
	}
	f.resolveTimeout(errors.WrapInvalid(errors.ErrCancelled, "Invoker", "Cancel", "abandon invocation"))
}

func (f *flight) result() (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return Result{}, f.err
	}

	res := Result{OutputValues: f.outcome.OutputValues}
	if len(f.outcome.OutputManifest) > 0 {
		manifest, err := content.Deserialize(f.outcome.OutputManifest)
		if err != nil {
			return Result{}, err
		}
		res.OutputManifest = &manifest
	}
	return res, nil
}
