package responder

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/askflow/envelope"
	"github.com/c360/askflow/errors"
	"github.com/c360/askflow/transport"
)

// Emitter publishes one analysis's answer stream: log records, monitor
// documents, heartbeats, and finally exactly one terminal envelope. All
// ordered envelopes are numbered by a per-question sequencer and published
// by a single goroutine, so the wire order always matches the numbering.
type Emitter struct {
	adapter       *transport.Adapter
	subject       string
	correlationID string
	codec         *envelope.Codec
	limiter       *rate.Limiter

	mu     sync.Mutex
	seq    *envelope.Sequencer
	ch     chan envelope.Envelope
	closed bool

	group     *errgroup.Group
	groupCtx  context.Context
	stopBeat  chan struct{}
	closeOnce sync.Once

	pubErrMu sync.Mutex
	pubErr   error
}

// newEmitter starts the publisher goroutine and, if interval is positive,
// a heartbeat ticker.
func newEmitter(
	ctx context.Context,
	adapter *transport.Adapter,
	subject, correlationID string,
	codec *envelope.Codec,
	limiter *rate.Limiter,
	heartbeatInterval time.Duration,
) *Emitter {
	group, groupCtx := errgroup.WithContext(ctx)
	e := &Emitter{
		adapter:       adapter,
		subject:       subject,
		correlationID: correlationID,
		codec:         codec,
		limiter:       limiter,
		seq:           envelope.NewSequencer(correlationID, envelope.RoleChild),
		ch:            make(chan envelope.Envelope, 64),
		group:         group,
		groupCtx:      groupCtx,
		stopBeat:      make(chan struct{}),
	}

	group.Go(e.publishLoop)
	if heartbeatInterval > 0 {
		group.Go(func() error {
			e.heartbeatLoop(heartbeatInterval)
			return nil
		})
	}
	return e
}

// publishLoop drains the ordered channel, one publish at a time.
// Log and monitor traffic is rate limited; terminal envelopes and
// heartbeats are not.
func (e *Emitter) publishLoop() error {
	for env := range e.ch {
		if e.limiter != nil && (env.Kind == envelope.KindLogRecord || env.Kind == envelope.KindMonitor) {
			if err := e.limiter.Wait(e.groupCtx); err != nil {
				e.recordErr(err)
				continue
			}
		}
		if err := e.adapter.Publish(e.groupCtx, e.subject, env); err != nil {
			e.recordErr(err)
		}
	}
	return nil
}

func (e *Emitter) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopBeat:
			return
		case <-e.groupCtx.Done():
			return
		case now := <-ticker.C:
			beat := envelope.Heartbeat(e.correlationID, envelope.RoleChild, now.UTC())
			// Heartbeats bypass the ordered channel so a closed emitter
			// cannot race them; a publish failure here is harmless
			_ = e.adapter.Publish(e.groupCtx, e.subject, beat)
		}
	}
}

func (e *Emitter) recordErr(err error) {
	e.pubErrMu.Lock()
	defer e.pubErrMu.Unlock()
	if e.pubErr == nil {
		e.pubErr = err
	}
}

// enqueue numbers and queues a batch under one lock so channel order
// matches sequence order even with concurrent callers.
func (e *Emitter) enqueue(build func() ([]envelope.Envelope, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.WrapInvalid(errors.ErrAlreadyResolved, "Emitter", "enqueue", "emit after close")
	}

	envs, err := build()
	if err != nil {
		return err
	}
	for _, env := range envs {
		e.ch <- env
	}
	return nil
}

// Log streams one log record, chunking oversized messages.
func (e *Emitter) Log(level, message string) error {
	return e.enqueue(func() ([]envelope.Envelope, error) {
		return e.codec.ChunkLog(e.seq, envelope.LogRecordPayload{
			Level:     level,
			Message:   message,
			Timestamp: time.Now().UTC(),
		})
	})
}

// Monitor streams one monitor document, chunking oversized data.
func (e *Emitter) Monitor(doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.WrapInvalid(err, "Emitter", "Monitor", "encode document")
	}
	return e.enqueue(func() ([]envelope.Envelope, error) {
		return e.codec.ChunkMonitor(e.seq, envelope.MonitorPayload{Data: data})
	})
}

// Result publishes the terminal success envelope and closes the emitter.
// A nil return means the result is durably on the bus.
func (e *Emitter) Result(outputValues map[string]any, outputManifest json.RawMessage) error {
	err := e.enqueue(func() ([]envelope.Envelope, error) {
		env, err := e.seq.Envelope(envelope.ResultPayload{
			OutputValues:   outputValues,
			OutputManifest: outputManifest,
		})
		if err != nil {
			return nil, err
		}
		return []envelope.Envelope{env}, nil
	})
	if err != nil {
		return err
	}
	return e.Close()
}

// Exception publishes the terminal failure envelope and closes the
// emitter.
func (e *Emitter) Exception(remote *errors.RemoteError) error {
	err := e.enqueue(func() ([]envelope.Envelope, error) {
		env, err := e.seq.Envelope(envelope.ExceptionPayload{
			ErrKind: remote.Kind,
			Message: remote.Message,
			Detail:  remote.Detail,
		})
		if err != nil {
			return nil, err
		}
		return []envelope.Envelope{env}, nil
	})
	if err != nil {
		return err
	}
	return e.Close()
}

// Close stops the heartbeat, flushes queued envelopes, and returns the
// first publish error, if any. Safe to call more than once.
func (e *Emitter) Close() error {
	e.closeOnce.Do(func() {
		close(e.stopBeat)
		e.mu.Lock()
		e.closed = true
		close(e.ch)
		e.mu.Unlock()
		_ = e.group.Wait()
	})
	e.pubErrMu.Lock()
	defer e.pubErrMu.Unlock()
	return e.pubErr
}
