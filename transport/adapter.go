package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/askflow/envelope"
	"github.com/c360/askflow/errors"
	"github.com/c360/askflow/metric"
	"github.com/c360/askflow/pkg/retry"
	"github.com/c360/askflow/pkg/worker"
)

// EnvelopeHandler processes one decoded envelope. Returning an error
// requests redelivery from the bus.
type EnvelopeHandler func(ctx context.Context, env envelope.Envelope) error

// Adapter is the envelope-aware layer over a Conn. Publishing encodes and
// retries transient failures with backoff; subscribing decodes, bounds
// handler concurrency with a worker pool, and withholds acknowledgement
// until the handler returns so an unprocessed envelope survives a crash.
type Adapter struct {
	conn    Conn
	codec   *envelope.Codec
	logger  *slog.Logger
	metrics *metric.Metrics
	service string

	retryCfg    retry.Config
	concurrency int
	queueSize   int
	stopTimeout time.Duration
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics attaches envelope flow metrics, labelled with this service's
// name.
func WithMetrics(m *metric.Metrics, service string) AdapterOption {
	return func(a *Adapter) {
		a.metrics = m
		a.service = service
	}
}

// WithCodec overrides the envelope codec, e.g. to change the payload size
// limit.
func WithCodec(c *envelope.Codec) AdapterOption {
	return func(a *Adapter) {
		if c != nil {
			a.codec = c
		}
	}
}

// WithRetryConfig overrides the publish retry policy.
func WithRetryConfig(cfg retry.Config) AdapterOption {
	return func(a *Adapter) { a.retryCfg = cfg }
}

// WithConcurrency bounds concurrent handler invocations per subscription
// and the queue behind them.
func WithConcurrency(workers, queueSize int) AdapterOption {
	return func(a *Adapter) {
		a.concurrency = workers
		a.queueSize = queueSize
	}
}

// NewAdapter creates an adapter over conn.
func NewAdapter(conn Conn, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		conn:        conn,
		codec:       envelope.NewCodec(),
		logger:      slog.Default(),
		retryCfg:    retry.Publish(),
		concurrency: 8,
		queueSize:   256,
		stopTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Publish encodes env and publishes it to subject, retrying transient bus
// failures with exponential backoff. An envelope that fails validation is
// returned immediately; a bus that stays down past the retry budget
// surfaces as ErrTransport.
func (a *Adapter) Publish(ctx context.Context, subject string, env envelope.Envelope) error {
	data, err := a.codec.Encode(env)
	if err != nil {
		return err
	}

	attempts := 0
	err = retry.Do(ctx, a.retryCfg, func() error {
		if attempts > 0 && a.metrics != nil {
			a.metrics.PublishRetries.Inc()
		}
		attempts++
		return a.conn.Publish(ctx, subject, data)
	})
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrTransport, err),
			"Adapter", "Publish", "publish "+string(env.Kind)+" to "+subject)
	}

	if a.metrics != nil {
		a.metrics.EnvelopesPublished.WithLabelValues(a.service, string(env.Kind)).Inc()
	}
	return nil
}

type job struct {
	env  envelope.Envelope
	done chan error
}

// Subscribe decodes envelopes arriving on subject and runs handler on a
// bounded worker pool. A malformed message is logged, counted, and
// acknowledged so it cannot wedge the subscription. A full pool rejects
// the delivery, letting the bus redeliver later. The returned function
// tears the subscription down.
func (a *Adapter) Subscribe(ctx context.Context, subject string, handler EnvelopeHandler) (func(), error) {
	pool := worker.NewPool(a.concurrency, a.queueSize, func(ctx context.Context, j job) error {
		err := handler(ctx, j.env)
		j.done <- err
		return err
	})
	if err := pool.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "Adapter", "Subscribe", "start worker pool")
	}

	unsub, err := a.conn.Subscribe(ctx, subject, func(ctx context.Context, data []byte) error {
		env, err := a.codec.Decode(data)
		if err != nil {
			// Redelivering a malformed message can never succeed, so ack
			// it and move on
			a.logger.Warn("dropping malformed envelope",
				"subject", subject, "error", err)
			if a.metrics != nil {
				a.metrics.EnvelopesMalformed.WithLabelValues(a.service).Inc()
			}
			return nil
		}

		if a.metrics != nil {
			a.metrics.EnvelopesReceived.WithLabelValues(a.service, string(env.Kind)).Inc()
		}

		j := job{env: env, done: make(chan error, 1)}
		if err := pool.Submit(j); err != nil {
			// Backpressure: leave the message unacked for redelivery
			return err
		}

		// Ack only after the handler finishes
		select {
		case handlerErr := <-j.done:
			return handlerErr
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		_ = pool.Stop(a.stopTimeout)
		return nil, err
	}

	return func() {
		unsub()
		if err := pool.Stop(a.stopTimeout); err != nil {
			a.logger.Warn("worker pool stop timed out", "subject", subject)
		}
	}, nil
}
