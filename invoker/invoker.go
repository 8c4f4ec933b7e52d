// Package invoker is the parent side of the invocation protocol: it sends
// questions to child services, follows the ordered answer stream, and
// resolves each invocation to a result, a remote failure, or a timeout.
// Timed-out invocations can be retried transparently under fresh
// correlation IDs while the caller keeps waiting on the same handle.
package invoker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/askflow/content"
	"github.com/c360/askflow/envelope"
	"github.com/c360/askflow/errors"
	"github.com/c360/askflow/metric"
	"github.com/c360/askflow/pkg/retry"
	"github.com/c360/askflow/registry"
	"github.com/c360/askflow/schema"
	"github.com/c360/askflow/transport"
)

// Question is what a caller asks a child service.
type Question struct {
	// InputValues is the input document, validated against InputSchema
	// before anything is published.
	InputValues map[string]any

	// InputManifest references the datasets the analysis needs. Every
	// datafile must be remote; manifests with local paths are rejected.
	InputManifest *content.Manifest

	// InputSchema is the child's advertised input schema. Empty means no
	// validation.
	InputSchema []byte

	// Timeout overrides the invoker default for this question.
	Timeout time.Duration

	// MaxRetries overrides the invoker default for this question.
	// Negative means use the default.
	MaxRetries int
}

// Result is the successful outcome of an invocation.
type Result struct {
	OutputValues   map[string]any
	OutputManifest *content.Manifest
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Invoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithMetrics attaches invocation metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(i *Invoker) { i.metrics = m }
}

// WithTimeout sets the default invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithMaxRetries sets how many times a timed-out invocation is reissued
// under a fresh correlation ID. Zero disables retry.
func WithMaxRetries(n int) Option {
	return func(i *Invoker) {
		if n >= 0 {
			i.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the backoff policy between timeout retries.
func WithRetryBackoff(cfg retry.Config) Option {
	return func(i *Invoker) { i.backoff = cfg }
}

// WithReorderTimeout bounds how long a missing ordering number may block
// stream delivery before a gap marker is forwarded.
func WithReorderTimeout(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.reorderTimeout = d
		}
	}
}

// WithSweepInterval tunes how often deadlines and reorder gaps are checked.
func WithSweepInterval(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.sweepInterval = d
		}
	}
}

// Invoker sends questions and tracks their invocations.
type Invoker struct {
	adapter   *transport.Adapter
	subjects  transport.Subjects
	registry  *registry.Registry
	validator *schema.Validator
	logger    *slog.Logger
	metrics   *metric.Metrics

	timeout        time.Duration
	maxRetries     int
	backoff        retry.Config
	reorderTimeout time.Duration
	sweepInterval  time.Duration

	flightsMu sync.Mutex
	flights   map[*flight]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates an invoker over the adapter and starts its background
// deadline sweeper. Close releases it.
func New(adapter *transport.Adapter, subjects transport.Subjects, opts ...Option) *Invoker {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &Invoker{
		adapter:   adapter,
		subjects:  subjects,
		registry:  registry.New(),
		validator: schema.NewValidator(),
		logger:    slog.Default(),

		timeout:    30 * time.Second,
		maxRetries: 0,
		backoff: retry.Config{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			MaxAttempts:  1,
		},
		reorderTimeout: 5 * time.Second,
		sweepInterval:  250 * time.Millisecond,

		flights: make(map[*flight]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(inv)
	}

	inv.registry.StartJanitor(15 * time.Second)
	inv.wg.Add(1)
	go inv.sweeper()
	return inv
}

// Close cancels all outstanding invocations and stops background work.
func (i *Invoker) Close() {
	i.flightsMu.Lock()
	if i.closed {
		i.flightsMu.Unlock()
		return
	}
	i.closed = true
	flights := make([]*flight, 0, len(i.flights))
	for f := range i.flights {
		flights = append(flights, f)
	}
	i.flightsMu.Unlock()

	for _, f := range flights {
		f.cancel()
	}
	i.cancel()
	i.wg.Wait()
	i.registry.StopJanitor()
}

// Ask validates the question and publishes it to the child service,
// returning a handle for streaming and awaiting the answer.
func (i *Invoker) Ask(ctx context.Context, childName string, q Question) (*Handle, error) {
	if childName == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty child service name"),
			"Invoker", "Ask", "validate target")
	}

	if err := i.validator.Validate(q.InputValues, q.InputSchema); err != nil {
		return nil, err
	}

	var manifestJSON []byte
	if q.InputManifest != nil {
		if !q.InputManifest.AllRemote() {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: all datasets must be remote before asking", errors.ErrLocalPath),
				"Invoker", "Ask", "check manifest")
		}
		var err error
		manifestJSON, err = q.InputManifest.Serialize()
		if err != nil {
			return nil, err
		}
	}

	timeout := q.Timeout
	if timeout <= 0 {
		timeout = i.timeout
	}
	maxRetries := q.MaxRetries
	if maxRetries < 0 {
		maxRetries = i.maxRetries
	}

	f := &flight{
		invoker: i,
		target:  childName,
		payload: envelope.QuestionPayload{
			InputValues:   q.InputValues,
			InputManifest: manifestJSON,
		},
		timeout:    timeout,
		maxRetries: maxRetries,
		stream:     make(chan StreamMessage, streamBuffer),
		done:       make(chan struct{}),
		started:    time.Now(),
	}

	i.flightsMu.Lock()
	if i.closed {
		i.flightsMu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Invoker", "Ask", "check invoker state")
	}
	i.flights[f] = struct{}{}
	i.flightsMu.Unlock()

	if err := f.launchAttempt(ctx); err != nil {
		i.dropFlight(f)
		return nil, err
	}

	if i.metrics != nil {
		i.metrics.InvocationsStarted.WithLabelValues(childName).Inc()
		i.metrics.InvocationsInFlight.Inc()
	}

	return &Handle{flight: f}, nil
}

func (i *Invoker) dropFlight(f *flight) {
	i.flightsMu.Lock()
	delete(i.flights, f)
	i.flightsMu.Unlock()
}

// sweeper periodically enforces invocation deadlines and reorder-gap
// timeouts across all flights.
func (i *Invoker) sweeper() {
	defer i.wg.Done()
	ticker := time.NewTicker(i.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case now := <-ticker.C:
			i.flightsMu.Lock()
			flights := make([]*flight, 0, len(i.flights))
			for f := range i.flights {
				flights = append(flights, f)
			}
			i.flightsMu.Unlock()

			for _, f := range flights {
				f.sweep(now)
			}
		}
	}
}
