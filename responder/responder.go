// Package responder is the child side of the invocation protocol: it
// receives questions, validates them, runs the registered analysis on a
// bounded worker pool, and streams logs, monitor documents, heartbeats,
// and exactly one terminal answer back to the asking parent.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/askflow/content"
	"github.com/c360/askflow/envelope"
	"github.com/c360/askflow/errors"
	"github.com/c360/askflow/health"
	"github.com/c360/askflow/metric"
	"github.com/c360/askflow/pkg/worker"
	"github.com/c360/askflow/schema"
	"github.com/c360/askflow/storage"
	"github.com/c360/askflow/transport"
)

// Analysis is what a RunFunc receives: the validated question plus the
// emitter for streaming output.
type Analysis struct {
	CorrelationID string
	InputValues   map[string]any
	InputManifest *content.Manifest

	emitter *Emitter
}

// Log streams a log record to the asking parent.
func (a *Analysis) Log(level, message string) error {
	return a.emitter.Log(level, message)
}

// Monitor streams an intermediate monitor document to the asking parent.
func (a *Analysis) Monitor(doc any) error {
	return a.emitter.Monitor(doc)
}

// RunFunc executes one analysis. The returned values become the result
// envelope; a returned error becomes an exception envelope. Panics are
// recovered and reported as exceptions.
type RunFunc func(ctx context.Context, a *Analysis) (map[string]any, *content.Manifest, error)

// Option configures a Responder.
type Option func(*Responder)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Responder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics attaches protocol metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Responder) { r.metrics = m }
}

// WithHealthMonitor reports the responder's serving state under the
// service's name.
func WithHealthMonitor(mon *health.Monitor) Option {
	return func(r *Responder) { r.healthMon = mon }
}

// WithInputSchema sets the JSON schema questions are validated against.
func WithInputSchema(schemaJSON []byte) Option {
	return func(r *Responder) { r.inputSchema = schemaJSON }
}

// WithOutputSchema sets the JSON schema results are validated against
// before publishing.
func WithOutputSchema(schemaJSON []byte) Option {
	return func(r *Responder) { r.outputSchema = schemaJSON }
}

// WithRevision tags the advertised identity with a deployed version.
func WithRevision(revision string) Option {
	return func(r *Responder) { r.revision = revision }
}

// WithHeartbeatInterval sets how often heartbeats are emitted while an
// analysis runs. Zero disables them.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Responder) { r.heartbeatInterval = d }
}

// WithAnalysisWorkers bounds concurrently running analyses.
func WithAnalysisWorkers(workers, queueSize int) Option {
	return func(r *Responder) {
		r.analysisWorkers = workers
		r.analysisQueue = queueSize
	}
}

// WithStreamRateLimit caps the rate of log and monitor publishes across
// all running analyses. Terminal envelopes and heartbeats are exempt.
func WithStreamRateLimit(perSecond float64, burst int) Option {
	return func(r *Responder) {
		if perSecond > 0 && burst > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithCodec overrides the envelope codec, e.g. to change the chunking
// threshold.
func WithCodec(c *envelope.Codec) Option {
	return func(r *Responder) {
		if c != nil {
			r.codec = c
		}
	}
}

// Responder serves one child service's question subject.
type Responder struct {
	name     string
	revision string
	adapter  *transport.Adapter
	subjects transport.Subjects
	run      RunFunc

	validator    *schema.Validator
	inputSchema  []byte
	outputSchema []byte

	codec             *envelope.Codec
	limiter           *rate.Limiter
	heartbeatInterval time.Duration
	analysisWorkers   int
	analysisQueue     int

	logger    *slog.Logger
	metrics   *metric.Metrics
	healthMon *health.Monitor

	mu      sync.Mutex
	started bool
	pool    *worker.Pool[analysisTask]
	unsub   func()
}

type analysisTask struct {
	question envelope.Envelope
	done     chan error
}

// New creates a responder for the named child service.
func New(name string, adapter *transport.Adapter, subjects transport.Subjects, run RunFunc, opts ...Option) (*Responder, error) {
	if name == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty service name"), "Responder", "New", "validate name")
	}
	if run == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil run function"), "Responder", "New", "validate run function")
	}

	r := &Responder{
		name:              name,
		adapter:           adapter,
		subjects:          subjects,
		run:               run,
		validator:         schema.NewValidator(),
		codec:             envelope.NewCodec(),
		limiter:           rate.NewLimiter(rate.Limit(200), 50),
		heartbeatInterval: 10 * time.Second,
		analysisWorkers:   4,
		analysisQueue:     64,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start subscribes to the service's question subject. A question is
// acknowledged only after its terminal answer is durably published, so a
// crash mid-analysis leads to redelivery, not loss.
func (r *Responder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Responder", "Start", "check state")
	}
	r.started = true
	r.mu.Unlock()

	pool := worker.NewPool(r.analysisWorkers, r.analysisQueue,
		func(ctx context.Context, task analysisTask) error {
			err := r.answer(ctx, task.question)
			task.done <- err
			return err
		})
	if err := pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Responder", "Start", "start analysis pool")
	}

	unsub, err := r.adapter.Subscribe(ctx, r.subjects.Question(r.name),
		func(ctx context.Context, env envelope.Envelope) error {
			return r.intake(ctx, pool, env)
		})
	if err != nil {
		_ = pool.Stop(time.Second)
		return err
	}

	r.mu.Lock()
	r.pool = pool
	r.unsub = unsub
	r.mu.Unlock()

	if r.healthMon != nil {
		r.healthMon.SetHealthy(r.name, "serving")
	}
	r.logger.Info("responder serving",
		"service", r.name,
		"subject", r.subjects.Question(r.name))
	return nil
}

// Identity returns the service's advertised contract.
func (r *Responder) Identity() transport.Identity {
	return transport.Identity{
		Service:      r.name,
		Revision:     r.revision,
		InputSchema:  r.inputSchema,
		OutputSchema: r.outputSchema,
	}
}

// Advertise publishes the identity document so invokers can fetch the
// schemas before asking.
func (r *Responder) Advertise(ctx context.Context, store storage.Store) error {
	return transport.PublishIdentity(ctx, store, r.Identity())
}

// Serve runs Start, blocks until ctx is cancelled, then drains running
// analyses.
func (r *Responder) Serve(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Shutdown()
}

// Shutdown tears down the subscription and waits for running analyses.
// Safe to call more than once.
func (r *Responder) Shutdown() error {
	r.mu.Lock()
	unsub := r.unsub
	pool := r.pool
	r.unsub = nil
	r.pool = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if r.healthMon != nil {
		r.healthMon.SetDegraded(r.name, "stopped")
	}
	if pool != nil {
		if err := pool.Stop(30 * time.Second); err != nil {
			return errors.WrapTransient(err, "Responder", "Shutdown", "drain analyses")
		}
	}
	return nil
}

// intake is the raw subscription handler. It blocks until the analysis
// reaches a durable terminal answer, because returning nil acknowledges
// the question.
func (r *Responder) intake(ctx context.Context, pool *worker.Pool[analysisTask], env envelope.Envelope) error {
	if env.Kind != envelope.KindQuestion {
		// Not ours to answer; ack and drop
		r.logger.Warn("ignoring non-question envelope on question subject",
			"kind", env.Kind, "correlation_id", env.CorrelationID)
		return nil
	}

	task := analysisTask{question: env, done: make(chan error, 1)}
	if err := pool.Submit(task); err != nil {
		// Saturated: leave unacked for redelivery
		return err
	}

	select {
	case err := <-task.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// answer runs one question end to end. The returned error requests
// redelivery and is reserved for failures to durably publish the terminal
// envelope; analysis failures become exception answers and ack.
func (r *Responder) answer(ctx context.Context, env envelope.Envelope) error {
	question, ok := env.Payload.(envelope.QuestionPayload)
	if !ok {
		return nil
	}

	emitter := newEmitter(ctx, r.adapter,
		r.subjects.Answers(env.CorrelationID), env.CorrelationID,
		r.codec, r.limiter, r.heartbeatInterval)

	// Input validation failures are answered, not retried: the question
	// will never get better on redelivery
	if err := r.validator.Validate(question.InputValues, r.inputSchema); err != nil {
		r.logger.Warn("rejecting invalid question",
			"correlation_id", env.CorrelationID, "error", err)
		return emitter.Exception(&errors.RemoteError{
			Kind:    "ValidationError",
			Message: err.Error(),
		})
	}

	var manifest *content.Manifest
	if len(question.InputManifest) > 0 {
		m, err := content.Deserialize(question.InputManifest)
		if err != nil {
			return emitter.Exception(errors.NewRemoteError(err))
		}
		manifest = &m
	}

	analysis := &Analysis{
		CorrelationID: env.CorrelationID,
		InputValues:   question.InputValues,
		InputManifest: manifest,
		emitter:       emitter,
	}

	outputValues, outputManifest, runErr := r.runAnalysis(ctx, analysis)
	if runErr != nil {
		r.logger.Error("analysis failed",
			"service", r.name,
			"correlation_id", env.CorrelationID,
			"error", runErr)
		return emitter.Exception(errors.NewRemoteError(runErr))
	}

	if err := r.validator.Validate(outputValues, r.outputSchema); err != nil {
		r.logger.Error("analysis produced invalid output",
			"service", r.name,
			"correlation_id", env.CorrelationID,
			"error", err)
		return emitter.Exception(&errors.RemoteError{
			Kind:    "ValidationError",
			Message: err.Error(),
		})
	}

	var manifestJSON []byte
	if outputManifest != nil {
		var err error
		manifestJSON, err = outputManifest.Serialize()
		if err != nil {
			return emitter.Exception(errors.NewRemoteError(err))
		}
	}

	return emitter.Result(outputValues, manifestJSON)
}

// runAnalysis invokes the run function with panic recovery.
func (r *Responder) runAnalysis(ctx context.Context, a *Analysis) (values map[string]any, manifest *content.Manifest, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.WrapFatal(
				fmt.Errorf("analysis panicked: %v\n%s", rec, debug.Stack()),
				"Responder", "runAnalysis", "recover panic")
		}
	}()
	return r.run(ctx, a)
}
