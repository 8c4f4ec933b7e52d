package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/askflow/errors"
)

// Option configures a Registry.
type Option func(*Registry)

// WithRetention sets how long resolved invocations stay queryable before
// the janitor evicts them.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry tracks every in-flight and recently resolved invocation, keyed
// by correlation ID. Lookups and creation take a short registry-wide lock;
// per-invocation work happens under the invocation's own mutex so distinct
// correlation IDs never contend.
type Registry struct {
	mu          sync.RWMutex
	invocations map[string]*Invocation

	retention time.Duration
	logger    *slog.Logger

	janitorStop chan struct{}
	janitorOnce sync.Once
}

// New creates an empty registry. Resolved invocations are retained for one
// minute by default.
func New(opts ...Option) *Registry {
	r := &Registry{
		invocations: make(map[string]*Invocation),
		retention:   time.Minute,
		logger:      slog.Default(),
		janitorStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new invocation. A correlation ID can only ever be
// created once, even after eviction the caller must mint a fresh UUID.
func (r *Registry) Create(correlationID, target string, deadline time.Time, retries int) (*Invocation, error) {
	if correlationID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty correlation ID"),
			"Registry", "Create", "validate arguments")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.invocations[correlationID]; exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("correlation ID %s already registered", correlationID),
			"Registry", "Create", "check uniqueness")
	}

	inv := newInvocation(correlationID, target, deadline, retries)
	r.invocations[correlationID] = inv
	return inv, nil
}

// Get returns the invocation for a correlation ID, if known.
func (r *Registry) Get(correlationID string) (*Invocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invocations[correlationID]
	return inv, ok
}

// Resolve applies a terminal outcome to the invocation under correlationID.
// Returns ErrUnknownCorrelation for unknown IDs; a second resolve of the
// same invocation is a silent no-op reporting false.
func (r *Registry) Resolve(correlationID string, outcome Outcome) (bool, error) {
	inv, ok := r.Get(correlationID)
	if !ok {
		return false, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownCorrelation, correlationID),
			"Registry", "Resolve", "look up invocation")
	}

	won := inv.resolve(outcome, time.Now())
	if !won {
		r.logger.Debug("duplicate resolution ignored",
			"correlation_id", correlationID,
			"state", inv.State().String())
	}
	return won, nil
}

// SweepExpired returns every unresolved invocation whose deadline has
// passed. The caller decides whether each one retries or times out; the
// sweep itself does not transition state.
func (r *Registry) SweepExpired(now time.Time) []*Invocation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var expired []*Invocation
	for _, inv := range r.invocations {
		if inv.State().Terminal() {
			continue
		}
		if inv.Deadline().Before(now) {
			expired = append(expired, inv)
		}
	}
	return expired
}

// Evict removes an invocation from the registry. Envelopes arriving for an
// evicted correlation ID are treated as unknown and dropped.
func (r *Registry) Evict(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.invocations, correlationID)
}

// Len returns the number of tracked invocations, resolved or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.invocations)
}

// InFlight returns the number of unresolved invocations.
func (r *Registry) InFlight() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, inv := range r.invocations {
		if !inv.State().Terminal() {
			n++
		}
	}
	return n
}

// StartJanitor launches the background eviction loop, removing resolved
// invocations once their retention window lapses. Call StopJanitor on
// shutdown.
func (r *Registry) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.janitorStop:
				return
			case <-ticker.C:
				evicted := r.evictResolvedBefore(time.Now().Add(-r.retention))
				if evicted > 0 {
					r.logger.Debug("evicted resolved invocations", "count", evicted)
				}
			}
		}
	}()
}

// StopJanitor stops the background eviction loop. Safe to call more than
// once.
func (r *Registry) StopJanitor() {
	r.janitorOnce.Do(func() { close(r.janitorStop) })
}

func (r *Registry) evictResolvedBefore(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, inv := range r.invocations {
		inv.mu.Lock()
		gone := inv.state.Terminal() && inv.resolvedAt.Before(cutoff)
		inv.mu.Unlock()
		if gone {
			delete(r.invocations, id)
			evicted++
		}
	}
	return evicted
}
