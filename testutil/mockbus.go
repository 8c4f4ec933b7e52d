// Package testutil provides an in-process message bus with at-least-once
// delivery semantics for testing the invocation protocol without a NATS
// server: duplicate injection, redelivery on handler error, and configurable
// delivery reordering.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Handler consumes one raw message from the bus. It is an alias so MockBus
// satisfies the same interface as the real bus connection.
type Handler = func(ctx context.Context, data []byte) error

// MockBus is an in-memory stand-in for the durable bus. Delivery is
// asynchronous and per-subscription ordered unless reordering is enabled.
// A handler error triggers redelivery, mirroring a nacked message.
type MockBus struct {
	mu   sync.Mutex
	subs map[string][]*subscription

	published [][2]string // subject, data — for assertions

	duplicateEvery int // every Nth publish is delivered twice
	publishCount   int
	maxRedeliver   int
	redeliverDelay time.Duration
	reorderPairs   bool // swap delivery order of consecutive message pairs

	pendingSwap map[string]*delivery

	wg     sync.WaitGroup
	closed bool
}

type subscription struct {
	subject string
	handler Handler
	ctx     context.Context
}

type delivery struct {
	sub  *subscription
	data []byte
}

// MockBusOption configures a MockBus.
type MockBusOption func(*MockBus)

// WithDuplicateEvery makes every nth published message deliver twice,
// exercising dedup logic.
func WithDuplicateEvery(n int) MockBusOption {
	return func(b *MockBus) { b.duplicateEvery = n }
}

// WithReorderedPairs delivers consecutive message pairs on the same subject
// in swapped order, exercising reorder buffers.
func WithReorderedPairs() MockBusOption {
	return func(b *MockBus) { b.reorderPairs = true }
}

// WithMaxRedeliveries bounds how many times a nacked message is retried.
func WithMaxRedeliveries(n int) MockBusOption {
	return func(b *MockBus) { b.maxRedeliver = n }
}

// NewMockBus creates an empty bus.
func NewMockBus(opts ...MockBusOption) *MockBus {
	b := &MockBus{
		subs:           make(map[string][]*subscription),
		pendingSwap:    make(map[string]*delivery),
		maxRedeliver:   3,
		redeliverDelay: 5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers data to every matching subscription. It never fails:
// the mock bus is always durable.
func (b *MockBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.published = append(b.published, [2]string{subject, string(data)})
	b.publishCount++
	duplicate := b.duplicateEvery > 0 && b.publishCount%b.duplicateEvery == 0

	var targets []*subscription
	for pattern, subs := range b.subs {
		if subjectMatches(pattern, subject) {
			targets = append(targets, subs...)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		b.dispatch(sub, data, duplicate)
	}
	return nil
}

// Subscribe registers handler for a subject pattern. Patterns support the
// NATS trailing ">" wildcard. The returned function removes the
// subscription.
func (b *MockBus) Subscribe(ctx context.Context, subject string, handler Handler) (func(), error) {
	sub := &subscription{subject: subject, handler: handler, ctx: ctx}

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[subject]
		for i, s := range subs {
			if s == sub {
				b.subs[subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

func (b *MockBus) dispatch(sub *subscription, data []byte, duplicate bool) {
	if b.reorderPairs {
		b.mu.Lock()
		held, swapping := b.pendingSwap[sub.subject]
		if !swapping {
			// Hold this message until the next one arrives
			b.pendingSwap[sub.subject] = &delivery{sub: sub, data: data}
			b.mu.Unlock()
			return
		}
		delete(b.pendingSwap, sub.subject)
		b.mu.Unlock()

		// Deliver the newer message first, then the held one, serially so
		// the swap is observable
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.deliver(sub, data)
			if duplicate {
				b.deliver(sub, data)
			}
			b.deliver(held.sub, held.data)
		}()
		return
	}

	b.deliverAsync(sub, data)
	if duplicate {
		b.deliverAsync(sub, data)
	}
}

func (b *MockBus) deliverAsync(sub *subscription, data []byte) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.deliver(sub, data)
	}()
}

func (b *MockBus) deliver(sub *subscription, data []byte) {
	for attempt := 0; attempt <= b.maxRedeliver; attempt++ {
		ctx := sub.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if ctx.Err() != nil {
			return
		}
		if err := sub.handler(ctx, data); err == nil {
			return
		}
		time.Sleep(b.redeliverDelay)
	}
}

// Flush delivers any message held back by pair reordering that never got a
// partner, then waits for in-flight deliveries to complete.
func (b *MockBus) Flush() {
	b.mu.Lock()
	held := b.pendingSwap
	b.pendingSwap = make(map[string]*delivery)
	b.mu.Unlock()

	for _, d := range held {
		b.deliverAsync(d.sub, d.data)
	}
	b.wg.Wait()
}

// Close stops accepting publishes and waits for in-flight deliveries.
func (b *MockBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Flush()
}

// Published returns every (subject, payload) pair published so far.
func (b *MockBus) Published() [][2]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][2]string, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo returns the payloads published to one subject.
func (b *MockBus) PublishedTo(subject string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, p := range b.published {
		if p[0] == subject {
			out = append(out, p[1])
		}
	}
	return out
}

// subjectMatches checks a subscription pattern against a concrete subject,
// supporting the trailing ">" wildcard.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".>"); ok {
		return strings.HasPrefix(subject, prefix+".")
	}
	return false
}
