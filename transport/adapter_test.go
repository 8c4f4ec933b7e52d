package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/askflow/envelope"
	"github.com/c360/askflow/errors"
	"github.com/c360/askflow/pkg/retry"
	"github.com/c360/askflow/testutil"
)

func testEnvelope(n uint64) envelope.Envelope {
	return envelope.Envelope{
		Kind:            envelope.KindLogRecord,
		CorrelationID:   "corr-1",
		OrderingNumber:  n,
		SenderRole:      envelope.RoleChild,
		ProtocolVersion: envelope.ProtocolVersion,
		Payload: envelope.LogRecordPayload{
			Level:     "info",
			Message:   fmt.Sprintf("line %d", n),
			Timestamp: time.Unix(1700000000, 0).UTC(),
		},
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus := testutil.NewMockBus()
	defer bus.Close()
	adapter := NewAdapter(bus)

	received := make(chan envelope.Envelope, 1)
	unsub, err := adapter.Subscribe(context.Background(), "askflow.answers.corr-1",
		func(_ context.Context, env envelope.Envelope) error {
			received <- env
			return nil
		})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, adapter.Publish(context.Background(), "askflow.answers.corr-1", testEnvelope(0)))

	select {
	case env := <-received:
		assert.Equal(t, envelope.KindLogRecord, env.Kind)
		assert.Equal(t, "corr-1", env.CorrelationID)
		payload := env.Payload.(envelope.LogRecordPayload)
		assert.Equal(t, "line 0", payload.Message)
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestPublishRejectsInvalidEnvelope(t *testing.T) {
	bus := testutil.NewMockBus()
	defer bus.Close()
	adapter := NewAdapter(bus)

	// Envelope with no payload fails encoding before touching the bus
	err := adapter.Publish(context.Background(), "s", envelope.Envelope{
		Kind:          envelope.KindResult,
		CorrelationID: "corr-1",
		SenderRole:    envelope.RoleChild,
	})
	require.Error(t, err)
	assert.Empty(t, bus.Published())
}

type flakyConn struct {
	*testutil.MockBus
	failures atomic.Int32
	allow    int32
}

func (f *flakyConn) Publish(ctx context.Context, subject string, data []byte) error {
	if f.failures.Add(1) <= f.allow {
		return fmt.Errorf("bus unavailable")
	}
	return f.MockBus.Publish(ctx, subject, data)
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	conn := &flakyConn{MockBus: testutil.NewMockBus(), allow: 2}
	adapter := NewAdapter(conn, WithRetryConfig(retry.Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}))

	err := adapter.Publish(context.Background(), "s", testEnvelope(0))
	require.NoError(t, err)
	assert.Equal(t, int32(3), conn.failures.Load())
}

func TestPublishSurfacesTransportErrorAfterRetryBudget(t *testing.T) {
	conn := &flakyConn{MockBus: testutil.NewMockBus(), allow: 100}
	adapter := NewAdapter(conn, WithRetryConfig(retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}))

	err := adapter.Publish(context.Background(), "s", testEnvelope(0))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTransport)
	assert.True(t, errors.IsTransient(err))
}

func TestSubscribeAcksMalformedAndContinues(t *testing.T) {
	bus := testutil.NewMockBus()
	defer bus.Close()
	adapter := NewAdapter(bus)

	received := make(chan envelope.Envelope, 1)
	unsub, err := adapter.Subscribe(context.Background(), "s",
		func(_ context.Context, env envelope.Envelope) error {
			received <- env
			return nil
		})
	require.NoError(t, err)
	defer unsub()

	// Garbage first: must be dropped without wedging the subscription
	require.NoError(t, bus.Publish(context.Background(), "s", []byte("not json")))
	require.NoError(t, adapter.Publish(context.Background(), "s", testEnvelope(0)))

	select {
	case env := <-received:
		assert.Equal(t, uint64(0), env.OrderingNumber)
	case <-time.After(time.Second):
		t.Fatal("valid envelope after garbage not delivered")
	}
}

func TestSubscribeRedeliversOnHandlerError(t *testing.T) {
	bus := testutil.NewMockBus(testutil.WithMaxRedeliveries(5))
	defer bus.Close()
	adapter := NewAdapter(bus)

	var attempts atomic.Int32
	unsub, err := adapter.Subscribe(context.Background(), "s",
		func(context.Context, envelope.Envelope) error {
			if attempts.Add(1) < 3 {
				return fmt.Errorf("handler not ready")
			}
			return nil
		})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, adapter.Publish(context.Background(), "s", testEnvelope(0)))

	require.Eventually(t, func() bool { return attempts.Load() == 3 },
		time.Second, 10*time.Millisecond)
}

func TestSubscribeConcurrencyBound(t *testing.T) {
	bus := testutil.NewMockBus()
	defer bus.Close()
	adapter := NewAdapter(bus, WithConcurrency(2, 64))

	var inFlight, peak atomic.Int32
	unsub, err := adapter.Subscribe(context.Background(), "s",
		func(context.Context, envelope.Envelope) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})
	require.NoError(t, err)
	defer unsub()

	for i := 0; i < 8; i++ {
		require.NoError(t, adapter.Publish(context.Background(), "s", testEnvelope(uint64(i))))
	}
	bus.Flush()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestSubjects(t *testing.T) {
	s := Subjects{Namespace: "askflow"}
	assert.Equal(t, "askflow.services.wind-turbine", s.Question("wind-turbine"))
	assert.Equal(t, "askflow.answers.corr-1", s.Answers("corr-1"))
	assert.Equal(t, "askflow.answers.>", s.AnswersWildcard())
	assert.Equal(t, "ASKFLOW_ASKFLOW", s.StreamName())
	assert.Equal(t, []string{"askflow.>"}, s.All())

	assert.Equal(t, "ASKFLOW_GEO_DATA1", Subjects{Namespace: "geo-data1"}.StreamName())
}

func TestEnvelopeRoundTripAllKinds(t *testing.T) {
	bus := testutil.NewMockBus()
	defer bus.Close()
	adapter := NewAdapter(bus)

	envs := []envelope.Envelope{
		{
			Kind: envelope.KindQuestion, CorrelationID: "c", SenderRole: envelope.RoleParent,
			ProtocolVersion: envelope.ProtocolVersion,
			Payload:         envelope.QuestionPayload{InputValues: map[string]any{"n": float64(1)}},
		},
		{
			Kind: envelope.KindResult, CorrelationID: "c", OrderingNumber: 1, SenderRole: envelope.RoleChild,
			ProtocolVersion: envelope.ProtocolVersion,
			Payload:         envelope.ResultPayload{OutputValues: map[string]any{"ok": true}},
		},
		{
			Kind: envelope.KindMonitor, CorrelationID: "c", OrderingNumber: 2, SenderRole: envelope.RoleChild,
			ProtocolVersion: envelope.ProtocolVersion,
			Payload:         envelope.MonitorPayload{Data: json.RawMessage(`{"pct":50}`)},
		},
	}

	received := make(chan envelope.Envelope, len(envs))
	unsub, err := adapter.Subscribe(context.Background(), "s",
		func(_ context.Context, env envelope.Envelope) error {
			received <- env
			return nil
		})
	require.NoError(t, err)
	defer unsub()

	for _, env := range envs {
		require.NoError(t, adapter.Publish(context.Background(), "s", env))
	}
	bus.Flush()

	kinds := map[envelope.Kind]bool{}
	for range envs {
		select {
		case env := <-received:
			kinds[env.Kind] = true
		case <-time.After(time.Second):
			t.Fatal("missing envelope")
		}
	}
	assert.Len(t, kinds, 3)
}
