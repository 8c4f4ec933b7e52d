package responder

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/askflow/content"
	"github.com/c360/askflow/envelope"
	"github.com/c360/askflow/errors"
	"github.com/c360/askflow/health"
	"github.com/c360/askflow/testutil"
	"github.com/c360/askflow/transport"
)

var testSubjects = transport.Subjects{Namespace: "test"}

var intSchema = []byte(`{
	"type": "object",
	"properties": {"n": {"type": "integer"}},
	"required": ["n"]
}`)

func startResponder(t *testing.T, run RunFunc, opts ...Option) (*testutil.MockBus, *envelope.Codec) {
	t.Helper()
	bus := testutil.NewMockBus()
	t.Cleanup(bus.Close)
	codec := envelope.NewCodec()
	adapter := transport.NewAdapter(bus, transport.WithCodec(codec))

	opts = append([]Option{WithHeartbeatInterval(0)}, opts...)
	r, err := New("doubler", adapter, testSubjects, run, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Shutdown() })
	return bus, codec
}

func askQuestion(t *testing.T, bus *testutil.MockBus, codec *envelope.Codec, correlationID string, values map[string]any) {
	t.Helper()
	data, err := codec.Encode(envelope.Envelope{
		Kind:            envelope.KindQuestion,
		CorrelationID:   correlationID,
		OrderingNumber:  0,
		SenderRole:      envelope.RoleParent,
		ProtocolVersion: envelope.ProtocolVersion,
		Payload:         envelope.QuestionPayload{InputValues: values},
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), testSubjects.Question("doubler"), data))
}

func awaitAnswers(t *testing.T, bus *testutil.MockBus, codec *envelope.Codec, correlationID string, want int) []envelope.Envelope {
	t.Helper()
	subject := testSubjects.Answers(correlationID)
	var envs []envelope.Envelope
	require.Eventually(t, func() bool {
		envs = decodeAll(t, codec, bus.PublishedTo(subject))
		return len(envs) >= want
	}, 2*time.Second, 10*time.Millisecond)
	return envs
}

func TestAnswerSuccess(t *testing.T) {
	bus, codec := startResponder(t, func(_ context.Context, a *Analysis) (map[string]any, *content.Manifest, error) {
		require.NoError(t, a.Log("info", "doubling"))
		n := a.InputValues["n"].(float64)
		return map[string]any{"doubled": n * 2}, nil, nil
	}, WithInputSchema(intSchema))

	askQuestion(t, bus, codec, "corr-ok", map[string]any{"n": 21})

	envs := awaitAnswers(t, bus, codec, "corr-ok", 2)
	require.Len(t, envs, 2)

	assert.Equal(t, envelope.KindLogRecord, envs[0].Kind)
	assert.Equal(t, uint64(0), envs[0].OrderingNumber)

	assert.Equal(t, envelope.KindResult, envs[1].Kind)
	assert.Equal(t, uint64(1), envs[1].OrderingNumber)
	result := envs[1].Payload.(envelope.ResultPayload)
	assert.Equal(t, float64(42), result.OutputValues["doubled"])
}

func TestAnswerRejectsInvalidInput(t *testing.T) {
	var ran atomic.Bool
	bus, codec := startResponder(t, func(context.Context, *Analysis) (map[string]any, *content.Manifest, error) {
		ran.Store(true)
		return nil, nil, nil
	}, WithInputSchema(intSchema))

	askQuestion(t, bus, codec, "corr-bad", map[string]any{"n": "not a number"})

	envs := awaitAnswers(t, bus, codec, "corr-bad", 1)
	require.Len(t, envs, 1)
	assert.Equal(t, envelope.KindException, envs[0].Kind)
	p := envs[0].Payload.(envelope.ExceptionPayload)
	assert.Equal(t, "ValidationError", p.ErrKind)
	assert.False(t, ran.Load(), "analysis must not run on invalid input")
}

func TestAnswerAnalysisError(t *testing.T) {
	bus, codec := startResponder(t, func(context.Context, *Analysis) (map[string]any, *content.Manifest, error) {
		return nil, nil, &errors.RemoteError{
			Kind:    "FileNotFoundError",
			Message: "dataset missing",
		}
	})

	askQuestion(t, bus, codec, "corr-err", map[string]any{"n": 1})

	envs := awaitAnswers(t, bus, codec, "corr-err", 1)
	p := envs[len(envs)-1].Payload.(envelope.ExceptionPayload)
	assert.Equal(t, "FileNotFoundError", p.ErrKind)
	assert.Equal(t, "dataset missing", p.Message)
}

func TestAnswerRecoversPanic(t *testing.T) {
	bus, codec := startResponder(t, func(context.Context, *Analysis) (map[string]any, *content.Manifest, error) {
		panic("unexpected state")
	})

	askQuestion(t, bus, codec, "corr-panic", map[string]any{"n": 1})

	envs := awaitAnswers(t, bus, codec, "corr-panic", 1)
	require.Equal(t, envelope.KindException, envs[len(envs)-1].Kind)
	p := envs[len(envs)-1].Payload.(envelope.ExceptionPayload)
	assert.Contains(t, p.Message, "unexpected state")
}

func TestAnswerValidatesOutput(t *testing.T) {
	bus, codec := startResponder(t, func(context.Context, *Analysis) (map[string]any, *content.Manifest, error) {
		return map[string]any{"doubled": "not a number"}, nil, nil
	}, WithOutputSchema([]byte(`{
		"type": "object",
		"properties": {"doubled": {"type": "number"}}
	}`)))

	askQuestion(t, bus, codec, "corr-out", map[string]any{"n": 1})

	envs := awaitAnswers(t, bus, codec, "corr-out", 1)
	p := envs[len(envs)-1].Payload.(envelope.ExceptionPayload)
	assert.Equal(t, "ValidationError", p.ErrKind)
}

func TestIgnoresNonQuestionEnvelopes(t *testing.T) {
	bus, codec := startResponder(t, func(context.Context, *Analysis) (map[string]any, *content.Manifest, error) {
		return map[string]any{}, nil, nil
	})

	// A stray result on the question subject is acked and dropped
	seq := envelope.NewSequencer("corr-stray", envelope.RoleChild)
	env, err := seq.Envelope(envelope.ResultPayload{OutputValues: map[string]any{}})
	require.NoError(t, err)
	data, err := codec.Encode(env)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), testSubjects.Question("doubler"), data))
	bus.Flush()

	assert.Empty(t, bus.PublishedTo(testSubjects.Answers("corr-stray")))
}

func TestStartTwiceFails(t *testing.T) {
	bus := testutil.NewMockBus()
	defer bus.Close()
	adapter := transport.NewAdapter(bus)

	r, err := New("svc", adapter, testSubjects,
		func(context.Context, *Analysis) (map[string]any, *content.Manifest, error) {
			return nil, nil, nil
		})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	defer func() { _ = r.Shutdown() }()

	assert.ErrorIs(t, r.Start(ctx), errors.ErrAlreadyStarted)
}

func TestAdvertiseIdentity(t *testing.T) {
	bus := testutil.NewMockBus()
	defer bus.Close()

	r, err := New("doubler", transport.NewAdapter(bus), testSubjects,
		func(context.Context, *Analysis) (map[string]any, *content.Manifest, error) {
			return nil, nil, nil
		},
		WithRevision("2.1.0"),
		WithInputSchema(intSchema))
	require.NoError(t, err)

	store := testutil.NewMemStore()
	require.NoError(t, r.Advertise(context.Background(), store))

	id, err := transport.LookupIdentity(context.Background(), store, "doubler")
	require.NoError(t, err)
	assert.Equal(t, "doubler", id.Service)
	assert.Equal(t, "2.1.0", id.Revision)
	assert.JSONEq(t, string(intSchema), string(id.InputSchema))
	assert.Empty(t, id.OutputSchema)
}

func TestHealthReporting(t *testing.T) {
	bus := testutil.NewMockBus()
	defer bus.Close()
	mon := health.NewMonitor()

	r, err := New("svc", transport.NewAdapter(bus), testSubjects,
		func(context.Context, *Analysis) (map[string]any, *content.Manifest, error) {
			return nil, nil, nil
		}, WithHealthMonitor(mon))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	status, ok := mon.Get("svc")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())

	require.NoError(t, r.Shutdown())
	status, _ = mon.Get("svc")
	assert.True(t, status.IsDegraded())
}

func TestNewValidation(t *testing.T) {
	adapter := transport.NewAdapter(testutil.NewMockBus())

	_, err := New("", adapter, testSubjects,
		func(context.Context, *Analysis) (map[string]any, *content.Manifest, error) {
			return nil, nil, nil
		})
	assert.Error(t, err)

	_, err = New("svc", adapter, testSubjects, nil)
	assert.Error(t, err)
}

func TestAnswerCarriesManifest(t *testing.T) {
	df, err := content.RegisterBytes("nats://askflow-data/out/summary.json", []byte(`{"rows":3}`))
	require.NoError(t, err)
	ds, err := content.NewDataset("summary", []content.Datafile{df})
	require.NoError(t, err)
	manifest, err := content.NewManifest(map[string]content.Dataset{"output": ds})
	require.NoError(t, err)

	bus, codec := startResponder(t, func(context.Context, *Analysis) (map[string]any, *content.Manifest, error) {
		return map[string]any{"ok": true}, &manifest, nil
	})

	askQuestion(t, bus, codec, "corr-manifest", map[string]any{"n": 1})

	envs := awaitAnswers(t, bus, codec, "corr-manifest", 1)
	result := envs[len(envs)-1].Payload.(envelope.ResultPayload)
	require.NotEmpty(t, result.OutputManifest)

	got, err := content.Deserialize(result.OutputManifest)
	require.NoError(t, err)
	outDs, ok := got.Dataset("output")
	require.True(t, ok)
	_, ok = outDs.FileByName("summary.json")
	assert.True(t, ok)
}

func TestConcurrentQuestions(t *testing.T) {
	bus, codec := startResponder(t, func(_ context.Context, a *Analysis) (map[string]any, *content.Manifest, error) {
		time.Sleep(10 * time.Millisecond)
		return map[string]any{"echo": a.InputValues["n"]}, nil, nil
	}, WithAnalysisWorkers(4, 64))

	for i := 0; i < 6; i++ {
		askQuestion(t, bus, codec, fmt.Sprintf("corr-%d", i), map[string]any{"n": i})
	}

	for i := 0; i < 6; i++ {
		envs := awaitAnswers(t, bus, codec, fmt.Sprintf("corr-%d", i), 1)
		result := envs[len(envs)-1].Payload.(envelope.ResultPayload)
		assert.Equal(t, float64(i), result.OutputValues["echo"])
	}
}
