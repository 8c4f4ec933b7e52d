package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/askflow/errors"
)

func TestEncodeDecodeQuestion(t *testing.T) {
	codec := NewCodec()
	env := Envelope{
		Kind:           KindQuestion,
		CorrelationID:  "corr-1",
		OrderingNumber: 0,
		SenderRole:     RoleParent,
		Payload: QuestionPayload{
			InputValues:            map[string]any{"n": float64(5)},
			ChildIdentitiesAllowed: []string{"wind-analysis"},
		},
	}

	data, err := codec.Encode(env)
	require.NoError(t, err)

	// Wire shape has the documented field names
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "question", wire["type"])
	assert.Equal(t, "corr-1", wire["correlation_id"])
	assert.Equal(t, float64(0), wire["ordering_number"])
	assert.Equal(t, "parent", wire["sender_role"])
	assert.Equal(t, ProtocolVersion, wire["protocol_version"])

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.Kind, decoded.Kind)
	assert.Equal(t, env.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, env.SenderRole, decoded.SenderRole)

	q, ok := decoded.Payload.(QuestionPayload)
	require.True(t, ok)
	if diff := cmp.Diff(env.Payload.(QuestionPayload).InputValues, q.InputValues); diff != "" {
		t.Errorf("input values mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"wind-analysis"}, q.ChildIdentitiesAllowed)
}

func TestEncodeDecodeAllKinds(t *testing.T) {
	codec := NewCodec()
	now := time.Now().UTC().Truncate(time.Millisecond)

	payloads := []Payload{
		QuestionPayload{InputValues: map[string]any{"n": float64(5)}},
		LogRecordPayload{Level: "INFO", Message: "starting", Timestamp: now},
		MonitorPayload{Data: json.RawMessage(`{"progress":0.5}`)},
		ResultPayload{OutputValues: map[string]any{"result": float64(25)}},
		ExceptionPayload{ErrKind: "ValueError", Message: "bad input"},
		HeartbeatPayload{Timestamp: now},
	}

	for _, p := range payloads {
		env := Envelope{
			Kind:           p.kind(),
			CorrelationID:  "corr-2",
			OrderingNumber: 7,
			SenderRole:     RoleChild,
			Payload:        p,
		}
		data, err := codec.Encode(env)
		require.NoError(t, err, "kind %s", p.kind())

		decoded, err := codec.Decode(data)
		require.NoError(t, err, "kind %s", p.kind())
		assert.Equal(t, p.kind(), decoded.Kind)
		assert.Equal(t, uint64(7), decoded.OrderingNumber)
	}
}

func TestDecodeMalformed(t *testing.T) {
	codec := NewCodec()

	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"unknown type", `{"type":"mystery","correlation_id":"c","ordering_number":0,"sender_role":"parent","protocol_version":"1.0","payload":{}}`},
		{"missing correlation id", `{"type":"result","ordering_number":0,"sender_role":"child","protocol_version":"1.0","payload":{}}`},
		{"missing ordering number", `{"type":"result","correlation_id":"c","sender_role":"child","protocol_version":"1.0","payload":{}}`},
		{"bad sender role", `{"type":"result","correlation_id":"c","ordering_number":0,"sender_role":"sibling","protocol_version":"1.0","payload":{}}`},
		{"missing payload", `{"type":"result","correlation_id":"c","ordering_number":0,"sender_role":"child","protocol_version":"1.0"}`},
		{"ill-typed payload", `{"type":"log_record","correlation_id":"c","ordering_number":0,"sender_role":"child","protocol_version":"1.0","payload":{"level":5}}`},
		{"log record missing level", `{"type":"log_record","correlation_id":"c","ordering_number":0,"sender_role":"child","protocol_version":"1.0","payload":{"message":"hi"}}`},
		{"exception missing kind", `{"type":"exception","correlation_id":"c","ordering_number":0,"sender_role":"child","protocol_version":"1.0","payload":{"message":"boom"}}`},
		{"heartbeat missing timestamp", `{"type":"heartbeat","correlation_id":"c","ordering_number":0,"sender_role":"child","protocol_version":"1.0","payload":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrMalformedMessage)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestEncodeRejectsOversizedNonChunkable(t *testing.T) {
	codec := NewCodec(WithMaxPayloadBytes(64))
	env := Envelope{
		Kind:          KindResult,
		CorrelationID: "c",
		SenderRole:    RoleChild,
		Payload: ResultPayload{
			OutputValues: map[string]any{"blob": strings.Repeat("x", 200)},
		},
	}
	_, err := codec.Encode(env)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestEncodeRejectsKindPayloadMismatch(t *testing.T) {
	codec := NewCodec()
	env := Envelope{
		Kind:          KindResult,
		CorrelationID: "c",
		SenderRole:    RoleChild,
		Payload:       HeartbeatPayload{Timestamp: time.Now()},
	}
	_, err := codec.Encode(env)
	assert.ErrorIs(t, err, errors.ErrMalformedMessage)
}

func TestHeartbeatConstructor(t *testing.T) {
	ts := time.Now().UTC()
	env := Heartbeat("corr-3", RoleChild, ts)
	assert.Equal(t, KindHeartbeat, env.Kind)
	assert.Equal(t, uint64(0), env.OrderingNumber)
	assert.False(t, env.Terminal())

	codec := NewCodec()
	data, err := codec.Encode(env)
	require.NoError(t, err)
	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	hb, ok := decoded.Payload.(HeartbeatPayload)
	require.True(t, ok)
	assert.WithinDuration(t, ts, hb.Timestamp, time.Millisecond)
}

func TestTerminalKinds(t *testing.T) {
	assert.True(t, KindResult.Terminal())
	assert.True(t, KindException.Terminal())
	assert.False(t, KindQuestion.Terminal())
	assert.False(t, KindLogRecord.Terminal())
	assert.False(t, KindMonitor.Terminal())
	assert.False(t, KindHeartbeat.Terminal())
}
