package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/c360/askflow/errors"
)

// DefaultMaxPayloadBytes is the default maximum size of an encoded payload.
// Oversized log_record/monitor_message payloads are chunked (see Chunk);
// other kinds exceeding the limit are rejected at encode time.
const DefaultMaxPayloadBytes = 512 * 1024

// wireEnvelope is the JSON wire shape:
// {type, correlation_id, ordering_number, sender_role, protocol_version, payload}
type wireEnvelope struct {
	Type            string          `json:"type"`
	CorrelationID   string          `json:"correlation_id"`
	OrderingNumber  *uint64         `json:"ordering_number"`
	SenderRole      string          `json:"sender_role"`
	ProtocolVersion string          `json:"protocol_version"`
	Payload         json.RawMessage `json:"payload"`
}

// Codec serializes and parses envelopes.
type Codec struct {
	maxPayloadBytes int
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithMaxPayloadBytes overrides the maximum encoded payload size.
func WithMaxPayloadBytes(n int) CodecOption {
	return func(c *Codec) {
		if n > 0 {
			c.maxPayloadBytes = n
		}
	}
}

// NewCodec creates a codec with optional configuration.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{maxPayloadBytes: DefaultMaxPayloadBytes}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxPayloadBytes returns the configured payload size limit.
func (c *Codec) MaxPayloadBytes() int {
	return c.maxPayloadBytes
}

// Encode serializes an envelope to wire bytes. The payload must fit within
// the size limit; callers stream oversized log/monitor payloads through
// Chunk instead.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	if err := validateHeader(env.Kind, env.CorrelationID, env.SenderRole); err != nil {
		return nil, err
	}
	if env.Payload == nil {
		return nil, malformed(fmt.Errorf("%s envelope has no payload", env.Kind))
	}
	if env.Payload.kind() != env.Kind {
		return nil, malformed(fmt.Errorf("payload kind %s does not match envelope kind %s",
			env.Payload.kind(), env.Kind))
	}

	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, malformed(fmt.Errorf("marshal payload: %w", err))
	}
	if len(payload) > c.maxPayloadBytes {
		return nil, errors.WrapInvalid(
			fmt.Errorf("payload size %d exceeds limit %d", len(payload), c.maxPayloadBytes),
			"Codec", "Encode", "enforce payload limit")
	}

	version := env.ProtocolVersion
	if version == "" {
		version = ProtocolVersion
	}

	ordering := env.OrderingNumber
	return json.Marshal(wireEnvelope{
		Type:            string(env.Kind),
		CorrelationID:   env.CorrelationID,
		OrderingNumber:  &ordering,
		SenderRole:      string(env.SenderRole),
		ProtocolVersion: version,
		Payload:         payload,
	})
}

// Decode parses wire bytes into an envelope. Unrecognized variant tags and
// absent or ill-typed required fields fail with ErrMalformedMessage.
func (c *Codec) Decode(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, malformed(fmt.Errorf("parse envelope: %w", err))
	}

	kind := Kind(wire.Type)
	role := Role(wire.SenderRole)
	if err := validateHeader(kind, wire.CorrelationID, role); err != nil {
		return Envelope{}, err
	}
	if wire.OrderingNumber == nil {
		return Envelope{}, malformed(fmt.Errorf("%s envelope missing ordering_number", kind))
	}
	if len(wire.Payload) == 0 {
		return Envelope{}, malformed(fmt.Errorf("%s envelope missing payload", kind))
	}

	payload, err := decodePayload(kind, wire.Payload)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Kind:            kind,
		CorrelationID:   wire.CorrelationID,
		OrderingNumber:  *wire.OrderingNumber,
		SenderRole:      role,
		ProtocolVersion: wire.ProtocolVersion,
		Payload:         payload,
	}, nil
}

func validateHeader(kind Kind, correlationID string, role Role) error {
	if !kind.valid() {
		return malformed(fmt.Errorf("unrecognized envelope type %q", kind))
	}
	if correlationID == "" {
		return malformed(fmt.Errorf("%s envelope missing correlation_id", kind))
	}
	if !role.valid() {
		return malformed(fmt.Errorf("%s envelope has invalid sender_role %q", kind, role))
	}
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindQuestion:
		var p QuestionPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil

	case KindLogRecord:
		var p LogRecordPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.Level == "" {
			return nil, malformed(fmt.Errorf("log_record payload missing level"))
		}
		return p, nil

	case KindMonitor:
		var p MonitorPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		if len(p.Data) == 0 {
			return nil, malformed(fmt.Errorf("monitor_message payload missing data"))
		}
		return p, nil

	case KindResult:
		var p ResultPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil

	case KindException:
		var p ExceptionPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.ErrKind == "" || p.Message == "" {
			return nil, malformed(fmt.Errorf("exception payload missing kind or message"))
		}
		return p, nil

	case KindHeartbeat:
		var p HeartbeatPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.Timestamp.IsZero() {
			return nil, malformed(fmt.Errorf("heartbeat payload missing timestamp"))
		}
		return p, nil
	}
	return nil, malformed(fmt.Errorf("unrecognized envelope type %q", kind))
}

func strictUnmarshal(raw json.RawMessage, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return malformed(fmt.Errorf("parse payload: %w", err))
	}
	return nil
}

func malformed(err error) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %w", errors.ErrMalformedMessage, err),
		"Codec", "validate", "check envelope")
}
