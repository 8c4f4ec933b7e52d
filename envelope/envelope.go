// Package envelope defines the typed protocol messages exchanged between
// askflow services and their wire codec.
package envelope

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the wire protocol version stamped on every envelope.
const ProtocolVersion = "1.0"

// Kind identifies the envelope variant.
type Kind string

// Envelope kinds.
const (
	KindQuestion  Kind = "question"
	KindLogRecord Kind = "log_record"
	KindMonitor   Kind = "monitor_message"
	KindResult    Kind = "result"
	KindException Kind = "exception"
	KindHeartbeat Kind = "heartbeat"
)

// valid reports whether the kind is a recognized variant tag.
func (k Kind) valid() bool {
	switch k {
	case KindQuestion, KindLogRecord, KindMonitor, KindResult, KindException, KindHeartbeat:
		return true
	}
	return false
}

// Terminal reports whether the kind resolves an invocation.
func (k Kind) Terminal() bool {
	return k == KindResult || k == KindException
}

// Role identifies which side of an invocation sent an envelope. Ordering
// numbers are monotonic per (correlation ID, role), so both sides can number
// independently.
type Role string

// Sender roles.
const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

func (r Role) valid() bool {
	return r == RoleParent || r == RoleChild
}

// Envelope is a single typed protocol message. Envelopes are created once,
// transmitted, and never mutated.
type Envelope struct {
	Kind            Kind
	CorrelationID   string
	OrderingNumber  uint64
	SenderRole      Role
	ProtocolVersion string
	Payload         Payload
}

// Terminal reports whether this envelope resolves an invocation.
func (e Envelope) Terminal() bool {
	return e.Kind.Terminal()
}

// Payload is the variant-specific body of an envelope.
type Payload interface {
	kind() Kind
}

// QuestionPayload asks a child service to run its analysis.
type QuestionPayload struct {
	// InputValues is the schema-validated input document.
	InputValues map[string]any `json:"input_values"`

	// InputManifest is the serialized content manifest, if any. It is
	// carried as a nested JSON document produced by content.Manifest.
	InputManifest json.RawMessage `json:"input_manifest,omitempty"`

	// ChildIdentitiesAllowed restricts which service identities may answer.
	// Empty means any instance of the target child.
	ChildIdentitiesAllowed []string `json:"child_identities_allowed,omitempty"`
}

func (QuestionPayload) kind() Kind { return KindQuestion }

// LogRecordPayload streams one log line from the running analysis.
type LogRecordPayload struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`

	// Continuation marks a chunk of an oversized record; the next envelope
	// in the sender's sequence carries the rest.
	Continuation bool `json:"continuation,omitempty"`
}

func (LogRecordPayload) kind() Kind { return KindLogRecord }

// MonitorPayload streams an intermediate progress/monitoring document.
type MonitorPayload struct {
	Data         json.RawMessage `json:"data"`
	Continuation bool            `json:"continuation,omitempty"`
}

func (MonitorPayload) kind() Kind { return KindMonitor }

// ResultPayload carries the successful outcome of an analysis.
type ResultPayload struct {
	OutputValues   map[string]any  `json:"output_values"`
	OutputManifest json.RawMessage `json:"output_manifest,omitempty"`
}

func (ResultPayload) kind() Kind { return KindResult }

// ExceptionPayload carries a structured analysis failure.
type ExceptionPayload struct {
	ErrKind string         `json:"kind"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func (ExceptionPayload) kind() Kind { return KindException }

// HeartbeatPayload is a liveness signal during long analyses. It resets the
// invoker's idle deadline without participating in log ordering.
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

func (HeartbeatPayload) kind() Kind { return KindHeartbeat }

// Heartbeat builds a heartbeat envelope. Heartbeats sit outside the sender's
// ordered sequence and always carry ordering number zero; receivers handle
// them before reorder buffering.
func Heartbeat(correlationID string, role Role, ts time.Time) Envelope {
	return Envelope{
		Kind:            KindHeartbeat,
		CorrelationID:   correlationID,
		SenderRole:      role,
		ProtocolVersion: ProtocolVersion,
		Payload:         HeartbeatPayload{Timestamp: ts},
	}
}
