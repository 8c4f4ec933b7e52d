package envelope

import (
	"fmt"
	"sync"

	"github.com/c360/askflow/errors"
)

// Sequencer issues strictly increasing ordering numbers for one
// (correlation ID, sender role) pair and enforces the protocol's terminal
// invariant: at most one of {result, exception} per correlation ID.
//
// Safe for concurrent use; the responder's emitter and its analysis
// goroutine share one sequencer per question.
type Sequencer struct {
	mu            sync.Mutex
	correlationID string
	role          Role
	next          uint64
	terminalSent  bool
}

// NewSequencer creates a sequencer starting at ordering number zero.
func NewSequencer(correlationID string, role Role) *Sequencer {
	return &Sequencer{correlationID: correlationID, role: role}
}

// Next returns the next ordering number.
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next++
	return n
}

// Envelope wraps a payload into a numbered envelope. A second terminal
// payload for the same correlation ID fails with ErrAlreadyResolved.
func (s *Sequencer) Envelope(p Payload) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p == nil {
		return Envelope{}, errors.WrapInvalid(
			fmt.Errorf("nil payload"), "Sequencer", "Envelope", "wrap payload")
	}
	if p.kind().Terminal() {
		if s.terminalSent {
			return Envelope{}, errors.WrapInvalid(
				fmt.Errorf("%w: terminal envelope already issued for %s",
					errors.ErrAlreadyResolved, s.correlationID),
				"Sequencer", "Envelope", "enforce single terminal")
		}
		s.terminalSent = true
	}

	n := s.next
	s.next++

	return Envelope{
		Kind:            p.kind(),
		CorrelationID:   s.correlationID,
		OrderingNumber:  n,
		SenderRole:      s.role,
		ProtocolVersion: ProtocolVersion,
		Payload:         p,
	}, nil
}

// Envelopes wraps several payloads into consecutively numbered envelopes
// under one lock acquisition, so chunked payloads cannot interleave with
// concurrent emissions.
func (s *Sequencer) Envelopes(payloads ...Payload) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	envs := make([]Envelope, 0, len(payloads))
	for _, p := range payloads {
		if p == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("nil payload"), "Sequencer", "Envelopes", "wrap payload")
		}
		if p.kind().Terminal() {
			if s.terminalSent {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: terminal envelope already issued for %s",
						errors.ErrAlreadyResolved, s.correlationID),
					"Sequencer", "Envelopes", "enforce single terminal")
			}
			s.terminalSent = true
		}
		envs = append(envs, Envelope{
			Kind:            p.kind(),
			CorrelationID:   s.correlationID,
			OrderingNumber:  s.next,
			SenderRole:      s.role,
			ProtocolVersion: ProtocolVersion,
			Payload:         p,
		})
		s.next++
	}
	return envs, nil
}

// TerminalSent reports whether a terminal envelope has been issued.
func (s *Sequencer) TerminalSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalSent
}
