package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/c360/askflow/errors"
)

// chunkOverhead is headroom reserved for the payload's fixed fields (level,
// timestamp, continuation flag, JSON syntax) when splitting oversized
// payloads against the codec's limit.
const chunkOverhead = 256

// ChunkLog splits a log record into one or more consecutively numbered
// envelopes. Records within the size limit produce a single envelope;
// oversized messages are split into continuation chunks that the receiver's
// Reassembler merges back together.
func (c *Codec) ChunkLog(seq *Sequencer, record LogRecordPayload) ([]Envelope, error) {
	budget := c.fragmentBudget()
	if len(record.Message) <= budget {
		env, err := seq.Envelope(record)
		if err != nil {
			return nil, err
		}
		return []Envelope{env}, nil
	}

	fragments := splitString(record.Message, budget)
	payloads := make([]Payload, len(fragments))
	for i, frag := range fragments {
		payloads[i] = LogRecordPayload{
			Level:        record.Level,
			Message:      frag,
			Timestamp:    record.Timestamp,
			Continuation: i < len(fragments)-1,
		}
	}
	return seq.Envelopes(payloads...)
}

// ChunkMonitor splits a monitor message into one or more consecutively
// numbered envelopes. Oversized data documents are carried as JSON string
// fragments of the original serialized document; the Reassembler
// concatenates and re-parses them.
func (c *Codec) ChunkMonitor(seq *Sequencer, monitor MonitorPayload) ([]Envelope, error) {
	if len(monitor.Data) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("monitor_message has no data"), "Codec", "ChunkMonitor", "split payload")
	}

	budget := c.fragmentBudget()
	if len(monitor.Data) <= budget {
		env, err := seq.Envelope(monitor)
		if err != nil {
			return nil, err
		}
		return []Envelope{env}, nil
	}

	fragments := splitString(string(monitor.Data), budget)
	payloads := make([]Payload, len(fragments))
	for i, frag := range fragments {
		quoted, err := json.Marshal(frag)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Codec", "ChunkMonitor", "encode fragment")
		}
		payloads[i] = MonitorPayload{
			Data:         quoted,
			Continuation: i < len(fragments)-1,
		}
	}
	return seq.Envelopes(payloads...)
}

func (c *Codec) fragmentBudget() int {
	budget := c.maxPayloadBytes - chunkOverhead
	if budget < 1 {
		budget = 1
	}
	return budget
}

// splitString cuts s into fragments of at most size bytes, never splitting
// a multi-byte rune: a cut landing mid-rune backs off to the previous rune
// start, so every fragment stays valid UTF-8 through JSON encoding on the
// wire. A budget smaller than one rune carries that rune whole.
func splitString(s string, size int) []string {
	var fragments []string
	for len(s) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(s)
		}
		fragments = append(fragments, s[:cut])
		s = s[cut:]
	}
	return append(fragments, s)
}

// Reassembler merges continuation chunks back into whole messages. Feed it
// envelopes in sender order (after reorder buffering); it is not safe for
// concurrent use, matching its place inside the per-invocation serialized
// message path.
type Reassembler struct {
	logPending     []LogRecordPayload
	monitorPending []string
	firstOrdering  uint64
}

// NewReassembler creates an empty reassembler for one (correlation ID,
// sender role) stream.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed consumes one in-order envelope. It returns the completed envelope
// once a whole message is available (immediately for unchunked kinds), or
// nil while a chunked message is still accumulating.
func (r *Reassembler) Feed(env Envelope) (*Envelope, error) {
	switch p := env.Payload.(type) {
	case LogRecordPayload:
		return r.feedLog(env, p)
	case MonitorPayload:
		return r.feedMonitor(env, p)
	default:
		if r.pending() {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s envelope interrupts continuation sequence",
					errors.ErrMalformedMessage, env.Kind),
				"Reassembler", "Feed", "merge chunks")
		}
		return &env, nil
	}
}

// Abandon drops any partially accumulated message, used when the reorder
// buffer declares a gap: the remaining chunks can never complete.
func (r *Reassembler) Abandon() {
	r.logPending = nil
	r.monitorPending = nil
	r.firstOrdering = 0
}

func (r *Reassembler) pending() bool {
	return len(r.logPending) > 0 || len(r.monitorPending) > 0
}

func (r *Reassembler) feedLog(env Envelope, p LogRecordPayload) (*Envelope, error) {
	if len(r.monitorPending) > 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: log_record interrupts monitor_message continuation",
				errors.ErrMalformedMessage),
			"Reassembler", "Feed", "merge chunks")
	}

	if len(r.logPending) == 0 {
		if !p.Continuation {
			return &env, nil
		}
		r.firstOrdering = env.OrderingNumber
	}
	r.logPending = append(r.logPending, p)
	if p.Continuation {
		return nil, nil
	}

	var sb strings.Builder
	for _, frag := range r.logPending {
		sb.WriteString(frag.Message)
	}
	merged := env
	merged.OrderingNumber = r.firstOrdering
	merged.Payload = LogRecordPayload{
		Level:     r.logPending[0].Level,
		Message:   sb.String(),
		Timestamp: r.logPending[0].Timestamp,
	}
	r.logPending = nil
	return &merged, nil
}

func (r *Reassembler) feedMonitor(env Envelope, p MonitorPayload) (*Envelope, error) {
	if len(r.logPending) > 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: monitor_message interrupts log_record continuation",
				errors.ErrMalformedMessage),
			"Reassembler", "Feed", "merge chunks")
	}

	if len(r.monitorPending) == 0 && !p.Continuation {
		return &env, nil
	}

	var fragment string
	if err := json.Unmarshal(p.Data, &fragment); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: monitor_message chunk data is not a string fragment: %w",
				errors.ErrMalformedMessage, err),
			"Reassembler", "Feed", "merge chunks")
	}

	if len(r.monitorPending) == 0 {
		r.firstOrdering = env.OrderingNumber
	}
	r.monitorPending = append(r.monitorPending, fragment)
	if p.Continuation {
		return nil, nil
	}

	data := json.RawMessage(strings.Join(r.monitorPending, ""))
	if !json.Valid(data) {
		r.monitorPending = nil
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: reassembled monitor_message data is not valid JSON",
				errors.ErrMalformedMessage),
			"Reassembler", "Feed", "merge chunks")
	}

	merged := env
	merged.OrderingNumber = r.firstOrdering
	merged.Payload = MonitorPayload{Data: data}
	r.monitorPending = nil
	return &merged, nil
}
