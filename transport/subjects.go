// Package transport carries envelopes over a durable message bus: encode
// and publish with bounded retry, and subscribe with decode, bounded
// handler concurrency, and acknowledgement only after the handler returns.
package transport

import "fmt"

// Subjects derives the bus subject names used by the protocol from the
// deployment namespace.
//
// Questions go to a per-service subject; everything the child sends back
// travels on a per-correlation answer subject, so a parent subscribes to
// exactly the conversations it opened.
type Subjects struct {
	Namespace string
}

// Question returns the subject a child service receives questions on.
func (s Subjects) Question(childName string) string {
	return fmt.Sprintf("%s.services.%s", s.Namespace, childName)
}

// Answers returns the subject carrying all child output for one
// correlation ID.
func (s Subjects) Answers(correlationID string) string {
	return fmt.Sprintf("%s.answers.%s", s.Namespace, correlationID)
}

// AnswersWildcard matches the answer subjects of every correlation ID in
// the namespace.
func (s Subjects) AnswersWildcard() string {
	return fmt.Sprintf("%s.answers.>", s.Namespace)
}

// StreamName returns the JetStream stream holding this namespace's
// subjects.
func (s Subjects) StreamName() string {
	return "ASKFLOW_" + sanitizeToken(s.Namespace)
}

// All returns the subject space the stream must cover.
func (s Subjects) All() []string {
	return []string{s.Namespace + ".>"}
}

func sanitizeToken(v string) string {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
