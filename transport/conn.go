package transport

import (
	"context"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/askflow/natsclient"
)

// Conn is the raw bus connection the adapter runs over. A nil error from
// the subscription handler acknowledges the message; an error requests
// redelivery. testutil.MockBus satisfies this interface in-process.
type Conn interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(ctx context.Context, data []byte) error) (func(), error)
}

// NATSConn adapts natsclient.Client to the Conn interface, binding
// subscriptions to a JetStream stream with durable ack-explicit consumers.
type NATSConn struct {
	client     *natsclient.Client
	subjects   Subjects
	maxPending int
}

var _ Conn = (*NATSConn)(nil)

// NewNATSConn wraps client for the given namespace, ensuring the
// namespace's stream exists. maxPending bounds unacknowledged deliveries
// per subscription.
func NewNATSConn(ctx context.Context, client *natsclient.Client, subjects Subjects, maxPending int) (*NATSConn, error) {
	if maxPending <= 0 {
		maxPending = 64
	}

	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      subjects.StreamName(),
		Subjects:  subjects.All(),
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		return nil, err
	}

	return &NATSConn{client: client, subjects: subjects, maxPending: maxPending}, nil
}

// Publish publishes to the stream and waits for the durable ack.
func (c *NATSConn) Publish(ctx context.Context, subject string, data []byte) error {
	return c.client.Publish(ctx, subject, data)
}

// Subscribe attaches a durable consumer for subject.
func (c *NATSConn) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte) error) (func(), error) {
	stream := c.subjects.StreamName()
	if err := c.client.Consume(ctx, stream, subject, subject, c.maxPending, handler); err != nil {
		return nil, err
	}
	return func() { c.client.StopConsumer(stream, subject) }, nil
}
