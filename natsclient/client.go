// Package natsclient manages the NATS connection used as the message bus:
// connection lifecycle with reconnect tracking, JetStream stream and
// durable consumer management with explicit acknowledgement, and object
// store access for datafile payloads.
package natsclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/askflow/errors"
	"github.com/c360/askflow/health"
	"github.com/c360/askflow/metric"
)

// ConnectionStatus represents the state of the NATS connection.
type ConnectionStatus int

// Possible connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Client manages a NATS connection and its JetStream context. All methods
// are safe for concurrent use.
type Client struct {
	url    string
	status atomic.Value // ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username string
	password string
	token    string

	tlsConfig *tls.Config

	clientName string

	metrics   *metric.Metrics
	healthMon *health.Monitor

	onReconnect      func()
	onConnectionLost func(error)

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewClient creates a NATS client for the given server URL. The connection
// is not established until Connect is called.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("empty server URL"),
			"Client", "NewClient", "validate URL")
	}

	c := &Client{
		url:           url,
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
		consumers:     make(map[string]jetstream.ConsumeContext),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL.
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// Connected reports whether the connection is currently usable.
func (c *Client) Connected() bool {
	return c.Status() == StatusConnected
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.metrics != nil {
		if status == StatusConnected {
			c.metrics.NATSConnected.Set(1)
		} else {
			c.metrics.NATSConnected.Set(0)
		}
	}
	if c.healthMon != nil {
		switch status {
		case StatusConnected:
			c.healthMon.SetHealthy("nats", "connected")
		case StatusConnecting, StatusReconnecting:
			c.healthMon.SetDegraded("nats", status.String())
		default:
			c.healthMon.SetUnhealthy("nats", "disconnected")
		}
	}
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsConfig != nil {
		opts = append(opts, nats.Secure(c.tlsConfig))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	return opts
}

// Connect establishes the connection and initializes JetStream.
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to NATS", "url", c.url)

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		if err != nil {
			connectDone <- err
			return
		}

		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			connectDone <- err
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "establish connection")
	}

	c.setStatus(StatusConnected)
	c.logger.Info("connected to NATS", "url", c.url)
	return nil
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.consumersMu.Lock()
	for name, consumer := range c.consumers {
		consumer.Stop()
		c.logger.Debug("stopped consumer", "consumer", name)
	}
	c.consumers = nil
	c.consumersMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	var drainErr error
	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() {
			drainDone <- c.conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
			}
		case <-time.After(drainTimeout):
			drainErr = errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout),
				"Client", "Close", "drain connection")
		case <-ctx.Done():
			drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
		}

		c.conn.Close()
		c.conn = nil
	}

	// Credentials are not needed past this point
	c.password = ""
	c.token = ""

	c.setStatus(StatusDisconnected)
	return drainErr
}

// Publish publishes data to a JetStream subject and waits for the stream's
// acknowledgement, so a nil return means the message is durably stored.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil || !c.Connected() {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Publish", "check connection")
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish to stream")
	}
	return nil
}

// EnsureStream creates the stream if it does not exist and updates it if
// its configuration drifted.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil || !c.Connected() {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Client", "EnsureStream", "check connection")
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureStream",
			fmt.Sprintf("ensure stream %s", cfg.Name))
	}
	return stream, nil
}

// Consume attaches a durable consumer to streamName filtered to subject and
// delivers each message to handler. Acknowledgement is explicit: a nil
// handler return acks the message, an error nacks it for redelivery.
// maxPending bounds unacknowledged deliveries, providing flow control.
func (c *Client) Consume(
	ctx context.Context,
	streamName, subject, durable string,
	maxPending int,
	handler func(context.Context, []byte) error,
) error {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil || !c.Connected() {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Consume", "check connection")
	}
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Consume", "check client state")
	}

	cfg := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: maxPending,
	}
	if durable != "" {
		cfg.Durable = sanitizeDurable(durable)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, cfg)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Consume",
			fmt.Sprintf("create consumer on %s", streamName))
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(ctx, msg.Data()); err != nil {
			c.logger.Warn("handler rejected message, requesting redelivery",
				"subject", msg.Subject(), "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Consume", "start consuming")
	}

	key := streamName + ":" + subject
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	if c.closed.Load() {
		consumeCtx.Stop()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Consume", "register consumer")
	}
	if existing, ok := c.consumers[key]; ok {
		existing.Stop()
	}
	c.consumers[key] = consumeCtx
	return nil
}

// StopConsumer stops the consumer attached for streamName and subject.
func (c *Client) StopConsumer(streamName, subject string) {
	key := streamName + ":" + subject
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()
	if consumer, ok := c.consumers[key]; ok {
		consumer.Stop()
		delete(c.consumers, key)
	}
}

// ObjectStore returns the named object store bucket, creating it if needed.
func (c *Client) ObjectStore(ctx context.Context, bucket string) (jetstream.ObjectStore, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil || !c.Connected() {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Client", "ObjectStore", "check connection")
	}

	store, err := js.ObjectStore(ctx, bucket)
	if err == nil {
		return store, nil
	}

	store, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: bucket})
	if err != nil {
		if isAlreadyExistsError(err) {
			store, err = js.ObjectStore(ctx, bucket)
			if err == nil {
				return store, nil
			}
		}
		return nil, errors.WrapTransient(err, "Client", "ObjectStore",
			fmt.Sprintf("open bucket %s", bucket))
	}
	return store, nil
}

// RTT returns the round-trip time to the server.
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, errors.ErrNotConnected
	}
	return conn.RTT()
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS connection lost", "error", err)

	c.mu.RLock()
	onConnectionLost := c.onConnectionLost
	c.mu.RUnlock()
	if onConnectionLost != nil {
		go onConnectionLost(err)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())
	if c.metrics != nil {
		c.metrics.NATSReconnects.Inc()
	}

	c.mu.RLock()
	onReconnect := c.onReconnect
	c.mu.RUnlock()
	if onReconnect != nil {
		go onReconnect()
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
}

// sanitizeDurable maps a subject-like name to a valid durable consumer name.
func sanitizeDurable(name string) string {
	return strings.NewReplacer(".", "-", "*", "any", ">", "all", " ", "-").Replace(name)
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
