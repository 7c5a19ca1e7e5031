// Package natsclient provides a client for managing NATS connections with
// circuit breaker pattern. It is the pipeline's single transport surface:
// pub/sub for observations and fan-out, JetStream streams for the durable
// history store, and JetStream KV buckets for the TTL caches.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/unsflow/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
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
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected      = stderrors.New("not connected to NATS")
	ErrCircuitOpen       = stderrors.New("circuit breaker is open")
	ErrConnectionTimeout = stderrors.New("connection timeout")
)

// MessageHandler receives the subject a message arrived on together with
// its payload. The subject matters here: source classification and
// topic-segment equipment-id extraction both need it.
type MessageHandler func(ctx context.Context, subject string, data []byte)

// Client manages NATS connections with circuit breaker pattern
type Client struct {
	url      string
	status   atomic.Value // stores ConnectionStatus
	failures atomic.Int32
	logger   Logger

	// NATS connection
	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	// Circuit breaker
	lastFailure      atomic.Value // stores time.Time
	backoff          atomic.Value // stores time.Duration
	circuitFailures  atomic.Int32 // failures in current circuit round
	circuitThreshold int32        // failures before opening circuit
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Authentication
	username  string
	password  string
	token     string
	credsFile string

	// Client identification
	clientName string

	// Callbacks
	onDisconnect   func(error)
	onReconnect    func()
	onHealthChange func(bool)
	onStatusChange func(ConnectionStatus)

	// Synchronization
	mu      sync.RWMutex
	closeMu sync.Mutex  // Ensures Close() is called only once
	closed  atomic.Bool // Track if client is closed
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:    url,
		logger: &defaultLogger{},
		// Sensible defaults
		maxReconnects:    -1, // infinite by default
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(c.reconnectWait)
	c.lastFailure.Store(time.Time{})

	return c, nil
}

// URL returns the configured NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	if s, ok := m.status.Load().(ConnectionStatus); ok {
		return s
	}
	return StatusDisconnected
}

func (m *Client) setStatus(status ConnectionStatus) {
	prev := m.Status()
	m.status.Store(status)
	if m.onStatusChange != nil && status != prev {
		m.onStatusChange(status)
	}
}

// IsHealthy returns true when the connection is usable
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the current failure count
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// recordFailure tracks a failure and opens the circuit past the threshold
func (m *Client) recordFailure() {
	m.failures.Add(1)
	count := m.circuitFailures.Add(1)
	m.lastFailure.Store(time.Now())

	if count >= m.circuitThreshold {
		m.setStatus(StatusCircuitOpen)
		m.logger.Errorf("circuit breaker opened after %d failures", count)

		// Exponential backoff for the next probe
		current, _ := m.backoff.Load().(time.Duration)
		next := current * 2
		if next > m.maxBackoff {
			next = m.maxBackoff
		}
		m.backoff.Store(next)

		go m.scheduleCircuitProbe(next)
	}
}

func (m *Client) resetCircuit() {
	m.circuitFailures.Store(0)
	m.backoff.Store(m.reconnectWait)
	if m.Status() == StatusCircuitOpen {
		m.setStatus(StatusConnected)
		m.logger.Printf("circuit breaker closed")
	}
}

// scheduleCircuitProbe half-opens the circuit after the backoff interval.
func (m *Client) scheduleCircuitProbe(after time.Duration) {
	timer := time.NewTimer(after)
	defer timer.Stop()
	<-timer.C

	if m.closed.Load() {
		return
	}

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn != nil && conn.IsConnected() {
		m.circuitFailures.Store(0)
		m.setStatus(StatusConnected)
		m.logger.Printf("circuit breaker probe succeeded")
	}
}

// WaitForConnection blocks until connected or the context expires
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ErrConnectionTimeout
		case <-ticker.C:
			if m.IsHealthy() {
				return nil
			}
		}
	}
}

// buildConnectionOptions assembles nats.Options from client configuration
func (m *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	if m.username != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.credsFile != "" {
		opts = append(opts, nats.UserCredentials(m.credsFile))
	}

	return opts
}

// Connect establishes the NATS connection and JetStream context
func (m *Client) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil && m.conn.IsConnected() {
		return nil
	}

	m.setStatus(StatusConnecting)

	conn, err := nats.Connect(m.url, m.buildConnectionOptions()...)
	if err != nil {
		m.setStatus(StatusDisconnected)
		m.recordFailure()
		return errors.WrapTransient(err, "Client", "Connect", "connect to NATS")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		m.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "create JetStream context")
	}

	m.conn = conn
	m.js = js
	m.setStatus(StatusConnected)
	m.resetCircuit()

	m.logger.Printf("connected to NATS at %s", m.url)

	if m.onHealthChange != nil {
		m.onHealthChange(true)
	}

	// Honor context cancellation that raced the connect
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return nil
}

// Close drains subscriptions and closes the connection
func (m *Client) Close(_ context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Load() {
		return nil
	}
	m.closed.Store(true)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Debugf("unsubscribe failed: %v", err)
		}
	}
	m.subs = nil

	if m.conn != nil {
		if err := m.conn.Drain(); err != nil {
			m.logger.Errorf("drain failed, closing hard: %v", err)
			m.conn.Close()
		}
		m.conn = nil
	}

	// Clear credentials
	m.password = ""
	m.token = ""

	m.setStatus(StatusDisconnected)
	return nil
}

// Subscribe subscribes to a NATS subject with context propagation.
// Each handler invocation receives a context derived from the parent
// with a 30-second processing timeout, the delivery subject, and the
// payload bytes.
func (m *Client) Subscribe(ctx context.Context, subject string, handler MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		handler(msgCtx, msg.Subject, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", fmt.Sprintf("subscribe to %s", subject))
	}

	m.subs = append(m.subs, sub)
	return nil
}

// Publish publishes a message to a NATS subject
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}

	return conn.Publish(subject, data)
}

// JetStream returns the JetStream context
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}

	return m.js, nil
}

// CreateStream creates a JetStream stream
func (m *Client) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	if m.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	if m.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	js, err := m.JetStream()
	if err != nil {
		m.recordFailure()
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "CreateStream", fmt.Sprintf("create stream %s", cfg.Name))
	}

	m.resetCircuit()
	return stream, nil
}

// PublishToStream publishes to a JetStream stream with acknowledgement
func (m *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	if m.Status() != StatusConnected {
		return ErrNotConnected
	}

	js, err := m.JetStream()
	if err != nil {
		m.recordFailure()
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		m.recordFailure()
		return errors.WrapTransient(err, "Client", "PublishToStream", fmt.Sprintf("publish to %s", subject))
	}

	m.resetCircuit()
	return nil
}

// CreateKeyValueBucket creates or binds a KV bucket. TTL applies per
// bucket, which is how the pipeline gets distinct short/long cache TTLs:
// one bucket per TTL class.
func (m *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if m.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	if m.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	js, err := m.JetStream()
	if err != nil {
		m.recordFailure()
		return nil, err
	}

	kv, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			kv, err = js.KeyValue(ctx, cfg.Bucket)
			if err == nil {
				m.resetCircuit()
				return kv, nil
			}
		}
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", fmt.Sprintf("create bucket %s", cfg.Bucket))
	}

	m.resetCircuit()
	return kv, nil
}

// GetKeyValueBucket binds to an existing KV bucket
func (m *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}

	kv, err := js.KeyValue(ctx, name)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, errors.WrapInvalid(errors.ErrBucketNotFound, "Client", "GetKeyValueBucket", name)
		}
		return nil, errors.WrapTransient(err, "Client", "GetKeyValueBucket", name)
	}

	return kv, nil
}

// OnHealthChange registers a callback invoked on connect/disconnect
func (m *Client) OnHealthChange(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHealthChange = fn
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	m.setStatus(StatusReconnecting)
	if err != nil {
		m.logger.Errorf("disconnected from NATS: %v", err)
	} else {
		m.logger.Printf("disconnected from NATS")
	}

	if m.onHealthChange != nil {
		m.onHealthChange(false)
	}
	if m.onDisconnect != nil {
		m.onDisconnect(err)
	}
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Printf("reconnected to NATS")

	if m.onHealthChange != nil {
		m.onHealthChange(true)
	}
	if m.onReconnect != nil {
		m.onReconnect()
	}
}

func (m *Client) handleClosed(_ *nats.Conn) {
	if !m.closed.Load() {
		m.setStatus(StatusDisconnected)
		m.logger.Errorf("NATS connection closed unexpectedly")
	}
}

func (m *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		m.logger.Errorf("NATS error on %s: %v", sub.Subject, err)
	} else {
		m.logger.Errorf("NATS error: %v", err)
	}
}

// isAlreadyExistsError checks for the JetStream "already in use" family
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, jetstream.ErrBucketExists) ||
		stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse)
}
