// Package mqtt owns the two broker connections of the billboard: the E-Ra sensor
// broker and the public command broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/its-billboard/billboard-agent/internal/metrics"
)

var (
	ErrNotConnected       = errors.New("mqtt: not connected")
	ErrConnectTimeout     = errors.New("mqtt: connect timed out")
	ErrNoBroker           = errors.New("mqtt: no connected broker")
	ErrSubscribeRejected  = errors.New("mqtt: subscription rejected by broker")
	errOperationTimedOut  = errors.New("mqtt: operation timed out")
	errGatewayTokenNotSet = errors.New("mqtt: gateway token is not configured")
)

const (
	DefaultConnectTimeout = 20 * time.Second
	pahoConnectTimeout    = 15 * time.Second
	keepAlive             = 60 * time.Second
	operationTimeout      = 10 * time.Second
	disconnectQuiesce     = 250
	maxLoggedPayload      = 100
)

// ConnState is the lifecycle state of one broker connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
	StateTimeout      ConnState = "timeout"
)

// Connection wraps a single paho client for one connect cycle. A new Connection
// is built for every connect attempt; ended connections are never reused.
type Connection struct {
	mu         sync.Mutex
	client     MQTT.Client
	state      ConnState
	retryCount int
	subRetries map[string]int
}

func newConnection(client MQTT.Client, retryCount int) *Connection {
	return &Connection{
		client:     client,
		state:      StateConnecting,
		retryCount: retryCount,
		subRetries: make(map[string]int),
	}
}

// State reports the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount is the number of failed connect attempts that preceded this one.
func (c *Connection) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// SubscriptionRetryCount is the current retry counter for topic.
func (c *Connection) SubscriptionRetryCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subRetries[topic]
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) nextSubscriptionRetry(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subRetries[topic]++
	return c.subRetries[topic]
}

func (c *Connection) resetSubscriptionRetry(topic string) {
	c.mu.Lock()
	delete(c.subRetries, topic)
	c.mu.Unlock()
}

func (c *Connection) owns(client MQTT.Client) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client == client
}

// IsConnected checks connection status.
func (c *Connection) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	return client != nil && client.IsConnected()
}

// Subscribe adds a subscription and waits for the SUBACK. A 0x80 return code counts as failure.
func (c *Connection) Subscribe(topic string, qos byte, timeout time.Duration) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	token := client.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("subscribe %q: %w", topic, errOperationTimedOut)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %q: %w", topic, err)
	}
	if st, ok := token.(*MQTT.SubscribeToken); ok {
		for _, code := range st.Result() {
			if code == 0x80 {
				return fmt.Errorf("subscribe %q: %w", topic, ErrSubscribeRejected)
			}
		}
	}
	return nil
}

// Publish sends payload at the given QoS and waits for the broker to take it.
func (c *Connection) Publish(topic string, qos byte, payload []byte, timeout time.Duration) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}
	token := client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish %q: %w", topic, errOperationTimedOut)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %q: %w", topic, err)
	}
	return nil
}

// end disconnects the client and drops the handle. Calling it twice is harmless.
func (c *Connection) end(final ConnState) {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.state = final
	c.mu.Unlock()
	if client != nil {
		client.Disconnect(disconnectQuiesce)
	}
}

// dial starts the connection and waits for the CONNACK, the deadline or ctx.
func dial(ctx context.Context, client MQTT.Client, timeout time.Duration) error {
	token := client.Connect()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// splitCredentials pulls "user:password@" out of a broker URL.
func splitCredentials(brokerURL string) (connectURL, user, pw string) {
	connectURL = brokerURL
	scheme := "tcp://"
	rest := brokerURL
	if idx := strings.Index(brokerURL, "://"); idx != -1 {
		scheme = brokerURL[:idx+3]
		rest = brokerURL[idx+3:]
	}
	userPassword, host, found := strings.Cut(rest, "@")
	if !found {
		return connectURL, "", ""
	}
	user, pw, _ = strings.Cut(userPassword, ":")
	return scheme + host, user, pw
}

// baseOptions holds the settings both broker connections share.
func baseOptions(brokerURL, clientID string) *MQTT.ClientOptions {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetKeepAlive(keepAlive)
	opts.SetConnectTimeout(pahoConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetConnectRetry(false)
	return opts
}

func truncate(payload []byte) string {
	s := string(payload)
	if len(s) > maxLoggedPayload {
		return s[:maxLoggedPayload] + "..."
	}
	return s
}

// --- Options ---

type options struct {
	logger           *log.Logger
	debug            bool
	newClient        ClientFactory
	metrics          *metrics.Metrics
	connectTimeout   time.Duration
	operationTimeout time.Duration
	backoff          func(attempt int) time.Duration
	broadcastEvery   time.Duration
}

// Option customises a broker client or publisher.
type Option func(*options)

func defaultOptions(prefix string) options {
	return options{
		logger:           log.New(os.Stderr, prefix, log.LstdFlags),
		newClient:        MQTT.NewClient,
		connectTimeout:   DefaultConnectTimeout,
		operationTimeout: operationTimeout,
		backoff:          SubscriptionBackoff,
		broadcastEvery:   time.Second,
	}
}

func buildOptions(prefix string, opts []Option) options {
	o := defaultOptions(prefix)
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger overrides the component logger.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDebug enables payload logging.
func WithDebug(debug bool) Option {
	return func(o *options) { o.debug = debug }
}

// WithClientFactory replaces MQTT.NewClient.
func WithClientFactory(f ClientFactory) Option {
	return func(o *options) {
		if f != nil {
			o.newClient = f
		}
	}
}

// WithMetrics records connection and message metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithConnectTimeout overrides the 20s connect deadline.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithOperationTimeout bounds subscribe and publish acknowledgements.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.operationTimeout = d
		}
	}
}

// WithSubscriptionBackoff replaces the subscription retry schedule.
func WithSubscriptionBackoff(f func(attempt int) time.Duration) Option {
	return func(o *options) {
		if f != nil {
			o.backoff = f
		}
	}
}

// WithBroadcastInterval sets how often the sensor snapshot is re-published.
func WithBroadcastInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.broadcastEvery = d
		}
	}
}
