package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/its-billboard/billboard-agent/internal/config"
)

const commandBrokerLabel = "command"

// CommandClient keeps the connection to the public command broker. It does not
// reconnect on its own: on connection loss the handle is dropped and the
// OnClosed callback decides whether to dial again.
type CommandClient struct {
	cfg        config.CommandBrokerConfig
	opts       options
	dispatcher *Dispatcher

	mu               sync.Mutex
	conn             *Connection
	failures         int
	pendingSubscribe bool
	retryTimers      map[string]*time.Timer
	handler          CommandHandler
	manifest         ManifestRefresher
	onClosed         func(err error)
}

// NewCommandClient builds a client for cfg. Handlers are attached with
// SetCommandHandler and SetManifestRefresher before Connect.
func NewCommandClient(cfg config.CommandBrokerConfig, opts ...Option) *CommandClient {
	c := &CommandClient{
		cfg:         cfg,
		opts:        buildOptions("[CommandMQTT] ", opts),
		retryTimers: make(map[string]*time.Timer),
	}
	c.dispatcher = NewDispatcher(c.opts.logger, c.opts.debug)
	c.dispatcher.Handle(cfg.CommandsTopic, c.handleCommand)
	c.dispatcher.Handle(cfg.ManifestTopic, c.handleManifestRefresh)
	return c
}

// SetCommandHandler attaches the receiver of the commands topic.
func (c *CommandClient) SetCommandHandler(h CommandHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	if h == nil {
		c.opts.logger.Println("Warning: command handler set to nil, commands will be ignored")
	}
}

// SetManifestRefresher attaches the receiver of the manifest refresh topic.
func (c *CommandClient) SetManifestRefresher(r ManifestRefresher) {
	c.mu.Lock()
	c.manifest = r
	c.mu.Unlock()
}

// OnClosed registers fn to run after the connection is lost.
// It is not called for an explicit Disconnect.
func (c *CommandClient) OnClosed(fn func(err error)) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

// Connect dials the command broker with a fresh client id and waits for the CONNACK.
func (c *CommandClient) Connect(ctx context.Context) error {
	c.Disconnect()

	connectURL, user, pw := splitCredentials(c.cfg.URL)
	clientID := "billboard_cmd_" + uuid.NewString()
	opts := baseOptions(connectURL, clientID)
	if user != "" {
		opts.SetUsername(user)
	}
	if pw != "" {
		opts.SetPassword(pw)
	}
	opts.SetAutoReconnect(false)
	opts.SetDefaultPublishHandler(c.dispatcher.Dispatch)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	client := c.opts.newClient(opts)
	c.mu.Lock()
	conn := newConnection(client, c.failures)
	c.conn = conn
	c.mu.Unlock()

	c.opts.logger.Printf("Connecting to %s as %s", connectURL, clientID)
	if err := dial(ctx, client, c.opts.connectTimeout); err != nil {
		final := StateError
		if errors.Is(err, ErrConnectTimeout) {
			final = StateTimeout
		}
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.failures++
		c.mu.Unlock()
		conn.end(final)
		c.opts.metrics.BrokerConnected(commandBrokerLabel, false)
		c.opts.logger.Printf("Connection failed: %v", err)
		return fmt.Errorf("command broker: %w", err)
	}
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
	return nil
}

func (c *CommandClient) current(client MQTT.Client) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.conn.owns(client) {
		return nil
	}
	return c.conn
}

func (c *CommandClient) onConnect(client MQTT.Client) {
	conn := c.current(client)
	if conn == nil {
		return
	}
	conn.setState(StateConnected)
	c.opts.metrics.BrokerConnected(commandBrokerLabel, true)
	c.opts.logger.Println("Connection established")

	c.mu.Lock()
	if c.pendingSubscribe {
		c.opts.logger.Println("Running subscription deferred until connect")
	}
	c.pendingSubscribe = false
	c.mu.Unlock()
	c.SubscribeTopics()
}

func (c *CommandClient) onConnectionLost(client MQTT.Client, err error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || !conn.owns(client) {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.stopRetryTimersLocked()
	closed := c.onClosed
	c.mu.Unlock()

	conn.end(StateDisconnected)
	c.opts.metrics.BrokerConnected(commandBrokerLabel, false)
	c.opts.logger.Printf("Connection lost: %v", err)
	if closed != nil {
		closed(err)
	}
}

// SubscribeTopics subscribes to the commands and manifest topics, each on its own.
// Without a live connection the subscription is deferred to the next connect.
func (c *CommandClient) SubscribeTopics() {
	for _, topic := range []string{c.cfg.CommandsTopic, c.cfg.ManifestTopic} {
		c.subscribe(topic)
	}
}

// subscribe tries topic once and on failure schedules a retry after
// SubscriptionBackoff(n). The counter for topic resets on success.
func (c *CommandClient) subscribe(topic string) {
	c.mu.Lock()
	conn := c.conn
	if !conn.IsConnected() {
		c.pendingSubscribe = true
		c.mu.Unlock()
		c.opts.logger.Printf("Not connected, subscription to '%s' deferred until connect", topic)
		return
	}
	delete(c.retryTimers, topic)
	c.mu.Unlock()

	err := conn.Subscribe(topic, 1, c.opts.operationTimeout)
	if err == nil {
		conn.resetSubscriptionRetry(topic)
		c.opts.logger.Printf("Subscribed to topic '%s'", topic)
		return
	}

	attempt := conn.nextSubscriptionRetry(topic)
	delay := c.opts.backoff(attempt)
	c.opts.metrics.SubscriptionRetry(topic)
	c.opts.logger.Printf("Failed to subscribe to '%s': %v. Retry %d in %v", topic, err, attempt, delay)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.retryTimers[topic] = time.AfterFunc(delay, func() { c.subscribe(topic) })
}

func (c *CommandClient) stopRetryTimersLocked() {
	for topic, t := range c.retryTimers {
		t.Stop()
		delete(c.retryTimers, topic)
	}
}

func (c *CommandClient) handleCommand(msg MQTT.Message) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		c.opts.logger.Printf("Received command on '%s' but no command handler is set", msg.Topic())
		return
	}
	h.HandleCommand(msg.Payload())
}

func (c *CommandClient) handleManifestRefresh(msg MQTT.Message) {
	c.mu.Lock()
	r := c.manifest
	c.mu.Unlock()
	if r == nil {
		c.opts.logger.Println("Manifest refresh requested but no refresher is set")
		return
	}
	go r.RefreshManifest(string(msg.Payload()))
}

// Connected reports whether the command broker handle is live.
func (c *CommandClient) Connected() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn.IsConnected()
}

// Connection returns the current connection handle, nil between a loss and the next connect.
func (c *CommandClient) Connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Publish sends payload at QoS 1. It fails soft with ErrNotConnected when the handle is nil.
func (c *CommandClient) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if c.opts.debug {
		c.opts.logger.Printf("Publish -> Topic=%s | Payload=%s", topic, truncate(payload))
	}
	return conn.Publish(topic, 1, payload, c.opts.operationTimeout)
}

// Disconnect cancels pending subscription retries and ends the connection.
func (c *CommandClient) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.pendingSubscribe = false
	c.stopRetryTimersLocked()
	c.mu.Unlock()
	if conn == nil {
		return
	}
	conn.end(StateDisconnected)
	c.opts.metrics.BrokerConnected(commandBrokerLabel, false)
	c.opts.logger.Println("Client disconnected.")
}
