package mqtt

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/its-billboard/billboard-agent/internal/config"
	"github.com/its-billboard/billboard-agent/internal/sensor"
)

const sensorBrokerLabel = "sensor"

var configIDPattern = regexp.MustCompile(`/config/(\d+)/value$`)

// SensorTopic is the wildcard subscription for every datastream of a gateway.
func SensorTopic(gatewayToken string) string {
	return fmt.Sprintf("eoh/chip/%s/config/+/value", gatewayToken)
}

// EraClient keeps the E-Ra sensor connection and feeds the reading store.
type EraClient struct {
	cfg      config.EraIotConfig
	store    *sensor.Store
	channels sensor.ChannelMap
	scale    sensor.ScaleTransform
	topic    string
	opts     options

	mu       sync.Mutex
	conn     *Connection
	failures int
	stopTick chan struct{}
}

// NewEraClient builds a client for cfg. Nothing is dialled until Connect.
func NewEraClient(cfg config.EraIotConfig, store *sensor.Store, opts ...Option) *EraClient {
	return &EraClient{
		cfg:      cfg,
		store:    store,
		channels: sensor.NewChannelMap(cfg.SensorConfigs),
		scale:    sensor.NewScaleTransform(cfg.ScaleConfig),
		topic:    SensorTopic(cfg.GatewayToken),
		opts:     buildOptions("[EraMQTT] ", opts),
	}
}

// Connect dials the sensor broker and waits for the CONNACK. On error or
// timeout the connection is torn down; re-dialling is left to the caller.
func (e *EraClient) Connect(ctx context.Context) error {
	if e.cfg.GatewayToken == "" {
		return errGatewayTokenNotSet
	}
	e.Disconnect()

	e.store.SetStatus(sensor.StatusConnecting, "")
	clientID := fmt.Sprintf("billboard_%s_%d", e.cfg.GatewayToken, time.Now().UnixMilli())
	opts := baseOptions(e.cfg.BrokerURL, clientID)
	opts.SetUsername(e.cfg.GatewayToken)
	opts.SetPassword(e.cfg.GatewayToken)
	opts.SetAutoReconnect(true)
	opts.SetDefaultPublishHandler(e.handleMessage)
	opts.SetOnConnectHandler(e.onConnect)
	opts.SetConnectionLostHandler(e.onConnectionLost)

	client := e.opts.newClient(opts)
	e.mu.Lock()
	conn := newConnection(client, e.failures)
	e.conn = conn
	e.mu.Unlock()

	e.opts.logger.Printf("Connecting to %s with gateway token %s", e.cfg.BrokerURL, config.Mask(e.cfg.GatewayToken))
	if err := dial(ctx, client, e.opts.connectTimeout); err != nil {
		final, status := StateError, sensor.StatusError
		if errors.Is(err, ErrConnectTimeout) {
			final, status = StateTimeout, sensor.StatusTimeout
		}
		e.mu.Lock()
		if e.conn == conn {
			e.conn = nil
		}
		e.failures++
		e.mu.Unlock()
		conn.end(final)
		e.store.SetStatus(status, err.Error())
		e.opts.metrics.BrokerConnected(sensorBrokerLabel, false)
		e.opts.logger.Printf("Connection failed: %v", err)
		return fmt.Errorf("sensor broker: %w", err)
	}
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
	return nil
}

func (e *EraClient) current(client MQTT.Client) *Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil || !e.conn.owns(client) {
		return nil
	}
	return e.conn
}

// onConnect runs on every (re)connect: subscribe once and start the snapshot ticker.
func (e *EraClient) onConnect(client MQTT.Client) {
	conn := e.current(client)
	if conn == nil {
		return
	}
	conn.setState(StateConnected)
	e.store.SetStatus(sensor.StatusConnected, "")
	e.opts.metrics.BrokerConnected(sensorBrokerLabel, true)
	e.opts.logger.Println("Connected to E-Ra broker")

	if err := conn.Subscribe(e.topic, 1, e.opts.operationTimeout); err != nil {
		e.opts.logger.Printf("Subscription to %s failed: %v", e.topic, err)
	} else {
		e.opts.logger.Printf("Subscribed to %s", e.topic)
	}
	e.startTicker()
}

func (e *EraClient) onConnectionLost(client MQTT.Client, err error) {
	conn := e.current(client)
	if conn == nil {
		return
	}
	conn.setState(StateDisconnected)
	e.stopTicker()
	e.store.SetStatus(sensor.StatusOffline, "")
	e.opts.metrics.BrokerConnected(sensorBrokerLabel, false)
	e.opts.logger.Printf("Connection lost: %v. AutoReconnect will attempt to reconnect...", err)
}

func (e *EraClient) startTicker() {
	e.mu.Lock()
	if e.stopTick != nil {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.stopTick = stop
	every := e.opts.broadcastEvery
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.store.Broadcast()
			}
		}
	}()
}

func (e *EraClient) stopTicker() {
	e.mu.Lock()
	if e.stopTick != nil {
		close(e.stopTick)
		e.stopTick = nil
	}
	e.mu.Unlock()
}

// handleMessage resolves the datastream and writes the value into the store.
// Bad payloads and unknown ids are logged and dropped.
func (e *EraClient) handleMessage(_ MQTT.Client, msg MQTT.Message) {
	topic := msg.Topic()
	payload := msg.Payload()
	if e.opts.debug {
		e.opts.logger.Printf("Received: Topic=%s | Payload=%s", topic, truncate(payload))
	}

	m := configIDPattern.FindStringSubmatch(topic)
	if m == nil {
		e.opts.metrics.SensorMessage("bad_topic")
		e.opts.logger.Printf("Ignoring message on unexpected topic %s", topic)
		return
	}
	configID, err := strconv.Atoi(m[1])
	if err != nil {
		e.opts.metrics.SensorMessage("bad_topic")
		e.opts.logger.Printf("Ignoring message with config id %q: %v", m[1], err)
		return
	}

	raw, err := sensor.ParseValue(payload)
	if err != nil {
		e.opts.metrics.SensorMessage("parse_error")
		e.opts.logger.Printf("Config %d: %v (payload=%s)", configID, err, truncate(payload))
		return
	}

	ch, ok := e.channels.Lookup(configID)
	if !ok {
		e.opts.metrics.SensorMessage("unmapped")
		e.opts.logger.Printf("Config %d is not mapped to a sensor, value %v ignored", configID, raw)
		return
	}

	value, scaled := e.scale.Apply(ch, raw)
	status := e.store.Set(ch, value)
	e.opts.metrics.SensorMessage("applied")
	if e.opts.debug {
		if scaled {
			e.opts.logger.Printf("%s = %v (raw %v) status=%s", ch, value, raw, status)
		} else {
			e.opts.logger.Printf("%s = %v status=%s", ch, value, status)
		}
	}
}

// Connected reports whether the sensor broker is currently usable.
func (e *EraClient) Connected() bool {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	return conn.IsConnected()
}

// State returns the state of the current connection, or disconnected when there is none.
func (e *EraClient) State() ConnState {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return StateDisconnected
	}
	return conn.State()
}

// Publish sends payload at QoS 1 on the sensor connection. Used as the status fallback.
func (e *EraClient) Publish(topic string, payload []byte) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(topic, 1, payload, e.opts.operationTimeout)
}

// Disconnect stops the ticker, ends the connection and marks the store offline.
func (e *EraClient) Disconnect() {
	e.stopTicker()
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	if conn == nil {
		return
	}
	conn.end(StateDisconnected)
	e.store.SetStatus(sensor.StatusOffline, "")
	e.opts.metrics.BrokerConnected(sensorBrokerLabel, false)
	e.opts.logger.Println("Disconnected from E-Ra broker")
}
