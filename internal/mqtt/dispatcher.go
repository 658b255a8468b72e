package mqtt

import (
	"log"
	"sync"

	MQTT "github.com/eclipse/paho.mqtt.golang"
)

// MessageFunc handles one message routed by topic.
type MessageFunc func(msg MQTT.Message)

// Dispatcher routes incoming messages to handlers registered per exact topic.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[string]MessageFunc
	logger *log.Logger
	debug  bool
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(logger *log.Logger, debug bool) *Dispatcher {
	return &Dispatcher{
		routes: make(map[string]MessageFunc),
		logger: logger,
		debug:  debug,
	}
}

// Handle registers fn for topic, replacing any previous handler.
func (d *Dispatcher) Handle(topic string, fn MessageFunc) {
	d.mu.Lock()
	d.routes[topic] = fn
	d.mu.Unlock()
}

// Dispatch is installed as the paho default publish handler. The payload is
// copied because paho may reuse the buffer once the handler returns.
func (d *Dispatcher) Dispatch(_ MQTT.Client, msg MQTT.Message) {
	payloadCopy := make([]byte, len(msg.Payload()))
	copy(payloadCopy, msg.Payload())
	topic := msg.Topic()

	if d.debug {
		d.logger.Printf("Received: Topic=%s | Payload=%s", topic, truncate(payloadCopy))
	}

	d.mu.RLock()
	fn, ok := d.routes[topic]
	d.mu.RUnlock()
	if !ok {
		if d.debug {
			d.logger.Printf("No handler for topic '%s'. Message ignored.", topic)
		}
		return
	}
	fn(&simpleMessage{
		dup:       msg.Duplicate(),
		qos:       msg.Qos(),
		retained:  msg.Retained(),
		topic:     topic,
		messageID: msg.MessageID(),
		payload:   payloadCopy,
	})
}

// simpleMessage carries a detached copy of a message.
type simpleMessage struct {
	dup       bool
	qos       byte
	retained  bool
	topic     string
	messageID uint16
	payload   []byte
}

func (m *simpleMessage) Duplicate() bool   { return m.dup }
func (m *simpleMessage) Qos() byte         { return m.qos }
func (m *simpleMessage) Retained() bool    { return m.retained }
func (m *simpleMessage) Topic() string     { return m.topic }
func (m *simpleMessage) MessageID() uint16 { return m.messageID }
func (m *simpleMessage) Payload() []byte   { return m.payload }
func (m *simpleMessage) Ack()              {}
