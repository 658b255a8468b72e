package mqtt

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
)

// --- paho fakes ---

type fakeToken struct {
	err  error
	done chan struct{}
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type publishedMessage struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	opts         *MQTT.ClientOptions
	connected    bool
	connectErr   error
	connectHangs bool
	subscribeErr map[string][]error
	publishErr   error
	subscribed   []string
	subAttempts  map[string]int
	published    []publishedMessage
	disconnects  int
}

func newFakeClient(opts *MQTT.ClientOptions) *fakeClient {
	return &fakeClient{
		opts:         opts,
		subscribeErr: make(map[string][]error),
		subAttempts:  make(map[string]int),
	}
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakeClient) Connect() MQTT.Token {
	f.mu.Lock()
	if f.connectHangs {
		f.mu.Unlock()
		return pendingToken()
	}
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return completedToken(err)
	}
	f.connected = true
	f.mu.Unlock()
	if f.opts.OnConnect != nil {
		go f.opts.OnConnect(f)
	}
	return completedToken(nil)
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) MQTT.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return completedToken(f.publishErr)
	}
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = append([]byte(nil), p...)
	case string:
		b = []byte(p)
	}
	f.published = append(f.published, publishedMessage{topic: topic, qos: qos, payload: b})
	return completedToken(nil)
}

func (f *fakeClient) Subscribe(topic string, _ byte, _ MQTT.MessageHandler) MQTT.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subAttempts[topic]++
	if queue := f.subscribeErr[topic]; len(queue) > 0 {
		f.subscribeErr[topic] = queue[1:]
		return completedToken(queue[0])
	}
	f.subscribed = append(f.subscribed, topic)
	return completedToken(nil)
}

func (f *fakeClient) SubscribeMultiple(map[string]byte, MQTT.MessageHandler) MQTT.Token {
	return completedToken(nil)
}

func (f *fakeClient) Unsubscribe(...string) MQTT.Token { return completedToken(nil) }

func (f *fakeClient) AddRoute(string, MQTT.MessageHandler) {}

func (f *fakeClient) OptionsReader() MQTT.ClientOptionsReader { return MQTT.NewOptionsReader(f.opts) }

// deliver hands a message to the default publish handler like paho's router would.
func (f *fakeClient) deliver(topic string, payload string) {
	f.opts.DefaultPublishHandler(f, &simpleMessage{topic: topic, qos: 1, payload: []byte(payload)})
}

// loseConnection simulates a dropped socket.
func (f *fakeClient) loseConnection(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	if f.opts.OnConnectionLost != nil {
		f.opts.OnConnectionLost(f, err)
	}
}

func (f *fakeClient) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

func (f *fakeClient) attempts(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subAttempts[topic]
}

func (f *fakeClient) messages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.published...)
}

// fakeFactory records every client it builds; configure runs before the client is returned.
type fakeFactory struct {
	mu        sync.Mutex
	clients   []*fakeClient
	configure func(*fakeClient)
}

func (ff *fakeFactory) New(opts *MQTT.ClientOptions) MQTT.Client {
	c := newFakeClient(opts)
	if ff.configure != nil {
		ff.configure(c)
	}
	ff.mu.Lock()
	ff.clients = append(ff.clients, c)
	ff.mu.Unlock()
	return c
}

func (ff *fakeFactory) last() *fakeClient {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.clients) == 0 {
		return nil
	}
	return ff.clients[len(ff.clients)-1]
}

var errBoom = errors.New("boom")

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
