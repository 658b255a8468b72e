package mqtt

import MQTT "github.com/eclipse/paho.mqtt.golang"

// ClientFactory builds the paho client for a connection attempt. Tests swap it for a fake.
type ClientFactory func(opts *MQTT.ClientOptions) MQTT.Client

// CommandHandler receives raw payloads from the commands topic.
// Implementations must return quickly: they run on paho's ordered delivery path.
type CommandHandler interface {
	HandleCommand(payload []byte)
}

// ManifestRefresher re-checks the logo manifest when the admin panel asks for it.
type ManifestRefresher interface {
	RefreshManifest(payload string)
}

// Broker is a connection that can carry status and ack messages.
type Broker interface {
	Connected() bool
	Publish(topic string, payload []byte) error
}
