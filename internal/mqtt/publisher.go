package mqtt

// FallbackPublisher sends status and ack messages on the command broker and
// falls back to the sensor broker. With neither connected the message is logged
// and dropped.
type FallbackPublisher struct {
	primary   Broker
	secondary Broker
	opts      options
}

// NewFallbackPublisher prefers primary and uses secondary when primary is down
// or its publish fails. Either broker may be nil.
func NewFallbackPublisher(primary, secondary Broker, opts ...Option) *FallbackPublisher {
	return &FallbackPublisher{
		primary:   primary,
		secondary: secondary,
		opts:      buildOptions("[Publisher] ", opts),
	}
}

// Publish never blocks on a missing broker; it returns ErrNoBroker when the message was dropped.
func (p *FallbackPublisher) Publish(topic string, payload []byte) error {
	if p.primary != nil && p.primary.Connected() {
		err := p.primary.Publish(topic, payload)
		if err == nil {
			p.opts.metrics.StatusPublished(commandBrokerLabel)
			return nil
		}
		p.opts.logger.Printf("Command broker publish to '%s' failed: %v, trying sensor broker", topic, err)
	}
	if p.secondary != nil && p.secondary.Connected() {
		err := p.secondary.Publish(topic, payload)
		if err == nil {
			p.opts.metrics.StatusPublished(sensorBrokerLabel)
			return nil
		}
		p.opts.logger.Printf("Sensor broker publish to '%s' failed: %v", topic, err)
	}
	p.opts.metrics.StatusPublished("dropped")
	p.opts.logger.Printf("No MQTT connection available, dropped message for '%s': %s", topic, truncate(payload))
	return ErrNoBroker
}
