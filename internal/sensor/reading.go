package sensor

import (
	"time"

	"github.com/its-billboard/billboard-agent/internal/config"
)

// Channel is one of the four semantic sensor slots.
type Channel string

const (
	Temperature Channel = "temperature"
	Humidity    Channel = "humidity"
	PM25        Channel = "pm25"
	PM10        Channel = "pm10"
)

// Channels lists every channel in display order.
var Channels = []Channel{Temperature, Humidity, PM25, PM10}

func (c Channel) index() int {
	switch c {
	case Temperature:
		return 0
	case Humidity:
		return 1
	case PM25:
		return 2
	case PM10:
		return 3
	}
	return -1
}

// Status is the connection/data status carried by a reading set.
type Status string

const (
	StatusOffline    Status = "offline"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusPartial    Status = "partial"
	StatusError      Status = "error"
	StatusTimeout    Status = "timeout"
)

// Reading is a point-in-time copy of the reading set. Nil slots have no value yet.
type Reading struct {
	Temperature  *float64   `json:"temperature"`
	Humidity     *float64   `json:"humidity"`
	PM25         *float64   `json:"pm25"`
	PM10         *float64   `json:"pm10"`
	LastUpdated  *time.Time `json:"lastUpdated"`
	Status       Status     `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Value returns the slot for ch and whether it is set.
func (r Reading) Value(ch Channel) (float64, bool) {
	var p *float64
	switch ch {
	case Temperature:
		p = r.Temperature
	case Humidity:
		p = r.Humidity
	case PM25:
		p = r.PM25
	case PM10:
		p = r.PM10
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// StatusUpdate is pushed to status subscribers on every status transition.
type StatusUpdate struct {
	Status      Status     `json:"status"`
	Message     string     `json:"message,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated"`
}

// StatusForCount derives the data status from the number of populated channels.
func StatusForCount(n int) Status {
	switch {
	case n >= len(Channels):
		return StatusConnected
	case n > 0:
		return StatusPartial
	default:
		return StatusError
	}
}

// ChannelMap resolves E-Ra config ids to channels.
type ChannelMap map[int]Channel

// NewChannelMap builds the lookup table from configuration. Zero ids are skipped.
func NewChannelMap(sc config.SensorConfigs) ChannelMap {
	m := make(ChannelMap, 4)
	for ch, id := range map[Channel]int{
		Temperature: sc.Temperature,
		Humidity:    sc.Humidity,
		PM25:        sc.PM25,
		PM10:        sc.PM10,
	} {
		if id != 0 {
			m[id] = ch
		}
	}
	return m
}

// Lookup returns the channel for configID.
func (m ChannelMap) Lookup(configID int) (Channel, bool) {
	ch, ok := m[configID]
	return ch, ok
}
