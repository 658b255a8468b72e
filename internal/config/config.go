package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default broker endpoints and topics used by the billboard.
const (
	DefaultEraBrokerURL     = "tcp://mqtt1.eoh.io:1883"
	DefaultCommandBrokerURL = "wss://broker.hivemq.com:8884/mqtt"

	DefaultCommandsTopic     = "its/billboard/commands"
	DefaultManifestTopic     = "its/billboard/manifest/refresh"
	DefaultUpdateStatusTopic = "its/billboard/update/status"
	DefaultUpdateAckTopic    = "its/billboard/update/ack"
	DefaultResetStatusTopic  = "its/billboard/reset/status"
)

// SensorConfigs maps each semantic channel to the E-Ra config id carried in the topic.
// A zero id means the channel is not mapped.
type SensorConfigs struct {
	Temperature int `json:"temperature"`
	Humidity    int `json:"humidity"`
	PM25        int `json:"pm25"`
	PM10        int `json:"pm10"`
}

// ScaleConfig describes the optional multiplier applied to selected channels.
type ScaleConfig struct {
	ScaleFactor    float64         `json:"scaleFactor"`
	DecimalPlaces  int             `json:"decimalPlaces"`
	AppliedSensors map[string]bool `json:"appliedSensors"`
}

// EraIotConfig holds the sensor broker settings.
type EraIotConfig struct {
	Enabled       bool          `json:"enabled"`
	AuthToken     string        `json:"authToken"`
	GatewayToken  string        `json:"gatewayToken"`
	BrokerURL     string        `json:"brokerUrl"`
	SensorConfigs SensorConfigs `json:"sensorConfigs"`
	ScaleConfig   ScaleConfig   `json:"scaleConfig"`
}

// CommandBrokerConfig holds the public command broker settings.
type CommandBrokerConfig struct {
	URL               string `json:"url"`
	CommandsTopic     string `json:"commandsTopic"`
	ManifestTopic     string `json:"manifestTopic"`
	UpdateStatusTopic string `json:"updateStatusTopic"`
	UpdateAckTopic    string `json:"updateAckTopic"`
	ResetStatusTopic  string `json:"resetStatusTopic"`
}

// OTAConfig holds the update orchestration settings.
type OTAConfig struct {
	DeviceID       string `json:"deviceId"`
	CurrentVersion string `json:"currentVersion"`
	InstallerDir   string `json:"installerDir"`
	// CheckTimeoutSeconds bounds every HTTP call made against the release feed.
	CheckTimeoutSeconds int  `json:"checkTimeout"`
	Simulated           bool `json:"simulated"`
}

// CheckTimeout returns the configured release feed timeout.
func (o OTAConfig) CheckTimeout() time.Duration {
	return time.Duration(o.CheckTimeoutSeconds) * time.Second
}

// AirQualityConfig holds the canonical PM threshold table. Each slice lists the
// inclusive upper bound of levels 1..4; anything above the last bound is level 5.
type AirQualityConfig struct {
	PM25 []float64 `json:"pm25"`
	PM10 []float64 `json:"pm10"`
}

// Config is the whole billboard agent configuration.
type Config struct {
	EraIot        EraIotConfig        `json:"eraIot"`
	CommandBroker CommandBrokerConfig `json:"commandBroker"`
	OTA           OTAConfig           `json:"ota"`
	AirQuality    AirQualityConfig    `json:"airQuality"`
	Listen        string              `json:"listen"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.EraIot.BrokerURL == "" {
		c.EraIot.BrokerURL = DefaultEraBrokerURL
	}
	if c.EraIot.ScaleConfig.ScaleFactor == 0 {
		c.EraIot.ScaleConfig.ScaleFactor = 0.1
	}
	if c.EraIot.ScaleConfig.DecimalPlaces == 0 {
		c.EraIot.ScaleConfig.DecimalPlaces = 1
	}
	if c.EraIot.ScaleConfig.AppliedSensors == nil {
		c.EraIot.ScaleConfig.AppliedSensors = map[string]bool{}
	}

	cb := &c.CommandBroker
	if cb.URL == "" {
		cb.URL = DefaultCommandBrokerURL
	}
	if cb.CommandsTopic == "" {
		cb.CommandsTopic = DefaultCommandsTopic
	}
	if cb.ManifestTopic == "" {
		cb.ManifestTopic = DefaultManifestTopic
	}
	if cb.UpdateStatusTopic == "" {
		cb.UpdateStatusTopic = DefaultUpdateStatusTopic
	}
	if cb.UpdateAckTopic == "" {
		cb.UpdateAckTopic = DefaultUpdateAckTopic
	}
	if cb.ResetStatusTopic == "" {
		cb.ResetStatusTopic = DefaultResetStatusTopic
	}

	if c.OTA.DeviceID == "" {
		c.OTA.DeviceID = AppName
	}
	if c.OTA.CurrentVersion == "" {
		c.OTA.CurrentVersion = Version
	}
	if c.OTA.InstallerDir == "" {
		c.OTA.InstallerDir = "pending-updates"
	}
	if c.OTA.CheckTimeoutSeconds <= 0 {
		c.OTA.CheckTimeoutSeconds = 10
	}

	if len(c.AirQuality.PM25) == 0 {
		c.AirQuality.PM25 = []float64{15, 25, 35, 55}
	}
	if len(c.AirQuality.PM10) == 0 {
		c.AirQuality.PM10 = []float64{45, 55, 75, 100}
	}
}

// Validate checks the invariants the rest of the agent relies on.
func (c *Config) Validate() error {
	seen := make(map[int]string)
	ids := []struct {
		channel string
		id      int
	}{
		{"temperature", c.EraIot.SensorConfigs.Temperature},
		{"humidity", c.EraIot.SensorConfigs.Humidity},
		{"pm25", c.EraIot.SensorConfigs.PM25},
		{"pm10", c.EraIot.SensorConfigs.PM10},
	}
	for _, e := range ids {
		if e.id == 0 {
			continue
		}
		if e.id < 0 {
			return fmt.Errorf("sensorConfigs.%s: config id must be positive, got %d", e.channel, e.id)
		}
		if other, dup := seen[e.id]; dup {
			return fmt.Errorf("config id %d is mapped to both %s and %s", e.id, other, e.channel)
		}
		seen[e.id] = e.channel
	}
	if c.EraIot.ScaleConfig.DecimalPlaces < 0 {
		return errors.New("scaleConfig.decimalPlaces must be >= 0")
	}
	for name, bounds := range map[string][]float64{"pm25": c.AirQuality.PM25, "pm10": c.AirQuality.PM10} {
		if len(bounds) != 4 {
			return fmt.Errorf("airQuality.%s: expected 4 bounds, got %d", name, len(bounds))
		}
		for i := 1; i < len(bounds); i++ {
			if bounds[i] <= bounds[i-1] {
				return fmt.Errorf("airQuality.%s: bounds must be strictly increasing", name)
			}
		}
	}
	return nil
}

// LoadConfig reads the JSON file at `filepath` and unmarshals it into a Config struct.
func LoadConfig(filepath string) (*Config, error) {
	log.Printf("Loading configuration from: %s", filepath)
	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file '%s': %w", filepath, err)
	}
	defer file.Close()

	var cfg Config
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config from '%s': %w", filepath, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config '%s': %w", filepath, err)
	}

	if !cfg.EraIot.Enabled {
		log.Printf("Warning: Configuration file '%s' loaded but E-Ra IoT is disabled.", filepath)
	} else {
		log.Printf("Config loaded successfully: broker %s, sensors %+v", cfg.EraIot.BrokerURL, cfg.EraIot.SensorConfigs)
	}

	return &cfg, nil
}

// ApplyEnv loads envPath (if present) into the process environment and applies
// the BILLBOARD_* overrides on top of cfg.
func ApplyEnv(cfg *Config, envPath string) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			log.Printf("Warning: Could not load .env file from %s: %v. Using JSON or default values.", envPath, err)
		} else {
			log.Printf("Successfully loaded .env file from %s", envPath)
		}
	}

	overrides := []struct {
		key    string
		target *string
	}{
		{"BILLBOARD_GATEWAY_TOKEN", &cfg.EraIot.GatewayToken},
		{"BILLBOARD_ERA_BROKER", &cfg.EraIot.BrokerURL},
		{"BILLBOARD_COMMAND_BROKER", &cfg.CommandBroker.URL},
		{"BILLBOARD_DEVICE_ID", &cfg.OTA.DeviceID},
		{"BILLBOARD_VERSION", &cfg.OTA.CurrentVersion},
		{"BILLBOARD_LISTEN", &cfg.Listen},
	}
	for _, o := range overrides {
		val := strings.TrimSpace(os.Getenv(o.key))
		if val == "" {
			continue
		}
		*o.target = val
		if o.key == "BILLBOARD_GATEWAY_TOKEN" {
			log.Printf("ENV Override: %s=%s...", o.key, Mask(val))
			continue
		}
		log.Printf("ENV Override: %s=%s", o.key, val)
	}
}

// Mask shortens a credential for logging.
func Mask(token string) string {
	if len(token) <= 10 {
		return token
	}
	return token[:10]
}
