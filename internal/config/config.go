// internal/config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bridge  BridgeConfig   `yaml:"bridge"`
	Devices []DeviceConfig `yaml:"devices"`
}

// ---- BRIDGE ----

type BridgeConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`

	// Max device polls running at once across the whole bridge.
	MaxInFlight int `yaml:"max_in_flight"`

	// Seconds to wait for in-flight polls on shutdown.
	DrainTimeoutS int `yaml:"drain_timeout_s"`

	LogLevel string `yaml:"log_level"`
}

type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"`
	Type string `yaml:"type"` // controller | battery | inverter

	// Modbus device id on the BLE link. 0 means "use the default broadcast
	// id"; Normalize fills it in.
	DeviceID uint8 `yaml:"device_id"`

	IntervalS int `yaml:"interval_s"`

	// Nominal system voltage (12/24/48), used to scale validation limits.
	// Only meaningful for controllers.
	SystemVoltage int `yaml:"system_voltage"`
}

// ---- LOAD ----

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}
