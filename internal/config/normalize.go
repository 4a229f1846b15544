// internal/config/normalize.go
package config

import (
	"fmt"
	"strings"
)

const (
	defaultIntervalS   = 30
	defaultDeviceID    = 255 // broadcast id, answered by every Renogy device
	defaultSystemVolts = 12
	defaultMaxInFlight = 3
	defaultDrainS      = 10
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Bridge.MaxInFlight == 0 {
		cfg.Bridge.MaxInFlight = defaultMaxInFlight
	}
	if cfg.Bridge.DrainTimeoutS == 0 {
		cfg.Bridge.DrainTimeoutS = defaultDrainS
	}
	if cfg.Bridge.LogLevel == "" {
		cfg.Bridge.LogLevel = "info"
	}
	if cfg.Bridge.MQTT.ClientID == "" {
		cfg.Bridge.MQTT.ClientID = "renogy-bridge"
	}
	if cfg.Bridge.MQTT.TopicPrefix == "" {
		cfg.Bridge.MQTT.TopicPrefix = "renogy"
	}
	if cfg.Bridge.MQTT.DiscoveryPrefix == "" {
		cfg.Bridge.MQTT.DiscoveryPrefix = "homeassistant"
	}

	for di := range cfg.Devices {
		d := &cfg.Devices[di]

		// MAC already validated; rewrite into canonical colon form.
		mac, _ := normalizeMAC(d.MAC)
		d.MAC = mac

		if d.IntervalS == 0 {
			d.IntervalS = defaultIntervalS
		}
		if d.DeviceID == 0 {
			d.DeviceID = defaultDeviceID
		}
		if d.SystemVoltage == 0 {
			d.SystemVoltage = defaultSystemVolts
		}
	}
}

// normalizeMAC accepts "AA:BB:CC:DD:EE:FF", "aa-bb-cc-dd-ee-ff" or bare
// "AABBCCDDEEFF" and returns the upper-case colon-separated form.
func normalizeMAC(raw string) (string, error) {
	hex := strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(raw))
	if len(hex) != 12 {
		return "", fmt.Errorf("invalid MAC address %q", raw)
	}
	for i := 0; i < len(hex); i++ {
		c := hex[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return "", fmt.Errorf("invalid MAC address %q", raw)
		}
	}

	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hex[i : i+2])
	}
	return b.String(), nil
}
