// internal/config/validate.go
package config

import (
	"fmt"

	"github.com/tamzrod/renogy-bridge/internal/registers"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	// ------------------------------------------------------------
	// BRIDGE VALIDATION
	// ------------------------------------------------------------

	if cfg.Bridge.MaxInFlight < 0 {
		return fmt.Errorf("config: max_in_flight must not be negative")
	}
	if cfg.Bridge.DrainTimeoutS < 0 {
		return fmt.Errorf("config: drain_timeout_s must not be negative")
	}

	switch cfg.Bridge.LogLevel {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", cfg.Bridge.LogLevel)
	}

	if len(cfg.Devices) > 0 && cfg.Bridge.MQTT.Broker == "" {
		return fmt.Errorf("config: bridge.mqtt.broker is required")
	}

	// ------------------------------------------------------------
	// DEVICE VALIDATION
	// ------------------------------------------------------------

	if len(cfg.Devices) == 0 {
		return fmt.Errorf("config: no devices defined")
	}

	// key = normalized MAC (one BLE peripheral per config entry)
	seenMAC := make(map[string]string)

	for _, d := range cfg.Devices {
		if d.Name == "" {
			return fmt.Errorf("config: device %q: name is required", d.MAC)
		}

		mac, err := normalizeMAC(d.MAC)
		if err != nil {
			return fmt.Errorf("config: device %q: %w", d.Name, err)
		}

		if prev, exists := seenMAC[mac]; exists {
			return fmt.Errorf(
				"config: devices %q and %q share MAC %s",
				prev, d.Name, mac,
			)
		}
		seenMAC[mac] = d.Name

		// Empty type means "probe the device at startup".
		if d.Type != "" {
			if _, err := registers.ParseSet(d.Type); err != nil {
				return fmt.Errorf("config: device %q: %w", d.Name, err)
			}
		}

		if d.IntervalS < 0 {
			return fmt.Errorf("config: device %q: interval_s must not be negative", d.Name)
		}

		switch d.SystemVoltage {
		case 0, 12, 24, 48:
		default:
			return fmt.Errorf(
				"config: device %q: system_voltage must be 12, 24 or 48 (got %d)",
				d.Name, d.SystemVoltage,
			)
		}
	}

	return nil
}
