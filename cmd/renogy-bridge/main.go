// cmd/renogy-bridge/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"

	"github.com/tamzrod/renogy-bridge/internal/ble"
	"github.com/tamzrod/renogy-bridge/internal/config"
	"github.com/tamzrod/renogy-bridge/internal/publish"
	"github.com/tamzrod/renogy-bridge/internal/registers"
	"github.com/tamzrod/renogy-bridge/internal/registry"
	"github.com/tamzrod/renogy-bridge/internal/scheduler"
	"github.com/tamzrod/renogy-bridge/internal/session"
	"github.com/tamzrod/renogy-bridge/internal/telemetry"
	"github.com/tamzrod/renogy-bridge/internal/validate"
)

const bleConnectTimeout = 10 * time.Second

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if len(os.Args) < 2 {
		log.Fatal().Msg("usage: renogy-bridge <config.yaml>")
	}

	cfgPath := os.Args[1]

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validation failed")
	}

	config.Normalize(cfg)

	level, err := zerolog.ParseLevel(cfg.Bridge.LogLevel)
	if err == nil {
		log = log.Level(level)
	}

	// --------------------
	// BLE adapter
	// --------------------

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		log.Fatal().Err(err).Msg("bluetooth adapter enable failed")
	}

	// --------------------
	// Build per-device sessions
	// --------------------

	rt := registry.New(telemetry.Domain)

	var devices []scheduler.Device
	metas := make(map[string]publish.DeviceMeta)

	for _, d := range cfg.Devices {
		per, err := ble.NewGATTPeripheral(adapter, d.MAC, bleConnectTimeout, log)
		if err != nil {
			log.Fatal().Err(err).Str("device", d.Name).Msg("peripheral setup failed")
		}

		set, modbusID := registers.Set(d.Type), d.DeviceID
		if d.Type == "" {
			detectCtx, cancel := context.WithTimeout(context.Background(), bleConnectTimeout)
			set, modbusID, err = session.DetectDeviceType(detectCtx, per, log)
			cancel()
			if err != nil {
				log.Fatal().Err(err).Str("device", d.Name).Msg("device type detection failed")
			}
			log.Info().
				Str("device", d.Name).
				Str("type", string(set)).
				Uint8("modbus_id", modbusID).
				Msg("device type detected")
		}

		var validator *validate.Validator
		if set == registers.SetController {
			validator = validate.NewController(d.SystemVoltage)
		}

		id := telemetry.DeviceIdentity{Domain: telemetry.Domain, ID: "ble_" + d.MAC}

		sess, err := session.New(session.Config{
			Identity:  id,
			Name:      d.Name,
			MAC:       d.MAC,
			ModbusID:  modbusID,
			Set:       set,
			Validator: validator,
		}, per, log)
		if err != nil {
			log.Fatal().Err(err).Str("device", d.Name).Msg("session setup failed")
		}

		if err := rt.Add(id, sess); err != nil {
			log.Fatal().Err(err).Str("device", d.Name).Msg("registry add failed")
		}

		devices = append(devices, scheduler.Device{
			Session:  sess,
			Interval: time.Duration(d.IntervalS) * time.Second,
		})
		metas[id.ID] = publish.DeviceMeta{Name: d.Name, Type: string(set), MAC: d.MAC}

		log.Info().
			Str("device", d.Name).
			Str("mac", ble.ObfuscateMAC(d.MAC)).
			Str("type", string(set)).
			Int("interval_s", d.IntervalS).
			Msg("device configured")
	}

	// --------------------
	// MQTT publisher
	// --------------------

	pub, err := publish.Connect(publish.Config{
		Broker:          cfg.Bridge.MQTT.Broker,
		ClientID:        cfg.Bridge.MQTT.ClientID,
		Username:        cfg.Bridge.MQTT.Username,
		Password:        cfg.Bridge.MQTT.Password,
		TopicPrefix:     cfg.Bridge.MQTT.TopicPrefix,
		DiscoveryPrefix: cfg.Bridge.MQTT.DiscoveryPrefix,
	}, metas, log)
	if err != nil {
		log.Fatal().Err(err).Msg("mqtt connect failed")
	}

	// --------------------
	// Run until signalled
	// --------------------

	sched, err := scheduler.New(scheduler.Config{
		MaxInFlight:  int64(cfg.Bridge.MaxInFlight),
		DrainTimeout: time.Duration(cfg.Bridge.DrainTimeoutS) * time.Second,
	}, devices, rt, pub, log)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler setup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Int("devices", len(devices)).Msg("bridge running")

	if err := sched.Run(ctx); err != nil {
		if errors.Is(err, scheduler.ErrDrainTimeout) {
			log.Warn().Msg("shutdown drain timed out, polls abandoned")
		} else {
			log.Error().Err(err).Msg("scheduler stopped")
		}
	}

	pub.Close()
	if err := rt.Close(); err != nil {
		log.Warn().Err(err).Msg("device disconnect errors on shutdown")
	}

	log.Info().Msg("bridge stopped")
}
