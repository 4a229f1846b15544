package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"
)

const notifyBuffer = 32

// GATTPeripheral drives one BT module through the host's bluetooth adapter.
// Safe for use by a single session; the session's request lock provides the
// one-outstanding-request guarantee.
type GATTPeripheral struct {
	adapter *bluetooth.Adapter
	addr    bluetooth.Address
	mac     string
	timeout time.Duration
	log     zerolog.Logger

	mu        sync.Mutex
	device    bluetooth.Device
	writeChar bluetooth.DeviceCharacteristic
	connected bool

	notify chan []byte
}

// NewGATTPeripheral prepares a peripheral for the given MAC. No IO happens
// until Connect.
func NewGATTPeripheral(adapter *bluetooth.Adapter, mac string, connectTimeout time.Duration, log zerolog.Logger) (*GATTPeripheral, error) {
	parsed, err := bluetooth.ParseMAC(strings.ToUpper(mac))
	if err != nil {
		return nil, fmt.Errorf("ble: bad mac %q: %w", ObfuscateMAC(mac), err)
	}

	return &GATTPeripheral{
		adapter: adapter,
		addr:    bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: parsed}},
		mac:     mac,
		timeout: connectTimeout,
		log:     log.With().Str("mac", ObfuscateMAC(mac)).Logger(),
		notify:  make(chan []byte, notifyBuffer),
	}, nil
}

// Connect establishes the connection, resolves the write/notify
// characteristics and subscribes to notifications.
func (p *GATTPeripheral) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	p.log.Debug().Msg("connecting")

	dev, err := p.adapter.Connect(p.addr, bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(p.timeout),
	})
	if err != nil {
		return fmt.Errorf("ble: connect: %w", err)
	}

	writeChar, notifyChar, err := p.resolveCharacteristics(dev)
	if err != nil {
		_ = dev.Disconnect()
		return err
	}

	if err := notifyChar.EnableNotifications(p.onNotify); err != nil {
		_ = dev.Disconnect()
		return fmt.Errorf("ble: enable notifications: %w", err)
	}

	p.device = dev
	p.writeChar = writeChar
	p.connected = true
	p.log.Debug().Msg("connected")
	return nil
}

func (p *GATTPeripheral) resolveCharacteristics(dev bluetooth.Device) (write, notify bluetooth.DeviceCharacteristic, err error) {
	services, err := dev.DiscoverServices(nil)
	if err != nil {
		return write, notify, fmt.Errorf("ble: discover services: %w", err)
	}

	var haveWrite, haveNotify bool
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			continue
		}
		for _, ch := range chars {
			switch strings.ToLower(ch.UUID().String()) {
			case WriteCharUUID:
				write, haveWrite = ch, true
			case NotifyCharUUID:
				notify, haveNotify = ch, true
			}
		}
	}

	if !haveWrite || !haveNotify {
		return write, notify, fmt.Errorf("ble: required characteristics not found (write=%t notify=%t)", haveWrite, haveNotify)
	}
	return write, notify, nil
}

func (p *GATTPeripheral) onNotify(buf []byte) {
	data := make([]byte, len(buf))
	copy(data, buf)

	select {
	case p.notify <- data:
	default:
		p.log.Warn().Int("len", len(data)).Msg("notification dropped, buffer full")
	}
}

// Disconnect tears the connection down. Idempotent.
func (p *GATTPeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil
	}
	p.connected = false

	if err := p.device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	p.log.Debug().Msg("disconnected")
	return nil
}

// Write sends one request frame to the module's write characteristic.
func (p *GATTPeripheral) Write(ctx context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := p.writeChar.WriteWithoutResponse(data); err != nil {
		// A failed write usually means the link died under us.
		p.connected = false
		return fmt.Errorf("ble: write: %w", err)
	}
	return nil
}

func (p *GATTPeripheral) Notifications() <-chan []byte {
	return p.notify
}

func (p *GATTPeripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}
