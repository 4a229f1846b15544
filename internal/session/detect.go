package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/renogy-bridge/internal/ble"
	"github.com/tamzrod/renogy-bridge/internal/registers"
)

// ErrDetectFailed means no probe produced a valid answer.
var ErrDetectFailed = errors.New("session: device type detection failed")

const detectTimeout = 3 * time.Second

// Detection probes, in order. Controllers answer the model registers at the
// broadcast id; batteries answer their device-info block at 247 or 255.
var detectProbes = []struct {
	set      registers.Set
	deviceID uint8
	start    uint16
	words    uint16
}{
	{registers.SetController, 255, 12, 8},
	{registers.SetBattery, 247, 5122, 6},
	{registers.SetBattery, 255, 5122, 6},
}

// DetectDeviceType connects to a peripheral and probes known register
// layouts to figure out what is on the other end. Used when the config
// omits the device type.
func DetectDeviceType(ctx context.Context, per ble.Peripheral, log zerolog.Logger) (registers.Set, uint8, error) {
	if !per.Connected() {
		if err := per.Connect(ctx); err != nil {
			return "", 0, &ConnectError{Err: err}
		}
	}

	for _, p := range detectProbes {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}

		log.Debug().
			Str("set", string(p.set)).
			Uint8("modbus_id", p.deviceID).
			Uint16("register", p.start).
			Msg("probing device type")

		if _, err := exchange(ctx, per, p.deviceID, p.start, p.words, detectTimeout); err == nil {
			return p.set, p.deviceID, nil
		}
	}

	return "", 0, ErrDetectFailed
}
