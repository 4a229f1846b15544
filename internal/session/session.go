// Package session owns one device's connection lifecycle and serializes
// requests against it. These BT modules answer exactly one outstanding
// request; the session enforces that, not the scheduler.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/renogy-bridge/internal/ble"
	"github.com/tamzrod/renogy-bridge/internal/protocol"
	"github.com/tamzrod/renogy-bridge/internal/registers"
	"github.com/tamzrod/renogy-bridge/internal/telemetry"
	"github.com/tamzrod/renogy-bridge/internal/validate"
)

// State is the connection state machine position.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBusy
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	default:
		return "invalid"
	}
}

const (
	defaultRequestTimeout = 5 * time.Second
	defaultReadDelay      = 500 * time.Millisecond

	// unreachableAfter is how many consecutive failed polls degrade a
	// device from stale to unreachable.
	unreachableAfter = 3
)

// Config is the immutable per-device setup.
type Config struct {
	Identity telemetry.DeviceIdentity
	Name     string
	MAC      string
	ModbusID uint8
	Set      registers.Set

	RequestTimeout time.Duration // per register read; 0 means default
	ReadDelay      time.Duration // pause between reads; 0 means default

	// Validator filters decoded fields when set (controller spike guard).
	Validator *validate.Validator
}

// Session drives one device. Error is never terminal: the next PollOnce
// re-enters Connecting.
type Session struct {
	cfg Config
	per ble.Peripheral
	log zerolog.Logger

	// reqMu serializes polls: one outstanding request per device.
	reqMu sync.Mutex

	// mu guards the observable fields below.
	mu       sync.Mutex
	state    State
	lastSeen time.Time
	failures int
	last     telemetry.Snapshot
	haveLast bool
}

// New creates a session in Disconnected state.
func New(cfg Config, per ble.Peripheral, log zerolog.Logger) (*Session, error) {
	if cfg.Identity.ID == "" {
		return nil, errors.New("session: identity required")
	}
	if per == nil {
		return nil, errors.New("session: peripheral required")
	}
	if len(registers.Blocks(cfg.Set)) == 0 {
		return nil, fmt.Errorf("session: no register set for %q", cfg.Set)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReadDelay <= 0 {
		cfg.ReadDelay = defaultReadDelay
	}

	return &Session{
		cfg:   cfg,
		per:   per,
		state: StateDisconnected,
		log: log.With().
			Str("device", cfg.Name).
			Str("mac", ble.ObfuscateMAC(cfg.MAC)).
			Logger(),
	}, nil
}

func (s *Session) Identity() telemetry.DeviceIdentity { return s.cfg.Identity }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSnapshot returns the retained snapshot, if any poll ever succeeded.
// Its Health reflects failures since.
func (s *Session) LastSnapshot() (telemetry.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.haveLast
}

// ConsecutiveFailures returns the current failure streak.
func (s *Session) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// LastSeen returns the time of the last successful poll.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// PollOnce connects if needed, reads every block of the configured register
// set and returns a fresh snapshot, or a classified error. All-or-nothing:
// any failed read aborts the cycle and the previous snapshot stays, degraded.
func (s *Session) PollOnce(ctx context.Context) (telemetry.Snapshot, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	if !s.per.Connected() {
		s.setState(StateConnecting)
		if err := s.per.Connect(ctx); err != nil {
			cerr := &ConnectError{Err: err}
			s.recordFailure(cerr)
			return telemetry.Snapshot{}, cerr
		}
	}
	s.setState(StateConnected)

	fields := make(map[string]telemetry.Value)

	for i, b := range registers.Blocks(s.cfg.Set) {
		if i > 0 {
			if err := sleepCtx(ctx, s.cfg.ReadDelay); err != nil {
				s.recordFailure(err)
				return telemetry.Snapshot{}, err
			}
		}

		words, err := s.request(ctx, b)
		if err != nil {
			s.recordFailure(err)
			return telemetry.Snapshot{}, err
		}

		for name, v := range registers.Decode(b, words) {
			fields[name] = v
		}
	}

	if s.cfg.Validator != nil {
		var rejected []validate.Rejection
		fields, rejected = s.cfg.Validator.Validate(fields)
		for _, r := range rejected {
			s.log.Debug().
				Str("field", r.Field).
				Float64("value", r.Value).
				Str("reason", r.Reason).
				Msg("telemetry value rejected")
		}
	}

	snap := telemetry.Snapshot{
		Fields: fields,
		Taken:  time.Now(),
		Health: telemetry.HealthOK,
	}
	s.recordSuccess(snap)
	return snap, nil
}

// request performs one serialized read. Caller holds reqMu.
func (s *Session) request(ctx context.Context, b registers.Block) ([]uint16, error) {
	s.setState(StateBusy)
	defer s.setState(StateConnected)

	words, err := exchange(ctx, s.per, s.cfg.ModbusID, b.Start, b.Words, s.cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("session: read %s (reg=%d words=%d): %w", b.Name, b.Start, b.Words, err)
	}
	return words, nil
}

// exchange writes one read request and reassembles the fragmented
// notification stream until a full frame, an exception frame, or a timeout.
func exchange(ctx context.Context, per ble.Peripheral, deviceID uint8, start, words uint16, timeout time.Duration) ([]uint16, error) {
	// Drop leftovers from an earlier timed-out request.
	drain(per.Notifications())

	frame := protocol.EncodeReadRequest(deviceID, protocol.FuncReadHolding, start, words)
	if err := per.Write(ctx, frame); err != nil {
		return nil, &ConnectError{Err: err}
	}

	want := protocol.ExpectedResponseLen(int(words))
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("session: poll cancelled: %w", ctx.Err())

		case <-timer.C:
			return nil, ErrTimeout

		case chunk := <-per.Notifications():
			buf = append(buf, chunk...)

			// Exception responses are 5 bytes, not the expected length.
			if len(buf) >= 5 && buf[0] == deviceID && buf[1]&0x80 != 0 {
				return protocol.DecodeReadResponse(buf, deviceID, protocol.FuncReadHolding)
			}
			if len(buf) >= want {
				return protocol.DecodeReadResponse(buf, deviceID, protocol.FuncReadHolding)
			}
		}
	}
}

func drain(ch <-chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("session: poll cancelled: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) recordSuccess(snap telemetry.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateConnected
	s.failures = 0
	s.lastSeen = snap.Taken
	s.last = snap
	s.haveLast = true
}

func (s *Session) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateError
	s.failures++

	if s.haveLast {
		if s.failures >= unreachableAfter {
			s.last.Health = telemetry.HealthUnreachable
		} else {
			s.last.Health = telemetry.HealthStale
		}
	}

	s.log.Warn().
		Err(err).
		Str("kind", Classify(err).String()).
		Int("consecutive_failures", s.failures).
		Msg("poll failed")
}

// Close disconnects and parks the session in Disconnected state.
func (s *Session) Close() error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	err := s.per.Disconnect()
	s.setState(StateDisconnected)
	return err
}
