package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/renogy-bridge/internal/protocol"
	"github.com/tamzrod/renogy-bridge/internal/registers"
	"github.com/tamzrod/renogy-bridge/internal/registry"
	"github.com/tamzrod/renogy-bridge/internal/session"
	"github.com/tamzrod/renogy-bridge/internal/telemetry"
)

// gauge tracks the highest number of concurrent polls observed.
type gauge struct {
	cur atomic.Int32
	max atomic.Int32
}

func (g *gauge) enter() {
	cur := g.cur.Add(1)
	for {
		max := g.max.Load()
		if cur <= max || g.max.CompareAndSwap(max, cur) {
			return
		}
	}
}

func (g *gauge) exit() { g.cur.Add(-1) }

// fakePeripheral answers battery register reads. refuse makes Connect fail
// until cleared.
type fakePeripheral struct {
	mu     sync.Mutex
	refuse bool
	conn   bool
	bank   map[uint16][]uint16
	notify chan []byte
	g      *gauge
}

func newFakePeripheral(g *gauge) *fakePeripheral {
	bank := make(map[uint16][]uint16)
	for _, b := range registers.Blocks(registers.SetBattery) {
		bank[b.Start] = make([]uint16, b.Words)
	}
	return &fakePeripheral{bank: bank, notify: make(chan []byte, 64), g: g}
}

// setRefuse(true) drops the link and refuses reconnects until cleared.
func (f *fakePeripheral) setRefuse(v bool) {
	f.mu.Lock()
	f.refuse = v
	if v {
		f.conn = false
	}
	f.mu.Unlock()
}

func (f *fakePeripheral) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return errors.New("fake: connect refused")
	}
	f.conn = true
	return nil
}

func (f *fakePeripheral) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn = false
	return nil
}

func (f *fakePeripheral) Write(ctx context.Context, data []byte) error {
	if f.g != nil {
		f.g.enter()
		time.Sleep(2 * time.Millisecond)
		defer f.g.exit()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.conn {
		return errors.New("fake: not connected")
	}

	req, err := protocol.DecodeReadRequest(data)
	if err != nil {
		return err
	}
	words, ok := f.bank[req.Start]
	if !ok {
		return errors.New("fake: unknown register")
	}
	f.notify <- protocol.EncodeReadResponse(req.DeviceID, req.Function, words)
	return nil
}

func (f *fakePeripheral) Notifications() <-chan []byte { return f.notify }

func (f *fakePeripheral) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

type capturePublisher struct {
	mu    sync.Mutex
	snaps []telemetry.Snapshot
}

func (p *capturePublisher) Publish(id telemetry.DeviceIdentity, snap telemetry.Snapshot) error {
	p.mu.Lock()
	p.snaps = append(p.snaps, snap)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snaps)
}

func (p *capturePublisher) last() (telemetry.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snaps) == 0 {
		return telemetry.Snapshot{}, false
	}
	return p.snaps[len(p.snaps)-1], true
}

func newTestSession(t *testing.T, per *fakePeripheral, mac string) *session.Session {
	t.Helper()
	s, err := session.New(session.Config{
		Identity:       telemetry.DeviceIdentity{Domain: telemetry.Domain, ID: "ble_" + mac},
		Name:           "bank",
		MAC:            mac,
		ModbusID:       247,
		Set:            registers.SetBattery,
		RequestTimeout: 200 * time.Millisecond,
		ReadDelay:      time.Millisecond,
	}, per, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRun_PollsAndStores(t *testing.T) {
	per := newFakePeripheral(nil)
	sess := newTestSession(t, per, "AA:BB:CC:DD:EE:01")
	id := sess.Identity()

	rt := registry.New("")
	require.NoError(t, rt.Add(id, sess))

	pub := &capturePublisher{}
	sched, err := New(
		Config{MaxInFlight: 1, DrainTimeout: time.Second},
		[]Device{{Session: sess, Interval: 20 * time.Millisecond}},
		rt, pub, zerolog.Nop(),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	// At least two cycles: the immediate poll plus one interval tick.
	waitFor(t, func() bool { return pub.count() >= 2 })

	snap, ok := rt.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, telemetry.HealthOK, snap.Health)
	assert.Contains(t, snap.Fields, "voltage")

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_FailureDegradesAndRecovers(t *testing.T) {
	per := newFakePeripheral(nil)
	sess := newTestSession(t, per, "AA:BB:CC:DD:EE:02")
	id := sess.Identity()

	rt := registry.New("")
	require.NoError(t, rt.Add(id, sess))

	pub := &capturePublisher{}
	sched, err := New(
		Config{MaxInFlight: 1, DrainTimeout: time.Second},
		[]Device{{Session: sess, Interval: 10 * time.Millisecond}},
		rt, pub, zerolog.Nop(),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	// Healthy first.
	waitFor(t, func() bool { return pub.count() >= 1 })

	// Break the link: retained values get republished with degraded health.
	per.setRefuse(true)
	waitFor(t, func() bool {
		snap, ok := pub.last()
		return ok && snap.Health != telemetry.HealthOK
	})

	snap, ok := rt.Snapshot(id)
	require.True(t, ok)
	assert.NotEqual(t, telemetry.HealthOK, snap.Health)
	assert.Contains(t, snap.Fields, "voltage") // values survive the outage

	// Heal the link: backoff resets and health returns to ok.
	per.setRefuse(false)
	waitFor(t, func() bool {
		snap, ok := rt.Snapshot(id)
		return ok && snap.Health == telemetry.HealthOK
	})
}

func TestRun_BoundsConcurrency(t *testing.T) {
	g := &gauge{}

	var devices []Device
	rt := registry.New("")
	for _, mac := range []string{"AA:BB:CC:DD:01:01", "AA:BB:CC:DD:01:02", "AA:BB:CC:DD:01:03"} {
		sess := newTestSession(t, newFakePeripheral(g), mac)
		require.NoError(t, rt.Add(sess.Identity(), sess))
		devices = append(devices, Device{Session: sess, Interval: 10 * time.Millisecond})
	}

	pub := &capturePublisher{}
	sched, err := New(Config{MaxInFlight: 1, DrainTimeout: time.Second}, devices, rt, pub, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)

	waitFor(t, func() bool { return pub.count() >= 6 })
	cancel()

	assert.LessOrEqual(t, g.max.Load(), int32(1), "polls overlapped past the in-flight cap")
}

func TestNew_Validation(t *testing.T) {
	per := newFakePeripheral(nil)
	sess := newTestSession(t, per, "AA:BB:CC:DD:EE:03")
	rt := registry.New("")
	ok := []Device{{Session: sess, Interval: time.Second}}

	tests := []struct {
		name    string
		cfg     Config
		devices []Device
	}{
		{"zero in-flight", Config{MaxInFlight: 0}, ok},
		{"no devices", Config{MaxInFlight: 1}, nil},
		{"nil session", Config{MaxInFlight: 1}, []Device{{Interval: time.Second}}},
		{"zero interval", Config{MaxInFlight: 1}, []Device{{Session: sess}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.devices, rt, nil, zerolog.Nop())
			assert.Error(t, err)
		})
	}
}
