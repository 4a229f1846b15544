package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/renogy-bridge/internal/registers"
	"github.com/tamzrod/renogy-bridge/internal/session"
	"github.com/tamzrod/renogy-bridge/internal/telemetry"
)

// idlePeripheral satisfies ble.Peripheral without doing any IO.
type idlePeripheral struct {
	mu        sync.Mutex
	connected bool
	notify    chan []byte
}

func newIdlePeripheral() *idlePeripheral {
	return &idlePeripheral{notify: make(chan []byte)}
}

func (p *idlePeripheral) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *idlePeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *idlePeripheral) Write(context.Context, []byte) error { return nil }
func (p *idlePeripheral) Notifications() <-chan []byte        { return p.notify }

func (p *idlePeripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func ident(id string) telemetry.DeviceIdentity {
	return telemetry.DeviceIdentity{Domain: telemetry.Domain, ID: id}
}

func newSession(t *testing.T, id string) *session.Session {
	t.Helper()
	s, err := session.New(session.Config{
		Identity: ident(id),
		Name:     id,
		MAC:      "AA:BB:CC:DD:EE:FF",
		ModbusID: 255,
		Set:      registers.SetController,
	}, newIdlePeripheral(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestAddAndGet(t *testing.T) {
	r := New(telemetry.Domain)
	s := newSession(t, "A")

	require.NoError(t, r.Add(ident("A"), s))

	got, ok := r.Get(ident("A"))
	assert.True(t, ok)
	assert.Same(t, s, got)

	_, ok = r.Get(ident("B"))
	assert.False(t, ok, "unknown identity must be absent, not an error")
}

func TestAdd_Duplicate(t *testing.T) {
	r := New(telemetry.Domain)
	require.NoError(t, r.Add(ident("A"), newSession(t, "A")))
	require.Error(t, r.Add(ident("A"), newSession(t, "A")))
}

func TestAdd_ForeignDomain(t *testing.T) {
	r := New(telemetry.Domain)
	err := r.Add(telemetry.DeviceIdentity{Domain: "other", ID: "A"}, newSession(t, "A"))
	assert.ErrorIs(t, err, ErrInconsistent)
}

// Every session has a snapshot from the moment it is added.
func TestSessionImpliesSnapshot(t *testing.T) {
	r := New(telemetry.Domain)
	require.NoError(t, r.Add(ident("A"), newSession(t, "A")))

	snap, ok := r.Snapshot(ident("A"))
	require.True(t, ok)
	assert.Equal(t, telemetry.HealthUnknown, snap.Health)
}

func TestStore(t *testing.T) {
	r := New(telemetry.Domain)
	require.NoError(t, r.Add(ident("A"), newSession(t, "A")))

	snap := telemetry.Snapshot{
		Fields: map[string]telemetry.Value{"battery_voltage": telemetry.Number(13.2, "V")},
		Taken:  time.Now(),
		Health: telemetry.HealthOK,
	}
	require.NoError(t, r.Store(ident("A"), snap))

	got, ok := r.Snapshot(ident("A"))
	require.True(t, ok)
	assert.Equal(t, telemetry.HealthOK, got.Health)
	assert.Equal(t, 13.2, got.Fields["battery_voltage"].Number)
}

// Snapshots never exist without a backing session; a store against an
// unknown identity is a consistency fault that must surface.
func TestStore_UnknownIdentity(t *testing.T) {
	r := New(telemetry.Domain)
	err := r.Store(ident("ghost"), telemetry.Snapshot{})
	assert.ErrorIs(t, err, ErrInconsistent)
}

func TestIsManaged(t *testing.T) {
	r := New(telemetry.Domain)
	require.NoError(t, r.Add(ident("A"), newSession(t, "A")))

	tests := []struct {
		name string
		ids  []telemetry.DeviceIdentity
		want bool
	}{
		{"empty set", nil, false},
		{"known id", []telemetry.DeviceIdentity{ident("A")}, true},
		{"unknown id", []telemetry.DeviceIdentity{ident("B")}, false},
		{"foreign domain same id", []telemetry.DeviceIdentity{{Domain: "other", ID: "A"}}, false},
		{"one match among strangers", []telemetry.DeviceIdentity{
			{Domain: "other", ID: "X"},
			ident("B"),
			ident("A"),
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.IsManaged(tt.ids))
		})
	}
}

func TestCanRemoveDevice(t *testing.T) {
	r := New(telemetry.Domain)
	require.NoError(t, r.Add(ident("A"), newSession(t, "A")))
	require.NoError(t, r.Store(ident("A"), telemetry.Snapshot{Health: telemetry.HealthOK}))

	// Known device blocks removal.
	assert.False(t, CanRemoveDevice(r, []telemetry.DeviceIdentity{ident("A")}))

	// Identifiers from another domain never match.
	assert.True(t, CanRemoveDevice(r, []telemetry.DeviceIdentity{{Domain: "other", ID: "A"}}))

	// No runtime state at all: always removable.
	assert.True(t, CanRemoveDevice(nil, []telemetry.DeviceIdentity{ident("A")}))

	// Empty identifier set: removable.
	assert.True(t, CanRemoveDevice(r, nil))

	// Any single match blocks removal even among non-matching ids.
	assert.False(t, CanRemoveDevice(r, []telemetry.DeviceIdentity{ident("nope"), ident("A")}))
}

func TestIdentities(t *testing.T) {
	r := New(telemetry.Domain)
	require.NoError(t, r.Add(ident("A"), newSession(t, "A")))
	require.NoError(t, r.Add(ident("B"), newSession(t, "B")))

	ids := r.Identities()
	assert.Len(t, ids, 2)
}

func TestClose(t *testing.T) {
	r := New(telemetry.Domain)
	s := newSession(t, "A")
	require.NoError(t, r.Add(ident("A"), s))

	require.NoError(t, r.Close())
	assert.Equal(t, session.StateDisconnected, s.State())

	// Lookups still answer after Close so late lifecycle hooks stay safe.
	_, ok := r.Get(ident("A"))
	assert.True(t, ok)
}

// Different devices' entries update concurrently without coordination.
func TestStore_ConcurrentDevices(t *testing.T) {
	r := New(telemetry.Domain)
	const n = 32
	for i := 0; i < n; i++ {
		id := ident(string(rune('a' + i)))
		require.NoError(t, r.Add(id, newSession(t, id.ID)))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := ident(string(rune('a' + i)))
			for j := 0; j < 100; j++ {
				assert.NoError(t, r.Store(id, telemetry.Snapshot{Health: telemetry.HealthOK}))
				_, _ = r.Snapshot(id)
			}
		}(i)
	}
	wg.Wait()
}
