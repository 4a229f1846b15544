// Package registry is the process-held store of devices one bridge instance
// manages: identity -> session and identity -> latest snapshot. It answers
// the presence queries the host platform's device-lifecycle hooks ask.
package registry

import (
	"errors"
	"fmt"
	"hash/fnv"

	"sync"

	"github.com/tamzrod/renogy-bridge/internal/session"
	"github.com/tamzrod/renogy-bridge/internal/telemetry"
)

// ErrInconsistent marks a structural fault: an operation against an identity
// the registry cannot resolve even though the caller holds a handle implying
// it should. Distinct from ordinary absence, which is not an error.
var ErrInconsistent = errors.New("registry: inconsistent state")

const shardCount = 16

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	snaps    map[string]telemetry.Snapshot
}

// Runtime is one integration instance's registry. Created at start, torn
// down with Close at stop. Entries for different devices update fully
// concurrently; there is no global lock.
type Runtime struct {
	domain string
	shards [shardCount]*shard
}

// New creates an empty registry owning the given identifier domain.
func New(domain string) *Runtime {
	if domain == "" {
		domain = telemetry.Domain
	}
	r := &Runtime{domain: domain}
	for i := range r.shards {
		r.shards[i] = &shard{
			sessions: make(map[string]*session.Session),
			snaps:    make(map[string]telemetry.Snapshot),
		}
	}
	return r
}

// Domain returns the identifier domain this registry owns.
func (r *Runtime) Domain() string { return r.domain }

func (r *Runtime) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Add registers a device. Every session gets a placeholder snapshot so the
// session-implies-snapshot invariant holds from the start.
func (r *Runtime) Add(id telemetry.DeviceIdentity, s *session.Session) error {
	if id.Domain != r.domain {
		return fmt.Errorf("%w: identity %s is outside domain %q", ErrInconsistent, id, r.domain)
	}

	sh := r.shardFor(id.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.sessions[id.ID]; exists {
		return fmt.Errorf("registry: duplicate device %s", id)
	}

	sh.sessions[id.ID] = s
	sh.snaps[id.ID] = telemetry.Snapshot{Health: telemetry.HealthUnknown}
	return nil
}

// Get looks a session up by identity. Absent is not an error.
func (r *Runtime) Get(id telemetry.DeviceIdentity) (*session.Session, bool) {
	if id.Domain != r.domain {
		return nil, false
	}

	sh := r.shardFor(id.ID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	s, ok := sh.sessions[id.ID]
	return s, ok
}

// Snapshot returns the latest stored snapshot for an identity.
func (r *Runtime) Snapshot(id telemetry.DeviceIdentity) (telemetry.Snapshot, bool) {
	if id.Domain != r.domain {
		return telemetry.Snapshot{}, false
	}

	sh := r.shardFor(id.ID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	snap, ok := sh.snaps[id.ID]
	return snap, ok
}

// Store replaces a device's snapshot wholesale. Storing against an unknown
// identity is a consistency fault, not a silent create: snapshots never
// exist without a backing session.
func (r *Runtime) Store(id telemetry.DeviceIdentity, snap telemetry.Snapshot) error {
	sh := r.shardFor(id.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.sessions[id.ID]; !ok || id.Domain != r.domain {
		return fmt.Errorf("%w: store for unknown device %s", ErrInconsistent, id)
	}

	sh.snaps[id.ID] = snap
	return nil
}

// IsManaged reports whether any identifier tagged with this registry's
// domain names a currently known device. Foreign-domain identifiers are
// ignored entirely; an empty set never matches.
func (r *Runtime) IsManaged(identifiers []telemetry.DeviceIdentity) bool {
	for _, id := range identifiers {
		if id.Domain != r.domain {
			continue
		}
		if _, ok := r.Get(id); ok {
			return true
		}
	}
	return false
}

// Identities lists every known device.
func (r *Runtime) Identities() []telemetry.DeviceIdentity {
	var out []telemetry.DeviceIdentity
	for _, sh := range r.shards {
		sh.mu.RLock()
		for id := range sh.sessions {
			out = append(out, telemetry.DeviceIdentity{Domain: r.domain, ID: id})
		}
		sh.mu.RUnlock()
	}
	return out
}

// Close tears down every session. The registry is unusable afterwards only
// by convention; lookups keep answering so late lifecycle hooks stay safe.
func (r *Runtime) Close() error {
	var errs []error
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if err := s.Close(); err != nil {
				errs = append(errs, fmt.Errorf("registry: close %s: %w", id, err))
			}
		}
		sh.mu.Unlock()
	}
	return errors.Join(errs...)
}
