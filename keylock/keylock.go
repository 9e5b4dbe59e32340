// Package keylock serializes operations per resource key and tracks optimistic
// version stamps. It guarantees at-most-one in-flight operation per key within
// a single process; the remote store, not this package, is the final arbiter
// across devices.
package keylock

import (
	"context"
	"sync"
	"time"
)

// Stamp is a per-resource optimistic version: a monotonic, timestamp-derived
// counter plus the owning device id. Staleness detection only, not exclusion.
type Stamp struct {
	Version   uint64
	DeviceID  string
	UpdatedAt time.Time
}

// Manager sequences operations per key and maintains optimistic stamps.
// The zero value is not usable; construct with New.
type Manager struct {
	deviceID string

	mu     sync.Mutex
	tails  map[string]chan struct{}
	stamps map[string]Stamp
}

// New creates a Manager owned by the given device.
func New(deviceID string) *Manager {
	return &Manager{
		deviceID: deviceID,
		tails:    make(map[string]chan struct{}),
		stamps:   make(map[string]Stamp),
	}
}

// WithExclusiveAccess runs op only after every previously registered operation
// for the same key has settled, and guarantees no two operations for one key
// run concurrently. Errors from op propagate unchanged; the manager itself
// never fails an operation, it only sequences. The registry entry is cleared
// on every exit path, including panic and context cancellation.
//
// A caller whose context is cancelled while waiting abandons its turn without
// running op; later waiters are unaffected.
func (m *Manager) WithExclusiveAccess(ctx context.Context, key string, op func(ctx context.Context) (any, error)) (any, error) {
	done := make(chan struct{})

	m.mu.Lock()
	prev := m.tails[key]
	m.tails[key] = done
	m.mu.Unlock()

	release := func() {
		close(done)
		m.mu.Lock()
		if m.tails[key] == done {
			delete(m.tails, key)
		}
		m.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Keep the chain intact for waiters queued behind us.
			go func() {
				<-prev
				release()
			}()
			return nil, ctx.Err()
		}
	}

	defer release()
	return op(ctx)
}

// InFlight reports whether an operation is currently registered for key.
func (m *Manager) InFlight(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tails[key]
	return ok
}

// CreateLock initializes the optimistic stamp for a key and returns it.
// Re-creating an existing lock advances its version.
func (m *Manager) CreateLock(key string) Stamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceLocked(key)
}

// UpdateLock advances the stamp for a key after a successful write and returns
// the new value.
func (m *Manager) UpdateLock(key string) Stamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceLocked(key)
}

// advanceLocked derives the next version from the wall clock, bumping past the
// prior version so the sequence stays strictly monotonic even within one tick.
func (m *Manager) advanceLocked(key string) Stamp {
	now := time.Now()
	version := uint64(now.UnixNano())
	if prev, ok := m.stamps[key]; ok && version <= prev.Version {
		version = prev.Version + 1
	}
	stamp := Stamp{Version: version, DeviceID: m.deviceID, UpdatedAt: now}
	m.stamps[key] = stamp
	return stamp
}

// IsStale reports whether the resource has changed since the observed stamp
// was taken. An unknown key is never stale.
func (m *Manager) IsStale(key string, observed Stamp) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.stamps[key]
	if !ok {
		return false
	}
	return current.Version != observed.Version
}

// Lock returns the current stamp for a key.
func (m *Manager) Lock(key string) (Stamp, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stamps[key]
	return s, ok
}

// ClearLock removes the stamp for a key.
func (m *Manager) ClearLock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stamps, key)
}
