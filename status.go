// Package relaysync is an offline-first synchronization engine for relay race
// tracking. It keeps a device-local copy of the team's runners and legs,
// writes through to the authoritative store while online, queues changes while
// offline, and reconciles divergence with severity-based conflict resolution.
package relaysync

import (
	"time"
)

// SessionState is a phase in the sync session lifecycle.
type SessionState string

const (
	// StateUninitialized is the state before Attach.
	StateUninitialized SessionState = "uninitialized"

	// StateInitialFetchPending means the first full pull is in flight.
	StateInitialFetchPending SessionState = "initial_fetch_pending"

	// StateSynced means local state matched the remote store at last contact.
	StateSynced SessionState = "synced"

	// StateStale means a change notification or failure indicates the local
	// copy is behind and a reconcile is needed.
	StateStale SessionState = "stale"

	// StateReconciling means a full pull-and-merge is in progress.
	StateReconciling SessionState = "reconciling"
)

// Status is a point-in-time snapshot of the session, for display. Offline is
// orthogonal to the state: a device can be synced-but-offline, serving local
// data while changes accumulate in the queue.
type Status struct {
	State          SessionState
	Offline        bool
	PendingChanges int
	LastSync       time.Time
	LastError      error
}

// SyncResult summarizes one sync pass (drain, reconcile, or both).
type SyncResult struct {
	// Pushed is the number of queued changes replayed to the remote store.
	Pushed int

	// Pulled is the number of entities fetched from the remote store.
	Pulled int

	// ConflictsResolved counts conflicts settled by the automatic policy.
	ConflictsResolved int

	// Errors lists non-fatal problems encountered during the pass.
	Errors []error

	StartTime time.Time
	Duration  time.Duration
}
