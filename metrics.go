package relaysync

import (
	"github.com/relaypace/relaysync/conflict"
)

// MetricsCollector receives counters from the sync engine. Implementations
// must be cheap and non-blocking; they are called on the sync path.
type MetricsCollector interface {
	// RecordSync is called after every completed sync pass.
	RecordSync(result *SyncResult)

	// RecordConflict is called for every detected conflict, before resolution.
	RecordConflict(kind conflict.Kind, severity conflict.Severity)

	// RecordQueueDepth reports the pending-change backlog after it changes.
	RecordQueueDepth(depth int)
}

// NoOpMetrics discards all measurements.
type NoOpMetrics struct{}

func (NoOpMetrics) RecordSync(*SyncResult)                          {}
func (NoOpMetrics) RecordConflict(conflict.Kind, conflict.Severity) {}
func (NoOpMetrics) RecordQueueDepth(int)                            {}
