// Package conflict detects divergence between local and remote snapshots of
// race entities, classifies it by severity, and resolves it under a
// configurable strategy.
package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaypace/relaysync/race"
)

// Kind identifies which entity type a conflict concerns.
type Kind string

const (
	KindRunner Kind = "runner"
	KindLeg    Kind = "leg"
)

// Severity classifies how important a conflict's divergent fields are.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities for max-of comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

func maxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// RunnerConflict is an ephemeral record of divergence between a local and a
// remote Runner. It is consumed and discarded by resolution, never persisted.
type RunnerConflict struct {
	ID            uuid.UUID
	EntityID      int
	Local         race.Runner
	Remote        race.Runner
	ChangedFields []string
	Severity      Severity
	DetectedAt    time.Time
	Description   string
}

// LegConflict is an ephemeral record of divergence between a local and a
// remote Leg.
type LegConflict struct {
	ID            uuid.UUID
	EntityID      int
	Local         race.Leg
	Remote        race.Leg
	ChangedFields []string
	Severity      Severity
	DetectedAt    time.Time
	Description   string
}

// DetectRunner compares two snapshots of the same runner and returns a
// conflict, or nil when they are structurally equal. Severity follows the
// fixed field-priority table: name is high, pace is medium, anything else low.
func DetectRunner(local, remote race.Runner) *RunnerConflict {
	if local.Equal(remote) {
		return nil
	}

	severity := SeverityLow
	var changed []string

	if local.Name != remote.Name {
		changed = append(changed, "name")
		severity = maxSeverity(severity, SeverityHigh)
	}
	if local.Pace != remote.Pace {
		changed = append(changed, "pace")
		severity = maxSeverity(severity, SeverityMedium)
	}
	if local.Van != remote.Van {
		changed = append(changed, "van")
	}
	if !local.UpdatedAt.Equal(remote.UpdatedAt) {
		changed = append(changed, "updatedAt")
	}

	return &RunnerConflict{
		ID:            uuid.New(),
		EntityID:      local.ID,
		Local:         local,
		Remote:        remote,
		ChangedFields: changed,
		Severity:      severity,
		DetectedAt:    time.Now().UTC(),
		Description:   fmt.Sprintf("runner %d differs in %s", local.ID, strings.Join(changed, ", ")),
	}
}

// DetectLeg compares two snapshots of the same leg and returns a conflict, or
// nil when they are structurally equal. Actual-time divergence is high
// severity, projected-time divergence medium, anything else low.
func DetectLeg(local, remote race.Leg) *LegConflict {
	if local.Equal(remote) {
		return nil
	}

	severity := SeverityLow
	var changed []string

	appendIf := func(name string, differs bool, s Severity) {
		if differs {
			changed = append(changed, name)
			severity = maxSeverity(severity, s)
		}
	}

	appendIf("actualStart", !timePtrEqual(local.ActualStart, remote.ActualStart), SeverityHigh)
	appendIf("actualFinish", !timePtrEqual(local.ActualFinish, remote.ActualFinish), SeverityHigh)
	appendIf("projectedStart", !timePtrEqual(local.ProjectedStart, remote.ProjectedStart), SeverityMedium)
	appendIf("projectedFinish", !timePtrEqual(local.ProjectedFinish, remote.ProjectedFinish), SeverityMedium)
	appendIf("runnerId", !intPtrEqual(local.RunnerID, remote.RunnerID), SeverityLow)
	appendIf("distance", local.Distance != remote.Distance, SeverityLow)
	appendIf("updatedAt", !local.UpdatedAt.Equal(remote.UpdatedAt), SeverityLow)

	return &LegConflict{
		ID:            uuid.New(),
		EntityID:      local.ID,
		Local:         local.Clone(),
		Remote:        remote.Clone(),
		ChangedFields: changed,
		Severity:      severity,
		DetectedAt:    time.Now().UTC(),
		Description:   fmt.Sprintf("leg %d differs in %s", local.ID, strings.Join(changed, ", ")),
	}
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
