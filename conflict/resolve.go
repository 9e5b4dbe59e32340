package conflict

import (
	"errors"
	"fmt"
	"time"

	"github.com/relaypace/relaysync/race"
)

// Strategy names a pure resolution function of local+remote.
type Strategy string

const (
	// StrategyLocal discards the remote snapshot.
	StrategyLocal Strategy = "local"

	// StrategyServer discards the local snapshot.
	StrategyServer Strategy = "server"

	// StrategyNewest keeps the side with the later last-modified timestamp,
	// ties broken toward local.
	StrategyNewest Strategy = "newest"

	// StrategyOldest keeps the side with the earlier last-modified timestamp,
	// ties broken toward local.
	StrategyOldest Strategy = "oldest"

	// StrategyMerge applies the field-level merge policy.
	StrategyMerge Strategy = "merge"

	// StrategyManual defers to a human choice; resolution functions refuse it.
	StrategyManual Strategy = "manual"
)

// ErrManualDecisionRequired is returned when a conflict routed to StrategyManual
// reaches a pure resolution function; the caller must run a manual Session.
var ErrManualDecisionRequired = errors.New("conflict: manual decision required")

// ResolveRunner computes the resolved runner for a conflict under a strategy.
// StrategyServer returns the remote snapshot itself, unmodified.
func ResolveRunner(c *RunnerConflict, s Strategy) (race.Runner, error) {
	switch s {
	case StrategyLocal:
		return c.Local, nil
	case StrategyServer:
		return c.Remote, nil
	case StrategyNewest:
		if c.Remote.UpdatedAt.After(c.Local.UpdatedAt) {
			return c.Remote, nil
		}
		return c.Local, nil
	case StrategyOldest:
		if c.Remote.UpdatedAt.Before(c.Local.UpdatedAt) {
			return c.Remote, nil
		}
		return c.Local, nil
	case StrategyMerge:
		return MergeRunners(c.Local, c.Remote), nil
	case StrategyManual:
		return race.Runner{}, ErrManualDecisionRequired
	default:
		return race.Runner{}, fmt.Errorf("conflict: unknown strategy %q", s)
	}
}

// ResolveLeg computes the resolved leg for a conflict under a strategy.
// StrategyServer returns the remote snapshot itself, unmodified.
func ResolveLeg(c *LegConflict, s Strategy) (race.Leg, error) {
	switch s {
	case StrategyLocal:
		return c.Local, nil
	case StrategyServer:
		return c.Remote, nil
	case StrategyNewest:
		if c.Remote.UpdatedAt.After(c.Local.UpdatedAt) {
			return c.Remote, nil
		}
		return c.Local, nil
	case StrategyOldest:
		if c.Remote.UpdatedAt.Before(c.Local.UpdatedAt) {
			return c.Remote, nil
		}
		return c.Local, nil
	case StrategyMerge:
		return MergeLegs(c.Local, c.Remote), nil
	case StrategyManual:
		return race.Leg{}, ErrManualDecisionRequired
	default:
		return race.Leg{}, fmt.Errorf("conflict: unknown strategy %q", s)
	}
}

// MergeRunners merges two runner snapshots. The device operator's in-progress
// edits win: local name, pace, and van are kept. The last-modified timestamp
// is the max of the two.
func MergeRunners(local, remote race.Runner) race.Runner {
	out := local
	out.UpdatedAt = maxTime(local.UpdatedAt, remote.UpdatedAt)
	return out
}

// MergeLegs merges two leg snapshots. An actual time, once observed, is
// authoritative and must never be silently dropped by either side: a non-nil
// actual start/finish wins over nil regardless of source, first writer wins
// per field. Projected times, distance, and runner assignment prefer local.
// The last-modified timestamp is the max of the two.
func MergeLegs(local, remote race.Leg) race.Leg {
	out := local.Clone()
	if out.ActualStart == nil && remote.ActualStart != nil {
		v := *remote.ActualStart
		out.ActualStart = &v
	}
	if out.ActualFinish == nil && remote.ActualFinish != nil {
		v := *remote.ActualFinish
		out.ActualFinish = &v
	}
	out.UpdatedAt = maxTime(local.UpdatedAt, remote.UpdatedAt)
	return out
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// AutoStrategyFor selects the strategy used during unattended background
// reconciliation. High-severity leg conflicts trust the authoritative store
// (actual timing events are safety-critical); high-severity runner conflicts
// keep the user-owned identity edits; medium merges; low keeps local.
func AutoStrategyFor(kind Kind, severity Severity) Strategy {
	switch severity {
	case SeverityHigh:
		if kind == KindLeg {
			return StrategyServer
		}
		return StrategyLocal
	case SeverityMedium:
		return StrategyMerge
	default:
		return StrategyLocal
	}
}
