package conflict

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	syncErrors "github.com/relaypace/relaysync/errors"
)

// SessionState is a state in the manual time-conflict resolution flow.
type SessionState string

const (
	StateIdle               SessionState = "idle"
	StateConflictDetected   SessionState = "conflict_detected"
	StateAwaitingUserChoice SessionState = "awaiting_user_choice"
	StateResolved           SessionState = "resolved"
)

// Candidate names one of the two timestamps offered to the user.
type Candidate string

const (
	CandidateLocal  Candidate = "local"
	CandidateServer Candidate = "server"
)

// TimeField names the leg timing field under dispute.
type TimeField string

const (
	FieldActualStart  TimeField = "actualStart"
	FieldActualFinish TimeField = "actualFinish"
)

// TimeConflict describes two devices reporting different wall-clock times for
// the same start/finish event on the same leg.
type TimeConflict struct {
	LegID      int       `json:"legId"`
	Field      TimeField `json:"field"`
	LocalTime  time.Time `json:"localTime"`
	ServerTime time.Time `json:"serverTime"`
	DetectedAt time.Time `json:"detectedAt"`
}

// Session drives the manual resolution state machine:
// Idle -> ConflictDetected -> AwaitingUserChoice -> Resolved -> Idle.
// One conflict is handled at a time; a second detection while one is pending
// is refused and will re-surface on the next reconcile.
type Session struct {
	mu        sync.Mutex
	state     SessionState
	current   *TimeConflict
	chosen    *time.Time
	tolerance time.Duration
}

// NewSession creates an idle Session. Two reported times more than tolerance
// apart are not the same observed event and never enter manual resolution.
func NewSession(tolerance time.Duration) *Session {
	return &Session{state: StateIdle, tolerance: tolerance}
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conflict returns the conflict being handled, if any.
func (s *Session) Conflict() (TimeConflict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return TimeConflict{}, false
	}
	return *s.current, true
}

// Detect enters ConflictDetected when the two times disagree within the
// tolerance window and the session is idle. It reports whether the conflict
// was accepted.
func (s *Session) Detect(legID int, field TimeField, localTime, serverTime time.Time) bool {
	if localTime.Equal(serverTime) {
		return false
	}
	gap := localTime.Sub(serverTime)
	if gap < 0 {
		gap = -gap
	}
	if gap > s.tolerance {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return false
	}

	s.state = StateConflictDetected
	s.current = &TimeConflict{
		LegID:      legID,
		Field:      field,
		LocalTime:  localTime,
		ServerTime: serverTime,
		DetectedAt: time.Now().UTC(),
	}
	s.chosen = nil
	return true
}

// Present moves to AwaitingUserChoice and returns both candidates for display.
func (s *Session) Present() (TimeConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConflictDetected {
		return TimeConflict{}, syncErrors.New(syncErrors.OpResolve,
			fmt.Errorf("cannot present in state %s", s.state))
	}
	s.state = StateAwaitingUserChoice
	return *s.current, nil
}

// Choose records the user's pick, moves to Resolved, and returns the
// authoritative timestamp to write back and broadcast.
func (s *Session) Choose(c Candidate) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingUserChoice {
		return time.Time{}, syncErrors.New(syncErrors.OpResolve,
			fmt.Errorf("cannot choose in state %s", s.state))
	}

	var picked time.Time
	switch c {
	case CandidateLocal:
		picked = s.current.LocalTime
	case CandidateServer:
		picked = s.current.ServerTime
	default:
		return time.Time{}, syncErrors.NewValidationError(syncErrors.OpResolve,
			fmt.Errorf("unknown candidate %q", c))
	}

	s.chosen = &picked
	s.state = StateResolved
	return picked, nil
}

// Ack acknowledges a resolved conflict and returns the session to Idle.
func (s *Session) Ack() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateResolved {
		return syncErrors.New(syncErrors.OpResolve,
			fmt.Errorf("cannot ack in state %s", s.state))
	}
	s.state = StateIdle
	s.current = nil
	s.chosen = nil
	return nil
}

// Abandon returns to Idle without writing either value. The divergence is
// still present on the server, so the conflict re-surfaces on the next
// reconcile rather than being silently defaulted.
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	s.current = nil
	s.chosen = nil
}

type sessionSnapshot struct {
	State    SessionState  `json:"state"`
	Conflict *TimeConflict `json:"conflict,omitempty"`
}

// Snapshot serializes the session so an unresolved conflict survives process
// restart.
func (s *Session) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(sessionSnapshot{State: s.state, Conflict: s.current})
}

// Restore loads a snapshot. A conflict that was awaiting a choice re-enters
// ConflictDetected so it is presented again; a resolved or idle snapshot
// restores to Idle.
func (s *Session) Restore(data []byte) error {
	var snap sessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return syncErrors.Wrap(err, syncErrors.OpResolve, "conflict")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch snap.State {
	case StateConflictDetected, StateAwaitingUserChoice:
		if snap.Conflict == nil {
			s.state = StateIdle
			s.current = nil
			return nil
		}
		s.state = StateConflictDetected
		s.current = snap.Conflict
	default:
		s.state = StateIdle
		s.current = nil
	}
	s.chosen = nil
	return nil
}
