// Package race defines the relay race domain model and the in-memory local
// state store that is the single source of truth for the UI.
package race

import (
	"fmt"
	"time"
)

// NumLegs is the fixed number of legs in a race. All legs are created together
// at race setup.
const NumLegs = 36

// Van is the grouping of runners sharing transportation. Purely organizational.
type Van int

const (
	Van1 Van = 1
	Van2 Van = 2
)

// Collection names an entity collection in the authoritative store.
type Collection string

const (
	CollectionRunners Collection = "runners"
	CollectionLegs    Collection = "legs"
)

// Runner is a relay team member. Runners are never destroyed during a race,
// only replaced on edit.
type Runner struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Pace      int       `json:"pace"` // seconds per mile
	Van       Van       `json:"van"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the runner's business rules.
func (r Runner) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("runner id %d must be positive", r.ID)
	}
	if r.Name == "" {
		return fmt.Errorf("runner %d has an empty name", r.ID)
	}
	if r.Pace <= 0 {
		return fmt.Errorf("runner %d pace %d must be positive", r.ID, r.Pace)
	}
	if r.Van != Van1 && r.Van != Van2 {
		return fmt.Errorf("runner %d van %d must be 1 or 2", r.ID, r.Van)
	}
	return nil
}

// Equal reports structural equality, including the last-modified timestamp.
func (r Runner) Equal(other Runner) bool {
	return r.ID == other.ID &&
		r.Name == other.Name &&
		r.Pace == other.Pace &&
		r.Van == other.Van &&
		r.UpdatedAt.Equal(other.UpdatedAt)
}

// Leg is one segment of the race. Actual-time fields transition monotonically
// from unset to set; they are never reset except by explicit repair or full reset.
type Leg struct {
	ID              int        `json:"id"`
	RunnerID        *int       `json:"runnerId"`
	Distance        float64    `json:"distance"` // miles
	ProjectedStart  *time.Time `json:"projectedStart"`
	ProjectedFinish *time.Time `json:"projectedFinish"`
	ActualStart     *time.Time `json:"actualStart"`
	ActualFinish    *time.Time `json:"actualFinish"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Validate checks the leg's business rules. An actual finish preceding the
// actual start is an impossible state subject to repair, so it is rejected here.
func (l Leg) Validate() error {
	if l.ID < 1 || l.ID > NumLegs {
		return fmt.Errorf("leg id %d out of range 1..%d", l.ID, NumLegs)
	}
	if l.Distance <= 0 {
		return fmt.Errorf("leg %d distance %v must be positive", l.ID, l.Distance)
	}
	if l.ActualStart != nil && l.ActualFinish != nil && l.ActualFinish.Before(*l.ActualStart) {
		return fmt.Errorf("leg %d actual finish %s precedes actual start %s",
			l.ID, l.ActualFinish.Format(time.RFC3339), l.ActualStart.Format(time.RFC3339))
	}
	return nil
}

// Equal reports structural equality, including the last-modified timestamp.
func (l Leg) Equal(other Leg) bool {
	return l.ID == other.ID &&
		intPtrEqual(l.RunnerID, other.RunnerID) &&
		l.Distance == other.Distance &&
		timePtrEqual(l.ProjectedStart, other.ProjectedStart) &&
		timePtrEqual(l.ProjectedFinish, other.ProjectedFinish) &&
		timePtrEqual(l.ActualStart, other.ActualStart) &&
		timePtrEqual(l.ActualFinish, other.ActualFinish) &&
		l.UpdatedAt.Equal(other.UpdatedAt)
}

// Clone returns a deep copy so callers can hold snapshots without aliasing
// the store's pointers.
func (l Leg) Clone() Leg {
	out := l
	out.RunnerID = clonedInt(l.RunnerID)
	out.ProjectedStart = clonedTime(l.ProjectedStart)
	out.ProjectedFinish = clonedTime(l.ProjectedFinish)
	out.ActualStart = clonedTime(l.ActualStart)
	out.ActualFinish = clonedTime(l.ActualFinish)
	return out
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func clonedInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func clonedTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// TimePtr is a convenience for building literal legs.
func TimePtr(t time.Time) *time.Time { return &t }

// IntPtr is a convenience for building literal legs.
func IntPtr(i int) *int { return &i }
