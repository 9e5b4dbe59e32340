package race

import (
	"fmt"
	"sort"
	"sync"
	"time"

	syncErrors "github.com/relaypace/relaysync/errors"
)

// Mutation describes a single applied change, delivered to listeners.
type Mutation struct {
	Collection Collection
	EntityID   int
}

// Store is the in-memory local state. All mutation paths (direct user action,
// merge resolution, realtime reconciliation) funnel through it, so it is the
// single serialization point visible to the UI.
type Store struct {
	mu            sync.RWMutex
	runners       map[int]Runner
	legs          map[int]Leg
	setupComplete bool
	listeners     []func(Mutation)
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		runners: make(map[int]Runner),
		legs:    make(map[int]Leg),
	}
}

// OnMutation registers a listener called synchronously after every applied
// mutation, outside the store lock.
func (s *Store) OnMutation(fn func(Mutation)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) notify(m Mutation) {
	s.mu.RLock()
	listeners := make([]func(Mutation), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(m)
	}
}

// Runners returns all runners ordered by id.
func (s *Store) Runners() []Runner {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Runner, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Legs returns all legs ordered by id.
func (s *Store) Legs() []Leg {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Leg, 0, len(s.legs))
	for _, l := range s.legs {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Runner returns the runner with the given id.
func (s *Store) Runner(id int) (Runner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runners[id]
	return r, ok
}

// Leg returns the leg with the given id.
func (s *Store) Leg(id int) (Leg, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.legs[id]
	if !ok {
		return Leg{}, false
	}
	return l.Clone(), true
}

// PutRunner validates and stores a runner, replacing any existing one.
func (s *Store) PutRunner(r Runner) error {
	if err := r.Validate(); err != nil {
		return syncErrors.NewValidationError(syncErrors.OpMutate, err)
	}

	s.mu.Lock()
	s.runners[r.ID] = r
	s.mu.Unlock()

	s.notify(Mutation{Collection: CollectionRunners, EntityID: r.ID})
	return nil
}

// PutLeg validates and stores a leg, replacing any existing one.
func (s *Store) PutLeg(l Leg) error {
	if err := l.Validate(); err != nil {
		return syncErrors.NewValidationError(syncErrors.OpMutate, err)
	}

	s.mu.Lock()
	s.legs[l.ID] = l.Clone()
	s.mu.Unlock()

	s.notify(Mutation{Collection: CollectionLegs, EntityID: l.ID})
	return nil
}

// ApplyRunnerFields applies a partial payload of changed fields to an existing
// runner and returns the result. Unknown keys are rejected as validation errors.
func (s *Store) ApplyRunnerFields(id int, fields map[string]any) (Runner, error) {
	s.mu.Lock()
	r, ok := s.runners[id]
	if !ok {
		s.mu.Unlock()
		return Runner{}, syncErrors.NewValidationError(syncErrors.OpMutate,
			fmt.Errorf("runner %d not found", id))
	}

	if err := applyRunnerFields(&r, fields); err != nil {
		s.mu.Unlock()
		return Runner{}, syncErrors.NewValidationError(syncErrors.OpMutate, err)
	}
	if err := r.Validate(); err != nil {
		s.mu.Unlock()
		return Runner{}, syncErrors.NewValidationError(syncErrors.OpMutate, err)
	}

	s.runners[id] = r
	s.mu.Unlock()

	s.notify(Mutation{Collection: CollectionRunners, EntityID: id})
	return r, nil
}

// ApplyLegFields applies a partial payload of changed fields to an existing
// leg and returns the result.
func (s *Store) ApplyLegFields(id int, fields map[string]any) (Leg, error) {
	s.mu.Lock()
	l, ok := s.legs[id]
	if !ok {
		s.mu.Unlock()
		return Leg{}, syncErrors.NewValidationError(syncErrors.OpMutate,
			fmt.Errorf("leg %d not found", id))
	}

	l = l.Clone()
	if err := applyLegFields(&l, fields); err != nil {
		s.mu.Unlock()
		return Leg{}, syncErrors.NewValidationError(syncErrors.OpMutate, err)
	}
	if err := l.Validate(); err != nil {
		s.mu.Unlock()
		return Leg{}, syncErrors.NewValidationError(syncErrors.OpMutate, err)
	}

	s.legs[id] = l
	s.mu.Unlock()

	s.notify(Mutation{Collection: CollectionLegs, EntityID: id})
	return l.Clone(), nil
}

// DeleteRunner removes a runner. Deleting an unknown id is a no-op.
func (s *Store) DeleteRunner(id int) {
	s.mu.Lock()
	_, ok := s.runners[id]
	delete(s.runners, id)
	s.mu.Unlock()

	if ok {
		s.notify(Mutation{Collection: CollectionRunners, EntityID: id})
	}
}

// DeleteLeg removes a leg. Deleting an unknown id is a no-op.
func (s *Store) DeleteLeg(id int) {
	s.mu.Lock()
	_, ok := s.legs[id]
	delete(s.legs, id)
	s.mu.Unlock()

	if ok {
		s.notify(Mutation{Collection: CollectionLegs, EntityID: id})
	}
}

// ReplaceAll swaps the entire local state in one atomic step. Used by the
// initial fetch and by full reconciliation merges.
func (s *Store) ReplaceAll(runners []Runner, legs []Leg) {
	s.mu.Lock()
	s.runners = make(map[int]Runner, len(runners))
	for _, r := range runners {
		s.runners[r.ID] = r
	}
	s.legs = make(map[int]Leg, len(legs))
	for _, l := range legs {
		s.legs[l.ID] = l.Clone()
	}
	s.mu.Unlock()

	s.notify(Mutation{})
}

// SetSetupComplete records whether race setup has finished on this device.
func (s *Store) SetSetupComplete(done bool) {
	s.mu.Lock()
	s.setupComplete = done
	s.mu.Unlock()
}

// SetupComplete reports whether race setup has finished.
func (s *Store) SetupComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.setupComplete
}

// ResetLegs clears all timing fields from every leg. This is the explicit full
// reset; it is the only path that un-sets actual times.
func (s *Store) ResetLegs() {
	s.mu.Lock()
	now := time.Now().UTC()
	for id, l := range s.legs {
		l.ProjectedStart = nil
		l.ProjectedFinish = nil
		l.ActualStart = nil
		l.ActualFinish = nil
		l.UpdatedAt = now
		s.legs[id] = l
	}
	s.mu.Unlock()

	s.notify(Mutation{Collection: CollectionLegs})
}

// ProjectTimeline recomputes projected start/finish for every leg from the
// race start time, each assigned runner's pace, and any actual times already
// observed. An actual finish anchors the next leg's projected start.
func (s *Store) ProjectTimeline(raceStart time.Time) {
	s.mu.Lock()

	ids := make([]int, 0, len(s.legs))
	for id := range s.legs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	cursor := raceStart
	for _, id := range ids {
		l := s.legs[id]

		if l.ActualStart != nil {
			cursor = *l.ActualStart
		}
		start := cursor
		l.ProjectedStart = &start

		dur := s.legDurationLocked(l)
		finish := start.Add(dur)
		l.ProjectedFinish = &finish

		if l.ActualFinish != nil {
			cursor = *l.ActualFinish
		} else {
			cursor = finish
		}
		s.legs[id] = l
	}
	s.mu.Unlock()

	s.notify(Mutation{Collection: CollectionLegs})
}

// legDurationLocked estimates how long a leg takes using the assigned runner's
// pace. Unassigned legs fall back to a 10 min/mile pace.
func (s *Store) legDurationLocked(l Leg) time.Duration {
	paceSecs := 600
	if l.RunnerID != nil {
		if r, ok := s.runners[*l.RunnerID]; ok && r.Pace > 0 {
			paceSecs = r.Pace
		}
	}
	return time.Duration(float64(paceSecs)*l.Distance) * time.Second
}
