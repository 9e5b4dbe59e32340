// Package debounce coalesces rapid repeated operations for the same key into
// a single deferred execution, so a burst of field edits produces one remote
// write instead of one per keystroke.
package debounce

import (
	"errors"
	"sync"
	"time"
)

// ErrCanceled is delivered to waiters when a scheduled run is canceled before
// it fires.
var ErrCanceled = errors.New("debounce: canceled")

// ErrClosed is returned by Do after the debouncer has been closed.
var ErrClosed = errors.New("debounce: closed")

// Result is the outcome of the single execution a burst collapses into.
type Result struct {
	Value any
	Err   error
}

type pendingRun struct {
	timer *time.Timer

	// gen increments on every reschedule so a timer callback that fired for
	// an earlier schedule can be told apart from the current one.
	gen     uint64
	op      func() (any, error)
	waiters []chan Result
}

// Debouncer schedules keyed trailing-edge executions. Each scheduled run is an
// explicit cancellable task owned by the Debouncer, not a closure hidden in a
// timer callback.
type Debouncer struct {
	mu      sync.Mutex
	pending map[string]*pendingRun
	closed  bool
}

// New creates a Debouncer.
func New() *Debouncer {
	return &Debouncer{pending: make(map[string]*pendingRun)}
}

// Do schedules op to run after delay of inactivity for key. A newer call for
// the same key before the delay elapses cancels the prior schedule and
// supersedes its operation; every waiter in the burst receives the outcome of
// the single execution that eventually fires, which runs the latest op.
func (d *Debouncer) Do(key string, delay time.Duration, op func() (any, error)) <-chan Result {
	ch := make(chan Result, 1)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		ch <- Result{Err: ErrClosed}
		return ch
	}

	if run, ok := d.pending[key]; ok {
		run.timer.Stop()
		run.gen++
		run.op = op
		run.waiters = append(run.waiters, ch)
		gen := run.gen
		run.timer = time.AfterFunc(delay, func() { d.fire(key, run, gen) })
		return ch
	}

	run := &pendingRun{op: op, waiters: []chan Result{ch}}
	run.timer = time.AfterFunc(delay, func() { d.fire(key, run, 0) })
	d.pending[key] = run
	return ch
}

// fire executes the run's final operation and broadcasts the outcome. The
// generation check discards a callback whose timer fired for a schedule that
// has since been superseded, even if the run entry is still current; the
// Stop in Do cannot stop a callback already in flight, and letting it through
// would run the new operation before its delay elapsed.
func (d *Debouncer) fire(key string, run *pendingRun, gen uint64) {
	d.mu.Lock()
	if d.pending[key] != run || run.gen != gen {
		// Canceled, superseded, or rescheduled between the timer firing and
		// this call.
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	op := run.op
	waiters := run.waiters
	d.mu.Unlock()

	value, err := op()
	for _, ch := range waiters {
		ch <- Result{Value: value, Err: err}
	}
}

// Cancel aborts a pending scheduled run without executing it. Waiters receive
// ErrCanceled. It reports whether a run was pending.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	run, ok := d.pending[key]
	if ok {
		run.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}
	for _, ch := range run.waiters {
		ch <- Result{Err: ErrCanceled}
	}
	return true
}

// Pending reports whether a run is scheduled for key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Close cancels every pending run. Subsequent Do calls fail with ErrClosed.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	runs := d.pending
	d.pending = make(map[string]*pendingRun)
	d.mu.Unlock()

	for _, run := range runs {
		run.timer.Stop()
		for _, ch := range run.waiters {
			ch <- Result{Err: ErrCanceled}
		}
	}
}
