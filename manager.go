package relaysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaypace/relaysync/conflict"
	"github.com/relaypace/relaysync/config"
	"github.com/relaypace/relaysync/debounce"
	syncErrors "github.com/relaypace/relaysync/errors"
	"github.com/relaypace/relaysync/keylock"
	"github.com/relaypace/relaysync/logging"
	"github.com/relaypace/relaysync/queue"
	"github.com/relaypace/relaysync/race"
	"github.com/relaypace/relaysync/remote"
)

const manualSessionKey = "manual_session"

// Manager orchestrates the sync session: initial fetch, optimistic
// write-through, offline queueing, realtime reconciliation, and conflict
// resolution. All collaborators are passed in explicitly.
type Manager struct {
	store    *race.Store
	queue    *queue.Queue
	adapter  remote.Adapter
	notifier remote.Notifier
	locks    *keylock.Manager
	deb      *debounce.Debouncer
	cfg      *config.Config
	logger   *logging.Logger
	metrics  MetricsCollector
	manual   *conflict.Session

	// pulls dedupes concurrent reconciliation work: a burst of realtime
	// events for one entity produces one fetch, and overlapping full
	// reconciles collapse into one pass.
	pulls singleflight.Group

	mu           sync.RWMutex
	state        SessionState
	offline      bool
	teamID       string
	lastSync     time.Time
	lastErr      error
	draining     bool
	closed       bool
	refreshStop  chan struct{}
	notifyCancel context.CancelFunc
	subscribers  []func(*SyncResult)
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics installs a metrics collector.
func WithMetrics(mc MetricsCollector) Option {
	return func(m *Manager) { m.metrics = mc }
}

// New wires a Manager from its components. The notifier may be nil to run
// without realtime push.
func New(store *race.Store, q *queue.Queue, adapter remote.Adapter, notifier remote.Notifier,
	locks *keylock.Manager, deb *debounce.Debouncer, cfg *config.Config, logger *logging.Logger,
	opts ...Option) *Manager {

	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Default()
	}

	m := &Manager{
		store:    store,
		queue:    q,
		adapter:  adapter,
		notifier: notifier,
		locks:    locks,
		deb:      deb,
		cfg:      cfg,
		logger:   logger.WithComponent(logging.Component("manager")),
		metrics:  NoOpMetrics{},
		manual:   conflict.NewSession(cfg.ToleranceWindow.Std()),
		state:    StateUninitialized,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach joins a team: restores any persisted snapshot, performs the initial
// full fetch, merges the two via the automatic policy, and starts the
// background refresh and realtime subscription. If the remote store is
// unreachable but a snapshot exists, the session comes up offline serving
// local data.
func (m *Manager) Attach(ctx context.Context, teamID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("manager is closed")
	}
	if m.state != StateUninitialized {
		m.mu.Unlock()
		return fmt.Errorf("already attached to team %s", m.teamID)
	}
	m.teamID = teamID
	m.state = StateInitialFetchPending
	m.mu.Unlock()

	db := m.queue.DB()
	if err := race.EnsureSnapshotSchema(ctx, db); err != nil {
		m.setState(StateUninitialized)
		return err
	}
	restored, err := m.store.LoadSnapshot(ctx, db, teamID)
	if err != nil {
		m.logger.Warn("snapshot restore failed, starting empty", "team_id", teamID, "error", err)
		restored = false
	}
	m.restoreManualSession(ctx)

	result := &SyncResult{StartTime: time.Now()}
	runners, legs, err := m.pullAll(ctx)
	if err != nil {
		if restored && syncErrors.IsRetryable(err) {
			m.mu.Lock()
			m.offline = true
			m.state = StateSynced
			m.lastErr = err
			m.mu.Unlock()
			m.logger.Warn("initial fetch failed, serving restored snapshot offline",
				"team_id", teamID, "error", err)
			m.startBackground()
			return nil
		}
		m.mu.Lock()
		m.state = StateUninitialized
		m.lastErr = err
		m.mu.Unlock()
		return err
	}

	m.mergePulled(ctx, runners, legs, result)
	m.saveSnapshot(ctx)
	m.persistManualSession(ctx)

	m.mu.Lock()
	m.state = StateSynced
	m.offline = false
	m.lastSync = time.Now()
	m.lastErr = nil
	m.mu.Unlock()

	m.finalize(result)
	m.startBackground()
	m.logger.Info("attached", "team_id", teamID,
		"runners", len(runners), "legs", len(legs), "snapshot_restored", restored)
	return nil
}

// MutateRunner applies a sparse field payload to a runner: immediately to the
// local store, then through to the remote store. Validation failures surface
// to the caller and are never queued; retryable remote failures queue the
// change and flip the session offline.
func (m *Manager) MutateRunner(ctx context.Context, id int, fields map[string]any) error {
	if err := m.ensureAttached(); err != nil {
		return err
	}

	payload := stampFields(fields)
	if _, err := m.store.ApplyRunnerFields(id, payload); err != nil {
		return err
	}
	return m.writeThrough(ctx, race.CollectionRunners, id, payload)
}

// MutateLeg is MutateRunner for legs.
func (m *Manager) MutateLeg(ctx context.Context, id int, fields map[string]any) error {
	if err := m.ensureAttached(); err != nil {
		return err
	}

	payload := stampFields(fields)
	if _, err := m.store.ApplyLegFields(id, payload); err != nil {
		return err
	}
	return m.writeThrough(ctx, race.CollectionLegs, id, payload)
}

// MutateLegDebounced coalesces a burst of edits to one leg into a single
// write after the configured quiet period. Every caller in the burst receives
// the outcome of the one write, which carries the latest payload.
func (m *Manager) MutateLegDebounced(id int, fields map[string]any) <-chan debounce.Result {
	key := entityKey(race.CollectionLegs, id)
	return m.deb.Do(key, m.cfg.DebounceDelay.Std(), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HTTP.Timeout.Std())
		defer cancel()
		return nil, m.MutateLeg(ctx, id, fields)
	})
}

// SetOnline flips the connectivity flag. Restoring connectivity drains the
// offline queue in order and then runs a full reconcile.
func (m *Manager) SetOnline(ctx context.Context, online bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("manager is closed")
	}
	wasOffline := m.offline
	m.offline = !online
	m.mu.Unlock()

	if !online {
		m.logger.Info("going offline, changes will queue")
		return nil
	}
	if !wasOffline {
		return nil
	}

	result := &SyncResult{StartTime: time.Now()}
	if err := m.drain(ctx, result); err != nil {
		m.finalize(result)
		return err
	}
	err := m.reconcileInto(ctx, result)
	m.finalize(result)
	return err
}

// Reconcile performs a full pull and merges it into local state under the
// automatic conflict policy, skipping entities that still have queued local
// changes. Concurrent calls collapse into one pass.
func (m *Manager) Reconcile(ctx context.Context) (*SyncResult, error) {
	if err := m.ensureAttached(); err != nil {
		return nil, err
	}

	v, err, _ := m.pulls.Do("full_reconcile", func() (any, error) {
		result := &SyncResult{StartTime: time.Now()}
		err := m.reconcileInto(ctx, result)
		m.finalize(result)
		return result, err
	})
	result, _ := v.(*SyncResult)
	return result, err
}

// Status returns a snapshot of the session for display.
func (m *Manager) Status() Status {
	m.mu.RLock()
	s := Status{
		State:     m.state,
		Offline:   m.offline,
		LastSync:  m.lastSync,
		LastError: m.lastErr,
	}
	teamID := m.teamID
	m.mu.RUnlock()

	if teamID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if n, err := m.queue.Count(ctx, teamID); err == nil {
			s.PendingChanges = n
		}
	}
	return s
}

// ManualConflict returns the time conflict awaiting manual resolution, if any.
func (m *Manager) ManualConflict() (conflict.TimeConflict, bool) {
	return m.manual.Conflict()
}

// PresentManualConflict marks the pending time conflict as shown to the user
// and returns both candidate timestamps for display.
func (m *Manager) PresentManualConflict(ctx context.Context) (conflict.TimeConflict, error) {
	c, err := m.manual.Present()
	if err != nil {
		return conflict.TimeConflict{}, err
	}
	m.persistManualSession(ctx)
	return c, nil
}

// ResolveManualConflict records the user's pick, applies the chosen timestamp
// locally and through to the remote store, and clears the session.
func (m *Manager) ResolveManualConflict(ctx context.Context, choice conflict.Candidate) error {
	c, ok := m.manual.Conflict()
	if !ok {
		return syncErrors.New(syncErrors.OpResolve, errors.New("no manual conflict pending"))
	}

	picked, err := m.manual.Choose(choice)
	if err != nil {
		return err
	}

	fields := map[string]any{string(c.Field): picked.UTC().Format(time.RFC3339Nano)}
	if err := m.MutateLeg(ctx, c.LegID, fields); err != nil {
		return err
	}

	if err := m.manual.Ack(); err != nil {
		return err
	}
	if err := m.queue.DeleteMeta(ctx, manualSessionKey); err != nil {
		m.logger.Warn("clearing manual session state failed", "error", err)
	}
	return nil
}

// AbandonManualConflict dismisses the prompt without writing either value.
// The divergence remains on the server and re-surfaces on the next reconcile.
func (m *Manager) AbandonManualConflict(ctx context.Context) {
	m.manual.Abandon()
	if err := m.queue.DeleteMeta(ctx, manualSessionKey); err != nil {
		m.logger.Warn("clearing manual session state failed", "error", err)
	}
}

// Subscribe registers a handler called after every completed sync pass.
func (m *Manager) Subscribe(handler func(*SyncResult)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("manager is closed")
	}
	m.subscribers = append(m.subscribers, handler)
	return nil
}

// Close stops background work, persists the snapshot and any unresolved
// manual conflict, and closes owned resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.refreshStop != nil {
		close(m.refreshStop)
		m.refreshStop = nil
	}
	cancel := m.notifyCancel
	m.notifyCancel = nil
	teamID := m.teamID
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	if m.notifier != nil {
		if err := m.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close notifier: %w", err))
		}
	}
	m.deb.Close()

	if teamID != "" {
		ctx, cancelSave := context.WithTimeout(context.Background(), 5*time.Second)
		m.saveSnapshot(ctx)
		m.persistManualSession(ctx)
		cancelSave()
	}

	if err := m.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// ---- internals ----

func (m *Manager) ensureAttached() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("manager is closed")
	}
	if m.state == StateUninitialized || m.teamID == "" {
		return errors.New("not attached to a team")
	}
	return nil
}

func (m *Manager) setState(s SessionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// syncBaseline is the moment of the last successful full sync. Local entities
// modified after it have diverged from the remote store.
func (m *Manager) syncBaseline() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSync
}

// writeThrough pushes an already-applied local change to the remote store.
// Per-entity exclusive access keeps overlapping writes to one entity in FIFO
// order within the process.
func (m *Manager) writeThrough(ctx context.Context, collection race.Collection, id int, fields map[string]any) error {
	m.mu.RLock()
	teamID := m.teamID
	offline := m.offline
	m.mu.RUnlock()

	if offline {
		return m.enqueue(ctx, collection, id, fields)
	}

	key := entityKey(collection, id)
	partial := partialFor(collection, id, fields)

	_, err := m.locks.WithExclusiveAccess(ctx, key, func(ctx context.Context) (any, error) {
		return nil, m.withRetry(ctx, func() error {
			return remote.UpsertFor(ctx, m.adapter, teamID, collection, partial)
		})
	})
	if err == nil {
		m.locks.UpdateLock(key)
		return nil
	}

	if syncErrors.IsConcurrentUpdate(err) {
		return m.resolveConcurrent(ctx, collection, id)
	}
	if syncErrors.IsRetryable(err) {
		m.markOffline(err)
		return m.enqueue(ctx, collection, id, fields)
	}
	return err
}

func (m *Manager) enqueue(ctx context.Context, collection race.Collection, id int, fields map[string]any) error {
	m.mu.RLock()
	teamID := m.teamID
	m.mu.RUnlock()

	if err := m.queue.Enqueue(ctx, teamID, queue.NewChange(collection, id, fields)); err != nil {
		return err
	}
	if n, err := m.queue.Count(ctx, teamID); err == nil {
		m.metrics.RecordQueueDepth(n)
	}
	m.logger.Debug("change queued for later sync",
		"collection", collection, "entity_id", id)
	return nil
}

// resolveConcurrent handles a write the remote store rejected because the row
// moved: fetch the current remote row, merge under the automatic policy, and
// push the merged result.
func (m *Manager) resolveConcurrent(ctx context.Context, collection race.Collection, id int) error {
	m.mu.RLock()
	teamID := m.teamID
	m.mu.RUnlock()

	if collection == race.CollectionRunners {
		remoteRunner, err := m.adapter.GetRunner(ctx, teamID, id)
		if err != nil {
			m.markStale(err)
			return err
		}
		m.mergeRunner(remoteRunner, m.syncBaseline())
		merged, ok := m.store.Runner(id)
		if !ok {
			return nil
		}
		if _, err := m.adapter.UpsertRunners(ctx, teamID, []remote.Partial{
			remote.RunnerPartial(id, merged.Fields()),
		}); err != nil {
			return err
		}
	} else {
		remoteLeg, err := m.adapter.GetLeg(ctx, teamID, id)
		if err != nil {
			m.markStale(err)
			return err
		}
		m.mergeLeg(ctx, remoteLeg, m.syncBaseline())
		merged, ok := m.store.Leg(id)
		if !ok {
			return nil
		}
		if _, err := m.adapter.UpsertLegs(ctx, teamID, []remote.Partial{
			remote.LegPartial(id, merged.Fields()),
		}); err != nil {
			return err
		}
	}

	m.locks.UpdateLock(entityKey(collection, id))
	m.saveSnapshot(ctx)
	return nil
}

// drain replays the offline queue FIFO. The queue deletes a change only after
// its replay succeeds and halts on the first failure, so partial progress
// never reorders causally dependent changes.
func (m *Manager) drain(ctx context.Context, result *SyncResult) error {
	m.mu.Lock()
	m.draining = true
	teamID := m.teamID
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.draining = false
		m.mu.Unlock()
	}()

	applied, err := m.queue.Drain(ctx, teamID, func(c queue.Change) error {
		replayErr := m.withRetry(ctx, func() error {
			return remote.UpsertFor(ctx, m.adapter, teamID, c.Collection, partialFor(c.Collection, c.EntityID, c.Fields))
		})
		if replayErr == nil {
			m.locks.UpdateLock(entityKey(c.Collection, c.EntityID))
		}
		return replayErr
	})
	result.Pushed = applied

	if n, cerr := m.queue.Count(ctx, teamID); cerr == nil {
		m.metrics.RecordQueueDepth(n)
	}
	if err != nil {
		result.Errors = append(result.Errors, err)
		if syncErrors.IsRetryable(err) {
			m.markOffline(err)
		} else {
			m.mu.Lock()
			m.lastErr = err
			m.mu.Unlock()
		}
		return err
	}
	return nil
}

func (m *Manager) reconcileInto(ctx context.Context, result *SyncResult) error {
	m.mu.Lock()
	if m.state == StateUninitialized {
		m.mu.Unlock()
		return errors.New("not attached to a team")
	}
	m.state = StateReconciling
	m.mu.Unlock()

	runners, legs, err := m.pullAll(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
		m.mu.Lock()
		m.state = StateStale
		m.lastErr = err
		if syncErrors.KindOf(err) == syncErrors.KindNetwork {
			m.offline = true
		}
		m.mu.Unlock()
		return err
	}

	m.mergePulled(ctx, runners, legs, result)
	m.saveSnapshot(ctx)
	m.persistManualSession(ctx)

	m.mu.Lock()
	m.state = StateSynced
	m.lastSync = time.Now()
	m.lastErr = nil
	m.mu.Unlock()
	return nil
}

func (m *Manager) pullAll(ctx context.Context) ([]race.Runner, []race.Leg, error) {
	m.mu.RLock()
	teamID := m.teamID
	m.mu.RUnlock()

	var runners []race.Runner
	var legs []race.Leg
	err := m.withRetry(ctx, func() error {
		rs, err := m.adapter.ListRunners(ctx, teamID)
		if err != nil {
			return err
		}
		ls, err := m.adapter.ListLegs(ctx, teamID)
		if err != nil {
			return err
		}
		runners, legs = rs, ls
		return nil
	})
	return runners, legs, err
}

// mergePulled folds a full remote snapshot into local state. Entities with
// queued local changes are skipped: the queued intent wins until it drains.
// Local entities absent from the remote snapshot are deleted unless queued.
func (m *Manager) mergePulled(ctx context.Context, runners []race.Runner, legs []race.Leg, result *SyncResult) {
	m.mu.RLock()
	teamID := m.teamID
	m.mu.RUnlock()

	baseline := m.syncBaseline()
	pending := func(collection race.Collection, id int) bool {
		p, err := m.queue.Pending(ctx, teamID, collection, id)
		return err == nil && p
	}

	remoteRunners := make(map[int]bool, len(runners))
	for _, r := range runners {
		remoteRunners[r.ID] = true
		result.Pulled++
		if pending(race.CollectionRunners, r.ID) {
			continue
		}
		if m.mergeRunner(r, baseline) {
			result.ConflictsResolved++
		}
	}
	for _, local := range m.store.Runners() {
		if !remoteRunners[local.ID] && !pending(race.CollectionRunners, local.ID) {
			m.store.DeleteRunner(local.ID)
			m.locks.ClearLock(entityKey(race.CollectionRunners, local.ID))
		}
	}

	remoteLegs := make(map[int]bool, len(legs))
	for _, l := range legs {
		remoteLegs[l.ID] = true
		result.Pulled++
		if pending(race.CollectionLegs, l.ID) {
			continue
		}
		if m.mergeLeg(ctx, l, baseline) {
			result.ConflictsResolved++
		}
	}
	for _, local := range m.store.Legs() {
		if !remoteLegs[local.ID] && !pending(race.CollectionLegs, local.ID) {
			m.store.DeleteLeg(local.ID)
			m.locks.ClearLock(entityKey(race.CollectionLegs, local.ID))
		}
	}
}

// mergeRunner folds one remote runner into local state and reports whether a
// conflict was auto-resolved. A divergence on an entity this device has not
// touched since the baseline is plain remote progress, not a conflict, and is
// accepted as-is.
func (m *Manager) mergeRunner(remoteRunner race.Runner, baseline time.Time) bool {
	local, ok := m.store.Runner(remoteRunner.ID)
	if !ok {
		if err := m.store.PutRunner(remoteRunner); err != nil {
			m.logger.Warn("rejected remote runner", "runner_id", remoteRunner.ID, "error", err)
		}
		return false
	}

	c := conflict.DetectRunner(local, remoteRunner)
	if c == nil {
		return false
	}
	if !local.UpdatedAt.After(baseline) {
		if err := m.store.PutRunner(remoteRunner); err != nil {
			m.logger.Warn("rejected remote runner", "runner_id", remoteRunner.ID, "error", err)
		}
		return false
	}
	m.metrics.RecordConflict(conflict.KindRunner, c.Severity)

	strategy := conflict.AutoStrategyFor(conflict.KindRunner, c.Severity)
	resolved, err := conflict.ResolveRunner(c, strategy)
	if err != nil {
		m.logger.Warn("runner conflict resolution failed", "runner_id", remoteRunner.ID, "error", err)
		return false
	}
	if err := m.store.PutRunner(resolved); err != nil {
		m.logger.Warn("rejected resolved runner", "runner_id", remoteRunner.ID, "error", err)
		return false
	}
	m.logger.Debug("runner conflict auto-resolved",
		"runner_id", remoteRunner.ID, "severity", c.Severity, "strategy", strategy)
	return true
}

// mergeLeg folds one remote leg into local state. When both sides recorded an
// actual time for the same event and they disagree within the tolerance
// window, the conflict routes to the manual session and local state is left
// untouched until the user decides. As with runners, a divergence on a leg
// untouched since the baseline is accepted as remote progress.
func (m *Manager) mergeLeg(ctx context.Context, remoteLeg race.Leg, baseline time.Time) bool {
	local, ok := m.store.Leg(remoteLeg.ID)
	if !ok {
		if err := m.store.PutLeg(remoteLeg); err != nil {
			m.logger.Warn("rejected remote leg", "leg_id", remoteLeg.ID, "error", err)
		}
		return false
	}

	c := conflict.DetectLeg(local, remoteLeg)
	if c == nil {
		return false
	}
	if !local.UpdatedAt.After(baseline) {
		if err := m.store.PutLeg(remoteLeg); err != nil {
			m.logger.Warn("rejected remote leg", "leg_id", remoteLeg.ID, "error", err)
		}
		return false
	}
	m.metrics.RecordConflict(conflict.KindLeg, c.Severity)

	if c.Severity == conflict.SeverityHigh && m.routeManualLeg(local, remoteLeg) {
		m.persistManualSession(ctx)
		m.logger.Info("leg time conflict needs a decision",
			"leg_id", remoteLeg.ID)
		return false
	}

	strategy := conflict.AutoStrategyFor(conflict.KindLeg, c.Severity)
	resolved, err := conflict.ResolveLeg(c, strategy)
	if err != nil {
		m.logger.Warn("leg conflict resolution failed", "leg_id", remoteLeg.ID, "error", err)
		return false
	}
	if err := m.store.PutLeg(resolved); err != nil {
		m.logger.Warn("rejected resolved leg", "leg_id", remoteLeg.ID, "error", err)
		return false
	}
	m.logger.Debug("leg conflict auto-resolved",
		"leg_id", remoteLeg.ID, "severity", c.Severity, "strategy", strategy)
	return true
}

// routeManualLeg offers a disputed actual time to the manual session. Both
// sides must have observed the event; the session itself enforces the
// tolerance window and one-at-a-time handling.
func (m *Manager) routeManualLeg(local, remoteLeg race.Leg) bool {
	if local.ActualStart != nil && remoteLeg.ActualStart != nil &&
		m.manual.Detect(local.ID, conflict.FieldActualStart, *local.ActualStart, *remoteLeg.ActualStart) {
		return true
	}
	if local.ActualFinish != nil && remoteLeg.ActualFinish != nil &&
		m.manual.Detect(local.ID, conflict.FieldActualFinish, *local.ActualFinish, *remoteLeg.ActualFinish) {
		return true
	}
	return false
}

// handleEvent reacts to a realtime change notification. The event body is a
// hint only: the entity is re-fetched rather than trusted. Events for entities
// with queued local changes are ignored until the queue drains.
func (m *Manager) handleEvent(ev remote.Event) error {
	m.mu.RLock()
	teamID := m.teamID
	closed := m.closed
	m.mu.RUnlock()

	if closed || ev.TeamID != teamID {
		return nil
	}
	if ev.DeviceID != "" && ev.DeviceID == m.cfg.DeviceID {
		return nil
	}

	collection := race.Collection(ev.Collection)
	if collection != race.CollectionRunners && collection != race.CollectionLegs {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HTTP.Timeout.Std())
	defer cancel()

	if p, err := m.queue.Pending(ctx, teamID, collection, ev.EntityID); err == nil && p {
		m.logger.Debug("ignoring event for entity with queued local change",
			"collection", collection, "entity_id", ev.EntityID)
		return nil
	}

	key := entityKey(collection, ev.EntityID)
	_, err, _ := m.pulls.Do(key, func() (any, error) {
		return nil, m.pullEntity(ctx, collection, ev.EntityID, ev.Action)
	})
	if err != nil {
		m.markStale(err)
	}
	return err
}

func (m *Manager) pullEntity(ctx context.Context, collection race.Collection, id int, action remote.Action) error {
	m.mu.RLock()
	teamID := m.teamID
	m.mu.RUnlock()

	if action == remote.ActionDeleted {
		if collection == race.CollectionRunners {
			m.store.DeleteRunner(id)
		} else {
			m.store.DeleteLeg(id)
		}
		m.locks.ClearLock(entityKey(collection, id))
		m.saveSnapshot(ctx)
		return nil
	}

	baseline := m.syncBaseline()
	err := m.withRetry(ctx, func() error {
		if collection == race.CollectionRunners {
			r, err := m.adapter.GetRunner(ctx, teamID, id)
			if err != nil {
				return err
			}
			m.mergeRunner(r, baseline)
			return nil
		}
		l, err := m.adapter.GetLeg(ctx, teamID, id)
		if err != nil {
			return err
		}
		m.mergeLeg(ctx, l, baseline)
		return nil
	})
	if err != nil {
		return err
	}
	m.saveSnapshot(ctx)
	return nil
}

// withRetry runs op with exponential backoff, retrying only failures the
// error taxonomy marks retryable.
func (m *Manager) withRetry(ctx context.Context, op func() error) error {
	backoff := &remote.ExponentialBackoff{
		InitialDelay: m.cfg.Retry.InitialDelay.Std(),
		MaxDelay:     m.cfg.Retry.MaxDelay.Std(),
		Multiplier:   m.cfg.Retry.Multiplier,
	}

	var err error
	for attempt := 0; attempt < m.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.NextDelay(attempt - 1)):
			}
		}
		if err = op(); err == nil {
			return nil
		}
		if !syncErrors.IsRetryable(err) {
			return err
		}
		m.logger.Warn("retryable failure",
			"attempt", attempt+1, "max_attempts", m.cfg.Retry.MaxAttempts, "error", err)
	}
	return err
}

func (m *Manager) startBackground() {
	m.mu.Lock()
	if m.refreshStop != nil || m.closed {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.refreshStop = stop

	var notifyCtx context.Context
	if m.notifier != nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.notifyCancel = cancel
		notifyCtx = ctx
	}
	m.mu.Unlock()

	go m.refreshLoop(stop)

	if m.notifier != nil {
		go func() {
			if err := m.notifier.Subscribe(notifyCtx, m.handleEvent); err != nil &&
				!errors.Is(err, context.Canceled) {
				m.logger.Warn("realtime subscription ended", "error", err)
			}
		}()
	}
}

// refreshDue reports whether a periodic refresh tick should run. Ticks are
// skipped while a drain is in progress, while offline, and while another
// reconcile pass is already underway.
func (m *Manager) refreshDue() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.draining && !m.offline && !m.closed && m.state != StateReconciling
}

// refreshLoop runs the periodic full refresh.
func (m *Manager) refreshLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.RefreshInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.refreshDue() {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := m.Reconcile(ctx); err != nil {
				m.logger.Debug("periodic refresh failed", "error", err)
			}
			cancel()
		}
	}
}

func (m *Manager) finalize(result *SyncResult) {
	result.Duration = time.Since(result.StartTime)
	m.metrics.RecordSync(result)
	m.notifySubscribers(result)
}

func (m *Manager) notifySubscribers(result *SyncResult) {
	m.mu.RLock()
	subscribers := make([]func(*SyncResult), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.RUnlock()

	for _, handler := range subscribers {
		go func(h func(*SyncResult)) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("subscriber panicked", "panic", r)
				}
			}()
			h(result)
		}(handler)
	}
}

func (m *Manager) markOffline(err error) {
	m.mu.Lock()
	m.offline = true
	m.lastErr = err
	m.mu.Unlock()
	m.logger.Warn("connectivity lost, queueing changes", "error", err)
}

func (m *Manager) markStale(err error) {
	m.mu.Lock()
	if m.state == StateSynced {
		m.state = StateStale
	}
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) saveSnapshot(ctx context.Context) {
	m.mu.RLock()
	teamID := m.teamID
	m.mu.RUnlock()
	if teamID == "" {
		return
	}
	if err := m.store.SaveSnapshot(ctx, m.queue.DB(), teamID); err != nil {
		m.logger.Warn("snapshot save failed", "error", err)
	}
}

func (m *Manager) persistManualSession(ctx context.Context) {
	if m.manual.State() == conflict.StateIdle {
		return
	}
	data, err := m.manual.Snapshot()
	if err != nil {
		m.logger.Warn("manual session snapshot failed", "error", err)
		return
	}
	if err := m.queue.PutMeta(ctx, manualSessionKey, string(data)); err != nil {
		m.logger.Warn("manual session persist failed", "error", err)
	}
}

func (m *Manager) restoreManualSession(ctx context.Context) {
	data, ok, err := m.queue.GetMeta(ctx, manualSessionKey)
	if err != nil || !ok {
		return
	}
	if err := m.manual.Restore([]byte(data)); err != nil {
		m.logger.Warn("manual session restore failed", "error", err)
	}
}

func entityKey(collection race.Collection, id int) string {
	return fmt.Sprintf("%s/%d", collection, id)
}

func partialFor(collection race.Collection, id int, fields map[string]any) remote.Partial {
	if collection == race.CollectionRunners {
		return remote.RunnerPartial(id, fields)
	}
	return remote.LegPartial(id, fields)
}

// stampFields copies the payload and stamps the modification time so the
// local apply and the remote write carry the same timestamp.
func stampFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if _, ok := out["updatedAt"]; !ok {
		out["updatedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return out
}
