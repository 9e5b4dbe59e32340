// Package queue provides the durable offline change queue: an ordered log of
// pending mutations keyed by team, replayed FIFO against the remote service
// once connectivity returns. The queue survives process restart.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/google/uuid"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"

	syncErrors "github.com/relaypace/relaysync/errors"
	"github.com/relaypace/relaysync/logging"
	"github.com/relaypace/relaysync/race"
)

// ErrQueueClosed is returned by every operation after Close.
var ErrQueueClosed = errors.New("queue is closed")

// Change is a queued mutation awaiting replay against the authoritative store.
type Change struct {
	ID         uuid.UUID       `json:"id"`
	Collection race.Collection `json:"collection"`
	EntityID   int             `json:"entityId"`
	Fields     map[string]any  `json:"fields"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Config holds configuration options for the Queue.
type Config struct {
	// Path is the sqlite database file. Required.
	Path string

	// EnableWAL enables Write-Ahead Logging mode. Enabled by default.
	EnableWAL bool

	// Logger is optional; nil falls back to the default logger.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig(path string) *Config {
	return &Config{Path: path, EnableWAL: true}
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS pending_changes (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    change_id   TEXT NOT NULL UNIQUE,
    team_id     TEXT NOT NULL,
    collection  TEXT NOT NULL,
    entity_id   INTEGER NOT NULL,
    fields      TEXT NOT NULL,
    enqueued_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_team ON pending_changes (team_id, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_entity ON pending_changes (team_id, collection, entity_id);
CREATE TABLE IF NOT EXISTS sync_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Queue is the sqlite-backed pending-change log. Safe for concurrent use.
type Queue struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *slog.Logger
}

// New opens (or creates) the queue database.
func New(config *Config) (*Queue, error) {
	if config == nil || config.Path == "" {
		return nil, fmt.Errorf("queue: Path is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.WithComponent(logging.Component("queue")).Logger
	}

	dsn := config.Path
	if config.EnableWAL && !strings.Contains(dsn, "_journal_mode=") {
		dsn += "?_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: connect: %w", err)
	}

	if _, err := db.Exec(queueSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: setup schema: %w", err)
	}

	logger.Info("offline change queue opened", "path", config.Path, "wal_enabled", config.EnableWAL)
	return &Queue{db: db, logger: logger}, nil
}

// DB exposes the underlying database so the local snapshot can share the file.
func (q *Queue) DB() *sql.DB { return q.db }

// NewChange builds a Change with a fresh id and enqueue timestamp.
func NewChange(collection race.Collection, entityID int, fields map[string]any) Change {
	return Change{
		ID:         uuid.New(),
		Collection: collection,
		EntityID:   entityID,
		Fields:     fields,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Enqueue appends a change to the team's pending list. A change already queued
// for the same entity is coalesced: its payload gains the new fields (latest
// value per field) while keeping its original queue position, so FIFO order
// across entities is preserved.
func (q *Queue) Enqueue(ctx context.Context, teamID string, change Change) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.mu.RUnlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.Wrap(err, syncErrors.OpEnqueue, "queue")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT fields FROM pending_changes WHERE team_id = ? AND collection = ? AND entity_id = ?`,
		teamID, string(change.Collection), change.EntityID).Scan(&existing)

	switch {
	case err == sql.ErrNoRows:
		err = nil
		var payload []byte
		payload, err = json.Marshal(change.Fields)
		if err != nil {
			return syncErrors.Wrap(err, syncErrors.OpEnqueue, "queue")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pending_changes (change_id, team_id, collection, entity_id, fields, enqueued_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			change.ID.String(), teamID, string(change.Collection), change.EntityID,
			string(payload), change.EnqueuedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return syncErrors.Wrap(err, syncErrors.OpEnqueue, "queue")
		}
	case err != nil:
		return syncErrors.Wrap(err, syncErrors.OpEnqueue, "queue")
	default:
		var merged map[string]any
		if err = json.Unmarshal([]byte(existing), &merged); err != nil {
			return syncErrors.Wrap(err, syncErrors.OpEnqueue, "queue")
		}
		for k, v := range change.Fields {
			merged[k] = v
		}
		var payload []byte
		payload, err = json.Marshal(merged)
		if err != nil {
			return syncErrors.Wrap(err, syncErrors.OpEnqueue, "queue")
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE pending_changes SET fields = ? WHERE team_id = ? AND collection = ? AND entity_id = ?`,
			string(payload), teamID, string(change.Collection), change.EntityID)
		if err != nil {
			return syncErrors.Wrap(err, syncErrors.OpEnqueue, "queue")
		}
		q.logger.Debug("coalesced pending change",
			"team_id", teamID, "collection", change.Collection, "entity_id", change.EntityID)
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.Wrap(err, syncErrors.OpEnqueue, "queue")
	}
	return nil
}

// Drain attempts each pending change for the team in enqueue order, removing
// a change only after replay confirms success. It halts on the first failure,
// preserving the remaining order, so causally dependent mutations for one
// entity are never applied out of order. Returns the number of changes applied.
func (q *Queue) Drain(ctx context.Context, teamID string, replay func(Change) error) (int, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return 0, ErrQueueClosed
	}
	q.mu.RUnlock()

	changes, seqs, err := q.changesWithSeqs(ctx, teamID)
	if err != nil {
		return 0, err
	}

	applied := 0
	for i, change := range changes {
		select {
		case <-ctx.Done():
			return applied, ctx.Err()
		default:
		}

		if err := replay(change); err != nil {
			q.logger.Warn("drain halted",
				"team_id", teamID,
				"applied", applied,
				"remaining", len(changes)-applied,
				"collection", change.Collection,
				"entity_id", change.EntityID,
				"error", err)
			return applied, syncErrors.Wrap(err, syncErrors.OpDrain, "queue")
		}

		if _, err := q.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE seq = ?`, seqs[i]); err != nil {
			return applied, syncErrors.Wrap(err, syncErrors.OpDrain, "queue")
		}
		applied++
	}

	if applied > 0 {
		q.logger.Info("drained offline changes", "team_id", teamID, "applied", applied)
	}
	return applied, nil
}

// Count reports the backlog size for UI display.
func (q *Queue) Count(ctx context.Context, teamID string) (int, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return 0, ErrQueueClosed
	}
	q.mu.RUnlock()

	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_changes WHERE team_id = ?`, teamID).Scan(&n)
	if err != nil {
		return 0, syncErrors.Wrap(err, syncErrors.OpDrain, "queue")
	}
	return n, nil
}

// Pending reports whether a change is queued for the given entity.
func (q *Queue) Pending(ctx context.Context, teamID string, collection race.Collection, entityID int) (bool, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return false, ErrQueueClosed
	}
	q.mu.RUnlock()

	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_changes WHERE team_id = ? AND collection = ? AND entity_id = ?`,
		teamID, string(collection), entityID).Scan(&n)
	if err != nil {
		return false, syncErrors.Wrap(err, syncErrors.OpDrain, "queue")
	}
	return n > 0, nil
}

// Changes returns the team's pending changes in enqueue order without
// removing them.
func (q *Queue) Changes(ctx context.Context, teamID string) ([]Change, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, ErrQueueClosed
	}
	q.mu.RUnlock()

	changes, _, err := q.changesWithSeqs(ctx, teamID)
	return changes, err
}

func (q *Queue) changesWithSeqs(ctx context.Context, teamID string) ([]Change, []int64, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT seq, change_id, collection, entity_id, fields, enqueued_at
		 FROM pending_changes WHERE team_id = ? ORDER BY seq ASC`, teamID)
	if err != nil {
		return nil, nil, syncErrors.Wrap(err, syncErrors.OpDrain, "queue")
	}
	defer rows.Close()

	var changes []Change
	var seqs []int64
	for rows.Next() {
		var seq int64
		var changeID, collection, fieldsJSON, enqueuedAt string
		var entityID int
		if err := rows.Scan(&seq, &changeID, &collection, &entityID, &fieldsJSON, &enqueuedAt); err != nil {
			return nil, nil, syncErrors.Wrap(err, syncErrors.OpDrain, "queue")
		}

		id, err := uuid.Parse(changeID)
		if err != nil {
			return nil, nil, syncErrors.Wrap(err, syncErrors.OpDrain, "queue")
		}
		ts, err := time.Parse(time.RFC3339Nano, enqueuedAt)
		if err != nil {
			return nil, nil, syncErrors.Wrap(err, syncErrors.OpDrain, "queue")
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, nil, syncErrors.Wrap(err, syncErrors.OpDrain, "queue")
		}

		changes = append(changes, Change{
			ID:         id,
			Collection: race.Collection(collection),
			EntityID:   entityID,
			Fields:     fields,
			EnqueuedAt: ts,
		})
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, syncErrors.Wrap(err, syncErrors.OpDrain, "queue")
	}
	return changes, seqs, nil
}

// PutMeta stores a small key-value pair in the queue database. Used for state
// that must survive restart alongside the queue, like an unresolved manual
// conflict session.
func (q *Queue) PutMeta(ctx context.Context, key, value string) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.mu.RUnlock()

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO sync_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return syncErrors.Wrap(err, syncErrors.OpEnqueue, "queue")
}

// GetMeta retrieves a stored value; ok is false when the key is absent.
func (q *Queue) GetMeta(ctx context.Context, key string) (string, bool, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return "", false, ErrQueueClosed
	}
	q.mu.RUnlock()

	var value string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, syncErrors.Wrap(err, syncErrors.OpDrain, "queue")
	}
	return value, true, nil
}

// DeleteMeta removes a stored value.
func (q *Queue) DeleteMeta(ctx context.Context, key string) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.mu.RUnlock()

	_, err := q.db.ExecContext(ctx, `DELETE FROM sync_meta WHERE key = ?`, key)
	return syncErrors.Wrap(err, syncErrors.OpDrain, "queue")
}

// Close closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}
