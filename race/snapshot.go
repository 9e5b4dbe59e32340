package race

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	syncErrors "github.com/relaypace/relaysync/errors"
)

// Snapshot persistence lets a device restart offline and still present the
// last known race state. Rows live in the same sqlite database as the offline
// change queue.

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS local_snapshot (
    team_id     TEXT NOT NULL,
    collection  TEXT NOT NULL,
    entity_id   INTEGER NOT NULL,
    payload     TEXT NOT NULL,
    PRIMARY KEY (team_id, collection, entity_id)
);
`

// EnsureSnapshotSchema creates the snapshot table if it does not exist.
func EnsureSnapshotSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, snapshotSchema)
	return syncErrors.Wrap(err, syncErrors.OpSnapshot, "race")
}

// SaveSnapshot persists the store's current runners and legs for a team,
// replacing any prior snapshot, in a single transaction.
func (s *Store) SaveSnapshot(ctx context.Context, db *sql.DB, teamID string) error {
	runners := s.Runners()
	legs := s.Legs()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.Wrap(err, syncErrors.OpSnapshot, "race")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM local_snapshot WHERE team_id = ?`, teamID); err != nil {
		return syncErrors.Wrap(err, syncErrors.OpSnapshot, "race")
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO local_snapshot (team_id, collection, entity_id, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return syncErrors.Wrap(err, syncErrors.OpSnapshot, "race")
	}
	defer stmt.Close()

	for _, r := range runners {
		var payload []byte
		payload, err = json.Marshal(r)
		if err != nil {
			return syncErrors.Wrap(err, syncErrors.OpSnapshot, "race")
		}
		if _, err = stmt.ExecContext(ctx, teamID, string(CollectionRunners), r.ID, string(payload)); err != nil {
			return syncErrors.Wrap(err, syncErrors.OpSnapshot, "race")
		}
	}
	for _, l := range legs {
		var payload []byte
		payload, err = json.Marshal(l)
		if err != nil {
			return syncErrors.Wrap(err, syncErrors.OpSnapshot, "race")
		}
		if _, err = stmt.ExecContext(ctx, teamID, string(CollectionLegs), l.ID, string(payload)); err != nil {
			return syncErrors.Wrap(err, syncErrors.OpSnapshot, "race")
		}
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.Wrap(err, syncErrors.OpSnapshot, "race")
	}
	return nil
}

// LoadSnapshot restores the store from a persisted snapshot. It returns false
// when no snapshot exists for the team.
func (s *Store) LoadSnapshot(ctx context.Context, db *sql.DB, teamID string) (bool, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT collection, payload FROM local_snapshot WHERE team_id = ? ORDER BY collection, entity_id`, teamID)
	if err != nil {
		return false, syncErrors.Wrap(err, syncErrors.OpSnapshot, "race")
	}
	defer rows.Close()

	var runners []Runner
	var legs []Leg
	found := false

	for rows.Next() {
		var collection, payload string
		if err := rows.Scan(&collection, &payload); err != nil {
			return false, syncErrors.Wrap(err, syncErrors.OpSnapshot, "race")
		}
		found = true

		switch Collection(collection) {
		case CollectionRunners:
			var r Runner
			if err := json.Unmarshal([]byte(payload), &r); err != nil {
				return false, syncErrors.Wrap(err, syncErrors.OpSnapshot, "race")
			}
			runners = append(runners, r)
		case CollectionLegs:
			var l Leg
			if err := json.Unmarshal([]byte(payload), &l); err != nil {
				return false, syncErrors.Wrap(err, syncErrors.OpSnapshot, "race")
			}
			legs = append(legs, l)
		default:
			return false, syncErrors.New(syncErrors.OpSnapshot,
				fmt.Errorf("unknown snapshot collection %q", collection))
		}
	}
	if err := rows.Err(); err != nil {
		return false, syncErrors.Wrap(err, syncErrors.OpSnapshot, "race")
	}

	if found {
		s.ReplaceAll(runners, legs)
	}
	return found, nil
}
