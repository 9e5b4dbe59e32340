package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypace/relaysync/race"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(DefaultConfig(filepath.Join(t.TempDir(), "queue.db")))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueue_DrainFIFO(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	for _, id := range []int{3, 1, 2} {
		require.NoError(t, q.Enqueue(ctx, "team-a", NewChange(race.CollectionLegs, id, map[string]any{
			"distance": float64(id),
		})))
	}

	var replayed []int
	applied, err := q.Drain(ctx, "team-a", func(c Change) error {
		replayed = append(replayed, c.EntityID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.Equal(t, []int{3, 1, 2}, replayed)

	n, err := q.Count(ctx, "team-a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_DrainHaltsOnFailure(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	for id := 1; id <= 3; id++ {
		require.NoError(t, q.Enqueue(ctx, "team-a", NewChange(race.CollectionLegs, id, map[string]any{
			"distance": float64(id),
		})))
	}

	boom := errors.New("server unreachable")
	applied, err := q.Drain(ctx, "team-a", func(c Change) error {
		if c.EntityID == 2 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, applied)

	// The failed change and everything behind it stay queued, in order.
	remaining, err := q.Changes(ctx, "team-a")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, 2, remaining[0].EntityID)
	assert.Equal(t, 3, remaining[1].EntityID)
}

func TestQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q, err := New(DefaultConfig(path))
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, "team-a", NewChange(race.CollectionRunners, 4, map[string]any{
		"name": "Dana",
	})))
	require.NoError(t, q.Close())

	q, err = New(DefaultConfig(path))
	require.NoError(t, err)
	defer q.Close()

	changes, err := q.Changes(ctx, "team-a")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, race.CollectionRunners, changes[0].Collection)
	assert.Equal(t, 4, changes[0].EntityID)
	assert.Equal(t, "Dana", changes[0].Fields["name"])
}

func TestQueue_CoalescesSameEntity(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "team-a", NewChange(race.CollectionLegs, 5, map[string]any{
		"distance":       5.0,
		"projectedStart": "2026-06-20T06:00:00Z",
	})))
	require.NoError(t, q.Enqueue(ctx, "team-a", NewChange(race.CollectionLegs, 6, map[string]any{
		"distance": 6.0,
	})))
	// Second edit to leg 5 while still offline.
	require.NoError(t, q.Enqueue(ctx, "team-a", NewChange(race.CollectionLegs, 5, map[string]any{
		"distance": 5.5,
	})))

	changes, err := q.Changes(ctx, "team-a")
	require.NoError(t, err)
	require.Len(t, changes, 2)

	// Leg 5 keeps its original position with the union of fields, latest wins.
	assert.Equal(t, 5, changes[0].EntityID)
	assert.Equal(t, 5.5, changes[0].Fields["distance"])
	assert.Equal(t, "2026-06-20T06:00:00Z", changes[0].Fields["projectedStart"])
	assert.Equal(t, 6, changes[1].EntityID)
}

func TestQueue_TeamsAreIsolated(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "team-a", NewChange(race.CollectionLegs, 1, map[string]any{"distance": 1.0})))
	require.NoError(t, q.Enqueue(ctx, "team-b", NewChange(race.CollectionLegs, 1, map[string]any{"distance": 2.0})))

	n, err := q.Count(ctx, "team-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	applied, err := q.Drain(ctx, "team-a", func(Change) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	n, err = q.Count(ctx, "team-b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueue_Pending(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	ok, err := q.Pending(ctx, "team-a", race.CollectionLegs, 9)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Enqueue(ctx, "team-a", NewChange(race.CollectionLegs, 9, map[string]any{"distance": 3.1})))

	ok, err = q.Pending(ctx, "team-a", race.CollectionLegs, 9)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Pending(ctx, "team-a", race.CollectionRunners, 9)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_Meta(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	_, ok, err := q.GetMeta(ctx, "manual_session")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.PutMeta(ctx, "manual_session", `{"state":"conflict_detected"}`))
	require.NoError(t, q.PutMeta(ctx, "manual_session", `{"state":"idle"}`))

	v, ok, err := q.GetMeta(ctx, "manual_session")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"state":"idle"}`, v)

	require.NoError(t, q.DeleteMeta(ctx, "manual_session"))
	_, ok, err = q.GetMeta(ctx, "manual_session")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_ClosedOperationsFail(t *testing.T) {
	q := openTestQueue(t)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	ctx := context.Background()
	assert.ErrorIs(t, q.Enqueue(ctx, "team-a", NewChange(race.CollectionLegs, 1, nil)), ErrQueueClosed)
	_, err := q.Drain(ctx, "team-a", func(Change) error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
	_, err = q.Count(ctx, "team-a")
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_DrainRespectsContext(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	for id := 1; id <= 2; id++ {
		require.NoError(t, q.Enqueue(ctx, "team-a", NewChange(race.CollectionLegs, id, map[string]any{"distance": 1.0})))
	}

	canceled, cancel := context.WithCancel(ctx)
	applied, err := q.Drain(canceled, "team-a", func(Change) error {
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, applied)
}
