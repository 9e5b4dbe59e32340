// Package remote talks to the authoritative race store: an HTTP document API
// for reads and writes, plus a websocket channel for change notifications.
package remote

import (
	"context"

	"github.com/relaypace/relaysync/race"
)

// Partial is a sparse field payload for one entity. Only the fields present
// are written; the server leaves the rest of the row untouched.
type Partial map[string]any

// Adapter is the remote store surface the sync engine depends on. Implementations
// classify failures so callers can tell transient network trouble from rejected
// payloads.
type Adapter interface {
	// ListRunners fetches the full runner roster for the team.
	ListRunners(ctx context.Context, teamID string) ([]race.Runner, error)

	// ListLegs fetches all legs for the team.
	ListLegs(ctx context.Context, teamID string) ([]race.Leg, error)

	// GetRunner fetches a single runner.
	GetRunner(ctx context.Context, teamID string, id int) (race.Runner, error)

	// GetLeg fetches a single leg.
	GetLeg(ctx context.Context, teamID string, id int) (race.Leg, error)

	// UpsertRunners writes sparse runner payloads and returns how many were
	// applied. Each Partial must carry an "id" field. Idempotent.
	UpsertRunners(ctx context.Context, teamID string, partials []Partial) (int, error)

	// UpsertLegs writes sparse leg payloads and returns how many were applied.
	// Each Partial must carry an "id" field. Idempotent.
	UpsertLegs(ctx context.Context, teamID string, partials []Partial) (int, error)

	// DeleteRunners removes runners by id and returns how many were removed.
	DeleteRunners(ctx context.Context, teamID string, ids []int) (int, error)

	// DeleteLegs removes legs by id and returns how many were removed.
	DeleteLegs(ctx context.Context, teamID string, ids []int) (int, error)
}

// RunnerPartial builds a sparse payload for a runner from its field map.
func RunnerPartial(id int, fields map[string]any) Partial {
	p := Partial{"id": id}
	for k, v := range fields {
		p[k] = v
	}
	return p
}

// LegPartial builds a sparse payload for a leg from its field map.
func LegPartial(id int, fields map[string]any) Partial {
	p := Partial{"id": id}
	for k, v := range fields {
		p[k] = v
	}
	return p
}

// UpsertFor routes a sparse payload to the right collection endpoint.
func UpsertFor(ctx context.Context, a Adapter, teamID string, collection race.Collection, p Partial) error {
	var err error
	if collection == race.CollectionRunners {
		_, err = a.UpsertRunners(ctx, teamID, []Partial{p})
	} else {
		_, err = a.UpsertLegs(ctx, teamID, []Partial{p})
	}
	return err
}
