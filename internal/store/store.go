// Package store is the durable persistence layer. The Store interface is the
// sole coordination point between ingestion, recompute, and metrics workers;
// no component holds cross-request in-memory state.
//
// Two implementations exist: Postgres (production) and an in-memory fake with
// identical claim semantics (unit tests).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopfloor/factory-activity-service/internal/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store is the full persistence surface consumed by the core components.
type Store interface {
	// Ping validates connectivity; used by the readiness endpoint.
	Ping(ctx context.Context) error

	// EnsureSchema creates tables and indexes. Safe to run repeatedly.
	EnsureSchema(ctx context.Context) error

	// Close releases the underlying resources.
	Close()

	// InsertEvent stores one event idempotently. Within a single atomic unit
	// it inserts the event (insert-or-ignore on event_id), appends the
	// ingestion ledger entry, and, when the event was inserted and flagged
	// late, enqueues its recompute targets. Returns inserted=false for
	// duplicates.
	InsertEvent(ctx context.Context, ev models.Event) (bool, error)

	// InsertEventBatch stores a batch of validated events in one atomic unit
	// (events + ledger + recompute targets for inserted late events).
	// A failure rolls back only this batch. Returns the number inserted;
	// the remainder were duplicates.
	InsertEventBatch(ctx context.Context, evs []models.Event) (int, error)

	// LatestTimestamps answers "latest stored timestamp per identity" for a
	// set of identities in one lookup. Identities with no stored events are
	// absent from the result. Empty identity fields match only rows where
	// the same field is also empty.
	LatestTimestamps(ctx context.Context, ids []models.Identity) (map[models.Identity]time.Time, error)

	// FirstSeen returns the ledger's first-seen time for an event id.
	FirstSeen(ctx context.Context, eventID string) (time.Time, error)

	// ClaimPending atomically selects up to limit pending recompute requests
	// oldest-first and marks them processing, skipping rows held by
	// concurrent claimants. Two concurrent calls never claim the same row.
	ClaimPending(ctx context.Context, limit int) ([]models.RecomputeRequest, error)

	// CompleteRequest transitions a processing request to done or failed.
	CompleteRequest(ctx context.Context, id string, status models.RequestStatus) error

	// RecentRequests returns the newest requests for the operator view.
	RecentRequests(ctx context.Context, limit int) ([]models.RecomputeRequest, error)

	// EventsByWorker returns all events for a worker, time-ascending.
	EventsByWorker(ctx context.Context, workerID string) ([]models.Event, error)

	// EventsByWorkstation returns all events tagged with a workstation,
	// time-ascending.
	EventsByWorkstation(ctx context.Context, workstationID string) ([]models.Event, error)

	// AllEvents returns every stored event, time-ascending.
	AllEvents(ctx context.Context) ([]models.Event, error)

	// WorkerCount returns the configured roster size.
	WorkerCount(ctx context.Context) (int, error)

	// LookupMetrics returns the cache entry for the exact four-part key,
	// or ErrNotFound.
	LookupMetrics(ctx context.Context, key models.CacheKey) (models.MetricsCacheEntry, error)

	// UpsertMetrics overwrites the cache entry for the key with a complete
	// snapshot. There is no partial merge.
	UpsertMetrics(ctx context.Context, key models.CacheKey, metrics json.RawMessage) error

	// ResetAndSeed truncates the activity tables and repopulates the roster
	// and events inside one transaction. Demo/test tooling only.
	ResetAndSeed(ctx context.Context, workers []models.Worker, stations []models.Workstation, evs []models.Event) error
}
