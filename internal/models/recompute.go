package models

import (
	"encoding/json"
	"time"
)

// EntityType scopes a recompute request or cache entry.
type EntityType string

const (
	EntityWorker      EntityType = "worker"
	EntityWorkstation EntityType = "workstation"
	EntityFactory     EntityType = "factory"
)

// FactoryEntityID is the entity_id used for factory-scoped cache entries,
// which have no natural identifier of their own.
const FactoryEntityID = "FACTORY"

// RequestStatus is the recompute request state machine:
// pending → processing → {done | failed}. Terminal states are final;
// a failed request is retried only by an operator-triggered re-sweep.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusDone       RequestStatus = "done"
	StatusFailed     RequestStatus = "failed"
)

// RecomputeRequest marks an entity whose cached metrics may be stale.
// Rows are unique per (entity_type, entity_id, window_start): a second late
// event touching the same point-in-time window is a no-op, not a new row.
type RecomputeRequest struct {
	ID          string        `json:"id"`
	EntityType  EntityType    `json:"entity_type"`
	EntityID    string        `json:"entity_id"`
	WindowStart *time.Time    `json:"window_start,omitempty"`
	WindowEnd   *time.Time    `json:"window_end,omitempty"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// LateRecomputeTargets derives the recompute backlog entries for a late
// event: one point-window request per non-empty identity field, with
// window_start = window_end = the event's timestamp.
func LateRecomputeTargets(ev Event) []RecomputeRequest {
	if !ev.IsLate {
		return nil
	}
	ts := ev.Timestamp
	var targets []RecomputeRequest
	if ev.WorkerID != "" {
		targets = append(targets, RecomputeRequest{
			EntityType:  EntityWorker,
			EntityID:    ev.WorkerID,
			WindowStart: &ts,
			WindowEnd:   &ts,
			Status:      StatusPending,
		})
	}
	if ev.WorkstationID != "" {
		targets = append(targets, RecomputeRequest{
			EntityType:  EntityWorkstation,
			EntityID:    ev.WorkstationID,
			WindowStart: &ts,
			WindowEnd:   &ts,
			Status:      StatusPending,
		})
	}
	return targets
}

// CacheKey is the exact-match key for a materialized metrics entry.
type CacheKey struct {
	EntityType  EntityType
	EntityID    string
	WindowStart time.Time
	WindowEnd   time.Time
}

// MetricsCacheEntry is a complete, consistent metrics snapshot for its exact
// window. Entries are overwritten whole; there is no partial merge.
type MetricsCacheEntry struct {
	ID        string          `json:"id"`
	Key       CacheKey        `json:"-"`
	Metrics   json.RawMessage `json:"metrics"`
	UpdatedAt time.Time       `json:"updated_at"`
}
