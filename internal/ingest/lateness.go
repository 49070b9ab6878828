package ingest

import (
	"context"
	"time"

	"github.com/shopfloor/factory-activity-service/internal/models"
	"github.com/shopfloor/factory-activity-service/internal/store"
)

// LatenessDetector decides whether an incoming event is temporally out of
// order for its worker/workstation identity. An event is late iff its
// timestamp is strictly earlier than the maximum timestamp already stored for
// the same identity. Late events are always stored, only flagged.
type LatenessDetector struct {
	store store.Store
}

// NewLatenessDetector wires the detector to the durable store.
func NewLatenessDetector(st store.Store) *LatenessDetector {
	return &LatenessDetector{store: st}
}

// CheckSingle reports whether one event is late. Events carrying no
// identifying fields are never late.
func (d *LatenessDetector) CheckSingle(ctx context.Context, ev models.Event) (bool, error) {
	id := ev.Identity()
	if id.Zero() {
		return false, nil
	}

	latest, err := d.store.LatestTimestamps(ctx, []models.Identity{id})
	if err != nil {
		return false, err
	}
	max, ok := latest[id]
	if !ok {
		return false, nil
	}
	return ev.Timestamp.Before(max), nil
}

// LatestByIdentity answers "latest known timestamp per identity" for a whole
// set in one lookup, so bulk ingestion pays one query instead of one per
// event. Identities with no stored events are absent from the result.
func (d *LatenessDetector) LatestByIdentity(ctx context.Context, ids []models.Identity) (map[models.Identity]time.Time, error) {
	return d.store.LatestTimestamps(ctx, ids)
}
