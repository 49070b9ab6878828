// Package recompute consumes the durable backlog of stale-metrics work.
//
// The claim step is the only place requiring row-level mutual exclusion:
// concurrent sweeps select disjoint pending sets without blocking each other,
// and computation happens outside any lock.
package recompute

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopfloor/factory-activity-service/internal/metrics"
	"github.com/shopfloor/factory-activity-service/internal/models"
	"github.com/shopfloor/factory-activity-service/internal/obs"
	"github.com/shopfloor/factory-activity-service/internal/store"
)

// DefaultSweepLimit bounds one sweep when the caller gives no limit.
const DefaultSweepLimit = 50

// Summary reports one sweep's outcome.
type Summary struct {
	Fetched   int `json:"fetched"`
	Processed int `json:"processed"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
}

// Queue is the backlog consumer.
type Queue struct {
	store   store.Store
	metrics *metrics.Service
	log     *slog.Logger
	rec     obs.Recorder
}

// New wires a queue consumer.
func New(st store.Store, svc *metrics.Service, log *slog.Logger, rec obs.Recorder) *Queue {
	return &Queue{store: st, metrics: svc, log: log, rec: rec}
}

// ProcessPending claims up to limit pending requests oldest-first and
// processes each independently: compute the entity's metrics, overwrite its
// cache entry, mark the request done. A failure marks only that request
// failed (terminal, no automatic retry) and never poisons the rest.
func (q *Queue) ProcessPending(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = DefaultSweepLimit
	}

	claimed, err := q.store.ClaimPending(ctx, limit)
	if err != nil {
		return Summary{}, fmt.Errorf("claim pending: %w", err)
	}

	summary := Summary{Fetched: len(claimed)}
	for _, req := range claimed {
		summary.Processed++
		if err := q.metrics.Recompute(ctx, req); err != nil {
			summary.Failed++
			q.rec.RecordRecompute(ctx, false)
			q.log.Error("recompute request failed",
				slog.String("id", req.ID),
				slog.String("entity_type", string(req.EntityType)),
				slog.String("entity_id", req.EntityID),
				slog.String("error", err.Error()))
			if cerr := q.store.CompleteRequest(ctx, req.ID, models.StatusFailed); cerr != nil {
				q.log.Error("failed to mark recompute request failed",
					slog.String("id", req.ID), slog.String("error", cerr.Error()))
			}
			continue
		}

		if err := q.store.CompleteRequest(ctx, req.ID, models.StatusDone); err != nil {
			summary.Failed++
			q.rec.RecordRecompute(ctx, false)
			q.log.Error("failed to mark recompute request done",
				slog.String("id", req.ID), slog.String("error", err.Error()))
			continue
		}
		summary.Done++
		q.rec.RecordRecompute(ctx, true)
	}
	return summary, nil
}
