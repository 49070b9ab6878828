// Package ingest orchestrates event ingestion:
// validate → idempotent insert → lateness check → recompute enqueue,
// for single and batched submissions.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopfloor/factory-activity-service/internal/models"
	"github.com/shopfloor/factory-activity-service/internal/obs"
	"github.com/shopfloor/factory-activity-service/internal/store"
	"github.com/shopfloor/factory-activity-service/internal/validate"
)

// DefaultBatchSize is the number of events per bulk insert transaction.
const DefaultBatchSize = 200

// Pipeline is the ingestion orchestrator.
type Pipeline struct {
	store    store.Store
	lateness *LatenessDetector
	log      *slog.Logger
	rec      obs.Recorder
}

// New wires an ingestion pipeline.
func New(st store.Store, log *slog.Logger, rec obs.Recorder) *Pipeline {
	return &Pipeline{
		store:    st,
		lateness: NewLatenessDetector(st),
		log:      log,
		rec:      rec,
	}
}

// SingleResult is the outcome of a single-event submission.
type SingleResult struct {
	Inserted bool   `json:"inserted"`
	EventID  string `json:"event_id"`
}

// InsertSingle validates and stores one event. The lateness check runs first;
// a failure there is logged and treated as "not late", so storage never
// blocks on the lateness lookup. When the event is late
// and inserted, one recompute request is enqueued per non-empty identity,
// with a point window at the event's timestamp.
func (p *Pipeline) InsertSingle(ctx context.Context, raw validate.RawEvent) (SingleResult, error) {
	ev, err := validate.Normalize(raw)
	if err != nil {
		p.rec.RecordInvalid(ctx, 1)
		return SingleResult{}, err
	}

	late, err := p.lateness.CheckSingle(ctx, ev)
	if err != nil {
		p.log.Warn("late check failed (non-blocking)", slog.String("event_id", ev.EventID), slog.String("error", err.Error()))
		late = false
	}
	ev.IsLate = late
	if late {
		p.rec.RecordLate(ctx, 1)
		p.log.Warn("late event detected",
			slog.String("event_id", ev.EventID),
			slog.Time("timestamp", ev.Timestamp))
	}

	inserted, err := p.store.InsertEvent(ctx, ev)
	if err != nil {
		return SingleResult{}, fmt.Errorf("insert event: %w", err)
	}

	if inserted {
		p.rec.RecordIngested(ctx, 1)
	} else {
		p.rec.RecordDuplicates(ctx, 1)
	}
	return SingleResult{Inserted: inserted, EventID: ev.EventID}, nil
}

// InvalidRow reports one rejected record of a bulk submission.
type InvalidRow struct {
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"error"`
}

// InsertError reports one failed batch of a bulk submission.
type InsertError struct {
	Batch int    `json:"batch"`
	Error string `json:"error"`
}

// Report summarizes a bulk submission. Partial success is the designed
// outcome: invalid records and failed batches never abort the rest.
type Report struct {
	TotalReceived   int           `json:"totalReceived"`
	TotalValid      int           `json:"totalValid"`
	TotalInvalid    int           `json:"totalInvalid"`
	TotalInserted   int           `json:"totalInserted"`
	TotalDuplicates int           `json:"totalDuplicates"`
	InvalidRows     []InvalidRow  `json:"invalidRows"`
	InsertErrors    []InsertError `json:"insertErrors"`
}

// BulkOptions tunes a bulk submission.
type BulkOptions struct {
	// BatchSize is the number of events per insert transaction.
	// Zero means DefaultBatchSize.
	BatchSize int
}

// InsertBulk decodes and validates every record independently, tags lateness
// with a single aggregate latest-per-identity lookup, and inserts valid
// events in fixed-size batches, each in its own transaction. A record that
// fails to decode or validate is reported with its index; a batch failure
// rolls back only that batch. Neither aborts the rest of the submission.
func (p *Pipeline) InsertBulk(ctx context.Context, records []json.RawMessage, opts BulkOptions) (Report, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	report := Report{
		TotalReceived: len(records),
		InvalidRows:   []InvalidRow{},
		InsertErrors:  []InsertError{},
	}

	// Decode and validate each record safely and collect the distinct
	// identities present in the valid set, in one pass.
	validated := make([]models.Event, 0, len(records))
	identitySet := make(map[models.Identity]bool)
	for i, data := range records {
		raw, ferr := validate.DecodeRecord(data)
		var ev models.Event
		if ferr == nil {
			ev, ferr = validate.NormalizeSafe(raw)
		}
		if ferr != nil {
			report.InvalidRows = append(report.InvalidRows, InvalidRow{
				Index:  i,
				Field:  ferr.Field,
				Reason: ferr.Reason,
			})
			continue
		}
		validated = append(validated, ev)
		identitySet[ev.Identity()] = true
	}
	report.TotalValid = len(validated)
	report.TotalInvalid = len(report.InvalidRows)
	p.rec.RecordInvalid(ctx, int64(report.TotalInvalid))

	// One aggregate lookup for the whole batch, not one per event.
	// A failure degrades to "not late" and never blocks ingestion.
	identities := make([]models.Identity, 0, len(identitySet))
	for id := range identitySet {
		if !id.Zero() {
			identities = append(identities, id)
		}
	}
	latest, err := p.lateness.LatestByIdentity(ctx, identities)
	if err != nil {
		p.log.Warn("batched late check failed; continuing without late tagging", slog.String("error", err.Error()))
		latest = map[models.Identity]time.Time{}
	}

	lateCount := int64(0)
	for i := range validated {
		if max, ok := latest[validated[i].Identity()]; ok && validated[i].Timestamp.Before(max) {
			validated[i].IsLate = true
			lateCount++
		}
	}
	if lateCount > 0 {
		p.rec.RecordLate(ctx, lateCount)
	}

	// Each batch is its own atomic unit; batch N failing never rolls back
	// batch N-1.
	for start, batchNo := 0, 0; start < len(validated); start, batchNo = start+batchSize, batchNo+1 {
		end := start + batchSize
		if end > len(validated) {
			end = len(validated)
		}
		batch := validated[start:end]

		inserted, err := p.store.InsertEventBatch(ctx, batch)
		if err != nil {
			p.log.Error("bulk insert batch failed, rolling back this batch",
				slog.Int("batch", batchNo), slog.String("error", err.Error()))
			report.InsertErrors = append(report.InsertErrors, InsertError{
				Batch: batchNo,
				Error: err.Error(),
			})
			continue
		}
		report.TotalInserted += inserted
		report.TotalDuplicates += len(batch) - inserted
	}

	p.rec.RecordIngested(ctx, int64(report.TotalInserted))
	p.rec.RecordDuplicates(ctx, int64(report.TotalDuplicates))
	return report, nil
}
