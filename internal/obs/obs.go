// Package obs is the injected observability port for pipeline components:
// a counter recorder interface with an OpenTelemetry implementation and a
// no-op fallback. Components receive a Recorder instead of reaching for a
// process-wide singleton.
package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder counts ingestion and recompute outcomes.
type Recorder interface {
	// RecordIngested counts successfully stored events.
	RecordIngested(ctx context.Context, n int64)

	// RecordDuplicates counts idempotent re-submissions.
	RecordDuplicates(ctx context.Context, n int64)

	// RecordInvalid counts records rejected by validation.
	RecordInvalid(ctx context.Context, n int64)

	// RecordLate counts events flagged as temporally out of order.
	RecordLate(ctx context.Context, n int64)

	// RecordRecompute counts one processed recompute request by outcome.
	RecordRecompute(ctx context.Context, succeeded bool)
}

// Noop discards all counts. Used when metrics are disabled and in tests.
type Noop struct{}

func (Noop) RecordIngested(context.Context, int64)   {}
func (Noop) RecordDuplicates(context.Context, int64) {}
func (Noop) RecordInvalid(context.Context, int64)    {}
func (Noop) RecordLate(context.Context, int64)       {}
func (Noop) RecordRecompute(context.Context, bool)   {}

type otelRecorder struct {
	ingested   metric.Int64Counter
	duplicates metric.Int64Counter
	invalid    metric.Int64Counter
	late       metric.Int64Counter
	recompute  metric.Int64Counter
}

// NewRecorder creates an OTel-backed Recorder using the global meter provider.
func NewRecorder() (Recorder, error) {
	meter := otel.Meter("factory-activity-service")

	ingested, err := meter.Int64Counter("events.ingested",
		metric.WithDescription("Events durably stored"))
	if err != nil {
		return nil, err
	}
	duplicates, err := meter.Int64Counter("events.duplicate",
		metric.WithDescription("Idempotent duplicate submissions"))
	if err != nil {
		return nil, err
	}
	invalid, err := meter.Int64Counter("events.invalid",
		metric.WithDescription("Records rejected by validation"))
	if err != nil {
		return nil, err
	}
	late, err := meter.Int64Counter("events.late",
		metric.WithDescription("Events stored with is_late=true"))
	if err != nil {
		return nil, err
	}
	recompute, err := meter.Int64Counter("recompute.requests",
		metric.WithDescription("Recompute requests processed, by status"))
	if err != nil {
		return nil, err
	}

	return &otelRecorder{
		ingested:   ingested,
		duplicates: duplicates,
		invalid:    invalid,
		late:       late,
		recompute:  recompute,
	}, nil
}

func (r *otelRecorder) RecordIngested(ctx context.Context, n int64) {
	r.ingested.Add(ctx, n)
}

func (r *otelRecorder) RecordDuplicates(ctx context.Context, n int64) {
	r.duplicates.Add(ctx, n)
}

func (r *otelRecorder) RecordInvalid(ctx context.Context, n int64) {
	r.invalid.Add(ctx, n)
}

func (r *otelRecorder) RecordLate(ctx context.Context, n int64) {
	r.late.Add(ctx, n)
}

func (r *otelRecorder) RecordRecompute(ctx context.Context, succeeded bool) {
	status := "done"
	if !succeeded {
		status = "failed"
	}
	r.recompute.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
