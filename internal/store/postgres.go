package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopfloor/factory-activity-service/internal/models"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// Postgres is the durable Store implementation backed by a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a connection pool and fails fast if the DB is unreachable.
func NewPostgres(dbURL string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping is used by the readiness endpoint to validate DB connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// nullable maps empty identity strings to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// InsertEvent stores one event, its ledger entry, and (for inserted late
// events) its recompute targets in a single transaction. Duplicate detection
// is enforced by the primary key on event_id, which is compatible with
// retries and at-least-once delivery.
func (p *Postgres) InsertEvent(ctx context.Context, ev models.Event) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	// RETURNING 1 only when inserted; duplicates return no rows.
	var one int
	err = tx.QueryRow(ctx, `
		INSERT INTO events(event_id, timestamp, worker_id, workstation_id, event_type,
		                   confidence, count, model_version, is_late, raw_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING 1
	`, ev.EventID, ev.Timestamp, nullable(ev.WorkerID), nullable(ev.WorkstationID),
		ev.Type, ev.Confidence, ev.Count, nullable(ev.ModelVersion), ev.IsLate,
		ev.Raw).Scan(&one)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ingestion_log(event_id) VALUES ($1) ON CONFLICT DO NOTHING
	`, ev.EventID); err != nil {
		return false, err
	}

	if err := enqueueTargetsTx(ctx, tx, models.LateRecomputeTargets(ev)); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// InsertEventBatch stores a batch of events in one transaction. Events,
// ledger entries, and recompute targets for inserted late events commit or
// roll back together; other batches are unaffected.
func (p *Postgres) InsertEventBatch(ctx context.Context, evs []models.Event) (int, error) {
	if len(evs) == 0 {
		return 0, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`INSERT INTO events(event_id, timestamp, worker_id, workstation_id, event_type,
		confidence, count, model_version, is_late, raw_json) VALUES `)
	for i, ev := range evs {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * 10
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10)
		args = append(args, ev.EventID, ev.Timestamp, nullable(ev.WorkerID),
			nullable(ev.WorkstationID), ev.Type, ev.Confidence, ev.Count,
			nullable(ev.ModelVersion), ev.IsLate, ev.Raw)
	}
	sb.WriteString(" ON CONFLICT (event_id) DO NOTHING RETURNING event_id")

	rows, err := tx.Query(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	inserted := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		inserted[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(inserted) > 0 {
		ids := make([]string, 0, len(inserted))
		for id := range inserted {
			ids = append(ids, id)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO ingestion_log(event_id)
			SELECT unnest($1::text[])
			ON CONFLICT DO NOTHING
		`, ids); err != nil {
			return 0, err
		}

		var targets []models.RecomputeRequest
		for _, ev := range evs {
			if inserted[ev.EventID] {
				targets = append(targets, models.LateRecomputeTargets(ev)...)
			}
		}
		if err := enqueueTargetsTx(ctx, tx, targets); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(inserted), nil
}

// enqueueTargetsTx appends recompute backlog rows, deduplicated by the
// natural key (entity_type, entity_id, window_start).
func enqueueTargetsTx(ctx context.Context, tx pgx.Tx, targets []models.RecomputeRequest) error {
	if len(targets) == 0 {
		return nil
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`INSERT INTO recompute_requests(entity_type, entity_id, window_start, window_end) VALUES `)
	for i, t := range targets {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * 4
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4)
		args = append(args, t.EntityType, t.EntityID, t.WindowStart, t.WindowEnd)
	}
	sb.WriteString(" ON CONFLICT (entity_type, entity_id, window_start) DO NOTHING")

	_, err := tx.Exec(ctx, sb.String(), args...)
	return err
}

// LatestTimestamps answers "latest stored timestamp per identity" for the
// whole identity set in one query, avoiding one-lookup-per-event cost during
// bulk ingestion. NULL identity fields match only NULL, never as wildcards.
func (p *Postgres) LatestTimestamps(ctx context.Context, ids []models.Identity) (map[models.Identity]time.Time, error) {
	out := make(map[models.Identity]time.Time)
	if len(ids) == 0 {
		return out, nil
	}

	uniq := make(map[models.Identity]bool, len(ids))
	var (
		clauses []string
		args    []any
	)
	for _, id := range ids {
		if uniq[id] {
			continue
		}
		uniq[id] = true
		i := len(args)
		clauses = append(clauses, fmt.Sprintf(
			"(($%d::text IS NULL AND worker_id IS NULL OR worker_id = $%d) AND ($%d::text IS NULL AND workstation_id IS NULL OR workstation_id = $%d))",
			i+1, i+1, i+2, i+2))
		args = append(args, nullable(id.WorkerID), nullable(id.WorkstationID))
	}

	sql := fmt.Sprintf(`
		SELECT worker_id, workstation_id, MAX(timestamp) AS latest
		FROM events
		WHERE %s
		GROUP BY worker_id, workstation_id
	`, strings.Join(clauses, " OR "))

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			workerID, stationID *string
			latest              time.Time
		)
		if err := rows.Scan(&workerID, &stationID, &latest); err != nil {
			return nil, err
		}
		out[models.Identity{WorkerID: deref(workerID), WorkstationID: deref(stationID)}] = latest.UTC()
	}
	return out, rows.Err()
}

// FirstSeen returns the ingestion ledger's first-seen time for an event id.
func (p *Postgres) FirstSeen(ctx context.Context, eventID string) (time.Time, error) {
	var t time.Time
	err := p.pool.QueryRow(ctx, `
		SELECT first_seen_at FROM ingestion_log WHERE event_id = $1
	`, eventID).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ClaimPending selects up to limit pending requests oldest-first with
// FOR UPDATE SKIP LOCKED and marks them processing in the same transaction,
// so concurrent claimants take disjoint sets without blocking each other.
// The lock is held only for the claim, never for computation.
func (p *Postgres) ClaimPending(ctx context.Context, limit int) ([]models.RecomputeRequest, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, entity_type, entity_id, window_start, window_end, status, created_at, updated_at
		FROM recompute_requests
		WHERE status = 'pending'
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	claimed, err := scanRequests(rows)
	if err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		ids := make([]string, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
		}
		if _, err := tx.Exec(ctx, `
			UPDATE recompute_requests
			SET status = 'processing', updated_at = NOW()
			WHERE id = ANY($1::uuid[])
		`, ids); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	for i := range claimed {
		claimed[i].Status = models.StatusProcessing
	}
	return claimed, nil
}

// CompleteRequest transitions a processing request to its terminal status.
func (p *Postgres) CompleteRequest(ctx context.Context, id string, status models.RequestStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE recompute_requests
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentRequests returns the newest backlog rows for the operator view.
func (p *Postgres) RecentRequests(ctx context.Context, limit int) ([]models.RecomputeRequest, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, window_start, window_end, status, created_at, updated_at
		FROM recompute_requests
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func scanRequests(rows pgx.Rows) ([]models.RecomputeRequest, error) {
	defer rows.Close()

	var out []models.RecomputeRequest
	for rows.Next() {
		var r models.RecomputeRequest
		if err := rows.Scan(&r.ID, &r.EntityType, &r.EntityID, &r.WindowStart,
			&r.WindowEnd, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const eventColumns = `event_id, timestamp, worker_id, workstation_id, event_type,
	confidence, count, model_version, is_late, raw_json, ingested_at`

// EventsByWorker returns the worker's full event history, time-ascending.
func (p *Postgres) EventsByWorker(ctx context.Context, workerID string) ([]models.Event, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE worker_id = $1
		ORDER BY timestamp ASC
	`, workerID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsByWorkstation returns all events tagged with a station, time-ascending.
func (p *Postgres) EventsByWorkstation(ctx context.Context, workstationID string) ([]models.Event, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE workstation_id = $1
		ORDER BY timestamp ASC
	`, workstationID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// AllEvents returns the whole event table, time-ascending.
func (p *Postgres) AllEvents(ctx context.Context) ([]models.Event, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		ORDER BY timestamp ASC
	`)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]models.Event, error) {
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			ev                            models.Event
			workerID, stationID, modelVer *string
		)
		if err := rows.Scan(&ev.EventID, &ev.Timestamp, &workerID, &stationID,
			&ev.Type, &ev.Confidence, &ev.Count, &modelVer, &ev.IsLate,
			&ev.Raw, &ev.IngestedAt); err != nil {
			return nil, err
		}
		ev.Timestamp = ev.Timestamp.UTC()
		ev.WorkerID = deref(workerID)
		ev.WorkstationID = deref(stationID)
		ev.ModelVersion = deref(modelVer)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// WorkerCount returns the configured roster size.
func (p *Postgres) WorkerCount(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*)::int FROM workers`).Scan(&n)
	return n, err
}

// LookupMetrics returns the cache entry for the exact four-part key.
func (p *Postgres) LookupMetrics(ctx context.Context, key models.CacheKey) (models.MetricsCacheEntry, error) {
	var entry models.MetricsCacheEntry
	entry.Key = key
	err := p.pool.QueryRow(ctx, `
		SELECT id, metrics, updated_at
		FROM metrics_cache
		WHERE entity_type = $1 AND entity_id = $2 AND window_start = $3 AND window_end = $4
		LIMIT 1
	`, key.EntityType, key.EntityID, key.WindowStart, key.WindowEnd).
		Scan(&entry.ID, &entry.Metrics, &entry.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MetricsCacheEntry{}, ErrNotFound
	}
	if err != nil {
		return models.MetricsCacheEntry{}, err
	}
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	return entry, nil
}

// UpsertMetrics overwrites the cache entry for the key as a whole.
func (p *Postgres) UpsertMetrics(ctx context.Context, key models.CacheKey, metrics json.RawMessage) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO metrics_cache (entity_type, entity_id, window_start, window_end, metrics, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, NOW())
		ON CONFLICT (entity_type, entity_id, window_start, window_end)
		DO UPDATE SET metrics = $5::jsonb, updated_at = NOW()
	`, key.EntityType, key.EntityID, key.WindowStart, key.WindowEnd, metrics)
	return err
}

// ResetAndSeed truncates the activity tables and repopulates roster and
// events inside one transaction.
func (p *Postgres) ResetAndSeed(ctx context.Context, workers []models.Worker, stations []models.Workstation, evs []models.Event) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		TRUNCATE TABLE ingestion_log, events, workers, workstations,
		               recompute_requests, metrics_cache
		RESTART IDENTITY CASCADE
	`); err != nil {
		return err
	}

	for _, w := range workers {
		if _, err := tx.Exec(ctx,
			`INSERT INTO workers(worker_id, name) VALUES ($1, $2)`, w.ID, w.Name); err != nil {
			return err
		}
	}
	for _, s := range stations {
		if _, err := tx.Exec(ctx,
			`INSERT INTO workstations(workstation_id, name) VALUES ($1, $2)`, s.ID, s.Name); err != nil {
			return err
		}
	}

	for start := 0; start < len(evs); start += 200 {
		end := start + 200
		if end > len(evs) {
			end = len(evs)
		}
		batch := evs[start:end]

		var (
			sb   strings.Builder
			args []any
		)
		sb.WriteString(`INSERT INTO events(event_id, timestamp, worker_id, workstation_id, event_type,
			confidence, count, model_version, is_late, raw_json) VALUES `)
		for i, ev := range batch {
			if i > 0 {
				sb.WriteString(",")
			}
			base := i * 10
			fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10)
			args = append(args, ev.EventID, ev.Timestamp, nullable(ev.WorkerID),
				nullable(ev.WorkstationID), ev.Type, ev.Confidence, ev.Count,
				nullable(ev.ModelVersion), ev.IsLate, ev.Raw)
		}
		sb.WriteString(" ON CONFLICT (event_id) DO NOTHING")

		if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
