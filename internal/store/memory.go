package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shopfloor/factory-activity-service/internal/models"
)

// NewMemory returns an in-memory Store with the same contract as Postgres,
// including the claim discipline (disjoint claims, oldest first) and the
// recompute natural-key dedup. Used by unit tests in place of a database.
func NewMemory() *Memory {
	return &Memory{
		events:   make(map[string]models.Event),
		ledger:   make(map[string]time.Time),
		cache:    make(map[string]models.MetricsCacheEntry),
		requests: make([]models.RecomputeRequest, 0),
	}
}

// Memory is a mutex-guarded fake of the durable store.
type Memory struct {
	mu       sync.Mutex
	events   map[string]models.Event
	ledger   map[string]time.Time
	requests []models.RecomputeRequest
	cache    map[string]models.MetricsCacheEntry
	workers  []models.Worker
	stations []models.Workstation
	seq      int
}

var _ Store = (*Memory)(nil)

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) InsertEvent(_ context.Context, ev models.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(ev), nil
}

func (m *Memory) InsertEventBatch(_ context.Context, evs []models.Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, ev := range evs {
		if m.insertLocked(ev) {
			inserted++
		}
	}
	return inserted, nil
}

// insertLocked applies the same per-event semantics as the Postgres
// transaction: insert-or-ignore, ledger append, enqueue for late inserts.
func (m *Memory) insertLocked(ev models.Event) bool {
	if _, dup := m.events[ev.EventID]; dup {
		return false
	}
	ev.IngestedAt = time.Now().UTC()
	m.events[ev.EventID] = ev
	m.ledger[ev.EventID] = ev.IngestedAt

	for _, t := range models.LateRecomputeTargets(ev) {
		m.enqueueLocked(t)
	}
	return true
}

// enqueueLocked deduplicates on (entity_type, entity_id, window_start).
func (m *Memory) enqueueLocked(t models.RecomputeRequest) {
	for _, r := range m.requests {
		if r.EntityType == t.EntityType && r.EntityID == t.EntityID &&
			equalTimePtr(r.WindowStart, t.WindowStart) {
			return
		}
	}
	m.seq++
	now := time.Now().UTC()
	t.ID = uuid.New().String()
	t.Status = models.StatusPending
	// seq breaks created_at ties so claim order is deterministic.
	t.CreatedAt = now.Add(time.Duration(m.seq) * time.Nanosecond)
	t.UpdatedAt = t.CreatedAt
	m.requests = append(m.requests, t)
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (m *Memory) LatestTimestamps(_ context.Context, ids []models.Identity) (map[models.Identity]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[models.Identity]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	out := make(map[models.Identity]time.Time)
	for _, ev := range m.events {
		id := ev.Identity()
		if !want[id] {
			continue
		}
		if latest, ok := out[id]; !ok || ev.Timestamp.After(latest) {
			out[id] = ev.Timestamp
		}
	}
	return out, nil
}

func (m *Memory) FirstSeen(_ context.Context, eventID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.ledger[eventID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) ClaimPending(_ context.Context, limit int) ([]models.RecomputeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := make([]int, 0)
	for i, r := range m.requests {
		if r.Status == models.StatusPending {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool {
		return m.requests[idx[a]].CreatedAt.Before(m.requests[idx[b]].CreatedAt)
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}

	claimed := make([]models.RecomputeRequest, 0, len(idx))
	now := time.Now().UTC()
	for _, i := range idx {
		m.requests[i].Status = models.StatusProcessing
		m.requests[i].UpdatedAt = now
		claimed = append(claimed, m.requests[i])
	}
	return claimed, nil
}

func (m *Memory) CompleteRequest(_ context.Context, id string, status models.RequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.requests {
		if r.ID == id && r.Status == models.StatusProcessing {
			m.requests[i].Status = status
			m.requests[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) RecentRequests(_ context.Context, limit int) ([]models.RecomputeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.RecomputeRequest, len(m.requests))
	copy(out, m.requests)
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) EventsByWorker(_ context.Context, workerID string) ([]models.Event, error) {
	return m.filterEvents(func(ev models.Event) bool {
		return ev.WorkerID == workerID && workerID != ""
	}), nil
}

func (m *Memory) EventsByWorkstation(_ context.Context, workstationID string) ([]models.Event, error) {
	return m.filterEvents(func(ev models.Event) bool {
		return ev.WorkstationID == workstationID && workstationID != ""
	}), nil
}

func (m *Memory) AllEvents(context.Context) ([]models.Event, error) {
	return m.filterEvents(func(models.Event) bool { return true }), nil
}

func (m *Memory) filterEvents(keep func(models.Event) bool) []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Event, 0)
	for _, ev := range m.events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Timestamp.Before(out[b].Timestamp)
	})
	return out
}

func (m *Memory) WorkerCount(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers), nil
}

func cacheKeyString(key models.CacheKey) string {
	return string(key.EntityType) + "|" + key.EntityID + "|" +
		key.WindowStart.UTC().Format(time.RFC3339Nano) + "|" +
		key.WindowEnd.UTC().Format(time.RFC3339Nano)
}

func (m *Memory) LookupMetrics(_ context.Context, key models.CacheKey) (models.MetricsCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache[cacheKeyString(key)]
	if !ok {
		return models.MetricsCacheEntry{}, ErrNotFound
	}
	return entry, nil
}

func (m *Memory) UpsertMetrics(_ context.Context, key models.CacheKey, metrics json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := cacheKeyString(key)
	entry, ok := m.cache[k]
	if !ok {
		entry = models.MetricsCacheEntry{ID: uuid.New().String(), Key: key}
	}
	entry.Metrics = metrics
	entry.UpdatedAt = time.Now().UTC()
	m.cache[k] = entry
	return nil
}

func (m *Memory) ResetAndSeed(_ context.Context, workers []models.Worker, stations []models.Workstation, evs []models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = make(map[string]models.Event)
	m.ledger = make(map[string]time.Time)
	m.requests = m.requests[:0]
	m.cache = make(map[string]models.MetricsCacheEntry)
	m.workers = append([]models.Worker(nil), workers...)
	m.stations = append([]models.Workstation(nil), stations...)

	for _, ev := range evs {
		m.insertLocked(ev)
	}
	return nil
}
