package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfloor/factory-activity-service/internal/models"
)

func lateEventAt(id string, ts time.Time, workerID, stationID string) models.Event {
	return models.Event{
		EventID:       id,
		Timestamp:     ts,
		WorkerID:      workerID,
		WorkstationID: stationID,
		Type:          models.EventIdle,
		IsLate:        true,
	}
}

func TestMemoryInsertEvent(t *testing.T) {
	m := NewMemory()
	ev := models.Event{EventID: "e1", Timestamp: time.Now().UTC(), WorkerID: "W1", Type: models.EventWorking}

	inserted, err := m.InsertEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = m.InsertEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	first, err := m.FirstSeen(context.Background(), "e1")
	require.NoError(t, err)
	assert.False(t, first.IsZero())

	_, err = m.FirstSeen(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryLateInsertEnqueues(t *testing.T) {
	m := NewMemory()
	ts := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)

	_, err := m.InsertEvent(context.Background(), lateEventAt("e1", ts, "W1", "S1"))
	require.NoError(t, err)

	reqs, err := m.RecentRequests(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, models.StatusPending, r.Status)
		assert.NotEmpty(t, r.ID)
	}

	// The same natural key enqueued again is absorbed.
	_, err = m.InsertEvent(context.Background(), lateEventAt("e2", ts, "W1", "S1"))
	require.NoError(t, err)

	reqs, err = m.RecentRequests(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, reqs, 2)
}

func TestMemoryClaimPending(t *testing.T) {
	t.Run("claims oldest first and bounds by limit", func(t *testing.T) {
		m := NewMemory()
		base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			ts := base.Add(time.Duration(i) * time.Minute)
			_, err := m.InsertEvent(context.Background(), lateEventAt("e"+ts.String(), ts, "W1", ""))
			require.NoError(t, err)
		}

		claimed, err := m.ClaimPending(context.Background(), 2)
		require.NoError(t, err)
		require.Len(t, claimed, 2)

		require.NotNil(t, claimed[0].WindowStart)
		require.NotNil(t, claimed[1].WindowStart)
		assert.True(t, claimed[0].WindowStart.Equal(base))
		assert.True(t, claimed[1].WindowStart.Equal(base.Add(time.Minute)))
		for _, r := range claimed {
			assert.Equal(t, models.StatusProcessing, r.Status)
		}
	})

	t.Run("concurrent claims are disjoint", func(t *testing.T) {
		m := NewMemory()
		base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
		for i := 0; i < 10; i++ {
			ts := base.Add(time.Duration(i) * time.Minute)
			_, err := m.InsertEvent(context.Background(), lateEventAt("e"+ts.String(), ts, "W1", ""))
			require.NoError(t, err)
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, err := m.ClaimPending(context.Background(), 3)
				assert.NoError(t, err)
				mu.Lock()
				for _, r := range claimed {
					seen[r.ID]++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Len(t, seen, 10)
		for id, n := range seen {
			assert.Equal(t, 1, n, "request %s claimed more than once", id)
		}
	})
}

func TestMemoryCompleteRequest(t *testing.T) {
	m := NewMemory()
	ts := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)
	_, err := m.InsertEvent(context.Background(), lateEventAt("e1", ts, "W1", ""))
	require.NoError(t, err)

	// Completion requires a prior claim.
	reqs, err := m.RecentRequests(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.ErrorIs(t, m.CompleteRequest(context.Background(), reqs[0].ID, models.StatusDone), ErrNotFound)

	claimed, err := m.ClaimPending(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, m.CompleteRequest(context.Background(), claimed[0].ID, models.StatusDone))

	// Done is terminal.
	assert.ErrorIs(t, m.CompleteRequest(context.Background(), claimed[0].ID, models.StatusFailed), ErrNotFound)
}

func TestMemoryLatestTimestamps(t *testing.T) {
	m := NewMemory()
	base := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

	insert := func(id string, ts time.Time, workerID, stationID string) {
		_, err := m.InsertEvent(context.Background(), models.Event{
			EventID: id, Timestamp: ts, WorkerID: workerID, WorkstationID: stationID, Type: models.EventWorking,
		})
		require.NoError(t, err)
	}
	insert("e1", base, "W1", "S1")
	insert("e2", base.Add(time.Hour), "W1", "S1")
	insert("e3", base.Add(2*time.Hour), "W1", "")

	full := models.Identity{WorkerID: "W1", WorkstationID: "S1"}
	workerOnly := models.Identity{WorkerID: "W1"}
	unseen := models.Identity{WorkerID: "W9"}

	latest, err := m.LatestTimestamps(context.Background(), []models.Identity{full, workerOnly, unseen})
	require.NoError(t, err)

	// Identities match exactly: an absent workstation only matches rows where
	// the workstation is also absent.
	assert.True(t, latest[full].Equal(base.Add(time.Hour)))
	assert.True(t, latest[workerOnly].Equal(base.Add(2*time.Hour)))
	_, ok := latest[unseen]
	assert.False(t, ok)
}

func TestMemoryMetricsCache(t *testing.T) {
	m := NewMemory()
	key := models.CacheKey{
		EntityType:  models.EntityWorker,
		EntityID:    "W1",
		WindowStart: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 1, 15, 17, 0, 0, 0, time.UTC),
	}

	_, err := m.LookupMetrics(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.UpsertMetrics(context.Background(), key, json.RawMessage(`{"v":1}`)))
	entry, err := m.LookupMetrics(context.Background(), key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(entry.Metrics))

	// Upsert overwrites the whole payload under the same id.
	require.NoError(t, m.UpsertMetrics(context.Background(), key, json.RawMessage(`{"v":2}`)))
	updated, err := m.LookupMetrics(context.Background(), key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(updated.Metrics))
	assert.Equal(t, entry.ID, updated.ID)
}

func TestMemoryResetAndSeed(t *testing.T) {
	m := NewMemory()
	_, err := m.InsertEvent(context.Background(), lateEventAt("old", time.Now().UTC(), "W1", "S1"))
	require.NoError(t, err)

	workers := []models.Worker{{ID: "W1", Name: "Asha"}}
	stations := []models.Workstation{{ID: "S1", Name: "Assembly"}}
	evs := []models.Event{
		{EventID: "n1", Timestamp: time.Now().UTC(), WorkerID: "W1", Type: models.EventWorking},
	}
	require.NoError(t, m.ResetAndSeed(context.Background(), workers, stations, evs))

	all, err := m.AllEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "n1", all[0].EventID)

	n, err := m.WorkerCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reqs, err := m.RecentRequests(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}
