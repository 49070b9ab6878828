package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfloor/factory-activity-service/internal/models"
	"github.com/shopfloor/factory-activity-service/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func seedStore(t *testing.T, st store.Store, evs ...models.Event) {
	t.Helper()
	for _, ev := range evs {
		_, err := st.InsertEvent(context.Background(), ev)
		require.NoError(t, err)
	}
}

func TestServiceWorkerMetrics(t *testing.T) {
	st := store.NewMemory()
	svc := NewService(st, testLogger())

	seedStore(t, st,
		stateEvent(at(9, 0), "W1", models.EventWorking),
		stateEvent(at(9, 20), "W1", models.EventIdle),
	)

	start, end := at(9, 0), at(9, 40)
	m, err := svc.WorkerMetrics(context.Background(), "W1", &start, &end)

	require.NoError(t, err)
	assert.Equal(t, 1200.0, m.TotalActiveSeconds)
	assert.Equal(t, 1200.0, m.TotalIdleSeconds)
}

func TestServiceFactoryRosterFallback(t *testing.T) {
	// An empty workers table must not zero the averages' denominator.
	st := store.NewMemory()
	svc := NewService(st, testLogger())

	seedStore(t, st, stateEvent(at(9, 0), "W1", models.EventWorking))

	m, err := svc.FactoryMetrics(context.Background(), nil, nil)

	require.NoError(t, err)
	assert.Equal(t, defaultRoster, m.WorkersCount)
}

func TestServiceDefaultWindow(t *testing.T) {
	st := store.NewMemory()
	svc := NewService(st, testLogger())

	m, err := svc.WorkerMetrics(context.Background(), "W1", nil, nil)

	require.NoError(t, err)
	assert.Equal(t, DefaultWindow().Start, m.WindowStart)
	assert.Equal(t, DefaultWindow().End, m.WindowEnd)
}

func TestLookupOrCompute(t *testing.T) {
	t.Run("miss computes without populating by default", func(t *testing.T) {
		st := store.NewMemory()
		svc := NewService(st, testLogger())
		seedStore(t, st, stateEvent(at(9, 0), "W1", models.EventWorking))

		start, end := at(9, 0), at(10, 0)
		res, err := svc.LookupOrCompute(context.Background(), models.EntityWorker, "W1", &start, &end, false)
		require.NoError(t, err)
		assert.False(t, res.Cached)
		assert.Nil(t, res.UpdatedAt)

		// Still a miss the second time: nothing was written through.
		res, err = svc.LookupOrCompute(context.Background(), models.EntityWorker, "W1", &start, &end, false)
		require.NoError(t, err)
		assert.False(t, res.Cached)
	})

	t.Run("populate writes through and the next lookup hits", func(t *testing.T) {
		st := store.NewMemory()
		svc := NewService(st, testLogger())
		seedStore(t, st, stateEvent(at(9, 0), "W1", models.EventWorking))

		start, end := at(9, 0), at(10, 0)
		first, err := svc.LookupOrCompute(context.Background(), models.EntityWorker, "W1", &start, &end, true)
		require.NoError(t, err)
		assert.False(t, first.Cached)

		second, err := svc.LookupOrCompute(context.Background(), models.EntityWorker, "W1", &start, &end, false)
		require.NoError(t, err)
		assert.True(t, second.Cached)
		require.NotNil(t, second.UpdatedAt)
		assert.JSONEq(t, string(first.Metrics), string(second.Metrics))
	})

	t.Run("cache keys are exact on the window", func(t *testing.T) {
		st := store.NewMemory()
		svc := NewService(st, testLogger())

		start, end := at(9, 0), at(10, 0)
		_, err := svc.LookupOrCompute(context.Background(), models.EntityWorker, "W1", &start, &end, true)
		require.NoError(t, err)

		otherEnd := at(11, 0)
		res, err := svc.LookupOrCompute(context.Background(), models.EntityWorker, "W1", &start, &otherEnd, false)
		require.NoError(t, err)
		assert.False(t, res.Cached)
	})

	t.Run("factory scope caches under the FACTORY entity id", func(t *testing.T) {
		st := store.NewMemory()
		svc := NewService(st, testLogger())

		start, end := at(9, 0), at(17, 0)
		_, err := svc.LookupOrCompute(context.Background(), models.EntityFactory, "", &start, &end, true)
		require.NoError(t, err)

		entry, err := st.LookupMetrics(context.Background(), models.CacheKey{
			EntityType:  models.EntityFactory,
			EntityID:    models.FactoryEntityID,
			WindowStart: start,
			WindowEnd:   end,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, entry.Metrics)
	})
}

func TestRecompute(t *testing.T) {
	st := store.NewMemory()
	svc := NewService(st, testLogger())
	seedStore(t, st,
		stateEvent(at(9, 0), "W1", models.EventWorking),
		productEvent(at(9, 30), "W1", 4),
	)

	ts := at(9, 30)
	req := models.RecomputeRequest{
		EntityType:  models.EntityWorker,
		EntityID:    "W1",
		WindowStart: &ts,
		WindowEnd:   &ts,
	}
	require.NoError(t, svc.Recompute(context.Background(), req))

	entry, err := st.LookupMetrics(context.Background(), models.CacheKey{
		EntityType:  models.EntityWorker,
		EntityID:    "W1",
		WindowStart: ts,
		WindowEnd:   ts,
	})
	require.NoError(t, err)

	// A point window is a zero-length snapshot: everything rates to zero.
	var m WorkerMetrics
	require.NoError(t, json.Unmarshal(entry.Metrics, &m))
	assert.Equal(t, 0.0, m.UtilizationPercent)
	assert.Equal(t, 0.0, m.TotalWindowSeconds)
}

func TestResolveWindow(t *testing.T) {
	start := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	w := ResolveWindow(&start, nil)

	assert.Equal(t, start, w.Start)
	assert.Equal(t, DefaultWindow().End, w.End)
}
