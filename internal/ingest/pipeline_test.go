package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfloor/factory-activity-service/internal/models"
	"github.com/shopfloor/factory-activity-service/internal/obs"
	"github.com/shopfloor/factory-activity-service/internal/store"
	"github.com/shopfloor/factory-activity-service/internal/validate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPipeline(st store.Store) *Pipeline {
	return New(st, discardLogger(), obs.Noop{})
}

func rawAt(ts, workerID, stationID, typ string) validate.RawEvent {
	return validate.RawEvent{
		Timestamp:     ts,
		WorkerID:      workerID,
		WorkstationID: stationID,
		EventType:     typ,
	}
}

// encode marshals typed records into the wire form InsertBulk consumes.
func encode(t *testing.T, raws ...validate.RawEvent) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, len(raws))
	for _, raw := range raws {
		b, err := json.Marshal(raw)
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func pendingRequests(t *testing.T, st store.Store) []models.RecomputeRequest {
	t.Helper()
	all, err := st.RecentRequests(context.Background(), 100)
	require.NoError(t, err)

	out := make([]models.RecomputeRequest, 0, len(all))
	for _, r := range all {
		if r.Status == models.StatusPending {
			out = append(out, r)
		}
	}
	return out
}

func TestInsertSingleIdempotence(t *testing.T) {
	st := store.NewMemory()
	p := newPipeline(st)
	raw := rawAt("2026-01-15T09:00:00Z", "W1", "S1", "working")

	first, err := p.InsertSingle(context.Background(), raw)
	require.NoError(t, err)
	assert.True(t, first.Inserted)

	second, err := p.InsertSingle(context.Background(), raw)
	require.NoError(t, err)
	assert.False(t, second.Inserted)
	assert.Equal(t, first.EventID, second.EventID)

	events, err := st.AllEvents(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// The ledger records when the id was first accepted.
	_, err = st.FirstSeen(context.Background(), first.EventID)
	assert.NoError(t, err)
}

func TestInsertSingleValidation(t *testing.T) {
	st := store.NewMemory()
	p := newPipeline(st)

	_, err := p.InsertSingle(context.Background(), rawAt("", "W1", "S1", "working"))

	var fe *validate.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "timestamp", fe.Field)

	events, _ := st.AllEvents(context.Background())
	assert.Empty(t, events)
}

func TestInsertSingleLateness(t *testing.T) {
	t.Run("out-of-order event enqueues one request per identity half", func(t *testing.T) {
		st := store.NewMemory()
		p := newPipeline(st)

		_, err := p.InsertSingle(context.Background(), rawAt("2026-01-15T10:00:00Z", "W1", "S1", "working"))
		require.NoError(t, err)
		assert.Empty(t, pendingRequests(t, st))

		res, err := p.InsertSingle(context.Background(), rawAt("2026-01-15T09:30:00Z", "W1", "S1", "idle"))
		require.NoError(t, err)
		assert.True(t, res.Inserted)

		events, _ := st.AllEvents(context.Background())
		require.Len(t, events, 2)
		assert.True(t, events[0].IsLate)

		reqs := pendingRequests(t, st)
		require.Len(t, reqs, 2)

		late := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)
		byType := map[models.EntityType]models.RecomputeRequest{}
		for _, r := range reqs {
			byType[r.EntityType] = r
		}
		assert.Equal(t, "W1", byType[models.EntityWorker].EntityID)
		assert.Equal(t, "S1", byType[models.EntityWorkstation].EntityID)
		for _, r := range reqs {
			require.NotNil(t, r.WindowStart)
			require.NotNil(t, r.WindowEnd)
			assert.True(t, r.WindowStart.Equal(late))
			assert.True(t, r.WindowEnd.Equal(late))
		}
	})

	t.Run("requests deduplicate on entity and window start", func(t *testing.T) {
		st := store.NewMemory()
		p := newPipeline(st)

		_, err := p.InsertSingle(context.Background(), rawAt("2026-01-15T10:00:00Z", "W1", "S1", "working"))
		require.NoError(t, err)

		// Two distinct late events at the same instant target the same
		// (entity, window_start) pairs.
		_, err = p.InsertSingle(context.Background(), rawAt("2026-01-15T09:30:00Z", "W1", "S1", "idle"))
		require.NoError(t, err)
		_, err = p.InsertSingle(context.Background(), rawAt("2026-01-15T09:30:00Z", "W1", "S1", "absent"))
		require.NoError(t, err)

		assert.Len(t, pendingRequests(t, st), 2)
	})

	t.Run("worker-only identity enqueues only the worker request", func(t *testing.T) {
		st := store.NewMemory()
		p := newPipeline(st)

		_, err := p.InsertSingle(context.Background(), rawAt("2026-01-15T10:00:00Z", "W1", "", "working"))
		require.NoError(t, err)
		_, err = p.InsertSingle(context.Background(), rawAt("2026-01-15T09:30:00Z", "W1", "", "idle"))
		require.NoError(t, err)

		reqs := pendingRequests(t, st)
		require.Len(t, reqs, 1)
		assert.Equal(t, models.EntityWorker, reqs[0].EntityType)
	})

	t.Run("identity with neither id is never late", func(t *testing.T) {
		st := store.NewMemory()
		p := newPipeline(st)

		_, err := p.InsertSingle(context.Background(), rawAt("2026-01-15T10:00:00Z", "", "", "working"))
		require.NoError(t, err)
		_, err = p.InsertSingle(context.Background(), rawAt("2026-01-15T09:30:00Z", "", "", "idle"))
		require.NoError(t, err)

		events, _ := st.AllEvents(context.Background())
		for _, ev := range events {
			assert.False(t, ev.IsLate)
		}
		assert.Empty(t, pendingRequests(t, st))
	})

	t.Run("worker-only history does not make a station-only event late", func(t *testing.T) {
		st := store.NewMemory()
		p := newPipeline(st)

		_, err := p.InsertSingle(context.Background(), rawAt("2026-01-15T10:00:00Z", "W1", "", "working"))
		require.NoError(t, err)
		_, err = p.InsertSingle(context.Background(), rawAt("2026-01-15T09:30:00Z", "", "S1", "idle"))
		require.NoError(t, err)

		assert.Empty(t, pendingRequests(t, st))
	})
}

// flakyStore wraps the in-memory store to inject failures.
type flakyStore struct {
	store.Store
	failLookup  bool
	failBatches map[int]bool // by call order, 0-based
	batchCalls  int
}

var errInjected = errors.New("injected failure")

func (f *flakyStore) LatestTimestamps(ctx context.Context, ids []models.Identity) (map[models.Identity]time.Time, error) {
	if f.failLookup {
		return nil, errInjected
	}
	return f.Store.LatestTimestamps(ctx, ids)
}

func (f *flakyStore) InsertEventBatch(ctx context.Context, evs []models.Event) (int, error) {
	call := f.batchCalls
	f.batchCalls++
	if f.failBatches[call] {
		return 0, errInjected
	}
	return f.Store.InsertEventBatch(ctx, evs)
}

func TestInsertSingleLatenessCheckFailureDegrades(t *testing.T) {
	mem := store.NewMemory()
	p := newPipeline(&flakyStore{Store: mem, failLookup: true})

	_, err := p.InsertSingle(context.Background(), rawAt("2026-01-15T10:00:00Z", "W1", "S1", "working"))
	require.NoError(t, err)

	res, err := p.InsertSingle(context.Background(), rawAt("2026-01-15T09:30:00Z", "W1", "S1", "idle"))
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	// With the check unavailable the event is stored untagged.
	events, _ := mem.AllEvents(context.Background())
	require.Len(t, events, 2)
	assert.False(t, events[0].IsLate)
	assert.Empty(t, pendingRequests(t, mem))
}

func TestInsertBulk(t *testing.T) {
	t.Run("partial success over invalid records", func(t *testing.T) {
		st := store.NewMemory()
		p := newPipeline(st)

		raws := make([]validate.RawEvent, 0, 10)
		for i := 0; i < 7; i++ {
			ts := time.Date(2026, 1, 15, 9, i, 0, 0, time.UTC).Format(time.RFC3339)
			raws = append(raws, rawAt(ts, "W1", "S1", "working"))
		}
		for i := 0; i < 3; i++ {
			raws = append(raws, rawAt("", "W2", "S2", "idle"))
		}

		report, err := p.InsertBulk(context.Background(), encode(t, raws...), BulkOptions{})
		require.NoError(t, err)

		assert.Equal(t, 10, report.TotalReceived)
		assert.Equal(t, 7, report.TotalValid)
		assert.Equal(t, 3, report.TotalInvalid)
		assert.Equal(t, 7, report.TotalInserted)
		assert.Equal(t, 0, report.TotalDuplicates)
		require.Len(t, report.InvalidRows, 3)
		assert.Equal(t, 7, report.InvalidRows[0].Index)
		assert.Equal(t, "timestamp", report.InvalidRows[0].Field)
	})

	t.Run("wrong-typed field rejects only that record", func(t *testing.T) {
		st := store.NewMemory()
		p := newPipeline(st)

		records := []json.RawMessage{
			json.RawMessage(`{"timestamp":"2026-01-15T09:00:00Z","worker_id":"W1","event_type":"working"}`),
			json.RawMessage(`{"timestamp":"2026-01-15T09:05:00Z","worker_id":"W1","event_type":"product_count","count":"2"}`),
			json.RawMessage(`{"timestamp":"2026-01-15T09:10:00Z","worker_id":"W1","event_type":"product_count","count":3}`),
		}

		report, err := p.InsertBulk(context.Background(), records, BulkOptions{})
		require.NoError(t, err)

		assert.Equal(t, 3, report.TotalReceived)
		assert.Equal(t, 2, report.TotalValid)
		assert.Equal(t, 1, report.TotalInvalid)
		assert.Equal(t, 2, report.TotalInserted)
		require.Len(t, report.InvalidRows, 1)
		assert.Equal(t, 1, report.InvalidRows[0].Index)
		assert.Equal(t, "count", report.InvalidRows[0].Field)

		events, _ := st.AllEvents(context.Background())
		assert.Len(t, events, 2)
	})

	t.Run("non-object element rejects only that record", func(t *testing.T) {
		st := store.NewMemory()
		p := newPipeline(st)

		records := []json.RawMessage{
			json.RawMessage(`"not an object"`),
			json.RawMessage(`{"timestamp":"2026-01-15T09:00:00Z","worker_id":"W1","event_type":"working"}`),
		}

		report, err := p.InsertBulk(context.Background(), records, BulkOptions{})
		require.NoError(t, err)

		assert.Equal(t, 1, report.TotalValid)
		require.Len(t, report.InvalidRows, 1)
		assert.Equal(t, 0, report.InvalidRows[0].Index)
		assert.Equal(t, "event", report.InvalidRows[0].Field)
	})

	t.Run("counts duplicates against prior inserts", func(t *testing.T) {
		st := store.NewMemory()
		p := newPipeline(st)
		raw := rawAt("2026-01-15T09:00:00Z", "W1", "S1", "working")

		_, err := p.InsertSingle(context.Background(), raw)
		require.NoError(t, err)

		report, err := p.InsertBulk(context.Background(), encode(t,
			raw,
			rawAt("2026-01-15T09:05:00Z", "W1", "S1", "idle"),
		), BulkOptions{})
		require.NoError(t, err)

		assert.Equal(t, 1, report.TotalInserted)
		assert.Equal(t, 1, report.TotalDuplicates)
	})

	t.Run("a failed batch does not abort the following ones", func(t *testing.T) {
		mem := store.NewMemory()
		p := newPipeline(&flakyStore{Store: mem, failBatches: map[int]bool{0: true}})

		raws := make([]validate.RawEvent, 0, 4)
		for i := 0; i < 4; i++ {
			ts := time.Date(2026, 1, 15, 9, i, 0, 0, time.UTC).Format(time.RFC3339)
			raws = append(raws, rawAt(ts, "W1", "S1", "working"))
		}

		report, err := p.InsertBulk(context.Background(), encode(t, raws...), BulkOptions{BatchSize: 2})
		require.NoError(t, err)

		assert.Equal(t, 2, report.TotalInserted)
		require.Len(t, report.InsertErrors, 1)
		assert.Equal(t, 0, report.InsertErrors[0].Batch)

		events, _ := mem.AllEvents(context.Background())
		assert.Len(t, events, 2)
	})

	t.Run("tags late rows against stored history", func(t *testing.T) {
		st := store.NewMemory()
		p := newPipeline(st)

		_, err := p.InsertSingle(context.Background(), rawAt("2026-01-15T10:00:00Z", "W1", "S1", "working"))
		require.NoError(t, err)

		report, err := p.InsertBulk(context.Background(), encode(t,
			rawAt("2026-01-15T09:30:00Z", "W1", "S1", "idle"),
			rawAt("2026-01-15T10:30:00Z", "W1", "S1", "idle"),
		), BulkOptions{})
		require.NoError(t, err)
		assert.Equal(t, 2, report.TotalInserted)

		reqs := pendingRequests(t, st)
		assert.Len(t, reqs, 2) // worker + workstation for the one late row
	})

	t.Run("lookup failure degrades to no late tagging", func(t *testing.T) {
		mem := store.NewMemory()
		p := newPipeline(&flakyStore{Store: mem, failLookup: true})

		_, err := p.InsertSingle(context.Background(), rawAt("2026-01-15T10:00:00Z", "W1", "S1", "working"))
		require.NoError(t, err)

		report, err := p.InsertBulk(context.Background(), encode(t,
			rawAt("2026-01-15T09:30:00Z", "W1", "S1", "idle"),
		), BulkOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.TotalInserted)
		assert.Empty(t, pendingRequests(t, mem))
	})
}
