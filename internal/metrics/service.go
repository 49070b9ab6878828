package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopfloor/factory-activity-service/internal/models"
	"github.com/shopfloor/factory-activity-service/internal/store"
)

// defaultRoster guards factory averages against an empty workers table.
const defaultRoster = 6

// Service loads event history from the store and applies the pure engine.
// It also fronts the metrics cache: exact-window lookup with optional
// write-through population, and the recompute consumer's compute-and-cache.
type Service struct {
	store store.Store
	log   *slog.Logger
}

// NewService wires the metrics service.
func NewService(st store.Store, log *slog.Logger) *Service {
	return &Service{store: st, log: log}
}

// ResolveWindow applies the default reference window to missing bounds.
func ResolveWindow(start, end *time.Time) Window {
	w := DefaultWindow()
	if start != nil {
		w.Start = start.UTC()
	}
	if end != nil {
		w.End = end.UTC()
	}
	return w
}

// WorkerMetrics computes a worker's metrics over the window.
func (s *Service) WorkerMetrics(ctx context.Context, workerID string, start, end *time.Time) (WorkerMetrics, error) {
	w := ResolveWindow(start, end)
	events, err := s.store.EventsByWorker(ctx, workerID)
	if err != nil {
		return WorkerMetrics{}, fmt.Errorf("load worker events: %w", err)
	}
	return ComputeWorker(workerID, events, w), nil
}

// WorkstationMetrics computes a station's metrics over the window.
func (s *Service) WorkstationMetrics(ctx context.Context, workstationID string, start, end *time.Time) (WorkstationMetrics, error) {
	w := ResolveWindow(start, end)
	events, err := s.store.EventsByWorkstation(ctx, workstationID)
	if err != nil {
		return WorkstationMetrics{}, fmt.Errorf("load workstation events: %w", err)
	}
	return ComputeWorkstation(workstationID, events, w), nil
}

// FactoryMetrics computes factory-wide metrics over the window, dividing
// averages by the full configured roster.
func (s *Service) FactoryMetrics(ctx context.Context, start, end *time.Time) (FactoryMetrics, error) {
	w := ResolveWindow(start, end)
	events, err := s.store.AllEvents(ctx)
	if err != nil {
		return FactoryMetrics{}, fmt.Errorf("load events: %w", err)
	}
	roster, err := s.store.WorkerCount(ctx)
	if err != nil {
		return FactoryMetrics{}, fmt.Errorf("load roster size: %w", err)
	}
	if roster == 0 {
		roster = defaultRoster
	}
	return ComputeFactory(events, roster, w), nil
}

// WorkerSeries returns a worker's hourly produced-units series.
func (s *Service) WorkerSeries(ctx context.Context, workerID string, start, end *time.Time) ([]HourBucket, error) {
	w := ResolveWindow(start, end)
	events, err := s.store.EventsByWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("load worker events: %w", err)
	}
	return HourlySeries(events, w), nil
}

// CacheResult is the outcome of a cache lookup-or-compute.
type CacheResult struct {
	Cached    bool            `json:"cached"`
	Metrics   json.RawMessage `json:"metrics"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

// LookupOrCompute returns the cached metrics snapshot for the exact
// (entity, window) key, computing on a miss. When populate is set, the
// computed result is written through as a whole new cache entry. Entries are
// never invalidated by new events; only a recompute sweep refreshes them.
func (s *Service) LookupOrCompute(ctx context.Context, entityType models.EntityType, entityID string, start, end *time.Time, populate bool) (CacheResult, error) {
	w := ResolveWindow(start, end)
	key := cacheKey(entityType, entityID, w)

	entry, err := s.store.LookupMetrics(ctx, key)
	if err == nil {
		at := entry.UpdatedAt
		return CacheResult{Cached: true, Metrics: entry.Metrics, UpdatedAt: &at}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return CacheResult{}, fmt.Errorf("cache lookup: %w", err)
	}

	payload, err := s.computePayload(ctx, entityType, entityID, w)
	if err != nil {
		return CacheResult{}, err
	}

	if populate {
		if err := s.store.UpsertMetrics(ctx, key, payload); err != nil {
			return CacheResult{}, fmt.Errorf("cache populate: %w", err)
		}
	}

	return CacheResult{Cached: false, Metrics: payload}, nil
}

// Recompute computes an entity's metrics for the request's window and
// overwrites its cache entry. Called by the recompute queue consumer.
func (s *Service) Recompute(ctx context.Context, req models.RecomputeRequest) error {
	w := ResolveWindow(req.WindowStart, req.WindowEnd)

	entityID := req.EntityID
	if req.EntityType == models.EntityFactory {
		entityID = models.FactoryEntityID
	}

	payload, err := s.computePayload(ctx, req.EntityType, entityID, w)
	if err != nil {
		return err
	}
	if err := s.store.UpsertMetrics(ctx, cacheKey(req.EntityType, entityID, w), payload); err != nil {
		return err
	}
	s.log.Debug("metrics cache refreshed",
		slog.String("entity_type", string(req.EntityType)),
		slog.String("entity_id", entityID))
	return nil
}

func cacheKey(entityType models.EntityType, entityID string, w Window) models.CacheKey {
	if entityType == models.EntityFactory {
		entityID = models.FactoryEntityID
	}
	return models.CacheKey{
		EntityType:  entityType,
		EntityID:    entityID,
		WindowStart: w.Start,
		WindowEnd:   w.End,
	}
}

func (s *Service) computePayload(ctx context.Context, entityType models.EntityType, entityID string, w Window) (json.RawMessage, error) {
	var (
		result any
		err    error
	)
	switch entityType {
	case models.EntityWorker:
		result, err = s.WorkerMetrics(ctx, entityID, &w.Start, &w.End)
	case models.EntityWorkstation:
		result, err = s.WorkstationMetrics(ctx, entityID, &w.Start, &w.End)
	case models.EntityFactory:
		result, err = s.FactoryMetrics(ctx, &w.Start, &w.End)
	default:
		return nil, fmt.Errorf("unsupported entity_type: %s", entityType)
	}
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal metrics: %w", err)
	}
	return payload, nil
}
