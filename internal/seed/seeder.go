package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopfloor/factory-activity-service/internal/store"
)

// Seeder replaces the store's contents with generated demo data.
type Seeder struct {
	store store.Store
	log   *slog.Logger
}

// NewSeeder wires a seeder.
func NewSeeder(st store.Store, log *slog.Logger) *Seeder {
	return &Seeder{store: st, log: log}
}

// Options selects how much data to generate. TotalEvents wins over Size.
type Options struct {
	Size        string `json:"size,omitempty"`
	TotalEvents int    `json:"totalEvents,omitempty"`
}

// Result reports what was written.
type Result struct {
	WorkersInserted  int `json:"workersInserted"`
	StationsInserted int `json:"stationsInserted"`
	EventsInserted   int `json:"eventsInserted"`
}

// Seed ensures the schema, truncates the activity tables, and repopulates
// the roster and a generated event set in one transaction.
func (s *Seeder) Seed(ctx context.Context, opts Options) (Result, error) {
	total := opts.TotalEvents
	if total <= 0 {
		total = SizeToCount(opts.Size)
	}
	s.log.Info("starting seed", slog.Int("totalEvents", total))

	if err := s.store.EnsureSchema(ctx); err != nil {
		return Result{}, fmt.Errorf("ensure schema: %w", err)
	}

	workers, stations := Roster()
	events := GenerateEvents(total)

	if err := s.store.ResetAndSeed(ctx, workers, stations, events); err != nil {
		return Result{}, fmt.Errorf("seed store: %w", err)
	}

	s.log.Info("seeding complete", slog.Int("events", len(events)))
	return Result{
		WorkersInserted:  len(workers),
		StationsInserted: len(stations),
		EventsInserted:   len(events),
	}, nil
}
