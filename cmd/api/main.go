package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/shopfloor/factory-activity-service/internal/config"
	"github.com/shopfloor/factory-activity-service/internal/httpserver"
	"github.com/shopfloor/factory-activity-service/internal/ingest"
	"github.com/shopfloor/factory-activity-service/internal/metrics"
	"github.com/shopfloor/factory-activity-service/internal/obs"
	"github.com/shopfloor/factory-activity-service/internal/recompute"
	"github.com/shopfloor/factory-activity-service/internal/seed"
	"github.com/shopfloor/factory-activity-service/internal/store"
)

// main boots the service: config → DB → schema → HTTP server.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)

	// Connect to durable storage (Postgres) using a connection pool.
	db, err := store.NewPostgres(cfg.DBURL)
	if err != nil {
		log.Error("db connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	// Ensure required tables/indexes exist so `docker compose up --build` is enough.
	if err := db.EnsureSchema(context.Background()); err != nil {
		log.Error("schema setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	recorder, err := obs.NewRecorder()
	if err != nil {
		log.Warn("metrics recorder unavailable, using noop", slog.String("error", err.Error()))
		recorder = obs.Noop{}
	}

	metricsSvc := metrics.NewService(db, log)
	deps := httpserver.Deps{
		Store:    db,
		Pipeline: ingest.New(db, log, recorder),
		Metrics:  metricsSvc,
		Queue:    recompute.New(db, metricsSvc, log, recorder),
		Seeder:   seed.NewSeeder(db, log),
	}

	router := httpserver.NewRouter(deps)

	log.Info("server starting", slog.String("addr", cfg.HTTPAddr))
	if err := router.Run(cfg.HTTPAddr); err != nil {
		log.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
