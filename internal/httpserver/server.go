package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shopfloor/factory-activity-service/internal/handlers"
	"github.com/shopfloor/factory-activity-service/internal/ingest"
	"github.com/shopfloor/factory-activity-service/internal/metrics"
	"github.com/shopfloor/factory-activity-service/internal/recompute"
	"github.com/shopfloor/factory-activity-service/internal/seed"
	"github.com/shopfloor/factory-activity-service/internal/store"
)

// Deps bundles everything the router serves.
type Deps struct {
	Store    store.Store
	Pipeline *ingest.Pipeline
	Metrics  *metrics.Service
	Queue    *recompute.Queue
	Seeder   *seed.Seeder
}

// NewRouter wires public endpoints and the API surface.
// Public: /health, /ready. API: ingestion, metrics, cache, recompute, admin.
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the DB dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := deps.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	handlers.RegisterEventRoutes(r, deps.Pipeline)
	handlers.RegisterMetricRoutes(r, deps.Metrics)
	handlers.RegisterRecomputeRoutes(r, deps.Queue, deps.Store)
	handlers.RegisterAdminRoutes(r, deps.Store, deps.Seeder)

	return r
}
