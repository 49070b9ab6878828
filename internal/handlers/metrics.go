package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shopfloor/factory-activity-service/internal/metrics"
	"github.com/shopfloor/factory-activity-service/internal/models"
)

// parseWindow reads optional start/end query params as RFC3339 instants.
func parseWindow(c *gin.Context) (start, end *time.Time, ok bool) {
	if s := c.Query("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "start must be RFC3339"})
			return nil, nil, false
		}
		u := t.UTC()
		start = &u
	}
	if s := c.Query("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "end must be RFC3339"})
			return nil, nil, false
		}
		u := t.UTC()
		end = &u
	}
	return start, end, true
}

// RegisterMetricRoutes registers the serving-path endpoints: on-demand
// metrics computation, the hourly series, and the metrics cache.
func RegisterMetricRoutes(r gin.IRoutes, svc *metrics.Service) {
	r.GET("/api/metrics/worker/:id", func(c *gin.Context) {
		start, end, ok := parseWindow(c)
		if !ok {
			return
		}
		m, err := svc.WorkerMetrics(c.Request.Context(), c.Param("id"), start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to compute worker metrics"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "metrics": m})
	})

	r.GET("/api/metrics/workstation/:id", func(c *gin.Context) {
		start, end, ok := parseWindow(c)
		if !ok {
			return
		}
		m, err := svc.WorkstationMetrics(c.Request.Context(), c.Param("id"), start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to compute workstation metrics"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "metrics": m})
	})

	r.GET("/api/metrics/factory", func(c *gin.Context) {
		start, end, ok := parseWindow(c)
		if !ok {
			return
		}
		m, err := svc.FactoryMetrics(c.Request.Context(), start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to compute factory metrics"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "metrics": m})
	})

	r.GET("/api/metrics/worker/:id/series", func(c *gin.Context) {
		start, end, ok := parseWindow(c)
		if !ok {
			return
		}
		series, err := svc.WorkerSeries(c.Request.Context(), c.Param("id"), start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to fetch worker series"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "series": series})
	})

	r.GET("/api/metrics/cache/worker/:id", cacheHandler(svc, models.EntityWorker, true))
	r.GET("/api/metrics/cache/workstation/:id", cacheHandler(svc, models.EntityWorkstation, true))
	r.GET("/api/metrics/cache/factory", cacheHandler(svc, models.EntityFactory, false))
}

// cacheHandler serves exact-window cache lookups with optional write-through
// population (?populate=1).
func cacheHandler(svc *metrics.Service, entityType models.EntityType, hasID bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start, end, ok := parseWindow(c)
		if !ok {
			return
		}
		entityID := models.FactoryEntityID
		if hasID {
			entityID = c.Param("id")
		}
		populate := c.Query("populate") == "1" || c.Query("populate") == "true"

		result, err := svc.LookupOrCompute(c.Request.Context(), entityType, entityID, start, end, populate)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to fetch cached metrics"})
			return
		}

		resp := gin.H{"ok": true, "cached": result.Cached, "metrics": result.Metrics}
		if result.UpdatedAt != nil {
			resp["updated_at"] = result.UpdatedAt
		}
		c.JSON(http.StatusOK, resp)
	}
}
