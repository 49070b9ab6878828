package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shopfloor/factory-activity-service/internal/recompute"
	"github.com/shopfloor/factory-activity-service/internal/store"
)

// RegisterRecomputeRoutes registers the backlog endpoints.
//
// POST /api/metrics/recompute - operator-triggered sweep, body {"limit": n}
// GET  /api/recompute/pending - recent backlog rows for the operator view
func RegisterRecomputeRoutes(r gin.IRoutes, q *recompute.Queue, st store.Store) {
	r.POST("/api/metrics/recompute", func(c *gin.Context) {
		var body struct {
			Limit int `json:"limit"`
		}
		// An empty body means the default sweep limit.
		_ = c.ShouldBindJSON(&body)

		summary, err := q.ProcessPending(c.Request.Context(), body.Limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to process recompute requests"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "summary": summary})
	})

	r.GET("/api/recompute/pending", func(c *gin.Context) {
		rows, err := st.RecentRequests(c.Request.Context(), 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to fetch recompute queue"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "pending": rows})
	})
}
