package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shopfloor/factory-activity-service/internal/seed"
	"github.com/shopfloor/factory-activity-service/internal/store"
)

// RegisterAdminRoutes registers schema bootstrap and demo seeding.
//
// POST /api/setup - idempotent table/index creation
// POST /api/seed  - truncate and repopulate demo data
func RegisterAdminRoutes(r gin.IRoutes, st store.Store, seeder *seed.Seeder) {
	r.POST("/api/setup", func(c *gin.Context) {
		if err := st.EnsureSchema(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "schema setup failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.POST("/api/seed", func(c *gin.Context) {
		var opts seed.Options
		// An empty body seeds the medium preset.
		_ = c.ShouldBindJSON(&opts)

		result, err := seeder.Seed(c.Request.Context(), opts)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "seeding failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
	})
}
