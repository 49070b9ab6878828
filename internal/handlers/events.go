package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shopfloor/factory-activity-service/internal/ingest"
	"github.com/shopfloor/factory-activity-service/internal/validate"
)

// RegisterEventRoutes registers the ingestion-path endpoints.
//
// POST /api/events       - single event (201 new, 200 duplicate, 400 invalid)
// POST /api/events/bulk  - bulk ingestion in partial-success mode
func RegisterEventRoutes(r gin.IRoutes, p *ingest.Pipeline) {
	r.POST("/api/events", func(c *gin.Context) {
		var raw validate.RawEvent
		if err := c.ShouldBindJSON(&raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid JSON payload"})
			return
		}

		result, err := p.InsertSingle(c.Request.Context(), raw)
		if err != nil {
			var fe *validate.FieldError
			if errors.As(err, &fe) {
				c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": fe.Reason, "field": fe.Field})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "internal server error"})
			return
		}

		// 201 for new events, 200 for idempotent duplicates.
		status := http.StatusCreated
		if !result.Inserted {
			status = http.StatusOK
		}
		c.JSON(status, gin.H{"ok": true, "inserted": result.Inserted, "event_id": result.EventID})
	})

	r.POST("/api/events/bulk", func(c *gin.Context) {
		records, err := bindBulkBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
			return
		}

		report, err := p.InsertBulk(c.Request.Context(), records, ingest.BulkOptions{})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "internal server error"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"ok":              true,
			"totalReceived":   report.TotalReceived,
			"totalValid":      report.TotalValid,
			"totalInvalid":    report.TotalInvalid,
			"totalInserted":   report.TotalInserted,
			"totalDuplicates": report.TotalDuplicates,
			"invalidRows":     report.InvalidRows,
			"insertErrors":    report.InsertErrors,
		})
	})
}

// bindBulkBody accepts either {"events": [...]} or a bare JSON array.
// Elements stay undecoded here: a malformed record is a per-record failure
// reported by the pipeline, not a reason to reject the submission.
func bindBulkBody(c *gin.Context) ([]json.RawMessage, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, errors.New("invalid request body")
	}

	var wrapped struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Events != nil {
		return wrapped.Events, nil
	}

	var bare []json.RawMessage
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}

	return nil, errors.New("events must be an array")
}
