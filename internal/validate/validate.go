// Package validate normalizes raw activity observations into storable events.
//
// Validation failures are structured values carrying the offending field and
// a reason, so bulk ingestion can report them per record without aborting the
// rest of the submission.
package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopfloor/factory-activity-service/internal/models"
)

// RawEvent is an untyped incoming record, as posted by a producer.
// Count is a pointer so a missing count is distinguishable from zero.
type RawEvent struct {
	EventID       string   `json:"event_id,omitempty"`
	Timestamp     string   `json:"timestamp"`
	WorkerID      string   `json:"worker_id,omitempty"`
	WorkstationID string   `json:"workstation_id,omitempty"`
	EventType     string   `json:"event_type"`
	Confidence    *float64 `json:"confidence,omitempty"`
	Count         *float64 `json:"count,omitempty"`
	ModelVersion  string   `json:"model_version,omitempty"`
}

// FieldError reports which field of a record failed validation and why.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Normalize validates a raw record and returns the normalized event.
// The returned error, when non-nil, is always a *FieldError.
func Normalize(raw RawEvent) (models.Event, error) {
	if raw.Timestamp == "" {
		return models.Event{}, &FieldError{Field: "timestamp", Reason: "timestamp is required"}
	}
	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		return models.Event{}, &FieldError{Field: "timestamp", Reason: "timestamp must be a valid RFC3339 string"}
	}

	typ := models.EventType(raw.EventType)
	if raw.EventType == "" || !typ.Valid() {
		return models.Event{}, &FieldError{
			Field:  "event_type",
			Reason: "event_type is required and must be one of: working, idle, absent, product_count",
		}
	}

	count := 0
	if typ == models.EventProductCount {
		if raw.Count == nil {
			return models.Event{}, &FieldError{Field: "count", Reason: "product_count events require numeric count"}
		}
		c := *raw.Count
		if math.IsNaN(c) || math.IsInf(c, 0) || c < 0 {
			return models.Event{}, &FieldError{Field: "count", Reason: "count must be a non-negative number"}
		}
		// Fractional counts round to the nearest integer, matching the
		// storage column's integer cast.
		count = int(math.Round(c))
	}

	if raw.Confidence != nil {
		c := *raw.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return models.Event{}, &FieldError{Field: "confidence", Reason: "confidence must be a number between 0 and 1"}
		}
	}

	ev := models.Event{
		EventID:       raw.EventID,
		Timestamp:     ts.UTC(),
		WorkerID:      raw.WorkerID,
		WorkstationID: raw.WorkstationID,
		Type:          typ,
		Confidence:    raw.Confidence,
		Count:         count,
		ModelVersion:  raw.ModelVersion,
	}

	if ev.EventID == "" {
		ev.EventID = DeriveEventID(ev)
	}

	// Snapshot of the normalized record, stored alongside the event.
	if snap, err := json.Marshal(ev); err == nil {
		ev.Raw = snap
	}

	return ev, nil
}

// DecodeRecord unmarshals one bulk element into a RawEvent. A wrong-typed
// field (say a numeric timestamp, or count as a string) is a per-record
// failure like any other validation error, never a whole-submission one.
func DecodeRecord(data json.RawMessage) (RawEvent, *FieldError) {
	var raw RawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return RawEvent{}, &FieldError{
				Field:  typeErr.Field,
				Reason: fmt.Sprintf("%s must be of type %s", typeErr.Field, typeErr.Type),
			}
		}
		return RawEvent{}, &FieldError{Field: "event", Reason: "record must be a JSON object"}
	}
	return raw, nil
}

// NormalizeSafe is the non-throwing variant used by bulk ingestion.
func NormalizeSafe(raw RawEvent) (models.Event, *FieldError) {
	ev, err := Normalize(raw)
	if err != nil {
		var fe *FieldError
		if f, ok := err.(*FieldError); ok {
			fe = f
		} else {
			fe = &FieldError{Field: "event", Reason: err.Error()}
		}
		return models.Event{}, fe
	}
	return ev, nil
}

// DeriveEventID computes the content-addressed identity of an event from its
// normalized fields, so resubmitting the same logical observation maps to the
// same id and the insert becomes a no-op.
func DeriveEventID(ev models.Event) string {
	base := fmt.Sprintf("%s|%s|%s|%s|%d",
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.WorkerID,
		ev.WorkstationID,
		ev.Type,
		ev.Count,
	)
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}
