package models

import (
	"encoding/json"
	"time"
)

// EventType classifies an activity observation.
type EventType string

const (
	EventWorking      EventType = "working"
	EventIdle         EventType = "idle"
	EventAbsent       EventType = "absent"
	EventProductCount EventType = "product_count"
)

// AllowedEventTypes lists every accepted event_type value.
var AllowedEventTypes = []EventType{EventWorking, EventIdle, EventAbsent, EventProductCount}

// IsState reports whether the type describes a worker state
// (as opposed to a produced-units observation).
func (t EventType) IsState() bool {
	return t == EventWorking || t == EventIdle || t == EventAbsent
}

// Valid reports whether the type is one of the four accepted values.
func (t EventType) Valid() bool {
	for _, a := range AllowedEventTypes {
		if t == a {
			return true
		}
	}
	return false
}

// Event is an immutable activity observation. Events are never updated or
// deleted after insertion; IsLate is decided at insert time and never revised.
type Event struct {
	EventID       string          `json:"event_id"`
	Timestamp     time.Time       `json:"timestamp"`
	WorkerID      string          `json:"worker_id,omitempty"`
	WorkstationID string          `json:"workstation_id,omitempty"`
	Type          EventType       `json:"event_type"`
	Confidence    *float64        `json:"confidence,omitempty"`
	Count         int             `json:"count"`
	ModelVersion  string          `json:"model_version,omitempty"`
	IsLate        bool            `json:"is_late"`
	Raw           json.RawMessage `json:"-"`
	IngestedAt    time.Time       `json:"ingested_at,omitempty"`
}

// Identity is the worker/workstation pair an event belongs to. Empty fields
// match only other empty fields when deciding lateness, never as wildcards.
type Identity struct {
	WorkerID      string
	WorkstationID string
}

// Identity returns the event's lateness identity.
func (e Event) Identity() Identity {
	return Identity{WorkerID: e.WorkerID, WorkstationID: e.WorkstationID}
}

// Zero reports whether the identity carries no identifying fields at all;
// such events are never considered late.
func (id Identity) Zero() bool {
	return id.WorkerID == "" && id.WorkstationID == ""
}

// Worker is a roster entry. The full roster size, not the set of workers with
// observed activity, is the denominator for factory-level averages.
type Worker struct {
	ID   string `json:"worker_id"`
	Name string `json:"name"`
}

// Workstation is a station roster entry.
type Workstation struct {
	ID   string `json:"workstation_id"`
	Name string `json:"name"`
}
