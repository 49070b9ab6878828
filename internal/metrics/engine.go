// Package metrics computes worker, workstation, and factory productivity
// metrics over half-open time windows.
//
// The engine is pure: it reconstructs contiguous state intervals from a
// time-ordered event history entirely in memory and clamps them to the query
// window, so the algorithm is unit-testable without a storage engine.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/shopfloor/factory-activity-service/internal/models"
)

// Window is a half-open interval [Start, End): the start instant is included,
// the end instant excluded.
type Window struct {
	Start time.Time `json:"window_start"`
	End   time.Time `json:"window_end"`
}

// DefaultWindow is the fixed 8-hour reference shift used when a caller
// supplies no bounds. Demo/test convenience, not business logic.
func DefaultWindow() Window {
	return Window{
		Start: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 15, 17, 0, 0, 0, time.UTC),
	}
}

// Seconds returns the window length in seconds.
func (w Window) Seconds() float64 {
	return w.End.Sub(w.Start).Seconds()
}

// Hours returns the window length in hours.
func (w Window) Hours() float64 {
	return w.End.Sub(w.Start).Hours()
}

// Contains reports whether t lies inside the half-open window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// WorkerMetrics is the per-worker productivity record.
type WorkerMetrics struct {
	WorkerID           string    `json:"worker_id"`
	WindowStart        time.Time `json:"window_start"`
	WindowEnd          time.Time `json:"window_end"`
	TotalWindowSeconds float64   `json:"total_window_seconds"`
	TotalActiveSeconds float64   `json:"total_active_seconds"`
	TotalIdleSeconds   float64   `json:"total_idle_seconds"`
	TotalAbsentSeconds float64   `json:"total_absent_seconds"`
	UtilizationPercent float64   `json:"utilization_percent"`
	TotalUnits         int       `json:"total_units"`
	UnitsPerHour       float64   `json:"units_per_hour"`
}

// WorkstationMetrics is the per-station record. Occupancy sums the working
// durations of every worker observed at the station; overlapping shifts of
// multiple workers double-count, which is accepted behavior.
type WorkstationMetrics struct {
	WorkstationID      string    `json:"workstation_id"`
	WindowStart        time.Time `json:"window_start"`
	WindowEnd          time.Time `json:"window_end"`
	TotalWindowSeconds float64   `json:"total_window_seconds"`
	OccupancySeconds   float64   `json:"occupancy_seconds"`
	UtilizationPercent float64   `json:"utilization_percent"`
	TotalUnits         int       `json:"total_units"`
	ThroughputPerHour  float64   `json:"throughput_per_hour"`
}

// FactoryMetrics is the factory-wide record. Averages divide by the full
// configured roster size, so a worker with zero activity still dilutes them.
type FactoryMetrics struct {
	WindowStart             time.Time `json:"window_start"`
	WindowEnd               time.Time `json:"window_end"`
	TotalWindowSeconds      float64   `json:"total_window_seconds"`
	TotalProductiveSeconds  float64   `json:"total_productive_seconds"`
	TotalUnits              int       `json:"total_units"`
	AvgRatePerWorkerPerHour float64   `json:"average_production_rate_per_worker_per_hour"`
	AvgUtilizationPercent   float64   `json:"average_utilization_percent"`
	WorkersCount            int       `json:"workers_count"`
}

// HourBucket is one point of the hourly produced-units series.
type HourBucket struct {
	Hour  time.Time `json:"hour"`
	Units int       `json:"units"`
}

// stateTotals accumulates clamped interval durations per state type.
type stateTotals struct {
	working float64
	idle    float64
	absent  float64
}

// sweep reconstructs state intervals for one worker's time-ordered state
// events and clamps them to the window. Each event's interval runs to the
// next state event's timestamp; the last extends to the window end.
// Intervals with zero or negative clamped duration are discarded.
func sweep(states []models.Event, w Window) stateTotals {
	var totals stateTotals
	for i, ev := range states {
		next := w.End
		if i+1 < len(states) {
			next = states[i+1].Timestamp
			if next.After(w.End) {
				next = w.End
			}
		}

		start := ev.Timestamp
		if start.Before(w.Start) {
			start = w.Start
		}
		end := next
		if end.After(w.End) {
			end = w.End
		}
		if !end.After(start) {
			continue
		}

		seconds := end.Sub(start).Seconds()
		switch ev.Type {
		case models.EventWorking:
			totals.working += seconds
		case models.EventIdle:
			totals.idle += seconds
		case models.EventAbsent:
			totals.absent += seconds
		}
	}
	return totals
}

// stateEvents filters and time-orders the state-type observations.
func stateEvents(events []models.Event) []models.Event {
	out := make([]models.Event, 0, len(events))
	for _, ev := range events {
		if ev.Type.IsState() {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Timestamp.Before(out[b].Timestamp)
	})
	return out
}

// groupByWorker buckets state events into per-worker time-ordered streams.
func groupByWorker(events []models.Event) map[string][]models.Event {
	groups := make(map[string][]models.Event)
	for _, ev := range stateEvents(events) {
		groups[ev.WorkerID] = append(groups[ev.WorkerID], ev)
	}
	return groups
}

// unitsInWindow sums product_count counts with timestamps in [start, end).
func unitsInWindow(events []models.Event, w Window) int {
	units := 0
	for _, ev := range events {
		if ev.Type == models.EventProductCount && w.Contains(ev.Timestamp) {
			units += ev.Count
		}
	}
	return units
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// ComputeWorker computes one worker's metrics from their full event history.
func ComputeWorker(workerID string, events []models.Event, w Window) WorkerMetrics {
	totals := sweep(stateEvents(events), w)
	units := unitsInWindow(events, w)

	windowSeconds := w.Seconds()
	utilization := 0.0
	if windowSeconds > 0 {
		utilization = totals.working / windowSeconds * 100
	}
	unitsPerHour := 0.0
	if w.Hours() > 0 {
		unitsPerHour = float64(units) / w.Hours()
	}

	return WorkerMetrics{
		WorkerID:           workerID,
		WindowStart:        w.Start,
		WindowEnd:          w.End,
		TotalWindowSeconds: windowSeconds,
		TotalActiveSeconds: totals.working,
		TotalIdleSeconds:   totals.idle,
		TotalAbsentSeconds: totals.absent,
		UtilizationPercent: round2(utilization),
		TotalUnits:         units,
		UnitsPerHour:       round3(unitsPerHour),
	}
}

// ComputeWorkstation computes a station's metrics from all events tagged with
// it, applying the interval sweep per worker and summing the results.
func ComputeWorkstation(workstationID string, events []models.Event, w Window) WorkstationMetrics {
	var occupancy float64
	for _, stream := range groupByWorker(events) {
		occupancy += sweep(stream, w).working
	}
	units := unitsInWindow(events, w)

	windowSeconds := w.Seconds()
	utilization := 0.0
	if windowSeconds > 0 {
		utilization = occupancy / windowSeconds * 100
	}
	throughput := 0.0
	if w.Hours() > 0 {
		throughput = float64(units) / w.Hours()
	}

	return WorkstationMetrics{
		WorkstationID:      workstationID,
		WindowStart:        w.Start,
		WindowEnd:          w.End,
		TotalWindowSeconds: windowSeconds,
		OccupancySeconds:   occupancy,
		UtilizationPercent: round2(utilization),
		TotalUnits:         units,
		ThroughputPerHour:  round3(throughput),
	}
}

// ComputeFactory computes factory-wide metrics from the full event history.
// rosterSize is the configured worker count, not the number of workers with
// observed activity.
func ComputeFactory(events []models.Event, rosterSize int, w Window) FactoryMetrics {
	var productive float64
	for _, stream := range groupByWorker(events) {
		productive += sweep(stream, w).working
	}
	units := unitsInWindow(events, w)

	hours := w.Hours()
	avgRate := 0.0
	avgUtilization := 0.0
	if hours > 0 && rosterSize > 0 {
		avgRate = (float64(units) / hours) / float64(rosterSize)
		avgUtilization = (productive / (hours * 3600)) / float64(rosterSize) * 100
	}

	return FactoryMetrics{
		WindowStart:             w.Start,
		WindowEnd:               w.End,
		TotalWindowSeconds:      w.Seconds(),
		TotalProductiveSeconds:  productive,
		TotalUnits:              units,
		AvgRatePerWorkerPerHour: round3(avgRate),
		AvgUtilizationPercent:   round2(avgUtilization),
		WorkersCount:            rosterSize,
	}
}

// HourlySeries buckets a worker's produced units per hour across the window.
// Buckets align to hour boundaries; hours without units are present with 0.
// The end bucket is inclusive, matching the dashboard series contract.
func HourlySeries(events []models.Event, w Window) []HourBucket {
	first := w.Start.Truncate(time.Hour)
	last := w.End.Truncate(time.Hour)

	var series []HourBucket
	for h := first; !h.After(last); h = h.Add(time.Hour) {
		series = append(series, HourBucket{Hour: h})
	}

	for _, ev := range events {
		if ev.Type != models.EventProductCount {
			continue
		}
		if ev.Timestamp.Before(w.Start) || ev.Timestamp.After(w.End) {
			continue
		}
		bucket := ev.Timestamp.Truncate(time.Hour)
		idx := int(bucket.Sub(first) / time.Hour)
		if idx >= 0 && idx < len(series) {
			series[idx].Units += ev.Count
		}
	}
	return series
}
