// Package seed generates synthetic shift data for demos and populates the
// store with it.
package seed

import (
	"encoding/json"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopfloor/factory-activity-service/internal/models"
	"github.com/shopfloor/factory-activity-service/internal/validate"
)

const shiftHours = 8

// generatorSeed fixes the generator's random source, so reseeding with the
// same target count writes the same events (and the same content-addressed
// ids) every time.
const generatorSeed = 20260115

// shiftStart is the default reference shift the generator fills.
var shiftStart = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// Roster returns the demo worker and station rosters.
func Roster() ([]models.Worker, []models.Workstation) {
	workers := []models.Worker{
		{ID: "W1", Name: "Asha"},
		{ID: "W2", Name: "Ravi"},
		{ID: "W3", Name: "Maya"},
		{ID: "W4", Name: "Jon"},
		{ID: "W5", Name: "Priya"},
		{ID: "W6", Name: "Leo"},
	}
	stations := []models.Workstation{
		{ID: "S1", Name: "Assembly"},
		{ID: "S2", Name: "Packaging"},
		{ID: "S3", Name: "Inspection"},
		{ID: "S4", Name: "Welding"},
		{ID: "S5", Name: "Painting"},
		{ID: "S6", Name: "Testing"},
	}
	return workers, stations
}

// SizeToCount maps a size preset (light/medium/heavy) or a numeric string to
// a target event count.
func SizeToCount(size string) int {
	switch strings.ToLower(strings.TrimSpace(size)) {
	case "":
		return 300
	case "light":
		return 120
	case "medium":
		return 300
	case "heavy":
		return 800
	}
	if n, err := strconv.Atoi(strings.TrimSpace(size)); err == nil && n > 0 {
		return n
	}
	return 300
}

// GenerateEvents produces at least total synthetic events across the
// reference shift: alternating working/idle blocks per worker with
// product_count events inside working blocks, time-ascending, with
// content-addressed ids so reruns over identical data stay idempotent.
func GenerateEvents(total int) []models.Event {
	rng := rand.New(rand.NewSource(generatorSeed))
	workers, stations := Roster()

	start := shiftStart
	end := start.Add(shiftHours * time.Hour)

	perWorker := total / len(workers)
	if perWorker < 10 {
		perWorker = 10
	}

	var events []models.Event
	for i, w := range workers {
		station := stations[i%len(stations)]

		t := start.Add(time.Duration(rng.Intn(15)) * time.Minute)
		working := rng.Float64() > 0.2

		produced := 0
		for t.Before(end) && produced < perWorker {
			var block time.Duration
			if working {
				block = time.Duration(20+rng.Intn(71)) * time.Minute // 20-90 min
			} else {
				block = time.Duration(5+rng.Intn(26)) * time.Minute // 5-30 min
			}

			state := models.EventIdle
			if working {
				state = models.EventWorking
			}
			events = append(events, synthEvent(rng, t, w.ID, station.ID, state, 0))
			produced++

			if working {
				for p := 0; p < 1+rng.Intn(4) && produced < perWorker; p++ {
					offset := time.Duration(rng.Int63n(int64(block)))
					ts := t.Add(offset)
					if ts.After(end) {
						ts = end
					}
					events = append(events, synthEvent(rng, ts, w.ID, station.ID, models.EventProductCount, 1+rng.Intn(3)))
					produced++
				}
			}

			t = t.Add(block)
			working = !working
		}
	}

	// Top up with random product events until the target is met.
	for len(events) < total {
		w := workers[rng.Intn(len(workers))]
		s := stations[rng.Intn(len(stations))]
		ts := start.Add(time.Duration(rng.Int63n(int64(end.Sub(start)))))
		events = append(events, synthEvent(rng, ts, w.ID, s.ID, models.EventProductCount, 1+rng.Intn(3)))
	}

	sort.SliceStable(events, func(a, b int) bool {
		return events[a].Timestamp.Before(events[b].Timestamp)
	})
	return events
}

func synthEvent(rng *rand.Rand, ts time.Time, workerID, stationID string, typ models.EventType, count int) models.Event {
	conf := 0.85 + rng.Float64()*0.15
	ev := models.Event{
		Timestamp:     ts.UTC(),
		WorkerID:      workerID,
		WorkstationID: stationID,
		Type:          typ,
		Confidence:    &conf,
		Count:         count,
		ModelVersion:  "v1.0",
	}
	ev.EventID = validate.DeriveEventID(ev)
	if snap, err := json.Marshal(ev); err == nil {
		ev.Raw = snap
	}
	return ev
}
