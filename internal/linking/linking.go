// Package linking holds the per-source orchestrators that cross-link one
// upstream source's data against the reference mobile events of a batch.
// Every linker follows the same protocol: fetch and normalize the source's
// raw data around the reference events, compute neighbors with the spatial
// matcher, persist the source's own events and measurements, then persist
// the neighbor associations carrying the computed distances.
package linking

import (
	"time"

	"driftwatch/internal/ingest"
	"driftwatch/internal/spatial"
	"driftwatch/internal/types"
)

const (
	// neighborCount is how many nearest neighbors each mobile event links to.
	neighborCount = 2

	// timeWindow bounds how far apart in time two observations may be and
	// still count as neighbors.
	timeWindow = 180 * time.Minute
)

// mobileEventPoints converts persisted mobile events into spatial query
// points. The owning sensor is the identity, so an event never matches
// another event of its own platform.
func mobileEventPoints(events []types.MobileEvent) []spatial.Point {
	points := make([]spatial.Point, len(events))
	for i, e := range events {
		points[i] = spatial.Point{
			ID:        e.ID,
			EntityID:  e.MobileSensor,
			Latitude:  e.Latitude,
			Longitude: e.Longitude,
			Time:      e.DatetimeUTC,
		}
	}
	return points
}

// eventWindow returns the time span covered by the events, widened by the
// given buffer on both sides. ok is false for an empty event set.
func eventWindow(events []types.MobileEvent, buffer time.Duration) (start, end time.Time, ok bool) {
	if len(events) == 0 {
		return time.Time{}, time.Time{}, false
	}
	start, end = events[0].DatetimeUTC, events[0].DatetimeUTC
	for _, e := range events[1:] {
		if e.DatetimeUTC.Before(start) {
			start = e.DatetimeUTC
		}
		if e.DatetimeUTC.After(end) {
			end = e.DatetimeUTC
		}
	}
	return start.Add(-buffer), end.Add(buffer), true
}

// normalizeReading applies the store's canonical precision to a raw reading:
// second-truncated UTC time, 6-decimal coordinates, 3-decimal value.
func normalizeReading(r types.Reading) types.Reading {
	r.Time = ingest.TruncateTime(r.Time)
	r.Latitude = ingest.RoundCoordinate(r.Latitude)
	r.Longitude = ingest.RoundCoordinate(r.Longitude)
	r.Value = ingest.RoundValue(r.Value)
	return r
}
