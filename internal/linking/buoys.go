package linking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"driftwatch/internal/ingest"
	"driftwatch/internal/spatial"
	"driftwatch/internal/store"
	"driftwatch/internal/types"
)

// BuoyStore is the slice of the store the mobile-source linkers need.
type BuoyStore interface {
	GetOrCreateMobileSensors(ctx context.Context, rows []types.MobileSensor) ([]types.MobileSensor, store.Outcome, error)
	GetOrCreateMobileEvents(ctx context.Context, rows []types.MobileEvent) ([]types.MobileEvent, store.Outcome, error)
	CreateMobileMeasurements(ctx context.Context, rows []types.MobileMeasurement) error
	CreateMobileNeighbors(ctx context.Context, rows []types.MobileNeighbor) error
}

// BuoyLinker persists one batch of fleet readings as mobile sensors, events
// and measurements, then links each event to its nearest peer events. The
// events it returns are the reference set the other linkers match against.
type BuoyLinker struct {
	store  BuoyStore
	logger *slog.Logger
}

func NewBuoyLinker(store BuoyStore, logger *slog.Logger) *BuoyLinker {
	return &BuoyLinker{store: store, logger: logger}
}

type eventKey struct {
	sensor    string
	unixTime  int64
	latitude  float64
	longitude float64
}

func readingKey(r types.Reading) eventKey {
	return eventKey{
		sensor:    r.SensorID,
		unixTime:  r.Time.Unix(),
		latitude:  r.Latitude,
		longitude: r.Longitude,
	}
}

// Link normalizes and persists the batch's readings under the given source,
// then creates peer-to-peer neighbor links between the resulting events.
// Readings without a position fix cannot anchor an event and are dropped.
func (l *BuoyLinker) Link(ctx context.Context, sourceID string, readings []types.Reading) ([]types.MobileEvent, error) {
	events, err := persistMobileReadings(ctx, l.store, sourceID, readings)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		l.logger.Info("no positioned readings in batch", "source_id", sourceID)
		return nil, nil
	}

	points := mobileEventPoints(events)
	matches := spatial.Nearest(points, points, spatial.Params{K: neighborCount, Window: timeWindow})

	var rows []types.MobileNeighbor
	for i, neighbors := range matches {
		for _, n := range neighbors {
			rows = append(rows, types.MobileNeighbor{
				MobileEvent:            events[i].ID,
				NeighboringMobileEvent: n.Point.ID,
				Distance:               ingest.RoundValue(n.DistanceKm),
			})
		}
	}
	if err := l.store.CreateMobileNeighbors(ctx, rows); err != nil {
		return nil, fmt.Errorf("persisting neighbors: %w", err)
	}

	return events, nil
}

// persistMobileReadings writes the distinct sensors, events and mapped
// measurements of a mobile source's readings and returns the stored events.
// Shared by the buoy and drifter linkers, which persist through the same
// endpoints.
func persistMobileReadings(ctx context.Context, s BuoyStore, sourceID string, readings []types.Reading) ([]types.MobileEvent, error) {
	positioned := make([]types.Reading, 0, len(readings))
	for _, r := range readings {
		if !r.HasPosition {
			continue
		}
		positioned = append(positioned, normalizeReading(r))
	}
	if len(positioned) == 0 {
		return nil, nil
	}

	if err := ensureMobileSensors(ctx, s, sourceID, positioned); err != nil {
		return nil, err
	}
	events, eventIDs, err := ensureMobileEvents(ctx, s, positioned)
	if err != nil {
		return nil, err
	}
	if err := createMobileMeasurements(ctx, s, positioned, eventIDs); err != nil {
		return nil, err
	}
	return events, nil
}

func ensureMobileSensors(ctx context.Context, s BuoyStore, sourceID string, readings []types.Reading) error {
	seen := make(map[string]bool)
	var rows []types.MobileSensor
	for _, r := range readings {
		if seen[r.SensorID] {
			continue
		}
		seen[r.SensorID] = true
		rows = append(rows, types.MobileSensor{ID: r.SensorID, Source: sourceID})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	if _, _, err := s.GetOrCreateMobileSensors(ctx, rows); err != nil {
		return fmt.Errorf("persisting sensors: %w", err)
	}
	return nil
}

// ensureMobileEvents persists the distinct (sensor, time, position) tuples of
// the batch and returns the stored events plus a key index for joining the
// batch's measurement rows back onto event IDs.
func ensureMobileEvents(ctx context.Context, s BuoyStore, readings []types.Reading) ([]types.MobileEvent, map[eventKey]string, error) {
	seen := make(map[eventKey]bool)
	var rows []types.MobileEvent
	var keys []eventKey
	for _, r := range readings {
		key := readingKey(r)
		if seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
		rows = append(rows, types.MobileEvent{
			DatetimeUTC:  r.Time,
			Latitude:     r.Latitude,
			Longitude:    r.Longitude,
			MobileSensor: r.SensorID,
		})
	}

	events, _, err := s.GetOrCreateMobileEvents(ctx, rows)
	if err != nil {
		return nil, nil, fmt.Errorf("persisting events: %w", err)
	}
	if len(events) != len(rows) {
		return nil, nil, types.NewAppError(types.ErrCodeUpstreamBadResponse,
			fmt.Sprintf("event count mismatch: sent %d, got %d", len(rows), len(events)), nil)
	}

	// The store returns rows in request order, so index i joins the
	// persisted ID back to its request key.
	eventIDs := make(map[eventKey]string, len(events))
	for i, e := range events {
		eventIDs[keys[i]] = e.ID
	}
	return events, eventIDs, nil
}

func createMobileMeasurements(ctx context.Context, s BuoyStore, readings []types.Reading, eventIDs map[eventKey]string) error {
	var rows []types.MobileMeasurement
	for _, r := range readings {
		product, ok := ingest.MapProduct(r.Product)
		if !ok {
			continue
		}
		rows = append(rows, types.MobileMeasurement{
			Event:   eventIDs[readingKey(r)],
			Product: product,
			Value:   r.Value,
			Type:    ingest.MapType(r.Product),
			Quality: r.Quality,
		})
	}
	if err := s.CreateMobileMeasurements(ctx, rows); err != nil {
		return fmt.Errorf("persisting measurements: %w", err)
	}
	return nil
}
