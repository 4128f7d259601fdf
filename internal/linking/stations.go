package linking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"driftwatch/internal/ingest"
	"driftwatch/internal/providers"
	"driftwatch/internal/spatial"
	"driftwatch/internal/store"
	"driftwatch/internal/types"
)

// stationUpdateFields are the station attributes refreshed on every upsert.
var stationUpdateFields = []string{"name", "state", "established", "timezone", "latitude", "longitude", "source"}

// StationStore is the slice of the store the station linker needs.
type StationStore interface {
	UpsertStations(ctx context.Context, rows []types.Station, lookupKeys, updateFields []string) ([]types.Station, error)
	GetOrCreateStationaryEvents(ctx context.Context, rows []types.StationaryEvent) ([]types.StationaryEvent, store.Outcome, error)
	CreateStationaryMeasurements(ctx context.Context, rows []types.StationaryMeasurement) error
	CreateStationaryNeighbors(ctx context.Context, rows []types.StationaryNeighbor) error
}

// StationSource pairs a station provider with its persisted source ID.
type StationSource struct {
	SourceID string
	Provider providers.StationProvider
}

// StationLinker matches a batch's mobile events against the fixed station
// networks. Stations have no timestamps, so the nearest-neighbor match is
// purely geographic; the temporal window applies afterwards, when the
// matched stations' readings are fetched around each event's time.
type StationLinker struct {
	store   StationStore
	sources []StationSource
	logger  *slog.Logger
}

func NewStationLinker(store StationStore, sources []StationSource, logger *slog.Logger) *StationLinker {
	return &StationLinker{store: store, sources: sources, logger: logger}
}

type stationaryKey struct {
	station  string
	unixTime int64
}

// Link upserts every source's station roster, finds each event's nearest
// stations, and persists the stations' closest-in-time readings around each
// event along with the neighbor associations.
func (l *StationLinker) Link(ctx context.Context, events []types.MobileEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, src := range l.sources {
		if err := l.linkSource(ctx, src, events); err != nil {
			return fmt.Errorf("linking %s stations: %w", src.Provider.SourceName(), err)
		}
	}
	return nil
}

func (l *StationLinker) linkSource(ctx context.Context, src StationSource, events []types.MobileEvent) error {
	stations, err := l.refreshStations(ctx, src)
	if err != nil {
		return err
	}
	if len(stations) == 0 {
		return nil
	}

	candidates := make([]spatial.Point, len(stations))
	for i, s := range stations {
		candidates[i] = spatial.Point{ID: s.ID, EntityID: s.ID, Latitude: s.Latitude, Longitude: s.Longitude}
	}
	matches := spatial.Nearest(mobileEventPoints(events), candidates, spatial.Params{K: neighborCount})

	// One fetch per (station, window); repeated event times hit the cache.
	fetched := make(map[stationaryKey][]types.Reading)

	eventSeen := make(map[stationaryKey]bool)
	var eventRows []types.StationaryEvent
	var eventKeys []stationaryKey
	type pendingMeasurement struct {
		key stationaryKey
		row types.StationaryMeasurement
	}
	type pendingNeighbor struct {
		mobileEvent string
		key         stationaryKey
		distance    float64
	}
	var measurements []pendingMeasurement
	var neighbors []pendingNeighbor

	for i, eventMatches := range matches {
		event := events[i]
		for _, match := range eventMatches {
			stationID := match.Point.ID
			window := stationaryKey{station: stationID, unixTime: event.DatetimeUTC.Unix()}
			readings, ok := fetched[window]
			if !ok {
				readings, err = src.Provider.StationReadings(ctx,
					stationID, event.DatetimeUTC.Add(-timeWindow), event.DatetimeUTC.Add(timeWindow))
				if err != nil {
					return err
				}
				fetched[window] = readings
			}

			for _, r := range closestInTime(readings, event.DatetimeUTC) {
				r = normalizeReading(r)
				product, mapped := ingest.MapProduct(r.Product)
				if !mapped {
					continue
				}
				key := stationaryKey{station: stationID, unixTime: r.Time.Unix()}
				if !eventSeen[key] {
					eventSeen[key] = true
					eventKeys = append(eventKeys, key)
					eventRows = append(eventRows, types.StationaryEvent{DatetimeUTC: r.Time, Station: stationID})
				}
				measurements = append(measurements, pendingMeasurement{key: key, row: types.StationaryMeasurement{
					Product: product,
					Value:   r.Value,
					Type:    ingest.MapType(r.Product),
					Quality: r.Quality,
				}})
				neighbors = append(neighbors, pendingNeighbor{
					mobileEvent: event.ID,
					key:         key,
					distance:    ingest.RoundValue(match.DistanceKm),
				})
			}
		}
	}

	if len(eventRows) == 0 {
		l.logger.Info("no station readings matched batch", "source", src.Provider.SourceName())
		return nil
	}

	persisted, _, err := l.store.GetOrCreateStationaryEvents(ctx, eventRows)
	if err != nil {
		return fmt.Errorf("persisting stationary events: %w", err)
	}
	if len(persisted) != len(eventRows) {
		return types.NewAppError(types.ErrCodeUpstreamBadResponse,
			fmt.Sprintf("stationary event count mismatch: sent %d, got %d", len(eventRows), len(persisted)), nil)
	}
	eventIDs := make(map[stationaryKey]string, len(persisted))
	for i, e := range persisted {
		eventIDs[eventKeys[i]] = e.ID
	}

	measurementRows := make([]types.StationaryMeasurement, 0, len(measurements))
	for _, m := range measurements {
		m.row.Event = eventIDs[m.key]
		measurementRows = append(measurementRows, m.row)
	}
	if err := l.store.CreateStationaryMeasurements(ctx, measurementRows); err != nil {
		return fmt.Errorf("persisting stationary measurements: %w", err)
	}

	neighborSeen := make(map[string]bool)
	var neighborRows []types.StationaryNeighbor
	for _, n := range neighbors {
		pair := n.mobileEvent + "\x00" + eventIDs[n.key]
		if neighborSeen[pair] {
			continue
		}
		neighborSeen[pair] = true
		neighborRows = append(neighborRows, types.StationaryNeighbor{
			MobileEvent:                n.mobileEvent,
			NeighboringStationaryEvent: eventIDs[n.key],
			Distance:                   n.distance,
		})
	}
	if err := l.store.CreateStationaryNeighbors(ctx, neighborRows); err != nil {
		return fmt.Errorf("persisting stationary neighbors: %w", err)
	}
	return nil
}

// refreshStations upserts the provider's current roster under the source and
// returns the stored rows.
func (l *StationLinker) refreshStations(ctx context.Context, src StationSource) ([]types.Station, error) {
	stations, err := src.Provider.Stations(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]types.Station, 0, len(stations))
	for _, s := range stations {
		s.Latitude = ingest.RoundCoordinate(s.Latitude)
		s.Longitude = ingest.RoundCoordinate(s.Longitude)
		s.Source = src.SourceID
		rows = append(rows, s)
	}
	return l.store.UpsertStations(ctx, rows, []string{"id"}, stationUpdateFields)
}

// closestInTime keeps the readings whose timestamp is nearest to the pivot,
// including all ties at the minimum offset.
func closestInTime(readings []types.Reading, pivot time.Time) []types.Reading {
	if len(readings) == 0 {
		return nil
	}
	best := time.Duration(-1)
	for _, r := range readings {
		d := pivot.Sub(r.Time)
		if d < 0 {
			d = -d
		}
		if best < 0 || d < best {
			best = d
		}
	}
	var kept []types.Reading
	for _, r := range readings {
		d := pivot.Sub(r.Time)
		if d < 0 {
			d = -d
		}
		if d == best {
			kept = append(kept, r)
		}
	}
	return kept
}
