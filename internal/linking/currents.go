package linking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"driftwatch/internal/ingest"
	"driftwatch/internal/providers"
	"driftwatch/internal/spatial"
	"driftwatch/internal/store"
	"driftwatch/internal/types"
)

const (
	// maxDatasetAge is how far an event's time may be from the nearest
	// satellite dataset date before the event goes unmatched.
	maxDatasetAge = 7 * 24 * time.Hour

	// gridMargin is the bounding-box padding, in degrees, applied around a
	// batch's events before grid cells are considered as candidates.
	gridMargin = 2.0
)

// CurrentsProvider serves the satellite surface-current grids.
type CurrentsProvider interface {
	Grid(ctx context.Context, datasetDate time.Time) ([]providers.CurrentCell, error)
}

// CurrentsStore is the slice of the store the currents linker needs.
type CurrentsStore interface {
	GetOrCreateOmnipresentEvents(ctx context.Context, rows []types.OmnipresentEvent) ([]types.OmnipresentEvent, store.Outcome, error)
	CreateOmnipresentMeasurements(ctx context.Context, rows []types.OmnipresentMeasurement) error
	CreateOmnipresentNeighbors(ctx context.Context, rows []types.OmnipresentNeighbor) error
}

// CurrentsLinker matches a batch's mobile events against satellite
// surface-current grids. Each event is assigned the dataset date closest to
// its own time; only the grid cells that actually match an event are
// persisted, since a full grid holds millions of cells.
type CurrentsLinker struct {
	store    CurrentsStore
	provider CurrentsProvider
	logger   *slog.Logger
}

func NewCurrentsLinker(store CurrentsStore, provider CurrentsProvider, logger *slog.Logger) *CurrentsLinker {
	return &CurrentsLinker{store: store, provider: provider, logger: logger}
}

// Link groups the events by their closest dataset date, fetches each needed
// grid once, and persists the matched cells as omnipresent events with their
// current measurements and neighbor associations.
func (l *CurrentsLinker) Link(ctx context.Context, sourceID string, datasetDates []time.Time, events []types.MobileEvent) error {
	if len(events) == 0 || len(datasetDates) == 0 {
		return nil
	}

	byDate := make(map[time.Time][]types.MobileEvent)
	for _, e := range events {
		date, ok := closestDatasetDate(datasetDates, e.DatetimeUTC)
		if !ok {
			continue
		}
		byDate[date] = append(byDate[date], e)
	}
	if len(byDate) == 0 {
		l.logger.Info("no dataset within range of batch", "source_id", sourceID)
		return nil
	}

	dates := make([]time.Time, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	for _, date := range dates {
		if err := l.linkDataset(ctx, sourceID, date, byDate[date]); err != nil {
			return fmt.Errorf("linking currents dataset %s: %w", date.Format("2006-01-02"), err)
		}
	}
	return nil
}

func (l *CurrentsLinker) linkDataset(ctx context.Context, sourceID string, date time.Time, events []types.MobileEvent) error {
	cells, err := l.provider.Grid(ctx, date)
	if err != nil {
		return err
	}
	cells = clipToEvents(cells, events)
	if len(cells) == 0 {
		return nil
	}

	candidates := make([]spatial.Point, len(cells))
	for i, c := range cells {
		candidates[i] = spatial.Point{ID: strconv.Itoa(i), Latitude: c.Latitude, Longitude: c.Longitude}
	}
	matches := spatial.Nearest(mobileEventPoints(events), candidates, spatial.Params{K: neighborCount})

	matchedCells := make(map[int]bool)
	type pendingNeighbor struct {
		mobileEvent string
		cell        int
		distance    float64
	}
	var neighbors []pendingNeighbor
	for i, eventMatches := range matches {
		for _, match := range eventMatches {
			cell, _ := strconv.Atoi(match.Point.ID)
			matchedCells[cell] = true
			neighbors = append(neighbors, pendingNeighbor{
				mobileEvent: events[i].ID,
				cell:        cell,
				distance:    ingest.RoundValue(match.DistanceKm),
			})
		}
	}
	if len(matchedCells) == 0 {
		return nil
	}

	var eventRows []types.OmnipresentEvent
	var cellOrder []int
	for i := range cells {
		if !matchedCells[i] {
			continue
		}
		cellOrder = append(cellOrder, i)
		eventRows = append(eventRows, types.OmnipresentEvent{
			DatetimeUTC: cells[i].Time,
			Latitude:    ingest.RoundCoordinate(cells[i].Latitude),
			Longitude:   ingest.RoundCoordinate(cells[i].Longitude),
			Source:      sourceID,
		})
	}

	persisted, _, err := l.store.GetOrCreateOmnipresentEvents(ctx, eventRows)
	if err != nil {
		return fmt.Errorf("persisting omnipresent events: %w", err)
	}
	if len(persisted) != len(eventRows) {
		return types.NewAppError(types.ErrCodeUpstreamBadResponse,
			fmt.Sprintf("omnipresent event count mismatch: sent %d, got %d", len(eventRows), len(persisted)), nil)
	}
	cellEventIDs := make(map[int]string, len(persisted))
	for i, e := range persisted {
		cellEventIDs[cellOrder[i]] = e.ID
	}

	var measurementRows []types.OmnipresentMeasurement
	for _, i := range cellOrder {
		for _, m := range cellMeasurements(cells[i]) {
			m.Event = cellEventIDs[i]
			measurementRows = append(measurementRows, m)
		}
	}
	if err := l.store.CreateOmnipresentMeasurements(ctx, measurementRows); err != nil {
		return fmt.Errorf("persisting omnipresent measurements: %w", err)
	}

	var neighborRows []types.OmnipresentNeighbor
	for _, n := range neighbors {
		neighborRows = append(neighborRows, types.OmnipresentNeighbor{
			MobileEvent:                 n.mobileEvent,
			NeighboringOmnipresentEvent: cellEventIDs[n.cell],
			Distance:                    n.distance,
		})
	}
	if err := l.store.CreateOmnipresentNeighbors(ctx, neighborRows); err != nil {
		return fmt.Errorf("persisting omnipresent neighbors: %w", err)
	}
	return nil
}

// cellMeasurements expands one grid cell into its four current products:
// direction, speed, and the meridional and zonal velocity components.
func cellMeasurements(c providers.CurrentCell) []types.OmnipresentMeasurement {
	return []types.OmnipresentMeasurement{
		{Product: "cd", Value: ingest.RoundValue(c.Direction), Type: ingest.RawType},
		{Product: "cs", Value: ingest.RoundValue(c.Speed), Type: ingest.RawType},
		{Product: "mc", Value: ingest.RoundValue(c.Meridional), Type: ingest.RawType},
		{Product: "zc", Value: ingest.RoundValue(c.Zonal), Type: ingest.RawType},
	}
}

// closestDatasetDate picks the dataset date nearest to t, provided it is
// within maxDatasetAge. Ties go to the earlier date.
func closestDatasetDate(dates []time.Time, t time.Time) (time.Time, bool) {
	var best time.Time
	bestDiff := time.Duration(-1)
	for _, d := range dates {
		diff := t.Sub(d)
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = d, diff
		}
	}
	if bestDiff < 0 || bestDiff > maxDatasetAge {
		return time.Time{}, false
	}
	return best, true
}

// clipToEvents drops grid cells outside the events' bounding box, padded by
// gridMargin degrees.
func clipToEvents(cells []providers.CurrentCell, events []types.MobileEvent) []providers.CurrentCell {
	minLat, maxLat := events[0].Latitude, events[0].Latitude
	minLon, maxLon := events[0].Longitude, events[0].Longitude
	for _, e := range events[1:] {
		if e.Latitude < minLat {
			minLat = e.Latitude
		}
		if e.Latitude > maxLat {
			maxLat = e.Latitude
		}
		if e.Longitude < minLon {
			minLon = e.Longitude
		}
		if e.Longitude > maxLon {
			maxLon = e.Longitude
		}
	}
	minLat, maxLat = minLat-gridMargin, maxLat+gridMargin
	minLon, maxLon = minLon-gridMargin, maxLon+gridMargin

	var kept []providers.CurrentCell
	for _, c := range cells {
		if c.Latitude < minLat || c.Latitude > maxLat || c.Longitude < minLon || c.Longitude > maxLon {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}
