package linking

import (
	"context"
	"fmt"
	"log/slog"

	"driftwatch/internal/ingest"
	"driftwatch/internal/providers"
	"driftwatch/internal/spatial"
	"driftwatch/internal/types"
)

// DrifterLinker matches a batch's buoy events against the global drifter
// fleet. Drifters are mobile platforms too, so their observations persist
// through the same sensor/event/measurement endpoints as buoys and the links
// land in the mobile neighbor table, pointing from a buoy event to a drifter
// event.
type DrifterLinker struct {
	store    BuoyStore
	provider providers.MobileProvider
	logger   *slog.Logger
}

func NewDrifterLinker(store BuoyStore, provider providers.MobileProvider, logger *slog.Logger) *DrifterLinker {
	return &DrifterLinker{store: store, provider: provider, logger: logger}
}

// Link fetches drifter observations around the batch's time span, persists
// them under the drifter source, and links each buoy event to its nearest
// drifter events. The temporal bound is enforced by the fetch window; the
// match itself is geographic.
func (l *DrifterLinker) Link(ctx context.Context, sourceID string, events []types.MobileEvent) error {
	start, end, ok := eventWindow(events, timeWindow)
	if !ok {
		return nil
	}

	ids, err := l.provider.SensorIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing drifters: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	readings, err := l.provider.HistoricalReadings(ctx, ids, start, end)
	if err != nil {
		return fmt.Errorf("fetching drifter readings: %w", err)
	}

	drifterEvents, err := persistMobileReadings(ctx, l.store, sourceID, readings)
	if err != nil {
		return fmt.Errorf("persisting drifter readings: %w", err)
	}
	if len(drifterEvents) == 0 {
		l.logger.Info("no drifter observations in batch window",
			"source_id", sourceID, "window_start", start, "window_end", end)
		return nil
	}

	matches := spatial.Nearest(mobileEventPoints(events), mobileEventPoints(drifterEvents),
		spatial.Params{K: neighborCount})

	var rows []types.MobileNeighbor
	for i, eventMatches := range matches {
		for _, match := range eventMatches {
			rows = append(rows, types.MobileNeighbor{
				MobileEvent:            events[i].ID,
				NeighboringMobileEvent: match.Point.ID,
				Distance:               ingest.RoundValue(match.DistanceKm),
			})
		}
	}
	if err := l.store.CreateMobileNeighbors(ctx, rows); err != nil {
		return fmt.Errorf("persisting drifter neighbors: %w", err)
	}
	return nil
}
