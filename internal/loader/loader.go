// Package loader orchestrates one ingestion run: it refreshes the reference
// data (sources, sensors, fishery assignments, the satellite dataset catalog),
// pulls the fleet's readings for the requested range, partitions them into
// bounded batches, and runs the per-source linkers over every batch with a
// bounded worker pool.
package loader

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"driftwatch/internal/batch"
	"driftwatch/internal/config"
	"driftwatch/internal/linking"
	"driftwatch/internal/observability"
	"driftwatch/internal/providers"
	"driftwatch/internal/store"
	"driftwatch/internal/types"
)

// Store is the slice of the store the loader and its linkers need.
type Store interface {
	linking.BuoyStore
	linking.StationStore
	linking.CurrentsStore
	GetOrCreateSources(ctx context.Context, rows []types.Source) ([]types.Source, store.Outcome, error)
	LookupMobileSensor(ctx context.Context, id string) (string, error)
	UpsertFisheryAssignments(ctx context.Context, rows []types.FisheryAssignment) ([]types.FisheryAssignment, error)
}

// CatalogProvider is the satellite current-grid service: a source in its own
// right, a dataset catalog, and the grids themselves.
type CatalogProvider interface {
	SourceName() string
	SourceWebsite() string
	DatasetDates(ctx context.Context) ([]time.Time, error)
	linking.CurrentsProvider
}

// Loader wires the providers, the store and the linkers into ingestion runs.
// One Loader serves the whole process lifetime; the scheduler calls its
// methods per tick.
type Loader struct {
	store    Store
	fleet    providers.MobileProvider
	drifter  providers.MobileProvider
	catalog  CatalogProvider
	stations []providers.StationProvider
	cfg      config.IngestConfig
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu           sync.Mutex
	sourceIDs    map[string]string
	datasetDates []time.Time
}

func New(
	st Store,
	fleet, drifter providers.MobileProvider,
	catalog CatalogProvider,
	stations []providers.StationProvider,
	cfg config.IngestConfig,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Loader {
	return &Loader{
		store:     st,
		fleet:     fleet,
		drifter:   drifter,
		catalog:   catalog,
		stations:  stations,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		sourceIDs: make(map[string]string),
	}
}

// RefreshSources persists every provider's Source row and caches the store
// IDs the linkers need. Must succeed before any load.
func (l *Loader) RefreshSources(ctx context.Context) error {
	rows := []types.Source{
		{Name: l.fleet.SourceName(), Website: l.fleet.SourceWebsite()},
		{Name: l.catalog.SourceName(), Website: l.catalog.SourceWebsite()},
		{Name: l.drifter.SourceName(), Website: l.drifter.SourceWebsite()},
	}
	for _, p := range l.stations {
		rows = append(rows, types.Source{Name: p.SourceName(), Website: p.SourceWebsite()})
	}

	persisted, _, err := l.store.GetOrCreateSources(ctx, rows)
	if err != nil {
		return fmt.Errorf("refreshing sources: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range persisted {
		l.sourceIDs[s.Name] = s.ID
	}
	return nil
}

// sourceID returns the cached store ID for a provider's source name.
func (l *Loader) sourceID(name string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.sourceIDs[name]
	if !ok || id == "" {
		return "", types.NewAppErrorWithDetails(types.ErrCodeUnresolvedReference,
			"source not refreshed", nil, map[string]any{"source": name})
	}
	return id, nil
}

// RefreshSensors persists the fleet's current sensor roster so sensors exist
// even before their first reading arrives.
func (l *Loader) RefreshSensors(ctx context.Context) error {
	fleetID, err := l.sourceID(l.fleet.SourceName())
	if err != nil {
		return err
	}
	ids, err := l.fleet.SensorIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing fleet sensors: %w", err)
	}
	rows := make([]types.MobileSensor, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, types.MobileSensor{ID: id, Source: fleetID})
	}
	if _, _, err := l.store.GetOrCreateMobileSensors(ctx, rows); err != nil {
		return fmt.Errorf("refreshing sensors: %w", err)
	}
	return nil
}

// RefreshAssignments reads the fishery assignment CSV and upserts its rows.
// Every referenced sensor must already exist in the store; an unknown sensor
// aborts the whole file. A blank path disables the feature.
func (l *Loader) RefreshAssignments(ctx context.Context) error {
	if l.cfg.FisheryAssignmentsPath == "" {
		return nil
	}

	f, err := os.Open(l.cfg.FisheryAssignmentsPath)
	if err != nil {
		return fmt.Errorf("opening assignments file: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return types.NewAppError(types.ErrCodeSerializationFailure, "reading assignments csv", err)
	}
	if len(records) < 2 {
		return nil
	}

	cols := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		cols[name] = i
	}
	for _, required := range []string{"mobile_sensor", "fishery", "region"} {
		if _, ok := cols[required]; !ok {
			return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
				"assignments csv missing column", nil, map[string]any{"column": required})
		}
	}

	refs := store.NewRefCache()
	rows := make([]types.FisheryAssignment, 0, len(records)-1)
	for _, record := range records[1:] {
		sensorID, err := refs.Resolve(ctx, "mobile_sensor", record[cols["mobile_sensor"]], l.store.LookupMobileSensor)
		if err != nil {
			return err
		}
		rows = append(rows, types.FisheryAssignment{
			MobileSensor: sensorID,
			Fishery:      record[cols["fishery"]],
			Region:       record[cols["region"]],
		})
	}

	if _, err := l.store.UpsertFisheryAssignments(ctx, rows); err != nil {
		return fmt.Errorf("upserting assignments: %w", err)
	}
	l.logger.Info("refreshed fishery assignments", "rows", len(rows))
	return nil
}

// RefreshDatasetCatalog re-scrapes the satellite dataset catalog. The cached
// dates feed the currents linker on every batch until the next refresh.
func (l *Loader) RefreshDatasetCatalog(ctx context.Context) error {
	dates, err := l.catalog.DatasetDates(ctx)
	if err != nil {
		return fmt.Errorf("refreshing dataset catalog: %w", err)
	}
	l.mu.Lock()
	l.datasetDates = dates
	l.mu.Unlock()
	l.logger.Info("refreshed dataset catalog", "datasets", len(dates))
	return nil
}

// DatasetDates returns the cached catalog dates.
func (l *Loader) DatasetDates() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]time.Time, len(l.datasetDates))
	copy(out, l.datasetDates)
	return out
}

// LoadMeasurements ingests the fleet's readings for [start, end]: fetch,
// partition into bounded windows, and link every non-empty batch with a
// bounded worker pool. Completed batches stay committed even if a later
// batch fails; the caller's retry re-covers the range and the store's
// uniqueness constraints absorb the replay.
func (l *Loader) LoadMeasurements(ctx context.Context, start, end time.Time) error {
	fleetID, err := l.sourceID(l.fleet.SourceName())
	if err != nil {
		return err
	}

	ids, err := l.fleet.SensorIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing fleet sensors: %w", err)
	}
	readings, err := l.fleet.HistoricalReadings(ctx, ids, start, end)
	if err != nil {
		return fmt.Errorf("fetching fleet readings: %w", err)
	}

	windows := batch.Partition(start, end, l.cfg.MaxBatchSpan)
	groups := batch.Assign(windows, readings)
	if len(groups) == 0 {
		l.logger.Info("no readings in range",
			"start", start, "end", end, "sensors", len(ids))
		return nil
	}

	dates := l.DatasetDates()
	if len(dates) == 0 {
		if err := l.RefreshDatasetCatalog(ctx); err != nil {
			return err
		}
		dates = l.DatasetDates()
	}

	l.logger.Info("dispatching batches",
		"start", start, "end", end, "readings", len(readings), "batches", len(groups))
	return batch.Dispatch(ctx, groups, l.cfg.MaxWorkers, func(ctx context.Context, g batch.Group) error {
		return l.loadGroup(ctx, g, fleetID, dates)
	})
}

// loadGroup runs the four-step linking protocol over one batch: buoys first
// to establish the reference events, then stations, currents and drifters
// against those events.
func (l *Loader) loadGroup(ctx context.Context, g batch.Group, fleetID string, datasetDates []time.Time) (err error) {
	l.metrics.BatchSize.Observe(float64(len(g.Readings)))
	l.metrics.ReadingsIngested.Add(float64(len(g.Readings)))
	began := time.Now()
	defer func() {
		if err != nil {
			l.metrics.BatchErrors.Inc()
			return
		}
		l.metrics.BatchesProcessed.Inc()
		l.metrics.BatchDuration.Observe(time.Since(began).Seconds())
	}()

	events, err := linking.NewBuoyLinker(l.store, l.logger).Link(ctx, fleetID, g.Readings)
	if err != nil {
		return fmt.Errorf("linking buoys [%s, %s]: %w",
			g.Window.Start.Format(time.RFC3339), g.Window.End.Format(time.RFC3339), err)
	}
	if len(events) == 0 {
		return nil
	}

	stationSources := make([]linking.StationSource, 0, len(l.stations))
	for _, p := range l.stations {
		id, err := l.sourceID(p.SourceName())
		if err != nil {
			return err
		}
		stationSources = append(stationSources, linking.StationSource{SourceID: id, Provider: p})
	}
	if err := linking.NewStationLinker(l.store, stationSources, l.logger).Link(ctx, events); err != nil {
		return err
	}

	oscarID, err := l.sourceID(l.catalog.SourceName())
	if err != nil {
		return err
	}
	if err := linking.NewCurrentsLinker(l.store, l.catalog, l.logger).Link(ctx, oscarID, datasetDates, events); err != nil {
		return err
	}

	drifterID, err := l.sourceID(l.drifter.SourceName())
	if err != nil {
		return err
	}
	if err := linking.NewDrifterLinker(l.store, l.drifter, l.logger).Link(ctx, drifterID, events); err != nil {
		return err
	}
	return nil
}
