package loader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftwatch/internal/config"
	"driftwatch/internal/observability"
	"driftwatch/internal/providers"
	"driftwatch/internal/store"
	"driftwatch/internal/types"
)

type fakeStore struct {
	mu sync.Mutex

	sources     []types.Source
	sensors     []types.MobileSensor
	events      []types.MobileEvent
	assignments []types.FisheryAssignment
	neighbors   []types.MobileNeighbor

	knownSensors  map[string]string
	sensorLookups int

	nextID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{knownSensors: make(map[string]string)}
}

func (f *fakeStore) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeStore) GetOrCreateSources(_ context.Context, rows []types.Source) ([]types.Source, store.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Source, len(rows))
	for i, r := range rows {
		r.ID = "src-" + r.Name
		out[i] = r
	}
	f.sources = append(f.sources, out...)
	return out, store.OutcomeCreated, nil
}

func (f *fakeStore) GetOrCreateMobileSensors(_ context.Context, rows []types.MobileSensor) ([]types.MobileSensor, store.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sensors = append(f.sensors, rows...)
	return rows, store.OutcomeCreated, nil
}

func (f *fakeStore) LookupMobileSensor(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sensorLookups++
	return f.knownSensors[id], nil
}

func (f *fakeStore) UpsertFisheryAssignments(_ context.Context, rows []types.FisheryAssignment) ([]types.FisheryAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments = append(f.assignments, rows...)
	return rows, nil
}

func (f *fakeStore) GetOrCreateMobileEvents(_ context.Context, rows []types.MobileEvent) ([]types.MobileEvent, store.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.MobileEvent, len(rows))
	for i, r := range rows {
		r.ID = f.id("me")
		out[i] = r
	}
	f.events = append(f.events, out...)
	return out, store.OutcomeCreated, nil
}

func (f *fakeStore) CreateMobileMeasurements(context.Context, []types.MobileMeasurement) error {
	return nil
}

func (f *fakeStore) CreateMobileNeighbors(_ context.Context, rows []types.MobileNeighbor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neighbors = append(f.neighbors, rows...)
	return nil
}

func (f *fakeStore) UpsertStations(_ context.Context, rows []types.Station, _, _ []string) ([]types.Station, error) {
	return rows, nil
}

func (f *fakeStore) GetOrCreateStationaryEvents(_ context.Context, rows []types.StationaryEvent) ([]types.StationaryEvent, store.Outcome, error) {
	out := make([]types.StationaryEvent, len(rows))
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range rows {
		r.ID = f.id("se")
		out[i] = r
	}
	return out, store.OutcomeCreated, nil
}

func (f *fakeStore) CreateStationaryMeasurements(context.Context, []types.StationaryMeasurement) error {
	return nil
}

func (f *fakeStore) CreateStationaryNeighbors(context.Context, []types.StationaryNeighbor) error {
	return nil
}

func (f *fakeStore) GetOrCreateOmnipresentEvents(_ context.Context, rows []types.OmnipresentEvent) ([]types.OmnipresentEvent, store.Outcome, error) {
	out := make([]types.OmnipresentEvent, len(rows))
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range rows {
		r.ID = f.id("oe")
		out[i] = r
	}
	return out, store.OutcomeCreated, nil
}

func (f *fakeStore) CreateOmnipresentMeasurements(context.Context, []types.OmnipresentMeasurement) error {
	return nil
}

func (f *fakeStore) CreateOmnipresentNeighbors(context.Context, []types.OmnipresentNeighbor) error {
	return nil
}

type fakeMobileProvider struct {
	name     string
	ids      []string
	readings []types.Reading
}

func (p *fakeMobileProvider) SourceName() string    { return p.name }
func (p *fakeMobileProvider) SourceWebsite() string { return "https://" + p.name + ".test" }

func (p *fakeMobileProvider) SensorIDs(context.Context) ([]string, error) {
	return p.ids, nil
}

func (p *fakeMobileProvider) HistoricalReadings(_ context.Context, _ []string, start, end time.Time) ([]types.Reading, error) {
	var out []types.Reading
	for _, r := range p.readings {
		if r.Time.Before(start) || r.Time.After(end) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

type fakeCatalog struct {
	dates     []time.Time
	refreshes int
}

func (c *fakeCatalog) SourceName() string    { return "catalog" }
func (c *fakeCatalog) SourceWebsite() string { return "https://catalog.test" }

func (c *fakeCatalog) DatasetDates(context.Context) ([]time.Time, error) {
	c.refreshes++
	return c.dates, nil
}

func (c *fakeCatalog) Grid(context.Context, time.Time) ([]providers.CurrentCell, error) {
	return nil, nil
}

type fakeStationProvider struct {
	name string
}

func (p *fakeStationProvider) SourceName() string    { return p.name }
func (p *fakeStationProvider) SourceWebsite() string { return "https://" + p.name + ".test" }

func (p *fakeStationProvider) Stations(context.Context) ([]types.Station, error) {
	return nil, nil
}

func (p *fakeStationProvider) StationReadings(context.Context, string, time.Time, time.Time) ([]types.Reading, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var loadStart = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func testConfig() config.IngestConfig {
	return config.IngestConfig{
		MaxBatchSpan: 24 * time.Hour,
		MaxWorkers:   2,
	}
}

func newTestLoader(fs *fakeStore, fleet, drifter *fakeMobileProvider, catalog *fakeCatalog, cfg config.IngestConfig) *Loader {
	return New(fs, fleet, drifter, catalog,
		[]providers.StationProvider{&fakeStationProvider{name: "stations"}},
		cfg, observability.NewMetricsForTesting(), testLogger())
}

func emptyFleet() *fakeMobileProvider   { return &fakeMobileProvider{name: "fleet"} }
func emptyDrifter() *fakeMobileProvider { return &fakeMobileProvider{name: "drifter"} }

func TestRefreshSourcesCachesIDs(t *testing.T) {
	fs := newFakeStore()
	l := newTestLoader(fs, emptyFleet(), emptyDrifter(), &fakeCatalog{}, testConfig())

	require.NoError(t, l.RefreshSources(context.Background()))
	require.Len(t, fs.sources, 4)

	id, err := l.sourceID("fleet")
	require.NoError(t, err)
	assert.Equal(t, "src-fleet", id)
}

func TestSourceIDBeforeRefreshFails(t *testing.T) {
	fs := newFakeStore()
	l := newTestLoader(fs, emptyFleet(), emptyDrifter(), &fakeCatalog{}, testConfig())

	_, err := l.sourceID("fleet")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUnresolvedReference, appErr.Code)
}

func TestRefreshSensors(t *testing.T) {
	fs := newFakeStore()
	fleet := &fakeMobileProvider{name: "fleet", ids: []string{"b1", "b2"}}
	l := newTestLoader(fs, fleet, emptyDrifter(), &fakeCatalog{}, testConfig())

	require.NoError(t, l.RefreshSources(context.Background()))
	require.NoError(t, l.RefreshSensors(context.Background()))

	require.Len(t, fs.sensors, 2)
	assert.Equal(t, "b1", fs.sensors[0].ID)
	assert.Equal(t, "src-fleet", fs.sensors[0].Source)
}

func writeAssignments(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assignments.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRefreshAssignments(t *testing.T) {
	fs := newFakeStore()
	fs.knownSensors["b1"] = "ms-1"
	fs.knownSensors["b2"] = "ms-2"

	cfg := testConfig()
	cfg.FisheryAssignmentsPath = writeAssignments(t,
		"mobile_sensor,fishery,region\nb1,Dungeness Crab,US West Coast\nb2,Lobster,Atlantic\nb1,Sablefish,US West Coast\n")
	l := newTestLoader(fs, emptyFleet(), emptyDrifter(), &fakeCatalog{}, cfg)

	require.NoError(t, l.RefreshAssignments(context.Background()))

	require.Len(t, fs.assignments, 3)
	assert.Equal(t, "ms-1", fs.assignments[0].MobileSensor)
	assert.Equal(t, "Dungeness Crab", fs.assignments[0].Fishery)
	assert.Equal(t, "US West Coast", fs.assignments[0].Region)

	// b1 appears twice but resolves once.
	assert.Equal(t, 2, fs.sensorLookups)
}

func TestRefreshAssignmentsUnknownSensorAborts(t *testing.T) {
	fs := newFakeStore()
	cfg := testConfig()
	cfg.FisheryAssignmentsPath = writeAssignments(t,
		"mobile_sensor,fishery,region\nghost,Lobster,Atlantic\n")
	l := newTestLoader(fs, emptyFleet(), emptyDrifter(), &fakeCatalog{}, cfg)

	err := l.RefreshAssignments(context.Background())
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUnresolvedReference, appErr.Code)
	assert.Empty(t, fs.assignments)
}

func TestRefreshAssignmentsMissingColumn(t *testing.T) {
	fs := newFakeStore()
	cfg := testConfig()
	cfg.FisheryAssignmentsPath = writeAssignments(t, "mobile_sensor,fishery\nb1,Lobster\n")
	l := newTestLoader(fs, emptyFleet(), emptyDrifter(), &fakeCatalog{}, cfg)

	err := l.RefreshAssignments(context.Background())
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)
}

func TestRefreshAssignmentsDisabledByBlankPath(t *testing.T) {
	fs := newFakeStore()
	l := newTestLoader(fs, emptyFleet(), emptyDrifter(), &fakeCatalog{}, testConfig())
	require.NoError(t, l.RefreshAssignments(context.Background()))
	assert.Empty(t, fs.assignments)
}

func TestLoadMeasurementsPartitionsAndLinks(t *testing.T) {
	fs := newFakeStore()
	fleet := &fakeMobileProvider{
		name: "fleet",
		ids:  []string{"b1", "b2"},
		readings: []types.Reading{
			{SensorID: "b1", Time: loadStart.Add(2 * time.Hour), Latitude: 0, Longitude: 0, HasPosition: true, Product: "water_temperature", Value: 10},
			{SensorID: "b2", Time: loadStart.Add(3 * time.Hour), Latitude: 0, Longitude: 0.1, HasPosition: true, Product: "water_temperature", Value: 11},
			{SensorID: "b1", Time: loadStart.Add(30 * time.Hour), Latitude: 0, Longitude: 0.2, HasPosition: true, Product: "water_temperature", Value: 12},
		},
	}
	catalog := &fakeCatalog{}
	metrics := observability.NewMetricsForTesting()
	l := New(fs, fleet, emptyDrifter(), catalog,
		[]providers.StationProvider{&fakeStationProvider{name: "stations"}},
		testConfig(), metrics, testLogger())

	require.NoError(t, l.RefreshSources(context.Background()))
	require.NoError(t, l.LoadMeasurements(context.Background(), loadStart, loadStart.Add(48*time.Hour)))

	// Three readings across two daily windows become three buoy events.
	require.Len(t, fs.events, 3)

	// Only the first window's pair is close enough in time to link.
	require.Len(t, fs.neighbors, 2)

	// Empty dataset cache triggers a lazy catalog refresh.
	assert.Equal(t, 1, catalog.refreshes)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.BatchesProcessed))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.ReadingsIngested))
	assert.Zero(t, testutil.ToFloat64(metrics.BatchErrors))
}

func TestLoadMeasurementsEmptyRangeIsNoOp(t *testing.T) {
	fs := newFakeStore()
	catalog := &fakeCatalog{}
	l := newTestLoader(fs, emptyFleet(), emptyDrifter(), catalog, testConfig())

	require.NoError(t, l.RefreshSources(context.Background()))
	require.NoError(t, l.LoadMeasurements(context.Background(), loadStart, loadStart.Add(48*time.Hour)))

	assert.Empty(t, fs.events)
	assert.Zero(t, catalog.refreshes)
}
