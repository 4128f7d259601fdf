package providers

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"driftwatch/internal/config"
	"driftwatch/internal/transport"
	"driftwatch/internal/types"
)

const (
	oscarSourceName    = "NASA OSCAR"
	oscarSourceWebsite = "https://podaac.jpl.nasa.gov/dataset/JASON_3_L2_OST_OGDR_GPS"
)

// OscarOrigin is the epoch of the satellite current dataset numbering:
// dataset N covers the day N days after this origin.
var OscarOrigin = time.Date(1992, time.October, 5, 0, 0, 0, 0, time.UTC)

// oscarDatasetPattern extracts the days-since-origin number from dataset
// file names like "oscar_vel11623.tsv.gz".
var oscarDatasetPattern = regexp.MustCompile(`oscar_vel(\d+)`)

// CurrentCell is one grid point of a satellite surface-current dataset.
// Zonal is the east-west velocity component, Meridional the north-south one;
// Speed and Direction are derived from them.
type CurrentCell struct {
	Time       time.Time
	Latitude   float64
	Longitude  float64
	Zonal      float64
	Meridional float64
	Speed      float64
	Direction  float64
}

// OscarClient fetches satellite-derived ocean surface current grids. The
// dataset catalog is a directory listing of day-numbered files; grids are
// gzip-compressed TSVs of (latitude, longitude, u, v) cells.
type OscarClient struct {
	base       *transport.BaseClient
	catalogURL string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewOscarClient creates an OscarClient from provider configuration.
func NewOscarClient(cfg config.ProvidersConfig, logger *slog.Logger, opts ...transport.BaseClientOption) *OscarClient {
	return &OscarClient{
		base:       newProviderBase("oscar-api", cfg.RequestTimeout, opts...),
		catalogURL: strings.TrimRight(cfg.OscarCatalogURL, "/") + "/",
		timeout:    cfg.RequestTimeout,
		logger:     logger,
	}
}

// SourceName is the display name persisted on the Source row.
func (c *OscarClient) SourceName() string { return oscarSourceName }

// SourceWebsite is the provider's public website.
func (c *OscarClient) SourceWebsite() string { return oscarSourceWebsite }

// DaysSinceOrigin converts a date to its dataset number.
func DaysSinceOrigin(t time.Time) int {
	return int(t.UTC().Truncate(24*time.Hour).Sub(OscarOrigin) / (24 * time.Hour))
}

// DatasetDates scrapes the catalog listing and returns the dates of every
// published dataset, ascending.
func (c *OscarClient) DatasetDates(ctx context.Context) ([]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.catalogURL, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build catalog request", err)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamBadResponse,
			"dataset catalog request rejected",
			nil,
			map[string]any{"status": resp.StatusCode},
		)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "dataset catalog could not be read", err)
	}

	seen := make(map[int]bool)
	var dates []time.Time
	for _, match := range oscarDatasetPattern.FindAllStringSubmatch(string(body), -1) {
		days, err := strconv.Atoi(match[1])
		if err != nil || seen[days] {
			continue
		}
		seen[days] = true
		dates = append(dates, OscarOrigin.AddDate(0, 0, days))
	}
	if len(dates) == 0 {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "dataset catalog listed no datasets", nil)
	}

	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// Grid downloads and decodes one day's current grid. Land cells (NaN values)
// are dropped, duplicated wrap-around longitudes are discarded, and the
// remaining longitudes are normalized from the dataset's [20, 380) range to
// [-180, 180).
func (c *OscarClient) Grid(ctx context.Context, datasetDate time.Time) ([]CurrentCell, error) {
	days := DaysSinceOrigin(datasetDate)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	gridURL := c.catalogURL + "oscar_vel" + strconv.Itoa(days) + ".tsv.gz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gridURL, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build grid request", err)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Catalogs occasionally list datasets before the files land.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamBadResponse,
			"grid download rejected",
			nil,
			map[string]any{"dataset_days": days, "status": resp.StatusCode},
		)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "grid payload is not valid gzip", err)
	}
	defer gz.Close()

	return decodeGrid(gz, OscarOrigin.AddDate(0, 0, days))
}

// decodeGrid parses a TSV of (latitude, longitude, u, v) rows.
func decodeGrid(r io.Reader, datasetDate time.Time) ([]CurrentCell, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.FieldsPerRecord = 4

	header, err := reader.Read()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "grid file is empty", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"latitude", "longitude", "u", "v"} {
		if _, ok := col[required]; !ok {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeUpstreamBadResponse,
				"grid file is missing a required column",
				nil,
				map[string]any{"column": required},
			)
		}
	}

	var cells []CurrentCell
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "grid row could not be parsed", err)
		}

		lat, errLat := strconv.ParseFloat(record[col["latitude"]], 64)
		lon, errLon := strconv.ParseFloat(record[col["longitude"]], 64)
		u, errU := strconv.ParseFloat(record[col["u"]], 64)
		v, errV := strconv.ParseFloat(record[col["v"]], 64)
		if errLat != nil || errLon != nil || errU != nil || errV != nil {
			continue
		}
		// Land cells carry NaN velocities.
		if math.IsNaN(u) || math.IsNaN(v) || math.IsNaN(lat) || math.IsNaN(lon) {
			continue
		}
		// The grid's longitudes run 20..420 with a duplicated overlap band.
		if lon >= 380 {
			continue
		}
		lon = math.Mod(lon+180, 360) - 180

		cells = append(cells, CurrentCell{
			Time:       datasetDate,
			Latitude:   lat,
			Longitude:  lon,
			Zonal:      u,
			Meridional: v,
			Speed:      math.Hypot(u, v),
			Direction:  math.Mod(450-math.Atan2(v, u)*180/math.Pi, 360),
		})
	}
	return cells, nil
}
