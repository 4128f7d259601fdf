package providers

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"driftwatch/internal/config"
	"driftwatch/internal/transport"
	"driftwatch/internal/types"
)

const (
	drifterSourceName    = "NOAA Global Drifter"
	drifterSourceWebsite = "https://www.aoml.noaa.gov/global-drifter-program/"

	drifterDatasetID  = "OSMC_30day"
	drifterTimeFormat = "2006-01-02T15:04:05Z"

	// drifterBatchSize bounds the ids packed into one ERDDAP query; the
	// server rejects regex constraints past a few kilobytes.
	drifterBatchSize = 20
)

// DrifterClient reads the global drifter fleet from an ERDDAP tabledap
// server. The roster of valid drifter ids comes from a separately published
// GeoJSON feed; platform codes outside it are ships, not drifters.
type DrifterClient struct {
	base    *transport.BaseClient
	baseURL string
	idsURL  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewDrifterClient creates a DrifterClient from provider configuration.
func NewDrifterClient(cfg config.ProvidersConfig, logger *slog.Logger, opts ...transport.BaseClientOption) *DrifterClient {
	return &DrifterClient{
		base:    newProviderBase("drifter-api", cfg.RequestTimeout, opts...),
		baseURL: strings.TrimRight(cfg.DrifterBaseURL, "/"),
		idsURL:  cfg.DrifterIDsURL,
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}
}

// SourceName implements MobileProvider.
func (c *DrifterClient) SourceName() string { return drifterSourceName }

// SourceWebsite implements MobileProvider.
func (c *DrifterClient) SourceWebsite() string { return drifterSourceWebsite }

// SensorIDs fetches the drifter roster from the GeoJSON feed.
func (c *DrifterClient) SensorIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.idsURL, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build drifter roster request", err)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamBadResponse,
			"drifter roster request rejected",
			nil,
			map[string]any{"status": resp.StatusCode},
		)
	}

	var body struct {
		Features []struct {
			Properties struct {
				WMO json.Number `json:"WMO"`
			} `json:"properties"`
		} `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "drifter roster could not be decoded", err)
	}

	seen := make(map[string]bool, len(body.Features))
	ids := make([]string, 0, len(body.Features))
	for _, f := range body.Features {
		id := f.Properties.WMO.String()
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

// HistoricalReadings fetches sea surface temperature readings for the given
// drifters within [start, end], querying the ids in bounded batches.
func (c *DrifterClient) HistoricalReadings(ctx context.Context, sensorIDs []string, start, end time.Time) ([]types.Reading, error) {
	var readings []types.Reading
	for i := 0; i < len(sensorIDs); i += drifterBatchSize {
		batch := sensorIDs[i:min(i+drifterBatchSize, len(sensorIDs))]
		rows, err := c.fetchBatch(ctx, batch, start, end)
		if err != nil {
			return nil, err
		}
		readings = append(readings, rows...)
	}
	return readings, nil
}

func (c *DrifterClient) fetchBatch(ctx context.Context, sensorIDs []string, start, end time.Time) ([]types.Reading, error) {
	// Tabledap query syntax: projected variables, then &-joined constraints.
	// The platform filter is a regex alternation over the batch's ids.
	query := "platform_code,time,latitude,longitude,sst" +
		"&time>=" + url.QueryEscape(start.UTC().Format(drifterTimeFormat)) +
		"&time<=" + url.QueryEscape(end.UTC().Format(drifterTimeFormat)) +
		"&platform_code=~" + url.QueryEscape(`"(`+strings.Join(sensorIDs, "|")+`)"`)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/" + drifterDatasetID + ".csv?" + query
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build drifter data request", err)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// ERDDAP answers a constraint that matches nothing with a 404.
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamBadResponse,
			"drifter data request rejected",
			nil,
			map[string]any{"status": resp.StatusCode},
		)
	}

	return decodeDrifterCSV(resp)
}

// decodeDrifterCSV parses an ERDDAP CSV response: a header row, a units row,
// then data rows.
func decodeDrifterCSV(resp *http.Response) ([]types.Reading, error) {
	reader := csv.NewReader(resp.Body)

	header, err := reader.Read()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "drifter CSV is empty", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"platform_code", "time", "latitude", "longitude", "sst"} {
		if _, ok := col[required]; !ok {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeUpstreamBadResponse,
				"drifter CSV is missing a required column",
				nil,
				map[string]any{"column": required},
			)
		}
	}

	// Units row.
	if _, err := reader.Read(); err != nil {
		return nil, nil
	}

	var readings []types.Reading
	for {
		record, err := reader.Read()
		if err != nil {
			break
		}

		sst, errSST := strconv.ParseFloat(record[col["sst"]], 64)
		lat, errLat := strconv.ParseFloat(record[col["latitude"]], 64)
		lon, errLon := strconv.ParseFloat(record[col["longitude"]], 64)
		if errSST != nil || errLat != nil || errLon != nil {
			// Drifters without a thermistor report empty sst cells.
			continue
		}
		t, err := time.Parse(drifterTimeFormat, record[col["time"]])
		if err != nil {
			continue
		}

		readings = append(readings, types.Reading{
			SensorID:    record[col["platform_code"]],
			Time:        t.UTC(),
			Latitude:    lat,
			Longitude:   lon,
			HasPosition: true,
			Product:     "water_temperature",
			Value:       sst,
		})
	}
	return readings, nil
}
