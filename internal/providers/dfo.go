package providers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"driftwatch/internal/config"
	"driftwatch/internal/transport"
	"driftwatch/internal/types"
)

const (
	dfoSourceName    = "Fisheries and Oceans Canada(DFO)"
	dfoSourceWebsite = "https://www.dfo-mpo.gc.ca/index-eng.html"

	dfoTimeFormat = "2006-01-02T15:04:05Z"

	// dfoMaxRangeDays is the IWLS API's per-request ceiling on the query span.
	dfoMaxRangeDays = 7
)

// dfoProducts are the IWLS time-series codes polled per station.
var dfoProducts = []string{"wlo", "wlp", "wlf", "wlp-hilo", "wlf-spine", "dvcf-spine", "wlp-bores", "wcp-slack"}

// dfoParameterNames maps time-series codes to the long parameter vocabulary.
// Codes absent here pass through unchanged.
var dfoParameterNames = map[string]string{
	"wlo":       "water_level_reading",
	"wlp":       "water_level_prediction",
	"wlp-hilo":  "water_level_prediction_highs_lows",
	"wlf":       "water_level_forecasts",
	"wlf-spine": "water_level_forecasts",
}

// DFOClient talks to the Canadian water level service (IWLS). Like NOAA,
// station positions come from stored station metadata, so readings carry no
// position.
type DFOClient struct {
	base    *transport.BaseClient
	baseURL string
	timeout time.Duration
	logger  *slog.Logger

	stations []types.Station
}

// NewDFOClient creates a DFOClient polling the given stations.
func NewDFOClient(cfg config.ProvidersConfig, stations []types.Station, logger *slog.Logger, opts ...transport.BaseClientOption) *DFOClient {
	return &DFOClient{
		base:     newProviderBase("dfo-api", cfg.RequestTimeout, opts...),
		baseURL:  strings.TrimRight(cfg.DFOBaseURL, "/"),
		timeout:  cfg.RequestTimeout,
		logger:   logger,
		stations: stations,
	}
}

// SourceName implements StationProvider.
func (c *DFOClient) SourceName() string { return dfoSourceName }

// SourceWebsite implements StationProvider.
func (c *DFOClient) SourceWebsite() string { return dfoSourceWebsite }

// Stations implements StationProvider.
func (c *DFOClient) Stations(ctx context.Context) ([]types.Station, error) {
	return c.stations, nil
}

// dfoObservation is one IWLS data point.
type dfoObservation struct {
	EventDate string   `json:"eventDate"`
	Value     *float64 `json:"value"`
}

// StationReadings fetches every time series for one station within
// [start, end], splitting the range into API-sized chunks.
func (c *DFOClient) StationReadings(ctx context.Context, stationID string, start, end time.Time) ([]types.Reading, error) {
	var readings []types.Reading
	for _, chunk := range chunkRange(start, end, dfoMaxRangeDays) {
		for _, product := range dfoProducts {
			rows, err := c.collectProduct(ctx, stationID, product, chunk[0], chunk[1])
			if err != nil {
				return nil, err
			}
			readings = append(readings, rows...)
		}
	}
	return readings, nil
}

func (c *DFOClient) collectProduct(ctx context.Context, stationID, product string, start, end time.Time) ([]types.Reading, error) {
	q := url.Values{
		"time-series-code": {product},
		"from":             {start.UTC().Format(dfoTimeFormat)},
		"to":               {end.UTC().Format(dfoTimeFormat)},
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/stations/" + url.PathEscape(stationID) + "/data?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build station data request", err)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Stations that never carry a given series answer 404.
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamBadResponse,
			"water level API rejected the request",
			nil,
			map[string]any{"station_id": stationID, "product": product, "status": resp.StatusCode},
		)
	}

	var observations []dfoObservation
	if err := json.NewDecoder(resp.Body).Decode(&observations); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "water level payload could not be decoded", err)
	}

	parameter := product
	if renamed, ok := dfoParameterNames[product]; ok {
		parameter = renamed
	}

	var readings []types.Reading
	for _, obs := range observations {
		if obs.Value == nil {
			continue
		}
		t, err := time.Parse(dfoTimeFormat, obs.EventDate)
		if err != nil {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeUpstreamBadResponse,
				"water level timestamp could not be parsed",
				err,
				map[string]any{"station_id": stationID, "time": obs.EventDate},
			)
		}
		readings = append(readings, types.Reading{
			SensorID: stationID,
			Time:     t.UTC(),
			Product:  parameter,
			Value:    *obs.Value,
		})
	}
	return readings, nil
}
