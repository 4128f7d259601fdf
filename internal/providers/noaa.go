package providers

import (
	"context"
	"encoding/json"
	"fmt"
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
	noaaSourceName    = "National Oceanic and Atmospheric Administration(NOAA) Tides and Currents"
	noaaSourceWebsite = "https://tidesandcurrents.noaa.gov/"

	noaaDatum      = "MLLW"
	noaaDateFormat = "20060102"
	noaaTimeFormat = "2006-01-02 15:04"

	// noaaMaxRangeDays is the API's per-request ceiling on the query span.
	noaaMaxRangeDays = 31
)

// Products queried per station class. Standard stations report water and
// weather; current stations report currents only.
var (
	noaaStandardProducts = []string{"water_level", "air_temperature", "water_temperature", "wind", "predictions"}
	noaaCurrentProducts  = []string{"currents", "currents_predictions"}
)

// NOAAClient talks to the NOAA Tides and Currents data API. Station
// positions come from the stations the store already knows; readings from
// this client therefore carry no position of their own.
type NOAAClient struct {
	base    *transport.BaseClient
	baseURL string
	timeout time.Duration
	logger  *slog.Logger

	stations []types.Station
}

// NewNOAAClient creates a NOAAClient. The stations slice is the NOAA subset
// of the store's station metadata; it defines which stations are polled.
func NewNOAAClient(cfg config.ProvidersConfig, stations []types.Station, logger *slog.Logger, opts ...transport.BaseClientOption) *NOAAClient {
	return &NOAAClient{
		base:     newProviderBase("noaa-api", cfg.RequestTimeout, opts...),
		baseURL:  cfg.NOAABaseURL,
		timeout:  cfg.RequestTimeout,
		logger:   logger,
		stations: stations,
	}
}

// SourceName implements StationProvider.
func (c *NOAAClient) SourceName() string { return noaaSourceName }

// SourceWebsite implements StationProvider.
func (c *NOAAClient) SourceWebsite() string { return noaaSourceWebsite }

// Stations implements StationProvider.
func (c *NOAAClient) Stations(ctx context.Context) ([]types.Station, error) {
	return c.stations, nil
}

// stationProducts picks the product set by station id shape: 7-digit numeric
// ids are standard stations, 6-character ids are current stations.
func stationProducts(stationID string) ([]string, error) {
	switch len(stationID) {
	case 7:
		if _, err := strconv.Atoi(stationID); err != nil {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidValue,
				"7-character station ids must be numeric",
				err,
				map[string]any{"station_id": stationID},
			)
		}
		return noaaStandardProducts, nil
	case 6:
		return noaaCurrentProducts, nil
	default:
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidValue,
			"station id has an unrecognized shape",
			nil,
			map[string]any{"station_id": stationID},
		)
	}
}

// chunkRange splits [start, end] into sub-ranges no longer than maxDays,
// walking backward from end the way the upstream rate limiter is friendliest
// to: the most recent data comes back first.
func chunkRange(start, end time.Time, maxDays int) [][2]time.Time {
	if !start.Before(end) {
		return [][2]time.Time{{start, end}}
	}
	span := time.Duration(maxDays) * 24 * time.Hour

	var pairs [][2]time.Time
	chunkEnd := end
	for chunkEnd.After(start) {
		chunkStart := chunkEnd.Add(-span)
		if chunkStart.Before(start) {
			chunkStart = start
		}
		pairs = append(pairs, [2]time.Time{chunkStart, chunkEnd})
		chunkEnd = chunkStart
	}
	return pairs
}

// StationReadings fetches every product for one station within [start, end],
// splitting the range into API-sized chunks.
func (c *NOAAClient) StationReadings(ctx context.Context, stationID string, start, end time.Time) ([]types.Reading, error) {
	products, err := stationProducts(stationID)
	if err != nil {
		return nil, err
	}

	var readings []types.Reading
	for _, chunk := range chunkRange(start, end, noaaMaxRangeDays) {
		for _, product := range products {
			rows, err := c.collectProduct(ctx, stationID, product, chunk[0], chunk[1])
			if err != nil {
				return nil, err
			}
			readings = append(readings, rows...)
		}
	}
	return readings, nil
}

func (c *NOAAClient) collectProduct(ctx context.Context, stationID, product string, start, end time.Time) ([]types.Reading, error) {
	q := url.Values{
		"begin_date":  {start.UTC().Format(noaaDateFormat)},
		"end_date":    {end.UTC().Format(noaaDateFormat)},
		"station":     {stationID},
		"product":     {product},
		"datum":       {noaaDatum},
		"units":       {"metric"},
		"time_zone":   {"gmt"},
		"application": {"driftwatch"},
		"format":      {"json"},
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build station data request", err)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamBadResponse,
			"station data API rejected the request",
			nil,
			map[string]any{"station_id": stationID, "product": product, "status": resp.StatusCode},
		)
	}

	var body noaaResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "station data payload could not be decoded", err)
	}

	rows, err := body.rows()
	if err != nil {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamBadResponse,
			"station data payload has an unexpected shape",
			err,
			map[string]any{"station_id": stationID, "product": product},
		)
	}

	return flattenNOAARows(stationID, product, rows)
}

// noaaResponse covers the API's response shapes: observed data under "data",
// tide predictions under "predictions", current predictions nested under
// "current_predictions.cp", and an "error" object for empty ranges.
type noaaResponse struct {
	Data        []map[string]json.RawMessage `json:"data"`
	Predictions []map[string]json.RawMessage `json:"predictions"`
	CurrentPred *struct {
		CP []map[string]json.RawMessage `json:"cp"`
	} `json:"current_predictions"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (r noaaResponse) rows() ([]map[string]json.RawMessage, error) {
	switch {
	case r.Data != nil:
		return r.Data, nil
	case r.Predictions != nil:
		return r.Predictions, nil
	case r.CurrentPred != nil:
		return r.CurrentPred.CP, nil
	case r.Error != nil:
		if strings.HasPrefix(r.Error.Message, "No data was found") {
			return nil, nil
		}
		return nil, fmt.Errorf("upstream error: %s", r.Error.Message)
	default:
		return nil, fmt.Errorf("no recognized payload key")
	}
}

// noaaParameterName maps a response column to the long parameter name used
// for product mapping. Columns are cryptic single letters reused across
// products, so the mapping is product-scoped.
func noaaParameterName(product, column string) (string, bool) {
	switch column {
	case "t", "Time":
		return "", false // timestamp, not a parameter
	case "v":
		if product == "predictions" {
			return "tide_prediction", true
		}
		return product, true
	case "s", "Speed":
		// NOAA reuses "s" for both speed and standard deviation.
		if product == "water_level" {
			return "water_level_standard_deviation", true
		}
		return product + "_speed", true
	case "d", "Direction":
		return product + "_direction", true
	case "dr":
		return product + "_cardinal_direction", true
	case "g":
		return product + "_gust_speed", true
	case "f":
		return product + "_quartod_flags", true
	case "q":
		return product + "_quality", true
	case "b", "Bin":
		return product + "_bin", true
	case "Depth":
		return product + "_depth", true
	case "Velocity_Major":
		return product + "_velocity_major", true
	case "meanEbbDir":
		return product + "_mean_ebb_direction", true
	case "meanFloodDir":
		return product + "_mean_flood_direction", true
	default:
		return "", false
	}
}

func flattenNOAARows(stationID, product string, rows []map[string]json.RawMessage) ([]types.Reading, error) {
	var readings []types.Reading
	for _, row := range rows {
		ts, ok := noaaRowTime(row)
		if !ok {
			continue
		}
		t, err := time.ParseInLocation(noaaTimeFormat, ts, time.UTC)
		if err != nil {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeUpstreamBadResponse,
				"station timestamp could not be parsed",
				err,
				map[string]any{"station_id": stationID, "time": ts},
			)
		}

		for column, raw := range row {
			parameter, ok := noaaParameterName(product, column)
			if !ok {
				continue
			}
			value, ok := decodeNumeric(raw)
			if !ok {
				continue
			}
			readings = append(readings, types.Reading{
				SensorID: stationID,
				Time:     t,
				Product:  parameter,
				Value:    value,
			})
		}
	}
	return readings, nil
}

func noaaRowTime(row map[string]json.RawMessage) (string, bool) {
	for _, key := range []string{"t", "Time"} {
		if raw, ok := row[key]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				return s, true
			}
		}
	}
	return "", false
}

// decodeNumeric accepts both bare numbers and the API's stringified numbers.
// Empty strings and non-numeric flags are skipped, not errors.
func decodeNumeric(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
