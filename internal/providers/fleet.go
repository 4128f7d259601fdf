package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"driftwatch/internal/config"
	"driftwatch/internal/transport"
	"driftwatch/internal/types"
)

const (
	fleetSourceName    = "Blue Ocean Gear(BOG)"
	fleetSourceWebsite = "https://www.blueoceangear.com/"

	// fleetTimeFormat is the fleet API's report timestamp layout.
	fleetTimeFormat = "2006-01-02T15:04:05.999999Z"
)

// fleetParameterNames renames fleet API series to the pipeline's parameter
// vocabulary before product mapping.
var fleetParameterNames = map[string]string{
	"prev_position_latitude":  "previous_latitude",
	"prev_position_longitude": "previous_longitude",
	"velocity":                "speed",
}

// FleetClient talks to the fleet telemetry API that serves the smart buoy
// network. The API issues bearer tokens from a username/password login; the
// client re-authenticates transparently when a token expires.
type FleetClient struct {
	base     *transport.BaseClient
	baseURL  string
	username string
	password types.SecretString
	timeout  time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	token string
}

// NewFleetClient creates a FleetClient from provider configuration.
func NewFleetClient(cfg config.ProvidersConfig, logger *slog.Logger, opts ...transport.BaseClientOption) *FleetClient {
	return &FleetClient{
		base:     newProviderBase("fleet-api", cfg.RequestTimeout, opts...),
		baseURL:  strings.TrimRight(cfg.FleetBaseURL, "/"),
		username: cfg.FleetUsername,
		password: cfg.FleetPassword,
		timeout:  cfg.RequestTimeout,
		logger:   logger,
	}
}

// SourceName implements MobileProvider.
func (c *FleetClient) SourceName() string { return fleetSourceName }

// SourceWebsite implements MobileProvider.
func (c *FleetClient) SourceWebsite() string { return fleetSourceWebsite }

// authenticate logs in and caches the bearer token.
func (c *FleetClient) authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	form := url.Values{
		"type":     {"login"},
		"username": {c.username},
		"password": {c.password.Unmask()},
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth", strings.NewReader(form.Encode()))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build fleet auth request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamBadResponse,
			"fleet authentication rejected",
			nil,
			map[string]any{"status": resp.StatusCode},
		)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Token == "" {
		return "", types.NewAppError(types.ErrCodeUpstreamBadResponse, "fleet auth response carried no token", err)
	}

	c.token = body.Token
	return c.token, nil
}

// invalidateToken drops the cached token so the next call re-authenticates.
func (c *FleetClient) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// getJSON performs an authenticated GET, retrying once through a fresh login
// on a 401.
func (c *FleetClient) getJSON(ctx context.Context, path string, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.authenticate(ctx)
		if err != nil {
			return err
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			cancel()
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build fleet request", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.base.Do(req)
		if err != nil {
			cancel()
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			cancel()
			c.invalidateToken()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			cancel()
			return types.NewAppErrorWithDetails(
				types.ErrCodeUpstreamBadResponse,
				fmt.Sprintf("fleet API rejected %s", path),
				nil,
				map[string]any{"status": resp.StatusCode},
			)
		}

		decodeErr := json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		cancel()
		if decodeErr != nil {
			return types.NewAppError(types.ErrCodeUpstreamBadResponse, "fleet response body could not be decoded", decodeErr)
		}
		return nil
	}
	return types.NewAppError(types.ErrCodeUpstreamBadResponse, "fleet authentication loop exhausted", nil)
}

// SensorIDs lists the buoys our account can read.
func (c *FleetClient) SensorIDs(ctx context.Context) ([]string, error) {
	var body struct {
		Buoys []json.Number `json:"buoys"`
	}
	if err := c.getJSON(ctx, "/user", &body); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(body.Buoys))
	for _, b := range body.Buoys {
		ids = append(ids, b.String())
	}
	return ids, nil
}

// availableSeries fetches the series names one buoy can report.
func (c *FleetClient) availableSeries(ctx context.Context, sensorID string) ([]string, error) {
	var body struct {
		Series []string `json:"series"`
	}
	if err := c.getJSON(ctx, "/buoy/"+url.PathEscape(sensorID)+"/details", &body); err != nil {
		return nil, err
	}
	return body.Series, nil
}

// fleetReport is one sample of one series.
type fleetReport struct {
	Time  string       `json:"time"`
	Value *json.Number `json:"value"`
	Momsn int64        `json:"momsn"`
}

// fleetSeriesResponse unwraps the API's variably nested report payload:
// the report map sometimes arrives wrapped in one or more "series" envelopes.
type fleetSeriesResponse map[string]json.RawMessage

func unwrapSeries(raw json.RawMessage) (map[string][]fleetReport, error) {
	var envelope fleetSeriesResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	if inner, ok := envelope["series"]; ok {
		return unwrapSeries(inner)
	}

	out := make(map[string][]fleetReport, len(envelope))
	for name, msg := range envelope {
		var reports []fleetReport
		if err := json.Unmarshal(msg, &reports); err != nil {
			return nil, err
		}
		out[name] = reports
	}
	return out, nil
}

// sampleKey joins series samples that belong to the same physical report.
type sampleKey struct {
	momsn int64
	time  string
}

// fleetSample accumulates one report's position and parameter values.
type fleetSample struct {
	time   time.Time
	lat    float64
	lon    float64
	hasLat bool
	hasLon bool
	values map[string]float64
	order  []string
}

// HistoricalReadings fetches each buoy's reports in [start, end] and
// flattens the per-series samples into one Reading per parameter, joined on
// (momsn, time) so every reading carries the position reported alongside it.
func (c *FleetClient) HistoricalReadings(ctx context.Context, sensorIDs []string, start, end time.Time) ([]types.Reading, error) {
	var readings []types.Reading
	for _, sensorID := range sensorIDs {
		series, err := c.availableSeries(ctx, sensorID)
		if err != nil {
			return nil, err
		}
		if len(series) == 0 {
			continue
		}

		var raw json.RawMessage
		path := "/buoy/" + url.PathEscape(sensorID) + "/reports?series=" + url.QueryEscape(strings.Join(series, ","))
		if err := c.getJSON(ctx, path, &raw); err != nil {
			return nil, err
		}
		bySeries, err := unwrapSeries(raw)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamBadResponse, "fleet report payload could not be parsed", err)
		}

		sensorReadings, err := flattenFleetSamples(sensorID, bySeries, start, end)
		if err != nil {
			return nil, err
		}
		readings = append(readings, sensorReadings...)
	}
	return readings, nil
}

func flattenFleetSamples(sensorID string, bySeries map[string][]fleetReport, start, end time.Time) ([]types.Reading, error) {
	samples := make(map[sampleKey]*fleetSample)
	var keys []sampleKey

	seriesNames := make([]string, 0, len(bySeries))
	for name := range bySeries {
		seriesNames = append(seriesNames, name)
	}
	sort.Strings(seriesNames)

	for _, name := range seriesNames {
		parameter := name
		if renamed, ok := fleetParameterNames[name]; ok {
			parameter = renamed
		}
		for _, report := range bySeries[name] {
			if report.Value == nil {
				continue
			}
			value, err := report.Value.Float64()
			if err != nil {
				// Non-numeric series (status strings) carry nothing the
				// store models.
				continue
			}

			key := sampleKey{momsn: report.Momsn, time: report.Time}
			sample, ok := samples[key]
			if !ok {
				t, err := time.Parse(fleetTimeFormat, report.Time)
				if err != nil {
					return nil, types.NewAppErrorWithDetails(
						types.ErrCodeUpstreamBadResponse,
						"fleet report timestamp could not be parsed",
						err,
						map[string]any{"sensor_id": sensorID, "time": report.Time},
					)
				}
				sample = &fleetSample{time: t.UTC(), values: make(map[string]float64)}
				samples[key] = sample
				keys = append(keys, key)
			}

			switch name {
			case "position_latitude":
				sample.lat, sample.hasLat = value, true
			case "position_longitude":
				sample.lon, sample.hasLon = value, true
			default:
				if _, dup := sample.values[parameter]; !dup {
					sample.order = append(sample.order, parameter)
				}
				sample.values[parameter] = value
			}
		}
	}

	var readings []types.Reading
	for _, key := range keys {
		sample := samples[key]
		if sample.time.Before(start) || sample.time.After(end) {
			continue
		}
		for _, parameter := range sample.order {
			readings = append(readings, types.Reading{
				SensorID:    sensorID,
				Time:        sample.time,
				Latitude:    sample.lat,
				Longitude:   sample.lon,
				HasPosition: sample.hasLat && sample.hasLon,
				Product:     parameter,
				Value:       sample.values[parameter],
			})
		}
	}
	return readings, nil
}
