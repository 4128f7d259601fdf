// Package store is the typed client for the record store's HTTP interface
// and the upsert gateway that sits on top of it: bulk create /
// get-or-create / upsert operations with duplicate-tolerant completion and
// per-batch foreign-key resolution. Retried jobs replay their writes from
// scratch; the gateway semantics make that replay safe.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"driftwatch/internal/config"
	"driftwatch/internal/transport"
	"driftwatch/internal/types"
)

// Outcome reports how a bulk get-or-create round-trip was satisfied.
type Outcome string

const (
	// OutcomeCreated means the store inserted new rows for the batch.
	OutcomeCreated Outcome = "created"
	// OutcomeRetrieved means every row in the batch already existed and the
	// store returned the persisted rows instead.
	OutcomeRetrieved Outcome = "retrieved"
)

// Client is the typed client for the record store's HTTP interface. All bulk
// writes go through the duplicate-tolerant gateway semantics: batches that
// collide with existing rows complete without error, so a retried job can
// replay its writes from scratch.
//
// Reads use a short timeout; bulk writes use a long one, since the store
// resolves uniqueness conflicts row by row on large batches.
type Client struct {
	base         *transport.BaseClient
	baseURL      string
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewClient creates a store Client from configuration. The circuit breaker
// and retry policy are shared across all store endpoints.
func NewClient(cfg config.StoreConfig, logger *slog.Logger, opts ...transport.BaseClientOption) *Client {
	httpClient := &http.Client{
		// The outer per-request context carries the effective timeout;
		// this is a hard upper bound in case a caller forgets one.
		Timeout: cfg.WriteTimeout + 10*time.Second,
	}
	return &Client{
		base:         transport.NewBaseClient(httpClient, "record-store", transport.DefaultRetryPolicy(), "driftwatch-pipeline", opts...),
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
	}
}

// --- jobs ---

// CreateJob registers a new job execution row and returns it with the
// store-assigned id.
func (c *Client) CreateJob(ctx context.Context, job types.Job) (*types.Job, error) {
	return postOne[types.Job](ctx, c, "/jobs/", job, c.writeTimeout)
}

// JobPatch is a partial update to a job row. Nil fields are left untouched.
type JobPatch struct {
	Status         *types.JobStatus `json:"status,omitempty"`
	CompletedAtUTC *time.Time       `json:"completed_at_utc,omitempty"`
	LastErrorAtUTC *time.Time       `json:"last_error_at_utc,omitempty"`
	ErrorMessage   *string          `json:"error_message,omitempty"`
	RetryCount     *int             `json:"retry_count,omitempty"`
}

// UpdateJob applies a partial update to an existing job row.
func (c *Client) UpdateJob(ctx context.Context, jobID string, patch JobPatch) (*types.Job, error) {
	return patchOne[types.Job](ctx, c, "/jobs/"+jobID+"/", patch, c.writeTimeout)
}

// LatestJobExecutions returns, per job name, the most recent successfully
// completed execution. Job names with no completed execution are absent from
// the map.
func (c *Client) LatestJobExecutions(ctx context.Context) (map[types.JobName]types.Job, error) {
	jobs, err := getList[types.Job](ctx, c, "/jobs/latest/", nil, c.readTimeout)
	if err != nil {
		return nil, err
	}
	latest := make(map[types.JobName]types.Job, len(jobs))
	for _, j := range jobs {
		latest[j.Name] = j
	}
	return latest, nil
}

// --- sources and sensors ---

// GetOrCreateSources ensures the given sources exist and returns the
// persisted rows.
func (c *Client) GetOrCreateSources(ctx context.Context, rows []types.Source) ([]types.Source, Outcome, error) {
	return postBulk(ctx, c, "/sources/", rows, c.writeTimeout)
}

// ListSources returns all known sources.
func (c *Client) ListSources(ctx context.Context) ([]types.Source, error) {
	return getList[types.Source](ctx, c, "/sources/", nil, c.readTimeout)
}

// GetOrCreateMobileSensors ensures the given mobile sensors exist.
func (c *Client) GetOrCreateMobileSensors(ctx context.Context, rows []types.MobileSensor) ([]types.MobileSensor, Outcome, error) {
	return postBulk(ctx, c, "/mobilesensors/", rows, c.writeTimeout)
}

// ListMobileSensors returns the mobile sensors for one source.
func (c *Client) ListMobileSensors(ctx context.Context, sourceID string) ([]types.MobileSensor, error) {
	q := url.Values{"source": {sourceID}}
	return getList[types.MobileSensor](ctx, c, "/mobilesensors/", q, c.readTimeout)
}

// LookupMobileSensor resolves a mobile sensor id against the store. Returns
// the empty string when no such sensor exists. Shaped for use with
// RefCache.Resolve.
func (c *Client) LookupMobileSensor(ctx context.Context, id string) (string, error) {
	s, err := getOne[types.MobileSensor](ctx, c, "/mobilesensors/"+url.PathEscape(id)+"/", c.readTimeout)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", nil
	}
	return s.ID, nil
}

// UpsertStations upserts station metadata rows matched by lookupKeys,
// refreshing updateFields on rows that already exist.
func (c *Client) UpsertStations(ctx context.Context, rows []types.Station, lookupKeys, updateFields []string) ([]types.Station, error) {
	return postUpsert(ctx, c, "/stations/", rows, lookupKeys, updateFields, c.writeTimeout)
}

// ListStations returns all known stations.
func (c *Client) ListStations(ctx context.Context) ([]types.Station, error) {
	return getList[types.Station](ctx, c, "/stations/", nil, c.readTimeout)
}

// LookupStation resolves a station id against the store. Returns the empty
// string when no such station exists.
func (c *Client) LookupStation(ctx context.Context, id string) (string, error) {
	s, err := getOne[types.Station](ctx, c, "/stations/"+url.PathEscape(id)+"/", c.readTimeout)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", nil
	}
	return s.ID, nil
}

// UpsertFisheryAssignments upserts fishery assignment rows matched on the
// mobile sensor key.
func (c *Client) UpsertFisheryAssignments(ctx context.Context, rows []types.FisheryAssignment) ([]types.FisheryAssignment, error) {
	return postUpsert(ctx, c, "/fisheryassignments/", rows, []string{"mobile_sensor"}, []string{"fishery", "region"}, c.writeTimeout)
}

// --- events, measurements, neighbors ---

// GetOrCreateMobileEvents ensures the given mobile measurement events exist
// and returns the persisted rows carrying store-assigned ids.
func (c *Client) GetOrCreateMobileEvents(ctx context.Context, rows []types.MobileEvent) ([]types.MobileEvent, Outcome, error) {
	return postBulk(ctx, c, "/mobilemeasurementevents/", rows, c.writeTimeout)
}

// CreateMobileMeasurements bulk-creates measurement rows. Rows that violate
// the store's uniqueness constraint are silently absorbed.
func (c *Client) CreateMobileMeasurements(ctx context.Context, rows []types.MobileMeasurement) error {
	_, _, err := postBulk(ctx, c, "/mobilemeasurements/", rows, c.writeTimeout)
	return err
}

// CreateMobileNeighbors bulk-creates mobile-to-mobile neighbor links.
func (c *Client) CreateMobileNeighbors(ctx context.Context, rows []types.MobileNeighbor) error {
	_, _, err := postBulk(ctx, c, "/mobilemeasurementeventneighbors/", rows, c.writeTimeout)
	return err
}

// GetOrCreateStationaryEvents ensures the given stationary measurement events
// exist.
func (c *Client) GetOrCreateStationaryEvents(ctx context.Context, rows []types.StationaryEvent) ([]types.StationaryEvent, Outcome, error) {
	return postBulk(ctx, c, "/stationarymeasurementevents/", rows, c.writeTimeout)
}

// CreateStationaryMeasurements bulk-creates stationary measurement rows.
func (c *Client) CreateStationaryMeasurements(ctx context.Context, rows []types.StationaryMeasurement) error {
	_, _, err := postBulk(ctx, c, "/stationarymeasurements/", rows, c.writeTimeout)
	return err
}

// CreateStationaryNeighbors bulk-creates mobile-to-stationary neighbor links.
func (c *Client) CreateStationaryNeighbors(ctx context.Context, rows []types.StationaryNeighbor) error {
	_, _, err := postBulk(ctx, c, "/stationarymeasurementeventneighbors/", rows, c.writeTimeout)
	return err
}

// GetOrCreateOmnipresentEvents ensures the given omnipresent measurement
// events exist.
func (c *Client) GetOrCreateOmnipresentEvents(ctx context.Context, rows []types.OmnipresentEvent) ([]types.OmnipresentEvent, Outcome, error) {
	return postBulk(ctx, c, "/omnipresentmeasurementevents/", rows, c.writeTimeout)
}

// CreateOmnipresentMeasurements bulk-creates omnipresent measurement rows.
func (c *Client) CreateOmnipresentMeasurements(ctx context.Context, rows []types.OmnipresentMeasurement) error {
	_, _, err := postBulk(ctx, c, "/omnipresentmeasurements/", rows, c.writeTimeout)
	return err
}

// CreateOmnipresentNeighbors bulk-creates mobile-to-omnipresent neighbor links.
func (c *Client) CreateOmnipresentNeighbors(ctx context.Context, rows []types.OmnipresentNeighbor) error {
	_, _, err := postBulk(ctx, c, "/omnipresentmeasurementeventneighbors/", rows, c.writeTimeout)
	return err
}

// --- transport helpers ---

// postBulk posts a JSON array of rows. The store answers 201 with the created
// rows, or 200 with the previously persisted rows when the whole batch
// already existed. Response rows come back in request order; the linkers
// join persisted IDs back to their inputs by index, so that ordering is part
// of the store contract, not a convenience. Empty batches are a no-op.
func postBulk[T any](ctx context.Context, c *Client, path string, rows []T, timeout time.Duration) ([]T, Outcome, error) {
	if len(rows) == 0 {
		return nil, OutcomeRetrieved, nil
	}

	resp, err := c.doJSON(ctx, http.MethodPost, path, rows, timeout)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		out, err := decodeBody[[]T](resp)
		if err != nil {
			return nil, "", err
		}
		outcome := OutcomeCreated
		if resp.StatusCode == http.StatusOK {
			outcome = OutcomeRetrieved
		}
		return out, outcome, nil
	default:
		return nil, "", c.errorFromResponse(resp, path)
	}
}

// upsertRequest is the wire envelope for bulk upserts: rows to write, the
// fields that identify an existing row, and the fields to refresh on a match.
type upsertRequest[T any] struct {
	Rows         []T      `json:"rows"`
	LookupKeys   []string `json:"lookup_keys"`
	UpdateFields []string `json:"update_fields"`
}

// postUpsert sends a bulk upsert. The store answers 200 with the resulting
// rows whether they were inserted or updated.
func postUpsert[T any](ctx context.Context, c *Client, path string, rows []T, lookupKeys, updateFields []string, timeout time.Duration) ([]T, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	body := upsertRequest[T]{Rows: rows, LookupKeys: lookupKeys, UpdateFields: updateFields}
	resp, err := c.doJSON(ctx, http.MethodPost, path+"upsert/", body, timeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.errorFromResponse(resp, path)
	}
	return decodeBody[[]T](resp)
}

func postOne[T any](ctx context.Context, c *Client, path string, body any, timeout time.Duration) (*T, error) {
	resp, err := c.doJSON(ctx, http.MethodPost, path, body, timeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp, path)
	}
	out, err := decodeBody[T](resp)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func patchOne[T any](ctx context.Context, c *Client, path string, body any, timeout time.Duration) (*T, error) {
	resp, err := c.doJSON(ctx, http.MethodPatch, path, body, timeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp, path)
	}
	out, err := decodeBody[T](resp)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// getOne fetches a single resource. A 404 is reported as (nil, nil) so
// callers can distinguish "absent" from "failed".
func getOne[T any](ctx context.Context, c *Client, path string, timeout time.Duration) (*T, error) {
	resp, err := c.doJSON(ctx, http.MethodGet, path, nil, timeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		out, err := decodeBody[T](resp)
		if err != nil {
			return nil, err
		}
		return &out, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, c.errorFromResponse(resp, path)
	}
}

func getList[T any](ctx context.Context, c *Client, path string, query url.Values, timeout time.Duration) ([]T, error) {
	if len(query) > 0 {
		path = path + "?" + query.Encode()
	}
	resp, err := c.doJSON(ctx, http.MethodGet, path, nil, timeout)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp, path)
	}
	return decodeBody[[]T](resp)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode request body", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build store request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return c.base.Do(req)
}

// decodeBody decodes a 2xx response body. A malformed body after a write is
// reported as a serialization failure: the write may have committed, so the
// caller must not treat this as "nothing happened".
func decodeBody[T any](resp *http.Response) (T, error) {
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, types.NewAppError(types.ErrCodeSerializationFailure, "store response body could not be decoded", err)
	}
	return out, nil
}

// errorFromResponse maps a non-2xx store response to an AppError. The first
// kilobyte of the body is carried in the error details for diagnostics.
func (c *Client) errorFromResponse(resp *http.Response, path string) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	details := map[string]any{
		"path":   path,
		"status": resp.StatusCode,
		"body":   string(snippet),
	}

	var code types.ErrorCode
	switch {
	case resp.StatusCode == http.StatusConflict:
		code = types.ErrCodeStoreConflict
	case resp.StatusCode == http.StatusMultipleChoices:
		// The store answers a unique-key lookup that matched more than one
		// row with 300. This is corrupt data and is never retried.
		code = types.ErrCodeStoreAmbiguousMatch
	case resp.StatusCode == http.StatusBadRequest:
		code = types.ErrCodeStoreBadRequest
	case resp.StatusCode >= 500:
		code = types.ErrCodeUpstreamUnavailable
	default:
		code = types.ErrCodeUpstreamBadResponse
	}

	c.logger.Error("store request failed",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("code", string(code)),
	)

	return types.NewAppErrorWithDetails(code, fmt.Sprintf("store rejected %s", path), nil, details)
}
