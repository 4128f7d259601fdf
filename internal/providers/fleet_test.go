package providers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"driftwatch/internal/config"
	"driftwatch/internal/transport"
	"driftwatch/internal/types"
)

func noSleep(time.Duration) {}

func testProvidersConfig(serverURL string) config.ProvidersConfig {
	return config.ProvidersConfig{
		FleetBaseURL:    serverURL,
		FleetUsername:   "pipeline",
		FleetPassword:   types.SecretString("hunter2"),
		NOAABaseURL:     serverURL,
		DFOBaseURL:      serverURL,
		OscarCatalogURL: serverURL,
		DrifterBaseURL:  serverURL,
		DrifterIDsURL:   serverURL + "/roster",
		RequestTimeout:  5 * time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFleetServer serves a minimal fleet API: one login, one buoy, one set of
// series reports.
func newFleetServer(t *testing.T, authCalls *atomic.Int32, reports string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth":
			authCalls.Add(1)
			if err := r.ParseForm(); err != nil || r.FormValue("username") != "pipeline" || r.FormValue("password") != "hunter2" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
		case "/user":
			requireBearer(t, w, r)
			w.Write([]byte(`{"buoys":[133,207]}`))
		case "/buoy/133/details":
			requireBearer(t, w, r)
			w.Write([]byte(`{"series":["position_latitude","position_longitude","water_temperature","system_status"]}`))
		case "/buoy/133/reports":
			requireBearer(t, w, r)
			w.Write([]byte(reports))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func requireBearer(t *testing.T, w http.ResponseWriter, r *http.Request) {
	t.Helper()
	if r.Header.Get("Authorization") != "Bearer tok-1" {
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func TestFleetSensorIDs_AuthenticatesOnce(t *testing.T) {
	var authCalls atomic.Int32
	server := newFleetServer(t, &authCalls, `{}`)
	defer server.Close()

	client := NewFleetClient(testProvidersConfig(server.URL), discardLogger(), transport.WithSleepFunc(noSleep))

	for i := 0; i < 3; i++ {
		ids, err := client.SensorIDs(context.Background())
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if len(ids) != 2 || ids[0] != "133" || ids[1] != "207" {
			t.Errorf("unexpected ids: %v", ids)
		}
	}
	if got := authCalls.Load(); got != 1 {
		t.Errorf("expected a single login, got %d", got)
	}
}

func TestFleetHistoricalReadings_JoinsPositionOnSample(t *testing.T) {
	reports := `{"series":{"series":{
		"position_latitude":[{"time":"2024-03-01T12:00:00.000000Z","value":10.123,"momsn":5}],
		"position_longitude":[{"time":"2024-03-01T12:00:00.000000Z","value":-120.5,"momsn":5}],
		"water_temperature":[
			{"time":"2024-03-01T12:00:00.000000Z","value":14.2,"momsn":5},
			{"time":"2024-03-05T12:00:00.000000Z","value":15.0,"momsn":6}
		],
		"system_status":[{"time":"2024-03-01T12:00:00.000000Z","value":"ok","momsn":5}]
	}}}`

	var authCalls atomic.Int32
	server := newFleetServer(t, &authCalls, reports)
	defer server.Close()

	client := NewFleetClient(testProvidersConfig(server.URL), discardLogger(), transport.WithSleepFunc(noSleep))

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	readings, err := client.HistoricalReadings(context.Background(), []string{"133"}, start, end)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	// The second water_temperature sample is outside the window; the status
	// string is non-numeric. One reading remains.
	if len(readings) != 1 {
		t.Fatalf("expected 1 reading, got %d: %+v", len(readings), readings)
	}
	r := readings[0]
	if r.SensorID != "133" || r.Product != "water_temperature" || r.Value != 14.2 {
		t.Errorf("unexpected reading: %+v", r)
	}
	if !r.HasPosition || r.Latitude != 10.123 || r.Longitude != -120.5 {
		t.Errorf("position not joined onto reading: %+v", r)
	}
	if !r.Time.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected time: %v", r.Time)
	}
}

func TestFleetReauthenticatesOnExpiredToken(t *testing.T) {
	var authCalls, userCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth":
			token := "tok-2"
			if authCalls.Add(1) == 1 {
				token = "tok-1"
			}
			json.NewEncoder(w).Encode(map[string]string{"token": token})
		case "/user":
			// The first token is treated as expired.
			if userCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"buoys":[133]}`))
		}
	}))
	defer server.Close()

	client := NewFleetClient(testProvidersConfig(server.URL), discardLogger(), transport.WithSleepFunc(noSleep))

	ids, err := client.SensorIDs(context.Background())
	if err != nil {
		t.Fatalf("expected transparent re-auth, got: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("unexpected ids: %v", ids)
	}
	if got := authCalls.Load(); got != 2 {
		t.Errorf("expected 2 logins, got %d", got)
	}
}

func TestFleetAuthFailureIsBadResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewFleetClient(testProvidersConfig(server.URL), discardLogger(), transport.WithSleepFunc(noSleep))

	_, err := client.SensorIDs(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	appErr, ok := err.(*types.AppError)
	if !ok {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeUpstreamBadResponse {
		t.Errorf("expected code %s, got %s", types.ErrCodeUpstreamBadResponse, appErr.Code)
	}
}
