// Package providers holds the clients for the upstream sensor networks: the
// fleet telemetry API for smart buoys, the NOAA and DFO station APIs, the
// satellite surface-current grid service, and the global drifter ERDDAP
// server. Each client fetches raw readings and flattens them into
// types.Reading rows; product mapping and persistence happen downstream.
package providers

import (
	"context"
	"net/http"
	"time"

	"driftwatch/internal/transport"
	"driftwatch/internal/types"
)

// MobileProvider is a sensor network of moving platforms that report their
// own position with every observation.
type MobileProvider interface {
	// SourceName is the display name persisted on the Source row.
	SourceName() string
	// SourceWebsite is the provider's public website.
	SourceWebsite() string
	// SensorIDs lists the platforms visible to our credentials.
	SensorIDs(ctx context.Context) ([]string, error)
	// HistoricalReadings fetches all readings for the given sensors within
	// [start, end], both bounds inclusive.
	HistoricalReadings(ctx context.Context, sensorIDs []string, start, end time.Time) ([]types.Reading, error)
}

// StationProvider is a network of fixed stations. Readings carry no position;
// the station's metadata supplies it.
type StationProvider interface {
	SourceName() string
	SourceWebsite() string
	// Stations lists the provider's station metadata.
	Stations(ctx context.Context) ([]types.Station, error)
	// StationReadings fetches one station's readings within [start, end].
	StationReadings(ctx context.Context, stationID string, start, end time.Time) ([]types.Reading, error)
}

func newProviderBase(name string, timeout time.Duration, opts ...transport.BaseClientOption) *transport.BaseClient {
	return transport.NewBaseClient(
		&http.Client{Timeout: timeout + 10*time.Second},
		name,
		transport.DefaultRetryPolicy(),
		"driftwatch-pipeline",
		opts...,
	)
}
