// Package config defines the global configuration structure for the
// driftwatch pipeline. Configuration is loaded once at process start and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved from the OS environment, with a local .env file as a
// fallback. Any missing required value or invalid format aborts startup
// (fail fast).
package config

import (
	"time"

	"driftwatch/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used in configuration to prevent accidental logging of credentials.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the pipeline process.
// It is populated once during initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"driftwatch-pipeline"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Store     StoreConfig
	Ingest    IngestConfig
	Providers ProvidersConfig
	Ops       OpsConfig

	// Build metadata (injected via ldflags, not env).
	Build BuildInfo
}

// StoreConfig holds the record store API endpoint and call timeouts.
// Reads default short; bulk writes carry large payloads and get longer.
type StoreConfig struct {
	BaseURL      string        `envconfig:"STORE_BASE_URL" validate:"required,url"`
	ReadTimeout  time.Duration `envconfig:"STORE_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"STORE_WRITE_TIMEOUT" default:"100s"`
}

// IngestConfig holds the tunables of the loading orchestrator.
type IngestConfig struct {
	// OriginDate is the default start of the ingestion window when no prior
	// successful load-measurements job exists. Format: 2006-01-02.
	OriginDate string `envconfig:"ORIGIN_DATE" validate:"required,datetime=2006-01-02"`

	// MaxBatchSpan caps the time covered by one processing batch, bounding
	// per-batch API payloads and memory.
	MaxBatchSpan time.Duration `envconfig:"MAX_BATCH_SPAN" default:"24h"`

	// MaxWorkers caps concurrent batch processing against rate-limited
	// upstream services.
	MaxWorkers int `envconfig:"MAX_WORKERS" default:"4" validate:"min=1"`

	// JobMaxRetries is the number of additional attempts after the first
	// for a failed job. 0 means single-attempt.
	JobMaxRetries int `envconfig:"JOB_MAX_RETRIES" default:"3" validate:"min=0"`

	// LoadInterval is the recurring measurement load cadence.
	LoadInterval time.Duration `envconfig:"LOAD_INTERVAL" default:"1m"`

	// CatalogRefreshInterval is the satellite dataset availability refresh
	// cadence.
	CatalogRefreshInterval time.Duration `envconfig:"CATALOG_REFRESH_INTERVAL" default:"24h"`

	// FisheryAssignmentsPath points to the CSV of sensor-to-fishery
	// assignments upserted on every sensor refresh.
	FisheryAssignmentsPath string `envconfig:"FISHERY_ASSIGNMENTS_PATH" default:"database/buoy_fishery_assignments.csv"`

	// EnableModelJobs gates dispatch of the anomaly/prediction model jobs.
	EnableModelJobs bool `envconfig:"ENABLE_MODEL_JOBS" default:"false"`
}

// ProvidersConfig holds the endpoints and credentials of the external sensor
// data providers.
type ProvidersConfig struct {
	FleetBaseURL  string       `envconfig:"FLEET_API_BASE_URL" validate:"required,url"`
	FleetUsername string       `envconfig:"FLEET_API_USERNAME" validate:"required"`
	FleetPassword SecretString `envconfig:"FLEET_API_PASSWORD" validate:"required"`

	NOAABaseURL string `envconfig:"NOAA_API_BASE_URL" default:"https://api.tidesandcurrents.noaa.gov/api/prod/datagetter"`
	DFOBaseURL  string `envconfig:"DFO_API_BASE_URL" default:"https://api.iwls-sine.azure.cloud-nuage.dfo-mpo.gc.ca/api/v1"`

	// StationsPath points to the TSV of fixed-station metadata, grouped by
	// the source column into the NOAA and DFO rosters.
	StationsPath string `envconfig:"STATIONS_PATH" default:"database/stations.tsv"`

	OscarCatalogURL string `envconfig:"OSCAR_CATALOG_URL" default:"https://podaac-opendap.jpl.nasa.gov/opendap/hyrax/allData/oscar/preview/L4/oscar_third_deg/"`

	DrifterBaseURL string `envconfig:"DRIFTER_API_BASE_URL" default:"https://osmc.noaa.gov/erddap/tabledap"`
	DrifterIDsURL  string `envconfig:"DRIFTER_IDS_URL" default:"https://www.aoml.noaa.gov/phod/gdp/buoys_countries.geojson"`

	// RequestTimeout applies to individual provider HTTP calls.
	RequestTimeout time.Duration `envconfig:"PROVIDER_REQUEST_TIMEOUT" default:"30s"`
}

// OpsConfig holds the operational listener settings. The ops listener serves
// health, version, and Prometheus metrics only; it is not a data API.
type OpsConfig struct {
	Port string `envconfig:"OPS_PORT" default:"9090"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// OriginTime parses OriginDate as midnight UTC. Validation guarantees the
// format, so the error path only trips when Config bypassed LoadConfig.
func (c IngestConfig) OriginTime() (time.Time, error) {
	return time.Parse("2006-01-02", c.OriginDate)
}
