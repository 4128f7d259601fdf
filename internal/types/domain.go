// Package types defines the shared domain types for the driftwatch ingestion
// pipeline: jobs, sensors, measurement events, measurements, and neighbor
// associations, together with the application error model.
//
// Everything here mirrors the rows exchanged with the record store over its
// HTTP interface, so JSON tags follow the store's field names exactly.
package types

import "time"

// JobName identifies a named, tracked unit of pipeline work.
type JobName string

const (
	JobDataRetention            JobName = "data-retention"
	JobLoadMeasurements         JobName = "load-measurements"
	JobRefreshSatelliteDatasets JobName = "refresh-satellite-datasets"
	JobTrainAnomalyDetection    JobName = "train-anomaly-detection"
	JobTrainPredictionModels    JobName = "train-prediction-models"
	JobRunAnomalyDetection      JobName = "run-anomaly-detection"
	JobRunPredictionModels      JobName = "run-prediction-models"
)

// JobStatus is the lifecycle state of a job execution.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
)

// Job records one execution of a named unit of work. Jobs are created at job
// start, mutated only by the job tracker, and never deleted: the table doubles
// as an audit trail and as the "last successful execution" index used to
// compute the next ingestion window.
type Job struct {
	ID             string     `json:"id,omitempty"`
	Name           JobName    `json:"name"`
	Status         JobStatus  `json:"status"`
	QueryStartUTC  time.Time  `json:"query_date_start_utc"`
	QueryEndUTC    time.Time  `json:"query_date_end_utc"`
	StartedAtUTC   *time.Time `json:"started_at_utc,omitempty"`
	CompletedAtUTC *time.Time `json:"completed_at_utc,omitempty"`
	LastErrorAtUTC *time.Time `json:"last_error_at_utc,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	RetryCount     int        `json:"retry_count"`
}

// Source is a data origin: an organization or satellite program that owns
// sensors or emits gridded measurements.
type Source struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
}

// MobileSensor is a moving sensor (buoy or drifter) owned by a Source. The
// sensor id is the upstream provider's stable identifier; it is the join key
// that prevents duplicate sensor creation across ingestion runs.
type MobileSensor struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

// Station is a fixed sensor with a permanent position.
type Station struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	State       string  `json:"state,omitempty"`
	Established string  `json:"established,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Source      string  `json:"source"`
}

// FisheryAssignment links a mobile sensor to the fishery it is deployed in.
type FisheryAssignment struct {
	MobileSensor string `json:"mobile_sensor"`
	Fishery      string `json:"fishery"`
	Region       string `json:"region,omitempty"`
}

// MobileEvent is one observation occasion of a moving sensor. Unique on
// (datetime, latitude, longitude, mobile_sensor).
type MobileEvent struct {
	ID           string    `json:"id,omitempty"`
	DatetimeUTC  time.Time `json:"datetime"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	MobileSensor string    `json:"mobile_sensor"`
	AnomalyScore *float64  `json:"anomaly_score,omitempty"`
}

// StationaryEvent is one observation occasion of a fixed station. The event
// inherits the station's position. Unique on (datetime, station).
type StationaryEvent struct {
	ID          string    `json:"id,omitempty"`
	DatetimeUTC time.Time `json:"datetime"`
	Station     string    `json:"station"`
}

// OmnipresentEvent is one observation occasion of a gridded, satellite-like
// source that carries its own position. Unique on (datetime, latitude,
// longitude, source).
type OmnipresentEvent struct {
	ID          string    `json:"id,omitempty"`
	DatetimeUTC time.Time `json:"datetime"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Source      string    `json:"source"`
}

// MobileMeasurement is a product/value pair attached to a mobile event.
// Unique on (event, product, value, type, quality).
type MobileMeasurement struct {
	ID         string  `json:"id,omitempty"`
	Event      string  `json:"mobile_measurement_event"`
	Product    string  `json:"product"`
	Value      float64 `json:"value"`
	Type       string  `json:"type"`
	Quality    string  `json:"quality,omitempty"`
	Confidence string  `json:"confidence,omitempty"`
}

// StationaryMeasurement is a product/value pair attached to a stationary event.
type StationaryMeasurement struct {
	ID         string  `json:"id,omitempty"`
	Event      string  `json:"stationary_measurement_event"`
	Product    string  `json:"product"`
	Value      float64 `json:"value"`
	Type       string  `json:"type"`
	Quality    string  `json:"quality,omitempty"`
	Confidence string  `json:"confidence,omitempty"`
}

// OmnipresentMeasurement is a product/value pair attached to an omnipresent event.
type OmnipresentMeasurement struct {
	ID         string  `json:"id,omitempty"`
	Event      string  `json:"omnipresent_measurement_event"`
	Product    string  `json:"product"`
	Value      float64 `json:"value"`
	Type       string  `json:"type"`
	Quality    string  `json:"quality,omitempty"`
	Confidence string  `json:"confidence,omitempty"`
}

// MobileNeighbor is a directed link from one mobile event to a nearby mobile
// event, carrying the great-circle distance between them in kilometers.
// Unique on (mobile_event, neighboring_mobile_event).
type MobileNeighbor struct {
	MobileEvent            string  `json:"mobile_event"`
	NeighboringMobileEvent string  `json:"neighboring_mobile_event"`
	Distance               float64 `json:"distance"`
}

// StationaryNeighbor links a mobile event to a nearby stationary event.
type StationaryNeighbor struct {
	MobileEvent                string  `json:"mobile_event"`
	NeighboringStationaryEvent string  `json:"neighboring_stationary_event"`
	Distance                   float64 `json:"distance"`
}

// OmnipresentNeighbor links a mobile event to a nearby omnipresent event.
type OmnipresentNeighbor struct {
	MobileEvent                 string  `json:"mobile_event"`
	NeighboringOmnipresentEvent string  `json:"neighboring_omnipresent_event"`
	Distance                    float64 `json:"distance"`
}

// Reading is a raw, provider-agnostic measurement row as returned by an
// external sensor API, before product mapping and persistence. HasPosition is
// false for stationary sources, whose position comes from station metadata.
type Reading struct {
	SensorID    string
	Time        time.Time
	Latitude    float64
	Longitude   float64
	HasPosition bool
	Product     string
	Value       float64
	Quality     string
}
