// Package observability holds the pipeline's Prometheus metrics and the ops
// HTTP listener that exposes them alongside health and version endpoints.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingestion pipeline.
type Metrics struct {
	PipelineRunning prometheus.Gauge

	// Batch processing metrics.
	BatchesProcessed prometheus.Counter
	BatchErrors      prometheus.Counter
	ReadingsIngested prometheus.Counter
	BatchSize        prometheus.Histogram
	BatchDuration    prometheus.Histogram

	// Job lifecycle metrics.
	JobRuns *prometheus.CounterVec // labels: job, status={completed,error}
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "driftwatch",
			Name:      "pipeline_running",
			Help:      "1 when the scheduler loop is active, 0 when shut down.",
		}),
		BatchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "batches_processed_total",
			Help:      "Total ingestion batches processed to completion.",
		}),
		BatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "batch_errors_total",
			Help:      "Total ingestion batches that ended in an error.",
		}),
		ReadingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "readings_ingested_total",
			Help:      "Total raw readings handed to the linkers.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "driftwatch",
			Name:      "batch_size",
			Help:      "Number of readings per ingestion batch.",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "driftwatch",
			Name:      "batch_duration_seconds",
			Help:      "Duration of a complete batch link cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "job_runs_total",
			Help:      "Tracked job executions by name and final status.",
		}, []string{"job", "status"}),
	}

	prometheus.MustRegister(
		m.PipelineRunning,
		m.BatchesProcessed,
		m.BatchErrors,
		m.ReadingsIngested,
		m.BatchSize,
		m.BatchDuration,
		m.JobRuns,
	)

	return m
}

// NewMetricsForTesting creates Metrics without registering them, so parallel
// tests never trip "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		PipelineRunning:  prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "driftwatch", Name: "pipeline_running"}),
		BatchesProcessed: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "driftwatch", Name: "batches_processed_total"}),
		BatchErrors:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: "driftwatch", Name: "batch_errors_total"}),
		ReadingsIngested: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "driftwatch", Name: "readings_ingested_total"}),
		BatchSize:        prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "driftwatch", Name: "batch_size"}),
		BatchDuration:    prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "driftwatch", Name: "batch_duration_seconds"}),
		JobRuns:          prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "driftwatch", Name: "job_runs_total"}, []string{"job", "status"}),
	}
}
