// Package scheduler drives the recurring pipeline work: the measurement load
// on a short cadence, the reference-data and dataset-catalog refresh on a
// daily cadence, and the optional model and retention jobs. Every unit of
// work runs under the job tracker, so its window, retries and outcome are
// persisted and the next load resumes where the last completed one ended.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"driftwatch/internal/config"
	"driftwatch/internal/jobs"
	"driftwatch/internal/observability"
	"driftwatch/internal/types"
)

// Ingestor is the loading orchestrator the scheduler dispatches to.
type Ingestor interface {
	RefreshSources(ctx context.Context) error
	RefreshSensors(ctx context.Context) error
	RefreshAssignments(ctx context.Context) error
	RefreshDatasetCatalog(ctx context.Context) error
	LoadMeasurements(ctx context.Context, start, end time.Time) error
}

// JobTracker runs work under a persisted job row.
type JobTracker interface {
	Run(ctx context.Context, spec jobs.Spec, work jobs.WorkFunc) error
}

// JobHistory reads back past job executions.
type JobHistory interface {
	LatestJobExecutions(ctx context.Context) (map[types.JobName]types.Job, error)
}

// ModelRunner executes the anomaly-detection and prediction model jobs. The
// pipeline only schedules them; the implementations live with the models.
type ModelRunner interface {
	TrainAnomalyDetection(ctx context.Context, start, end time.Time) error
	RunAnomalyDetection(ctx context.Context, start, end time.Time) error
	TrainPredictionModels(ctx context.Context, start, end time.Time) error
	RunPredictionModels(ctx context.Context, start, end time.Time) error
}

// RetentionRunner enforces the store's data retention policy.
type RetentionRunner interface {
	EnforceRetention(ctx context.Context) error
}

// Params collects the scheduler's collaborators. Models and Retention are
// optional; leaving them nil disables their jobs.
type Params struct {
	Tracker   JobTracker
	History   JobHistory
	Ingestor  Ingestor
	Models    ModelRunner
	Retention RetentionRunner
	Clock     clockwork.Clock
	Config    config.IngestConfig
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Scheduler owns the pipeline's timing loop.
type Scheduler struct {
	tracker   JobTracker
	history   JobHistory
	ingestor  Ingestor
	models    ModelRunner
	retention RetentionRunner
	clock     clockwork.Clock
	cfg       config.IngestConfig
	metrics   *observability.Metrics
	logger    *slog.Logger
}

func New(p Params) *Scheduler {
	return &Scheduler{
		tracker:   p.Tracker,
		history:   p.History,
		ingestor:  p.Ingestor,
		models:    p.Models,
		retention: p.Retention,
		clock:     p.Clock,
		cfg:       p.Config,
		metrics:   p.Metrics,
		logger:    p.Logger,
	}
}

// runJob executes one tracked job and records its final outcome.
func (s *Scheduler) runJob(ctx context.Context, spec jobs.Spec, work jobs.WorkFunc) error {
	err := s.tracker.Run(ctx, spec, work)
	status := string(types.JobStatusCompleted)
	if err != nil {
		status = string(types.JobStatusError)
	}
	s.metrics.JobRuns.WithLabelValues(string(spec.Name), status).Inc()
	return err
}

// Run bootstraps the reference data, performs an immediate catch-up load, and
// then loops on the configured cadences until the context is cancelled. A
// failed load tick is logged and left for the next tick, which re-covers the
// window because the last completed job's end never advanced.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}

	s.metrics.PipelineRunning.Set(1)
	defer s.metrics.PipelineRunning.Set(0)

	s.runLoad(ctx)

	loadTicker := s.clock.NewTicker(s.cfg.LoadInterval)
	defer loadTicker.Stop()
	dailyTicker := s.clock.NewTicker(s.cfg.CatalogRefreshInterval)
	defer dailyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-loadTicker.Chan():
			s.runLoad(ctx)
		case <-dailyTicker.Chan():
			s.runDaily(ctx)
		}
	}
}

// bootstrap readies the process at startup. Sources are mandatory: nothing
// can persist without their IDs. The dataset catalog is best-effort; a
// provider outage at startup must not keep the process down. Sensor and
// assignment refreshes run under the first load job instead.
func (s *Scheduler) bootstrap(ctx context.Context) error {
	if err := s.ingestor.RefreshSources(ctx); err != nil {
		return err
	}
	if err := s.ingestor.RefreshDatasetCatalog(ctx); err != nil {
		s.logger.Warn("dataset catalog refresh failed at startup", slog.Any("error", err))
	}
	return nil
}

// runLoad executes one tracked load over [last completed end, now]. Sensor
// and fishery-assignment refreshes run inside the job: their failures must
// land on the job row, and new sensors must be on record before their
// readings arrive.
func (s *Scheduler) runLoad(ctx context.Context) {
	start, err := s.windowStart(ctx)
	if err != nil {
		s.logger.Error("cannot determine load window", slog.Any("error", err))
		return
	}
	end := s.clock.Now().UTC()
	if !start.Before(end) {
		return
	}

	spec := jobs.Spec{
		Name:        types.JobLoadMeasurements,
		WindowStart: start,
		WindowEnd:   end,
		MaxRetries:  s.cfg.JobMaxRetries,
	}
	err = s.runJob(ctx, spec, func(ctx context.Context) error {
		if err := s.ingestor.RefreshSensors(ctx); err != nil {
			return err
		}
		if err := s.ingestor.RefreshAssignments(ctx); err != nil {
			return err
		}
		return s.ingestor.LoadMeasurements(ctx, start, end)
	})
	if err != nil {
		s.logger.Error("load job failed", slog.Any("error", err))
		return
	}

	if s.cfg.EnableModelJobs && s.models != nil {
		s.runModelScoring(ctx, start, end)
	}
}

// windowStart resumes from the most recent completed load's query end, or
// from the configured origin when no load ever completed.
func (s *Scheduler) windowStart(ctx context.Context) (time.Time, error) {
	latest, err := s.history.LatestJobExecutions(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if job, ok := latest[types.JobLoadMeasurements]; ok && !job.QueryEndUTC.IsZero() {
		return job.QueryEndUTC, nil
	}
	return s.cfg.OriginTime()
}

// runDaily refreshes the dataset catalog and dispatches the training and
// retention jobs when they are enabled.
func (s *Scheduler) runDaily(ctx context.Context) {
	now := s.clock.Now().UTC()
	spec := jobs.Spec{
		Name:        types.JobRefreshSatelliteDatasets,
		WindowStart: now,
		WindowEnd:   now,
		MaxRetries:  s.cfg.JobMaxRetries,
	}
	if err := s.runJob(ctx, spec, s.ingestor.RefreshDatasetCatalog); err != nil {
		s.logger.Error("dataset catalog job failed", slog.Any("error", err))
	}

	if s.cfg.EnableModelJobs && s.models != nil {
		s.runModelTraining(ctx)
	}
	if s.retention != nil {
		spec := jobs.Spec{Name: types.JobDataRetention, WindowStart: now, WindowEnd: now, MaxRetries: s.cfg.JobMaxRetries}
		run := func(ctx context.Context) error { return s.retention.EnforceRetention(ctx) }
		if err := s.runJob(ctx, spec, run); err != nil {
			s.logger.Error("retention job failed", slog.Any("error", err))
		}
	}
}

// runModelScoring scores the freshly loaded window. A scoring job only runs
// once its training counterpart has a completed execution on record; scoring
// an untrained model would persist garbage.
func (s *Scheduler) runModelScoring(ctx context.Context, start, end time.Time) {
	latest, err := s.history.LatestJobExecutions(ctx)
	if err != nil {
		s.logger.Error("cannot check training history", slog.Any("error", err))
		return
	}

	scoring := []struct {
		name    types.JobName
		trainer types.JobName
		run     func(context.Context, time.Time, time.Time) error
	}{
		{types.JobRunAnomalyDetection, types.JobTrainAnomalyDetection, s.models.RunAnomalyDetection},
		{types.JobRunPredictionModels, types.JobTrainPredictionModels, s.models.RunPredictionModels},
	}
	for _, job := range scoring {
		if trained, ok := latest[job.trainer]; !ok || trained.Status != types.JobStatusCompleted {
			s.logger.Info("skipping model scoring, no completed training run",
				slog.String("job", string(job.name)))
			continue
		}
		spec := jobs.Spec{Name: job.name, WindowStart: start, WindowEnd: end, MaxRetries: s.cfg.JobMaxRetries}
		run := func(ctx context.Context) error { return job.run(ctx, start, end) }
		if err := s.runJob(ctx, spec, run); err != nil {
			s.logger.Error("model job failed", slog.String("job", string(job.name)), slog.Any("error", err))
		}
	}
}

// runModelTraining retrains over the full history from the origin.
func (s *Scheduler) runModelTraining(ctx context.Context) {
	start, err := s.cfg.OriginTime()
	if err != nil {
		s.logger.Error("cannot determine training window", slog.Any("error", err))
		return
	}
	end := s.clock.Now().UTC()

	training := []struct {
		name types.JobName
		run  func(context.Context, time.Time, time.Time) error
	}{
		{types.JobTrainAnomalyDetection, s.models.TrainAnomalyDetection},
		{types.JobTrainPredictionModels, s.models.TrainPredictionModels},
	}
	for _, job := range training {
		spec := jobs.Spec{Name: job.name, WindowStart: start, WindowEnd: end, MaxRetries: s.cfg.JobMaxRetries}
		run := func(ctx context.Context) error { return job.run(ctx, start, end) }
		if err := s.runJob(ctx, spec, run); err != nil {
			s.logger.Error("model job failed", slog.String("job", string(job.name)), slog.Any("error", err))
		}
	}
}
