// Package jobs implements the job tracker: every named unit of pipeline work
// runs under a persisted Job row that records its query window, lifecycle
// state, retry count, and last error. The tracker re-invokes failed work up
// to a configured bound; work functions must therefore be idempotent, which
// holds because all pipeline writes go through the store's duplicate-tolerant
// bulk operations.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"driftwatch/internal/store"
	"driftwatch/internal/types"
)

// JobStore is the slice of the record store the tracker needs.
type JobStore interface {
	CreateJob(ctx context.Context, job types.Job) (*types.Job, error)
	UpdateJob(ctx context.Context, jobID string, patch store.JobPatch) (*types.Job, error)
}

// WorkFunc is one attempt of a tracked unit of work. It is re-invoked from
// scratch on retry; the tracker provides no checkpointing within an attempt.
type WorkFunc func(ctx context.Context) error

// Spec describes one tracked execution.
type Spec struct {
	Name        types.JobName
	WindowStart time.Time
	WindowEnd   time.Time
	// MaxRetries is the number of additional attempts after the first, so 0
	// means single-attempt.
	MaxRetries int
}

// Tracker records job lifecycles in the store and drives retries.
type Tracker struct {
	store  JobStore
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(jobStore JobStore, clock clockwork.Clock, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  jobStore,
		clock:  clock,
		logger: logger,
	}
}

// Run executes work under a recorded job. It creates the job row in status
// running, invokes work up to 1+MaxRetries times, and persists every state
// transition. On success the job ends completed with the retry count that got
// it there; on exhaustion the job stays in status error and the last attempt's
// error is returned.
//
// The persisted retry count is the number of attempts after the first: a job
// that succeeds first try completes with retry count 0.
func (t *Tracker) Run(ctx context.Context, spec Spec, work WorkFunc) error {
	// Each tracked run gets its own trace ID, so every outbound call the
	// work function makes carries the same X-B3-TraceId header.
	traceID := uuid.NewString()
	ctx = types.WithTraceID(ctx, traceID)
	logger := t.logger.With(
		slog.String("job", string(spec.Name)),
		slog.String("trace_id", traceID),
		slog.Time("window_start", spec.WindowStart),
		slog.Time("window_end", spec.WindowEnd),
	)

	now := t.clock.Now().UTC()
	created, err := t.store.CreateJob(ctx, types.Job{
		Name:          spec.Name,
		Status:        types.JobStatusRunning,
		QueryStartUTC: spec.WindowStart,
		QueryEndUTC:   spec.WindowEnd,
		StartedAtUTC:  &now,
	})
	if err != nil {
		logger.Error("failed to create job row", slog.Any("error", err))
		return err
	}
	logger = logger.With(slog.String("job_id", created.ID))

	var lastErr error
	for attempt := 0; attempt <= spec.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if attempt > 0 {
			// A retry is a fresh running state with the retry count bumped.
			if _, err := t.store.UpdateJob(ctx, created.ID, store.JobPatch{
				Status:     ptr(types.JobStatusRunning),
				RetryCount: ptr(attempt),
			}); err != nil {
				logger.Error("failed to mark job retry", slog.Any("error", err))
				return err
			}
			logger.Warn("retrying job", slog.Int("attempt", attempt+1))
		}

		lastErr = work(ctx)
		if lastErr == nil {
			completedAt := t.clock.Now().UTC()
			if _, err := t.store.UpdateJob(ctx, created.ID, store.JobPatch{
				Status:         ptr(types.JobStatusCompleted),
				CompletedAtUTC: &completedAt,
				RetryCount:     ptr(attempt),
			}); err != nil {
				logger.Error("failed to mark job completed", slog.Any("error", err))
				return err
			}
			logger.Info("job completed", slog.Int("retry_count", attempt))
			return nil
		}

		errorAt := t.clock.Now().UTC()
		if _, err := t.store.UpdateJob(ctx, created.ID, store.JobPatch{
			Status:         ptr(types.JobStatusError),
			LastErrorAtUTC: &errorAt,
			ErrorMessage:   ptr(lastErr.Error()),
			RetryCount:     ptr(attempt),
		}); err != nil {
			logger.Error("failed to mark job error", slog.Any("error", err))
			return err
		}
		logger.Error("job attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Int("attempts_remaining", spec.MaxRetries-attempt),
			slog.Any("error", lastErr),
		)
	}

	return lastErr
}

func ptr[T any](v T) *T {
	return &v
}
