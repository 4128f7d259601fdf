package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftwatch/internal/store"
	"driftwatch/internal/types"
)

// fakeJobStore records every job write so tests can assert on the exact
// lifecycle the tracker persisted.
type fakeJobStore struct {
	created   []types.Job
	patches   []store.JobPatch
	createErr error
	updateErr error
}

func (f *fakeJobStore) CreateJob(ctx context.Context, job types.Job) (*types.Job, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	job.ID = "job-1"
	f.created = append(f.created, job)
	return &job, nil
}

func (f *fakeJobStore) UpdateJob(ctx context.Context, jobID string, patch store.JobPatch) (*types.Job, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.patches = append(f.patches, patch)
	return &types.Job{ID: jobID}, nil
}

func newTestTracker(fake *fakeJobStore) (*Tracker, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTracker(fake, clock, logger), clock
}

func testSpec(maxRetries int) Spec {
	return Spec{
		Name:        types.JobLoadMeasurements,
		WindowStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		MaxRetries:  maxRetries,
	}
}

func TestRun_SuccessFirstAttempt(t *testing.T) {
	fake := &fakeJobStore{}
	tracker, clock := newTestTracker(fake)

	var invocations int
	var traceID string
	err := tracker.Run(context.Background(), testSpec(3), func(ctx context.Context) error {
		invocations++
		traceID = types.GetTraceID(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, invocations)
	assert.NotEmpty(t, traceID, "work context must carry a trace ID")

	require.Len(t, fake.created, 1)
	created := fake.created[0]
	assert.Equal(t, types.JobLoadMeasurements, created.Name)
	assert.Equal(t, types.JobStatusRunning, created.Status)
	require.NotNil(t, created.StartedAtUTC)
	assert.Equal(t, clock.Now().UTC(), *created.StartedAtUTC)

	require.Len(t, fake.patches, 1)
	final := fake.patches[0]
	require.NotNil(t, final.Status)
	assert.Equal(t, types.JobStatusCompleted, *final.Status)
	require.NotNil(t, final.RetryCount)
	assert.Equal(t, 0, *final.RetryCount)
	require.NotNil(t, final.CompletedAtUTC)
}

func TestRun_AlwaysFailingInvokesWorkExactlyMaxRetriesPlusOne(t *testing.T) {
	fake := &fakeJobStore{}
	tracker, _ := newTestTracker(fake)

	workErr := errors.New("provider is down")
	var invocations int
	err := tracker.Run(context.Background(), testSpec(2), func(ctx context.Context) error {
		invocations++
		return workErr
	})
	require.ErrorIs(t, err, workErr)
	assert.Equal(t, 3, invocations, "maxRetries=2 means 3 invocations")

	// Sequence: error(0), running(1), error(1), running(2), error(2).
	require.Len(t, fake.patches, 5)
	last := fake.patches[len(fake.patches)-1]
	require.NotNil(t, last.Status)
	assert.Equal(t, types.JobStatusError, *last.Status)
	require.NotNil(t, last.RetryCount)
	assert.Equal(t, 2, *last.RetryCount)
	require.NotNil(t, last.ErrorMessage)
	assert.Equal(t, "provider is down", *last.ErrorMessage)
	require.NotNil(t, last.LastErrorAtUTC)
}

func TestRun_FailThenSucceed(t *testing.T) {
	fake := &fakeJobStore{}
	tracker, _ := newTestTracker(fake)

	var invocations int
	err := tracker.Run(context.Background(), testSpec(3), func(ctx context.Context) error {
		invocations++
		if invocations == 1 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, invocations)

	// Sequence: error(0), running(1), completed(1).
	require.Len(t, fake.patches, 3)

	retryPatch := fake.patches[1]
	require.NotNil(t, retryPatch.Status)
	assert.Equal(t, types.JobStatusRunning, *retryPatch.Status, "a retry starts a fresh running state")

	final := fake.patches[2]
	require.NotNil(t, final.Status)
	assert.Equal(t, types.JobStatusCompleted, *final.Status)
	require.NotNil(t, final.RetryCount)
	assert.Equal(t, 1, *final.RetryCount, "retry count reflects additional attempts")
}

func TestRun_ZeroMaxRetriesIsSingleAttempt(t *testing.T) {
	fake := &fakeJobStore{}
	tracker, _ := newTestTracker(fake)

	var invocations int
	err := tracker.Run(context.Background(), testSpec(0), func(ctx context.Context) error {
		invocations++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, invocations)
}

func TestRun_CancelledContextStopsRetries(t *testing.T) {
	fake := &fakeJobStore{}
	tracker, _ := newTestTracker(fake)

	ctx, cancel := context.WithCancel(context.Background())
	var invocations int
	err := tracker.Run(ctx, testSpec(5), func(ctx context.Context) error {
		invocations++
		cancel()
		return errors.New("interrupted")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, invocations, "no retries after cancellation")
}

func TestRun_CreateJobFailurePropagatesWithoutWork(t *testing.T) {
	createErr := types.NewAppError(types.ErrCodeUpstreamUnavailable, "store down", nil)
	fake := &fakeJobStore{createErr: createErr}
	tracker, _ := newTestTracker(fake)

	var invocations int
	err := tracker.Run(context.Background(), testSpec(3), func(ctx context.Context) error {
		invocations++
		return nil
	})
	require.ErrorIs(t, err, createErr)
	assert.Zero(t, invocations, "work must not run without a job row")
}
