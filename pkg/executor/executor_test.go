package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronos/pkg/models"
	"chronos/pkg/storage/memstore"
)

func newClaimedJob(t *testing.T, store *memstore.Store, mutate func(*models.Job)) *models.Job {
	now := time.Now().UTC()
	job := &models.Job{
		Name:              "executor-test-job",
		TaskType:          "noop",
		Kind:              models.JobKindOneTime,
		ScheduleTime:      &now,
		Priority:          5,
		MaxRetries:        2,
		RetryDelay:        1000,
		MaxRetryDelay:     10000,
		RetryStrategyName: models.RetryStrategyFixed,
		Jitter:            false,
		LockTimeout:       5000,
		IsActive:          true,
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, store.CreateJob(context.Background(), job))

	claimed, err := store.ClaimOne(context.Background(), "test-worker", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

func TestRunOne_SuccessCompletesOneTimeJob(t *testing.T) {
	store := memstore.New()
	registry := NewRegistry()
	registry.Register("noop", func(ctx context.Context, payload models.JSONMap, job JobView) (models.JSONMap, error) {
		return models.JSONMap{"ok": true}, nil
	})
	ex := New(store, store, registry)

	claimed := newClaimedJob(t, store, nil)
	outcome := ex.RunOne(context.Background(), claimed, "test-worker")

	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Terminal)
	assert.Equal(t, models.ExecutionLogStatusSuccess, outcome.Status)
	assert.Equal(t, models.JobStatusCompleted, outcome.Job.Status)
}

func TestRunOne_FailureSchedulesRetry(t *testing.T) {
	store := memstore.New()
	registry := NewRegistry()
	registry.Register("noop", func(ctx context.Context, payload models.JSONMap, job JobView) (models.JSONMap, error) {
		return nil, errors.New("connection reset")
	})
	ex := New(store, store, registry)

	claimed := newClaimedJob(t, store, nil)
	outcome := ex.RunOne(context.Background(), claimed, "test-worker")

	assert.False(t, outcome.Terminal)
	assert.True(t, outcome.WillRetry)
	assert.Equal(t, models.JobStatusScheduled, outcome.Job.Status)
	assert.Equal(t, 1, outcome.Job.RetryCount)
}

func TestRunOne_NonRetryableFailureFailsTerminal(t *testing.T) {
	store := memstore.New()
	registry := NewRegistry()
	registry.Register("noop", func(ctx context.Context, payload models.JSONMap, job JobView) (models.JSONMap, error) {
		return nil, errors.New("validation error: bad input")
	})
	ex := New(store, store, registry)

	claimed := newClaimedJob(t, store, nil)
	outcome := ex.RunOne(context.Background(), claimed, "test-worker")

	assert.True(t, outcome.Terminal)
	assert.Equal(t, models.JobStatusFailed, outcome.Job.Status)
}

func TestRunOne_ExhaustedRetriesFailsTerminal(t *testing.T) {
	store := memstore.New()
	registry := NewRegistry()
	registry.Register("noop", func(ctx context.Context, payload models.JSONMap, job JobView) (models.JSONMap, error) {
		return nil, errors.New("connection reset")
	})
	ex := New(store, store, registry)

	claimed := newClaimedJob(t, store, func(j *models.Job) {
		j.MaxRetries = 0
	})
	outcome := ex.RunOne(context.Background(), claimed, "test-worker")

	assert.True(t, outcome.Terminal)
	assert.Equal(t, models.JobStatusFailed, outcome.Job.Status)
}

func TestRunOne_NoHandlerRegisteredFailsTerminal(t *testing.T) {
	store := memstore.New()
	registry := NewRegistry()
	ex := New(store, store, registry)

	claimed := newClaimedJob(t, store, func(j *models.Job) {
		j.TaskType = "unregistered"
	})
	outcome := ex.RunOne(context.Background(), claimed, "test-worker")

	assert.True(t, outcome.Terminal)
	assert.Equal(t, models.JobStatusFailed, outcome.Job.Status)
}

func TestRunOne_HandlerPanicRecovered(t *testing.T) {
	store := memstore.New()
	registry := NewRegistry()
	registry.Register("noop", func(ctx context.Context, payload models.JSONMap, job JobView) (models.JSONMap, error) {
		panic("boom")
	})
	ex := New(store, store, registry)

	claimed := newClaimedJob(t, store, nil)
	outcome := ex.RunOne(context.Background(), claimed, "test-worker")

	require.NoError(t, outcome.Err)
	assert.True(t, outcome.WillRetry || outcome.Terminal)
}

func TestRunOne_HandlerNeverReturnsClosesLogAsTimeout(t *testing.T) {
	store := memstore.New()
	registry := NewRegistry()
	registry.Register("noop", func(ctx context.Context, payload models.JSONMap, job JobView) (models.JSONMap, error) {
		select {} // never returns, ignores ctx entirely
	})
	ex := New(store, store, registry)

	claimed := newClaimedJob(t, store, func(j *models.Job) {
		j.LockTimeout = 50 // ms
	})

	start := time.Now()
	outcome := ex.RunOne(context.Background(), claimed, "test-worker")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second, "RunOne must return once the deadline fires, not wait for the handler")
	assert.Equal(t, models.ExecutionLogStatusTimeout, outcome.Status)

	log, err := store.GetLog(context.Background(), outcome.LogID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionLogStatusTimeout, log.Status)
	assert.Equal(t, models.ErrorCodeTimeout, log.ErrorCode)
	assert.NotNil(t, log.EndedAt, "log must be closed, not left RUNNING")

	current, err := store.GetJob(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Empty(t, current.LockedBy, "the job's lock must be released, not held past the timeout")
}

func TestRunOne_RecurringJobReschedules(t *testing.T) {
	store := memstore.New()
	registry := NewRegistry()
	registry.Register("noop", func(ctx context.Context, payload models.JSONMap, job JobView) (models.JSONMap, error) {
		return models.JSONMap{"ok": true}, nil
	})
	ex := New(store, store, registry)

	interval := int64(60_000)
	job := &models.Job{
		Name:              "recurring-executor-test-job",
		TaskType:          "noop",
		Kind:              models.JobKindRecurring,
		IntervalMs:        &interval,
		Timezone:          "UTC",
		Priority:          5,
		MaxRetries:        2,
		RetryDelay:        1000,
		MaxRetryDelay:     10000,
		RetryStrategyName: models.RetryStrategyFixed,
		LockTimeout:       5000,
		IsActive:          true,
	}
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, job))

	// the job's first occurrence is one interval out; pull it due now
	// rather than waiting, the same way the manual-trigger API does.
	ok, err := store.TriggerNow(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err := store.ClaimOne(ctx, "test-worker", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	outcome := ex.RunOne(ctx, claimed, "test-worker")

	require.NoError(t, outcome.Err)
	assert.False(t, outcome.Terminal)
	assert.Equal(t, models.JobStatusScheduled, outcome.Job.Status)
	assert.NotNil(t, outcome.Job.NextRunAt)
}
