package picker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronos/pkg/models"
	"chronos/pkg/storage/memstore"
)

func newDueJob(name string) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		Name:              name,
		TaskType:          "shell",
		Payload:           models.JSONMap{"command": "true"},
		Kind:              models.JobKindOneTime,
		ScheduleTime:      &now,
		Priority:          5,
		MaxRetries:        3,
		RetryDelay:        1000,
		MaxRetryDelay:     10000,
		RetryStrategyName: models.RetryStrategyExponential,
		LockTimeout:       300000,
		IsActive:          true,
	}
}

func TestPickOne_ClaimsDueJob(t *testing.T) {
	store := memstore.New()
	p := New(store)
	ctx := context.Background()

	job := newDueJob("claim-me")
	require.NoError(t, store.CreateJob(ctx, job))

	claimed, err := p.PickOne(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, models.JobStatusQueued, claimed.Status)
}

func TestPickOne_NoneDueReturnsNil(t *testing.T) {
	store := memstore.New()
	p := New(store)

	claimed, err := p.PickOne(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestPickOne_NoDoubleClaim(t *testing.T) {
	store := memstore.New()
	p := New(store)
	ctx := context.Background()

	job := newDueJob("single-claim")
	require.NoError(t, store.CreateJob(ctx, job))

	first, err := p.PickOne(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := p.PickOne(ctx, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, second, "a job already claimed must not be claimable again")
}

func TestPickMany_StopsWhenExhausted(t *testing.T) {
	store := memstore.New()
	p := New(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateJob(ctx, newDueJob("bulk-job")))
	}

	jobs, err := p.PickMany(ctx, "worker-1", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestReleaseAll_ReturnsHeldJobsToScheduled(t *testing.T) {
	store := memstore.New()
	p := New(store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, store.CreateJob(ctx, newDueJob("held-job")))
	}
	_, err := p.PickMany(ctx, "worker-1", 10)
	require.NoError(t, err)

	n, err := p.ReleaseAll(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	due, err := p.CountDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), due)
}

func TestRecoverStaleJobs_ResetsExpiredLocks(t *testing.T) {
	store := memstore.New()
	p := New(store)
	ctx := context.Background()

	job := newDueJob("stale-job")
	job.LockTimeout = 1 // 1ms
	require.NoError(t, store.CreateJob(ctx, job))

	claimed, err := p.PickOne(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	time.Sleep(5 * time.Millisecond)

	n, err := p.RecoverStaleJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// the recovered job should be claimable again.
	again, err := p.PickOne(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
}
