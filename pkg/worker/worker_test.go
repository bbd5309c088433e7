package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronos/pkg/executor"
	"chronos/pkg/models"
	"chronos/pkg/picker"
	"chronos/pkg/storage/memstore"
	"chronos/pkg/worker/events"
)

func newDueJob(name string) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		Name:              name,
		TaskType:          "noop",
		Kind:              models.JobKindOneTime,
		ScheduleTime:      &now,
		Priority:          5,
		MaxRetries:        1,
		RetryDelay:        1000,
		MaxRetryDelay:     10000,
		RetryStrategyName: models.RetryStrategyFixed,
		LockTimeout:       5000,
		IsActive:          true,
	}
}

func TestWorker_ProcessesDueJobsAndUpdatesStats(t *testing.T) {
	store := memstore.New()
	registry := executor.NewRegistry()

	var mu sync.Mutex
	completed := 0
	registry.Register("noop", func(ctx context.Context, payload models.JSONMap, job executor.JobView) (models.JSONMap, error) {
		mu.Lock()
		completed++
		mu.Unlock()
		return models.JSONMap{"ok": true}, nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateJob(ctx, newDueJob("worker-job")))
	}

	p := picker.New(store)
	ex := executor.New(store, store, registry)
	w := New(Config{
		PollInterval:          20 * time.Millisecond,
		StaleRecoveryInterval: time.Hour,
		Concurrency:           5,
		DrainTimeout:          time.Second,
		WorkerID:              "test-worker",
	}, p, ex, registry)

	var completeEvents int
	var evMu sync.Mutex
	w.Events.On(func(event string, payload events.Payload) {
		if event == events.JobComplete {
			evMu.Lock()
			completeEvents++
			evMu.Unlock()
		}
	})

	require.NoError(t, w.Start(ctx))
	assert.Equal(t, StateRunning, w.State())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := completed
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))

	mu.Lock()
	assert.Equal(t, 3, completed)
	mu.Unlock()

	stats := w.StatsSnapshot()
	assert.Equal(t, int64(3), stats.JobsProcessed)
	assert.Equal(t, int64(3), stats.JobsSucceeded)
	assert.Equal(t, StateStopped, w.State())

	evMu.Lock()
	assert.Equal(t, 3, completeEvents)
	evMu.Unlock()
}

func TestWorker_PauseStopsPickingNewJobs(t *testing.T) {
	store := memstore.New()
	registry := executor.NewRegistry()
	registry.Register("noop", func(ctx context.Context, payload models.JSONMap, job executor.JobView) (models.JSONMap, error) {
		return models.JSONMap{"ok": true}, nil
	})

	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newDueJob("paused-job")))

	p := picker.New(store)
	ex := executor.New(store, store, registry)
	w := New(Config{
		PollInterval:          10 * time.Millisecond,
		StaleRecoveryInterval: time.Hour,
		Concurrency:           5,
		DrainTimeout:          time.Second,
		WorkerID:              "test-worker-2",
	}, p, ex, registry)

	require.NoError(t, w.Start(ctx))
	w.Pause()
	assert.Equal(t, StatePaused, w.State())

	time.Sleep(100 * time.Millisecond)

	due, err := p.CountDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), due, "paused worker must not claim due jobs")

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
}

// fakeElection is a test-only coordination.Election that blocks
// Campaign until the caller releases it, letting tests observe the
// worker's behavior before and after leadership is acquired.
type fakeElection struct {
	acquire chan struct{}
	resigns int
	mu      sync.Mutex
}

func newFakeElection() *fakeElection {
	return &fakeElection{acquire: make(chan struct{})}
}

func (f *fakeElection) Campaign(ctx context.Context, value string) error {
	select {
	case <-f.acquire:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeElection) Resign(ctx context.Context) error {
	f.mu.Lock()
	f.resigns++
	f.mu.Unlock()
	return nil
}

func (f *fakeElection) Leader(ctx context.Context) (string, error) {
	return "", nil
}

func TestWorker_StaleRecoveryWaitsForElection(t *testing.T) {
	store := memstore.New()
	registry := executor.NewRegistry()
	p := picker.New(store)
	ex := executor.New(store, store, registry)

	election := newFakeElection()
	w := New(Config{
		PollInterval:          time.Hour,
		StaleRecoveryInterval: 10 * time.Millisecond,
		Concurrency:           5,
		DrainTimeout:          time.Second,
		WorkerID:              "test-worker-election",
		Election:              election,
	}, p, ex, registry)

	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, int32(0), atomic.LoadInt32(&w.isLeader), "must not run stale recovery before leadership is acquired")

	close(election.acquire)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&w.isLeader) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&w.isLeader), "must become eligible once Campaign returns")

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))

	election.mu.Lock()
	assert.Equal(t, 1, election.resigns)
	election.mu.Unlock()
}

func TestWorker_CannotStartTwice(t *testing.T) {
	store := memstore.New()
	registry := executor.NewRegistry()
	p := picker.New(store)
	ex := executor.New(store, store, registry)
	w := New(Config{WorkerID: "test-worker-3"}, p, ex, registry)

	require.NoError(t, w.Start(context.Background()))
	err := w.Start(context.Background())
	assert.Error(t, err)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
}
