// Package picker implements the atomic claim protocol: turning due,
// unlocked (or stale-locked) SCHEDULED jobs into QUEUED jobs owned by
// one worker, and reclaiming work abandoned by crashed workers. Every
// method here is a thin, observable wrapper over a single JobStore
// call — the correctness guarantee lives in the store's conditional
// update, not in this package.
package picker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chronos/pkg/metrics"
	"chronos/pkg/models"
	"chronos/pkg/resilience"
	"chronos/pkg/storage"
)

// Picker claims due jobs for a worker and recovers stale locks. The claim
// and stale-recovery store calls run through a circuit breaker (release
// and counting calls go to the store directly) so a wedged Postgres doesn't leave
// every worker goroutine blocked in lockstep retrying the same dead
// connection pool.
type Picker struct {
	store   storage.JobStore
	breaker *resilience.CircuitBreaker
}

func New(store storage.JobStore) *Picker {
	return &Picker{
		store:   store,
		breaker: resilience.NewCircuitBreaker("picker-store", resilience.DefaultCircuitBreakerConfig()),
	}
}

// PickOne claims a single due job for workerID, or returns (nil, nil)
// if none are available.
func (p *Picker) PickOne(ctx context.Context, workerID string) (*models.Job, error) {
	now := time.Now().UTC()
	var job *models.Job
	err := p.breaker.Execute(ctx, func() error {
		j, err := p.store.ClaimOne(ctx, workerID, now)
		job = j
		return err
	})
	if err != nil || job == nil {
		return job, err
	}
	if job.NextRunAt != nil {
		metrics.RecordClaim(now.Sub(*job.NextRunAt).Seconds())
	}
	return job, nil
}

// PickMany claims up to n due jobs for workerID, stopping early once
// the store reports no more are available.
func (p *Picker) PickMany(ctx context.Context, workerID string, n int) ([]*models.Job, error) {
	jobs := make([]*models.Job, 0, n)
	for i := 0; i < n; i++ {
		job, err := p.PickOne(ctx, workerID)
		if err != nil {
			return jobs, err
		}
		if job == nil {
			break
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Release returns a job this worker holds back to SCHEDULED, used when
// a worker decides not to execute a job it just claimed (e.g. during
// drain).
func (p *Picker) Release(ctx context.Context, id uuid.UUID, workerID string) (bool, error) {
	return p.store.ReleaseJob(ctx, id, workerID)
}

// ReleaseAll returns every job held by workerID back to SCHEDULED, used
// when a worker's drain deadline expires.
func (p *Picker) ReleaseAll(ctx context.Context, workerID string) (int64, error) {
	return p.store.ReleaseAllHeldBy(ctx, workerID)
}

// RecoverStaleJobs resets QUEUED/RUNNING jobs whose lock has expired
// back to SCHEDULED, incrementing retryCount. Safe to call concurrently
// from every worker (P7).
func (p *Picker) RecoverStaleJobs(ctx context.Context) (int64, error) {
	var n int64
	err := p.breaker.Execute(ctx, func() error {
		count, err := p.store.RecoverStaleJobs(ctx, time.Now().UTC())
		n = count
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.StaleJobsRecovered.Add(float64(n))
	}
	return n, nil
}

// CountDueJobs reports how many jobs are currently eligible for
// claiming.
func (p *Picker) CountDueJobs(ctx context.Context) (int64, error) {
	return p.store.CountDueJobs(ctx, time.Now().UTC())
}
