// Package storage defines the persistence contract the scheduling engine
// relies on: a JobStore offering atomic conditional updates, an
// append-only LogStore, and a CounterStore for sequence allocation. See
// pkg/storage/postgres for the GORM/pgx-backed implementation and
// pkg/storage/memstore for the in-memory reference implementation used by
// property tests.
package storage

import (
	"context"
	"errors"
	"time"

	"chronos/pkg/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a lookup by id finds nothing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned on a unique-constraint violation (e.g. a
	// duplicate human id, retried by the caller via the counter).
	ErrConflict = errors.New("record already exists")
	// ErrNoMatch is returned by a conditional update whose filter matched
	// no row; the caller must not treat this as an error worth retrying
	// the same write, only as "someone else got there first".
	ErrNoMatch = errors.New("no record matched the conditional update")
)

// JobStatCounts is a status -> count aggregation.
type JobStatCounts map[models.JobStatus]int64

// HourlyBucket is one bucket of the hourly execution histogram.
type HourlyBucket struct {
	HourStart time.Time
	Count     int64
}

// JobQuery is a predicate for JobStore.ListJobs, covering the free-text
// and tag search spec.md §4.1 requires of the store's indexes.
type JobQuery struct {
	OwnerID     string
	Tags        []string
	TextSearch  string
	Status      models.JobStatus
	IncludeSoft bool // include soft-deleted (isActive=false) jobs
	Limit       int
	Offset      int
}

// JobStore is the single coordination point for Job records. Every
// status or lock transition beyond CreateJob is a conditional update
// gated on the job's id and its expected predecessor state (status
// and/or lockedBy) — the only primitive the engine's correctness depends
// on. SoftDelete and UpdateMetadata are the exceptions: they are keyed
// on id alone.
type JobStore interface {
	// CreateJob validates, mints a HumanID from the counter, computes the
	// initial nextRunAt, and persists the job as SCHEDULED (or WAITING if
	// DependsOnJobID is set).
	CreateJob(ctx context.Context, job *models.Job) error

	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobByHumanID(ctx context.Context, humanID string) (*models.Job, error)
	ListJobs(ctx context.Context, q JobQuery) ([]models.Job, int64, error)

	// ClaimOne atomically claims a single due, unlocked-or-stale job for
	// workerID: SCHEDULED -> QUEUED, lockedBy <- workerID, lockedAt <- now.
	// Returns (nil, nil) if no job matched.
	ClaimOne(ctx context.Context, workerID string, now time.Time) (*models.Job, error)

	// ReleaseJob returns a job this worker holds to SCHEDULED, conditional
	// on lockedBy = workerID. Returns false if the condition didn't hold.
	ReleaseJob(ctx context.Context, id uuid.UUID, workerID string) (bool, error)

	// ReleaseAllHeldBy releases every job locked by workerID, used on
	// shutdown when the drain deadline is exceeded.
	ReleaseAllHeldBy(ctx context.Context, workerID string) (int64, error)

	// RecoverStaleJobs resets QUEUED/RUNNING jobs whose lock has expired
	// back to SCHEDULED, clears the lock, and increments retryCount. Safe
	// to call concurrently from multiple workers (P7).
	RecoverStaleJobs(ctx context.Context, now time.Time) (int64, error)

	CountDueJobs(ctx context.Context, now time.Time) (int64, error)

	// MarkRunning re-asserts ownership (QUEUED -> RUNNING, refreshing
	// lockedAt) before the handler is invoked.
	MarkRunning(ctx context.Context, id uuid.UUID, workerID string, now time.Time) (*models.Job, error)

	// CompleteOneTime finishes a ONE_TIME job successfully: status <-
	// COMPLETED, retryCount <- 0, lock cleared, expireAt set.
	CompleteOneTime(ctx context.Context, id uuid.UUID, workerID string, now, expireAt time.Time, result models.JSONMap) (*models.Job, error)

	// RescheduleRecurring finishes a RECURRING job successfully and still
	// within its schedule window: status <- SCHEDULED, nextRunAt advanced,
	// lock cleared.
	RescheduleRecurring(ctx context.Context, id uuid.UUID, workerID string, now, nextRunAt time.Time, result models.JSONMap) (*models.Job, error)

	// CompleteRecurringFinal finishes a RECURRING job whose next occurrence
	// falls outside its schedule window: status <- COMPLETED.
	CompleteRecurringFinal(ctx context.Context, id uuid.UUID, workerID string, now, expireAt time.Time, result models.JSONMap) (*models.Job, error)

	// ScheduleRetry records a retryable failure: retryCount incremented,
	// nextRunAt <- now + backoff, status <- SCHEDULED, lock cleared.
	ScheduleRetry(ctx context.Context, id uuid.UUID, workerID string, nextRunAt time.Time, errMsg, errStack string) (*models.Job, error)

	// FailTerminal records a permanent failure: status <- FAILED, lock
	// cleared, error fields set.
	FailTerminal(ctx context.Context, id uuid.UUID, workerID string, now time.Time, errMsg, errStack string) (*models.Job, error)

	// TriggerNow pulls a job's nextRunAt forward to now so the next poll
	// claims it immediately, regardless of its normal schedule. Valid
	// from SCHEDULED or PAUSED.
	TriggerNow(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// CancelJob: PENDING|SCHEDULED|QUEUED -> CANCELLED.
	CancelJob(ctx context.Context, id uuid.UUID) (bool, error)
	// PauseJob: PENDING|SCHEDULED -> PAUSED.
	PauseJob(ctx context.Context, id uuid.UUID) (bool, error)
	// ResumeJob: PAUSED -> SCHEDULED.
	ResumeJob(ctx context.Context, id uuid.UUID, nextRunAt time.Time) (bool, error)
	// SoftDelete marks a job inactive; it is never picked again.
	SoftDelete(ctx context.Context, id uuid.UUID) error

	// UpdateMetadata patches the describe-only fields (name, description,
	// tags, priority, maxRetries, retryDelay, payload) unconditionally on
	// id. None of these fields is part of the claim filter or of a
	// status/lock transition, so there is no predecessor state to race
	// against; priority only changes the order in which due jobs are
	// claimed.
	UpdateMetadata(ctx context.Context, id uuid.UUID, job *models.Job) error

	// ListWaitingChildren returns jobs with dependsOnJobId = parentID and
	// status = WAITING.
	ListWaitingChildren(ctx context.Context, parentID uuid.UUID) ([]models.Job, error)
	// FanOutDependents transitions WAITING children of parentID to
	// SCHEDULED with nextRunAt = now (parent succeeded).
	FanOutDependents(ctx context.Context, parentID uuid.UUID, now time.Time) (int64, error)
	// BlockDependents transitions WAITING children of parentID to BLOCKED
	// (parent permanently failed).
	BlockDependents(ctx context.Context, parentID uuid.UUID) (int64, error)

	// CountByStatus / CountByTaskType / HourlyHistogram back the
	// dashboard's aggregation queries.
	CountByStatus(ctx context.Context) (JobStatCounts, error)
	CountByTaskType(ctx context.Context) (map[string]int64, error)
	HourlyHistogram(ctx context.Context, since time.Time) ([]HourlyBucket, error)
}

// LogStore is the append-only access layer for ExecutionLog.
type LogStore interface {
	CreateLog(ctx context.Context, log *models.ExecutionLog) error
	CloseLog(ctx context.Context, id uuid.UUID, status models.ExecutionLogStatus, endedAt time.Time, result, resourceMetrics, metadata models.JSONMap, errMsg, errStack string, errCode models.ErrorCode) error
	GetLog(ctx context.Context, id uuid.UUID) (*models.ExecutionLog, error)
	ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]models.ExecutionLog, error)
	CountByJob(ctx context.Context, jobID uuid.UUID) (int64, error)
}

// CounterStore provides atomic get-and-increment on a named key, used to
// mint sequential human-readable job ids.
type CounterStore interface {
	Increment(ctx context.Context, name string, seed int64) (int64, error)
}
