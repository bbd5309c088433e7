// Package executor runs one claimed job to completion: it invokes the
// bound handler with an enforced timeout, writes the execution log,
// classifies any failure, applies the retry policy, and — for a
// recurring job — recomputes the next occurrence. Every outcome it
// writes is a single conditional store update, gated on the job's id
// and the calling worker's ownership, so a lock stolen by stale-
// recovery is detected rather than silently overwritten.
package executor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chronos/pkg/logger"
	"chronos/pkg/metrics"
	"chronos/pkg/models"
	"chronos/pkg/schedule"
	"chronos/pkg/storage"
)

var tracer = otel.Tracer("chronos/executor")

// Outcome summarizes what happened to a job after one attempt, for the
// worker orchestrator to turn into an event.
type Outcome struct {
	Job         *models.Job
	LogID       uuid.UUID
	Status      models.ExecutionLogStatus
	Err         error
	WillRetry   bool
	NextRetryAt *time.Time
	Terminal    bool // true if the job reached COMPLETED, FAILED, or BLOCKED-triggering failure
}

// Executor runs a single claimed job against the handler registry.
type Executor struct {
	jobs     storage.JobStore
	logs     storage.LogStore
	registry *Registry
	host     string

	// DefaultTimeout bounds a handler invocation when the job's own
	// lockTimeout is zero or negative (Job.Validate does not check
	// lockTimeout, so this floor covers such jobs).
	DefaultTimeout time.Duration
}

func New(jobs storage.JobStore, logs storage.LogStore, registry *Registry) *Executor {
	host, _ := os.Hostname()
	return &Executor{
		jobs:           jobs,
		logs:           logs,
		registry:       registry,
		host:           host,
		DefaultTimeout: 300 * time.Second,
	}
}

// RunOne executes job, which the caller (the worker's poll loop) has
// already claimed and must own (job.LockedBy == workerID).
func (e *Executor) RunOne(ctx context.Context, job *models.Job, workerID string) Outcome {
	ctx, span := tracer.Start(ctx, "executor.run_one", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.task_type", job.TaskType),
		attribute.Int("job.retry_count", job.RetryCount),
	))
	defer span.End()

	now := time.Now().UTC()

	logEntry := &models.ExecutionLog{
		ID:              uuid.New(),
		JobID:           job.ID,
		JobName:         job.Name,
		JobKind:         job.Kind,
		TaskType:        job.TaskType,
		ScheduledAt:     derefTime(job.NextRunAt, now),
		StartedAt:       &now,
		Status:          models.ExecutionLogStatusRunning,
		RetryAttempt:    job.RetryCount,
		IsRetry:         job.RetryCount > 0,
		WorkerID:        workerID,
		WorkerHost:      e.host,
		PayloadSnapshot: job.Payload,
	}
	if err := e.logs.CreateLog(ctx, logEntry); err != nil {
		span.RecordError(err)
		return Outcome{Job: job, Err: fmt.Errorf("failed to create execution log: %w", err)}
	}

	running, err := e.jobs.MarkRunning(ctx, job.ID, workerID, now)
	if err != nil {
		span.RecordError(err)
		return Outcome{Job: job, Err: fmt.Errorf("failed to mark job running: %w", err)}
	}
	job = running

	handler, ok := e.registry.Resolve(job.TaskType)
	if !ok {
		return e.finishFailure(ctx, job, workerID, logEntry, fmt.Errorf("no handler registered for task type %q", job.TaskType), false, "")
	}

	timeout := time.Duration(job.LockTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, handlerErr := e.invoke(runCtx, handler, job)
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		// The deadline won the race, whether the handler is still running
		// (invoke gave up waiting on it) or it returned right at the wire
		// after the context had already expired — either way this is a
		// timeout, not a handler failure, and must be classified as one
		// regardless of what the handler's own error (if any) says.
		timeoutErr := fmt.Errorf("handler execution timed out after %s", timeout)
		return e.finishFailure(ctx, job, workerID, logEntry, timeoutErr, true, models.ErrorCodeTimeout)
	}

	if handlerErr == nil {
		return e.finishSuccess(ctx, job, workerID, logEntry, result, duration)
	}
	return e.finishFailure(ctx, job, workerID, logEntry, handlerErr, isRetryable(handlerErr.Error()), "")
}

// invokeResult carries a handler's outcome across the goroutine invoke
// runs it on.
type invokeResult struct {
	result models.JSONMap
	err    error
}

// invoke runs the handler on its own goroutine and races it against
// ctx's deadline, so a handler that never returns cannot block RunOne:
// the select returns as soon as ctx is done even if the handler
// goroutine is still running. That goroutine is abandoned in that case
// — the core cannot forcibly kill arbitrary handler code — but it can
// never block anything else since its result is sent to a buffered
// channel nobody has to be listening on.
func (e *Executor) invoke(ctx context.Context, h Handler, job *models.Job) (models.JSONMap, error) {
	view := JobView{ID: job.ID.String(), HumanID: job.HumanID, Name: job.Name, TaskType: job.TaskType, Attempt: job.RetryCount}

	done := make(chan invokeResult, 1)
	go func() {
		var res invokeResult
		func() {
			defer func() {
				if r := recover(); r != nil {
					res.err = fmt.Errorf("handler panicked: %v", r)
				}
			}()
			res.result, res.err = h(ctx, job.Payload, view)
		}()
		done <- res
	}()

	select {
	case res := <-done:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) finishSuccess(ctx context.Context, job *models.Job, workerID string, logEntry *models.ExecutionLog, result models.JSONMap, duration time.Duration) Outcome {
	now := time.Now().UTC()
	resourceMetrics := sampleResources()

	endedAt := now
	if err := e.logs.CloseLog(ctx, logEntry.ID, models.ExecutionLogStatusSuccess, endedAt, result, resourceMetrics, nil, "", "", ""); err != nil {
		logger.Error("failed to close execution log", zap.Error(err))
	}
	metrics.RecordExecution(job.TaskType, string(models.ExecutionLogStatusSuccess), duration.Seconds())

	if job.Kind == models.JobKindOneTime {
		updated, err := e.jobs.CompleteOneTime(ctx, job.ID, workerID, now, now.Add(5*24*time.Hour), result)
		if err != nil {
			return Outcome{Job: job, Err: fmt.Errorf("failed to complete one-time job: %w", err)}
		}
		e.fanOutOrBlock(ctx, updated, true)
		return Outcome{Job: updated, LogID: logEntry.ID, Status: models.ExecutionLogStatusSuccess, Terminal: true}
	}

	next, err := schedule.NextRun(job, now)
	if err != nil {
		return Outcome{Job: job, Err: fmt.Errorf("failed to compute next run: %w", err)}
	}
	if next == nil {
		updated, err := e.jobs.CompleteRecurringFinal(ctx, job.ID, workerID, now, now.Add(5*24*time.Hour), result)
		if err != nil {
			return Outcome{Job: job, Err: fmt.Errorf("failed to complete recurring job: %w", err)}
		}
		e.fanOutOrBlock(ctx, updated, true)
		return Outcome{Job: updated, LogID: logEntry.ID, Status: models.ExecutionLogStatusSuccess, Terminal: true}
	}

	updated, err := e.jobs.RescheduleRecurring(ctx, job.ID, workerID, now, *next, result)
	if err != nil {
		return Outcome{Job: job, Err: fmt.Errorf("failed to reschedule recurring job: %w", err)}
	}
	e.fanOutOrBlock(ctx, updated, true)
	return Outcome{Job: updated, LogID: logEntry.ID, Status: models.ExecutionLogStatusSuccess}
}

// finishFailure closes logEntry as a failure and applies the retry
// policy. forcedCode, when non-empty, overrides message-based
// classification entirely — used for timeouts, whose code is a fact
// about the deadline, not something to infer from the error text.
func (e *Executor) finishFailure(ctx context.Context, job *models.Job, workerID string, logEntry *models.ExecutionLog, handlerErr error, retryable bool, forcedCode models.ErrorCode) Outcome {
	now := time.Now().UTC()
	code := forcedCode
	if code == "" {
		code = classify(handlerErr.Error())
	}
	resourceMetrics := sampleResources()

	logStatus := models.ExecutionLogStatusFailed
	if code == models.ErrorCodeTimeout {
		logStatus = models.ExecutionLogStatusTimeout
	}

	willRetry := retryable && job.RetryCount < job.MaxRetries
	var nextRetryAt *time.Time
	metadata := models.JSONMap{
		"willRetry":       willRetry,
		"remainingRetries": job.MaxRetries - job.RetryCount,
		"retryDelay":      job.RetryDelay,
	}

	if willRetry {
		delay := backoff(job, job.RetryCount)
		t := now.Add(delay)
		nextRetryAt = &t
		metadata["nextRetryAt"] = t
	}

	if err := e.logs.CloseLog(ctx, logEntry.ID, logStatus, now, nil, resourceMetrics, metadata, handlerErr.Error(), "", code); err != nil {
		logger.Error("failed to close execution log", zap.Error(err))
	}
	metrics.RecordExecution(job.TaskType, string(logStatus), time.Since(derefTime(logEntry.StartedAt, now)).Seconds())

	if willRetry {
		metrics.RetriesTotal.WithLabelValues(job.TaskType).Inc()
		updated, err := e.jobs.ScheduleRetry(ctx, job.ID, workerID, *nextRetryAt, handlerErr.Error(), "")
		if err != nil {
			return Outcome{Job: job, Err: fmt.Errorf("failed to schedule retry: %w", err)}
		}
		return Outcome{Job: updated, LogID: logEntry.ID, Status: logStatus, Err: handlerErr, WillRetry: true, NextRetryAt: nextRetryAt}
	}

	updated, err := e.jobs.FailTerminal(ctx, job.ID, workerID, now, handlerErr.Error(), "")
	if err != nil {
		return Outcome{Job: job, Err: fmt.Errorf("failed to fail job terminally: %w", err)}
	}
	e.fanOutOrBlock(ctx, updated, false)
	return Outcome{Job: updated, LogID: logEntry.ID, Status: logStatus, Err: handlerErr, Terminal: true}
}

// fanOutOrBlock propagates a terminal outcome to WAITING dependents:
// success schedules them immediately, permanent failure blocks them.
func (e *Executor) fanOutOrBlock(ctx context.Context, job *models.Job, succeeded bool) {
	if job.Status != models.JobStatusCompleted && job.Status != models.JobStatusFailed {
		return
	}
	if succeeded {
		n, err := e.jobs.FanOutDependents(ctx, job.ID, time.Now().UTC())
		if err != nil {
			logger.Error("failed to fan out dependents", zap.Error(err), zap.String("job_id", job.ID.String()))
			return
		}
		if n > 0 {
			metrics.DependentsFannedOut.Add(float64(n))
		}
		return
	}
	n, err := e.jobs.BlockDependents(ctx, job.ID)
	if err != nil {
		logger.Error("failed to block dependents", zap.Error(err), zap.String("job_id", job.ID.String()))
		return
	}
	if n > 0 {
		metrics.DependentsBlocked.Add(float64(n))
	}
}

func derefTime(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}

// sampleResources captures a coarse resource snapshot alongside each
// attempt, so operators can correlate a handler's failures with host
// pressure after the fact.
func sampleResources() models.JSONMap {
	out := models.JSONMap{}
	if v, err := mem.VirtualMemory(); err == nil {
		out["memUsedPercent"] = v.UsedPercent
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		out["cpuPercent"] = pcts[0]
	}
	return out
}
