// Package memstore is an in-process reference implementation of
// storage.JobStore, storage.LogStore and storage.CounterStore, used by
// the tests of pkg/executor, pkg/picker and pkg/worker to exercise the
// claim/retry/fan-out state machine without a live Postgres.
package memstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chronos/pkg/models"
	"chronos/pkg/schedule"
	"chronos/pkg/storage"
)

// Store is a mutex-guarded map-backed storage implementation.
type Store struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.Job
	logs     map[uuid.UUID]*models.ExecutionLog
	counters map[string]int64
}

func New() *Store {
	return &Store{
		jobs:     make(map[uuid.UUID]*models.Job),
		logs:     make(map[uuid.UUID]*models.ExecutionLog),
		counters: make(map[string]int64),
	}
}

func clone(j *models.Job) *models.Job {
	c := *j
	return &c
}

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now

	if job.DependsOnJobID != nil {
		job.Status = models.JobStatusWaiting
		job.NextRunAt = nil
	} else {
		job.Status = models.JobStatusScheduled
		next, err := schedule.InitialNextRun(job, now)
		if err != nil {
			return err
		}
		job.NextRunAt = next
	}

	s.counters["job"]++
	job.HumanID = strconv.FormatInt(s.counters["job"], 10)

	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(j), nil
}

func (s *Store) GetJobByHumanID(ctx context.Context, humanID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.HumanID == humanID {
			return clone(j), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListJobs(ctx context.Context, q storage.JobQuery) ([]models.Job, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.Job
	for _, j := range s.jobs {
		if !q.IncludeSoft && !j.IsActive {
			continue
		}
		if q.OwnerID != "" && j.OwnerID != q.OwnerID {
			continue
		}
		if q.Status != "" && j.Status != q.Status {
			continue
		}
		if q.TextSearch != "" {
			ts := strings.ToLower(q.TextSearch)
			if !strings.Contains(strings.ToLower(j.Name), ts) && !strings.Contains(strings.ToLower(j.Description), ts) {
				continue
			}
		}
		if len(q.Tags) > 0 && !containsAll(j.Tags, q.Tags) {
			continue
		}
		matched = append(matched, *j)
	}

	sort.Slice(matched, func(i, k int) bool { return matched[i].CreatedAt.After(matched[k].CreatedAt) })
	total := int64(len(matched))

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	start := q.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func containsAll(haystack models.StringSlice, needles []string) bool {
	set := make(map[string]struct{}, len(haystack))
	for _, h := range haystack {
		set[h] = struct{}{}
	}
	for _, n := range needles {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}

func (s *Store) ClaimOne(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*models.Job
	for _, j := range s.jobs {
		if j.Status != models.JobStatusScheduled || !j.IsActive {
			continue
		}
		if j.NextRunAt == nil || j.NextRunAt.After(now) {
			continue
		}
		if j.LockedBy != nil && j.LockedAt != nil && !staleLock(j, now) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority < candidates[k].Priority
		}
		return candidates[i].NextRunAt.Before(*candidates[k].NextRunAt)
	})

	j := candidates[0]
	j.Status = models.JobStatusQueued
	j.LockedBy = &workerID
	j.LockedAt = &now
	j.UpdatedAt = now
	return clone(j), nil
}

func staleLock(j *models.Job, now time.Time) bool {
	if j.LockedAt == nil {
		return true
	}
	return now.Sub(*j.LockedAt) > time.Duration(j.LockTimeout)*time.Millisecond
}

func (s *Store) ReleaseJob(ctx context.Context, id uuid.UUID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.LockedBy == nil || *j.LockedBy != workerID {
		return false, nil
	}
	j.Status = models.JobStatusScheduled
	j.LockedBy, j.LockedAt = nil, nil
	return true, nil
}

func (s *Store) ReleaseAllHeldBy(ctx context.Context, workerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.LockedBy != nil && *j.LockedBy == workerID &&
			(j.Status == models.JobStatusQueued || j.Status == models.JobStatusRunning) {
			j.Status = models.JobStatusScheduled
			j.LockedBy, j.LockedAt = nil, nil
			n++
		}
	}
	return n, nil
}

func (s *Store) RecoverStaleJobs(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if (j.Status == models.JobStatusQueued || j.Status == models.JobStatusRunning) &&
			j.LockedBy != nil && staleLock(j, now) {
			j.Status = models.JobStatusScheduled
			j.LockedBy, j.LockedAt = nil, nil
			j.RetryCount++
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) CountDueJobs(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == models.JobStatusScheduled && j.IsActive && j.NextRunAt != nil && !j.NextRunAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, workerID string, now time.Time) (*models.Job, error) {
	return s.transition(id, workerID, models.JobStatusQueued, func(j *models.Job) {
		j.Status = models.JobStatusRunning
		j.LockedAt = &now
		j.LastRunAt = &now
	})
}

func (s *Store) CompleteOneTime(ctx context.Context, id uuid.UUID, workerID string, now, expireAt time.Time, result models.JSONMap) (*models.Job, error) {
	return s.transition(id, workerID, models.JobStatusRunning, func(j *models.Job) {
		j.Status = models.JobStatusCompleted
		j.RetryCount = 0
		j.LastError, j.LastErrorStack = "", ""
		j.LastResult = result
		j.LockedBy, j.LockedAt = nil, nil
		j.ExpireAt = &expireAt
	})
}

func (s *Store) RescheduleRecurring(ctx context.Context, id uuid.UUID, workerID string, now, nextRunAt time.Time, result models.JSONMap) (*models.Job, error) {
	return s.transition(id, workerID, models.JobStatusRunning, func(j *models.Job) {
		j.Status = models.JobStatusScheduled
		j.NextRunAt = &nextRunAt
		j.RetryCount = 0
		j.LastError, j.LastErrorStack = "", ""
		j.LastResult = result
		j.LockedBy, j.LockedAt = nil, nil
	})
}

func (s *Store) CompleteRecurringFinal(ctx context.Context, id uuid.UUID, workerID string, now, expireAt time.Time, result models.JSONMap) (*models.Job, error) {
	return s.transition(id, workerID, models.JobStatusRunning, func(j *models.Job) {
		j.Status = models.JobStatusCompleted
		j.RetryCount = 0
		j.LastResult = result
		j.LockedBy, j.LockedAt = nil, nil
		j.ExpireAt = &expireAt
	})
}

func (s *Store) ScheduleRetry(ctx context.Context, id uuid.UUID, workerID string, nextRunAt time.Time, errMsg, errStack string) (*models.Job, error) {
	return s.transition(id, workerID, models.JobStatusRunning, func(j *models.Job) {
		j.Status = models.JobStatusScheduled
		j.NextRunAt = &nextRunAt
		j.RetryCount++
		j.LastError, j.LastErrorStack = errMsg, errStack
		j.LockedBy, j.LockedAt = nil, nil
	})
}

func (s *Store) FailTerminal(ctx context.Context, id uuid.UUID, workerID string, now time.Time, errMsg, errStack string) (*models.Job, error) {
	return s.transition(id, workerID, models.JobStatusRunning, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.LastError, j.LastErrorStack = errMsg, errStack
		j.LockedBy, j.LockedAt = nil, nil
	})
}

// transition applies mutate to the job if it is currently lockedBy
// workerID and in fromStatus, returning storage.ErrNoMatch otherwise —
// mirroring the atomic `WHERE id = ? AND locked_by = ? AND status = ?`
// guard the Postgres store enforces in SQL.
func (s *Store) transition(id uuid.UUID, workerID string, fromStatus models.JobStatus, mutate func(*models.Job)) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.LockedBy == nil || *j.LockedBy != workerID || j.Status != fromStatus {
		return nil, storage.ErrNoMatch
	}
	mutate(j)
	j.UpdatedAt = time.Now().UTC()
	return clone(j), nil
}

func (s *Store) CancelJob(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.setStatusIfIn(id, models.JobStatusCancelled,
		models.JobStatusPending, models.JobStatusScheduled, models.JobStatusQueued)
}

func (s *Store) PauseJob(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.setStatusIfIn(id, models.JobStatusPaused, models.JobStatusPending, models.JobStatusScheduled)
}

func (s *Store) setStatusIfIn(id uuid.UUID, to models.JobStatus, from ...models.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if j.Status == f {
			j.Status = to
			j.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ResumeJob(ctx context.Context, id uuid.UUID, nextRunAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobStatusPaused {
		return false, nil
	}
	j.Status = models.JobStatusScheduled
	j.NextRunAt = &nextRunAt
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) TriggerNow(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if j.Status != models.JobStatusScheduled && j.Status != models.JobStatusPaused {
		return false, nil
	}
	j.Status = models.JobStatusScheduled
	j.NextRunAt = &now
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	j.IsActive = false
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateMetadata(ctx context.Context, id uuid.UUID, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	j.Name = job.Name
	j.Description = job.Description
	j.Tags = job.Tags
	j.Priority = job.Priority
	j.MaxRetries = job.MaxRetries
	j.RetryDelay = job.RetryDelay
	j.Payload = job.Payload
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ListWaitingChildren(ctx context.Context, parentID uuid.UUID) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.DependsOnJobID != nil && *j.DependsOnJobID == parentID && j.Status == models.JobStatusWaiting {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *Store) FanOutDependents(ctx context.Context, parentID uuid.UUID, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.DependsOnJobID != nil && *j.DependsOnJobID == parentID && j.Status == models.JobStatusWaiting {
			j.Status = models.JobStatusScheduled
			j.NextRunAt = &now
			n++
		}
	}
	return n, nil
}

func (s *Store) BlockDependents(ctx context.Context, parentID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.DependsOnJobID != nil && *j.DependsOnJobID == parentID && j.Status == models.JobStatusWaiting {
			j.Status = models.JobStatusBlocked
			n++
		}
	}
	return n, nil
}

func (s *Store) CountByStatus(ctx context.Context) (storage.JobStatCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := storage.JobStatCounts{}
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (s *Store) CountByTaskType(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int64{}
	for _, j := range s.jobs {
		out[j.TaskType]++
	}
	return out, nil
}

func (s *Store) HourlyHistogram(ctx context.Context, since time.Time) ([]storage.HourlyBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buckets := map[time.Time]int64{}
	for _, l := range s.logs {
		if l.StartedAt == nil || l.StartedAt.Before(since) {
			continue
		}
		hour := l.StartedAt.Truncate(time.Hour)
		buckets[hour]++
	}
	out := make([]storage.HourlyBucket, 0, len(buckets))
	for h, c := range buckets {
		out = append(out, storage.HourlyBucket{HourStart: h, Count: c})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].HourStart.Before(out[k].HourStart) })
	return out, nil
}

func (s *Store) CreateLog(ctx context.Context, log *models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Normalize()
	cp := *log
	s.logs[log.ID] = &cp
	return nil
}

func (s *Store) CloseLog(ctx context.Context, id uuid.UUID, status models.ExecutionLogStatus, endedAt time.Time, result, resourceMetrics, metadata models.JSONMap, errMsg, errStack string, errCode models.ErrorCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return storage.ErrNotFound
	}
	l.Status = status
	l.EndedAt = &endedAt
	if l.StartedAt != nil {
		d := endedAt.Sub(*l.StartedAt).Milliseconds()
		l.DurationMs = &d
	}
	l.Result, l.ResourceMetrics, l.Metadata = result, resourceMetrics, metadata
	l.ErrorMessage, l.ErrorStack, l.ErrorCode = errMsg, errStack, errCode
	return nil
}

func (s *Store) GetLog(ctx context.Context, id uuid.UUID) (*models.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *Store) ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]models.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ExecutionLog
	for _, l := range s.logs {
		if l.JobID == jobID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ScheduledAt.After(out[k].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountByJob(ctx context.Context, jobID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, l := range s.logs {
		if l.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (s *Store) Increment(ctx context.Context, name string, seed int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[name]; !ok {
		s.counters[name] = seed
	}
	s.counters[name]++
	return s.counters[name], nil
}
