// Package postgres is the GORM/pgx-backed JobStore, LogStore and
// CounterStore implementation. Every mutating method beyond CreateJob
// writes with a single atomic SQL statement — a conditional `UPDATE ...
// WHERE ...` (ClaimOne and ScheduleRetry add `RETURNING *`; the other
// outcome writes re-read the row afterwards), the Postgres equivalent of the "findAndUpdate" primitive
// spec.md §4.1 requires — so two workers racing the same row can never
// both observe success.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chronos/pkg/models"
	"chronos/pkg/schedule"
	"chronos/pkg/storage"
)

// PostgresStore implements storage.JobStore, storage.LogStore and
// storage.CounterStore against a single Postgres database.
type PostgresStore struct {
	db *gorm.DB
}

// New opens the GORM connection, tunes the pool and runs AutoMigrate,
// following the donor's NewPostgresStore shape.
func New(connString string) (*PostgresStore, error) {
	cfg := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.Job{}, &models.ExecutionLog{}, &models.Counter{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateJob validates the job, allocates its HumanID from the "job"
// counter, computes the initial nextRunAt (or leaves it nil for a
// dependent job created WAITING), and inserts it.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
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
			return fmt.Errorf("failed to compute initial next run: %w", err)
		}
		job.NextRunAt = next
	}

	seq, err := s.Increment(ctx, "job", 0)
	if err != nil {
		return fmt.Errorf("failed to allocate job id: %w", err)
	}
	job.HumanID = strconv.FormatInt(seq, 10)

	if result := s.db.WithContext(ctx).Create(job); result.Error != nil {
		return fmt.Errorf("failed to create job: %w", result.Error)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	result := s.db.WithContext(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &job, nil
}

func (s *PostgresStore) GetJobByHumanID(ctx context.Context, humanID string) (*models.Job, error) {
	var job models.Job
	result := s.db.WithContext(ctx).First(&job, "human_id = ?", humanID)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, q storage.JobQuery) ([]models.Job, int64, error) {
	tx := s.db.WithContext(ctx).Model(&models.Job{})
	if !q.IncludeSoft {
		tx = tx.Where("is_active = ?", true)
	}
	if q.OwnerID != "" {
		tx = tx.Where("owner_id = ?", q.OwnerID)
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", q.Status)
	}
	if q.TextSearch != "" {
		like := "%" + q.TextSearch + "%"
		tx = tx.Where("name ILIKE ? OR description ILIKE ?", like, like)
	}
	for _, tag := range q.Tags {
		tx = tx.Where("tags @> ?", fmt.Sprintf(`["%s"]`, tag))
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var jobs []models.Job
	result := tx.Order("created_at desc").Limit(limit).Offset(q.Offset).Find(&jobs)
	if result.Error != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", result.Error)
	}
	return jobs, total, nil
}

// ClaimOne is the Job Picker's atomic claim: the inner SELECT locks at
// most one due, unlocked-or-stale row with FOR UPDATE SKIP LOCKED (so
// concurrent claimants never contend on the same candidate row), sorted
// by priority then nextRunAt; the outer UPDATE transitions it to QUEUED
// under this worker. RETURNING hands back the post-update row in the
// same round trip.
func (s *PostgresStore) ClaimOne(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	const q = `
UPDATE jobs SET status = ?, locked_by = ?, locked_at = ?, updated_at = ?
WHERE id = (
	SELECT id FROM jobs
	WHERE status = ?
	  AND next_run_at <= ?
	  AND is_active = true
	  AND (locked_by IS NULL OR locked_at IS NULL OR locked_at < (? - (lock_timeout * interval '1 millisecond')))
	ORDER BY priority ASC, next_run_at ASC
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING *`

	var job models.Job
	result := s.db.WithContext(ctx).Raw(q,
		models.JobStatusQueued, workerID, now, now,
		models.JobStatusScheduled, now, now,
	).Scan(&job)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to claim job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &job, nil
}

func (s *PostgresStore) ReleaseJob(ctx context.Context, id uuid.UUID, workerID string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND locked_by = ?", id, workerID).
		Updates(map[string]interface{}{
			"status":    models.JobStatusScheduled,
			"locked_by": nil,
			"locked_at": nil,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to release job: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *PostgresStore) ReleaseAllHeldBy(ctx context.Context, workerID string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("locked_by = ? AND status IN ?", workerID, []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning}).
		Updates(map[string]interface{}{
			"status":    models.JobStatusScheduled,
			"locked_by": nil,
			"locked_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to release jobs held by %s: %w", workerID, result.Error)
	}
	return result.RowsAffected, nil
}

// RecoverStaleJobs reclaims work abandoned by crashed workers. It is
// idempotent: once a row's lock is cleared, a re-run of this same
// statement no longer matches it (P7).
func (s *PostgresStore) RecoverStaleJobs(ctx context.Context, now time.Time) (int64, error) {
	const q = `
UPDATE jobs SET status = ?, locked_by = NULL, locked_at = NULL, retry_count = retry_count + 1, updated_at = ?
WHERE status IN ? AND locked_by IS NOT NULL AND locked_at < (? - (lock_timeout * interval '1 millisecond'))`

	result := s.db.WithContext(ctx).Exec(q,
		models.JobStatusScheduled, now,
		[]models.JobStatus{models.JobStatusQueued, models.JobStatusRunning}, now,
	)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *PostgresStore) CountDueJobs(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND next_run_at <= ? AND is_active = true", models.JobStatusScheduled, now).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count due jobs: %w", result.Error)
	}
	return count, nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id uuid.UUID, workerID string, now time.Time) (*models.Job, error) {
	return s.conditionalUpdate(ctx, id, workerID, map[string]interface{}{
		"status":    models.JobStatusRunning,
		"locked_by": workerID,
		"locked_at": now,
		"last_run_at": now,
	}, "status = ?", models.JobStatusQueued)
}

func (s *PostgresStore) CompleteOneTime(ctx context.Context, id uuid.UUID, workerID string, now, expireAt time.Time, result models.JSONMap) (*models.Job, error) {
	return s.conditionalUpdate(ctx, id, workerID, map[string]interface{}{
		"status":           models.JobStatusCompleted,
		"retry_count":      0,
		"last_error":       "",
		"last_error_stack": "",
		"last_result":      result,
		"locked_by":        nil,
		"locked_at":        nil,
		"expire_at":        expireAt,
	}, "status = ?", models.JobStatusRunning)
}

func (s *PostgresStore) RescheduleRecurring(ctx context.Context, id uuid.UUID, workerID string, now, nextRunAt time.Time, result models.JSONMap) (*models.Job, error) {
	return s.conditionalUpdate(ctx, id, workerID, map[string]interface{}{
		"status":           models.JobStatusScheduled,
		"next_run_at":      nextRunAt,
		"retry_count":      0,
		"last_error":       "",
		"last_error_stack": "",
		"last_result":      result,
		"locked_by":        nil,
		"locked_at":        nil,
	}, "status = ?", models.JobStatusRunning)
}

func (s *PostgresStore) CompleteRecurringFinal(ctx context.Context, id uuid.UUID, workerID string, now, expireAt time.Time, result models.JSONMap) (*models.Job, error) {
	return s.conditionalUpdate(ctx, id, workerID, map[string]interface{}{
		"status":      models.JobStatusCompleted,
		"retry_count": 0,
		"last_result": result,
		"locked_by":   nil,
		"locked_at":   nil,
		"expire_at":   expireAt,
	}, "status = ?", models.JobStatusRunning)
}

func (s *PostgresStore) ScheduleRetry(ctx context.Context, id uuid.UUID, workerID string, nextRunAt time.Time, errMsg, errStack string) (*models.Job, error) {
	const q = `
UPDATE jobs SET status = ?, next_run_at = ?, retry_count = retry_count + 1,
	last_error = ?, last_error_stack = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
WHERE id = ? AND locked_by = ? AND status = ?
RETURNING *`
	var job models.Job
	result := s.db.WithContext(ctx).Raw(q,
		models.JobStatusScheduled, nextRunAt, errMsg, errStack, time.Now().UTC(),
		id, workerID, models.JobStatusRunning,
	).Scan(&job)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to schedule retry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, storage.ErrNoMatch
	}
	return &job, nil
}

func (s *PostgresStore) FailTerminal(ctx context.Context, id uuid.UUID, workerID string, now time.Time, errMsg, errStack string) (*models.Job, error) {
	return s.conditionalUpdate(ctx, id, workerID, map[string]interface{}{
		"status":           models.JobStatusFailed,
		"last_error":       errMsg,
		"last_error_stack": errStack,
		"locked_by":        nil,
		"locked_at":        nil,
	}, "status = ?", models.JobStatusRunning)
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", id, []models.JobStatus{models.JobStatusPending, models.JobStatusScheduled, models.JobStatusQueued}).
		Update("status", models.JobStatusCancelled)
	if result.Error != nil {
		return false, fmt.Errorf("failed to cancel job: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *PostgresStore) PauseJob(ctx context.Context, id uuid.UUID) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", id, []models.JobStatus{models.JobStatusPending, models.JobStatusScheduled}).
		Update("status", models.JobStatusPaused)
	if result.Error != nil {
		return false, fmt.Errorf("failed to pause job: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *PostgresStore) ResumeJob(ctx context.Context, id uuid.UUID, nextRunAt time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobStatusPaused).
		Updates(map[string]interface{}{
			"status":      models.JobStatusScheduled,
			"next_run_at": nextRunAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to resume job: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *PostgresStore) TriggerNow(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", id, []models.JobStatus{models.JobStatusScheduled, models.JobStatusPaused}).
		Updates(map[string]interface{}{
			"status":      models.JobStatusScheduled,
			"next_run_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to trigger job: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to soft-delete job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateMetadata(ctx context.Context, id uuid.UUID, job *models.Job) error {
	updates := map[string]interface{}{
		"name":        job.Name,
		"description": job.Description,
		"tags":        job.Tags,
		"priority":    job.Priority,
		"max_retries": job.MaxRetries,
		"retry_delay": job.RetryDelay,
		"payload":     job.Payload,
	}
	result := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update job metadata: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListWaitingChildren(ctx context.Context, parentID uuid.UUID) ([]models.Job, error) {
	var jobs []models.Job
	result := s.db.WithContext(ctx).
		Where("depends_on_job_id = ? AND status = ?", parentID, models.JobStatusWaiting).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list waiting children: %w", result.Error)
	}
	return jobs, nil
}

func (s *PostgresStore) FanOutDependents(ctx context.Context, parentID uuid.UUID, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("depends_on_job_id = ? AND status = ?", parentID, models.JobStatusWaiting).
		Updates(map[string]interface{}{
			"status":      models.JobStatusScheduled,
			"next_run_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to fan out dependents: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *PostgresStore) BlockDependents(ctx context.Context, parentID uuid.UUID) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("depends_on_job_id = ? AND status = ?", parentID, models.JobStatusWaiting).
		Update("status", models.JobStatusBlocked)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to block dependents: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (storage.JobStatCounts, error) {
	var rows []struct {
		Status models.JobStatus
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&models.Job{}).
		Select("status, count(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	out := storage.JobStatCounts{}
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

func (s *PostgresStore) CountByTaskType(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		TaskType string
		Count    int64
	}
	if err := s.db.WithContext(ctx).Model(&models.Job{}).
		Select("task_type, count(*) as count").Group("task_type").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count by task type: %w", err)
	}
	out := map[string]int64{}
	for _, r := range rows {
		out[r.TaskType] = r.Count
	}
	return out, nil
}

func (s *PostgresStore) HourlyHistogram(ctx context.Context, since time.Time) ([]storage.HourlyBucket, error) {
	var rows []struct {
		HourStart time.Time
		Count     int64
	}
	if err := s.db.WithContext(ctx).Model(&models.ExecutionLog{}).
		Select("date_trunc('hour', started_at) as hour_start, count(*) as count").
		Where("started_at >= ?", since).
		Group("hour_start").Order("hour_start").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to build hourly histogram: %w", err)
	}
	out := make([]storage.HourlyBucket, 0, len(rows))
	for _, r := range rows {
		out = append(out, storage.HourlyBucket{HourStart: r.HourStart, Count: r.Count})
	}
	return out, nil
}

// conditionalUpdate is the shared shape behind every outcome-writing
// transition: gated on the job's id, the caller's workerID (so a stolen
// lock is detected rather than silently overwritten — spec.md §9) and an
// expected predecessor status.
func (s *PostgresStore) conditionalUpdate(ctx context.Context, id uuid.UUID, workerID string, fields map[string]interface{}, statusCol string, expected models.JobStatus) (*models.Job, error) {
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND locked_by = ? AND "+statusCol, id, workerID, expected).
		Updates(fields)
	if result.Error != nil {
		return nil, fmt.Errorf("conditional update failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, storage.ErrNoMatch
	}
	return s.GetJob(ctx, id)
}

// Increment implements storage.CounterStore via an atomic upsert.
func (s *PostgresStore) Increment(ctx context.Context, name string, seed int64) (int64, error) {
	const q = `
INSERT INTO counters (name, value) VALUES (?, ?)
ON CONFLICT (name) DO UPDATE SET value = counters.value + 1
RETURNING value`
	var row struct{ Value int64 }
	result := s.db.WithContext(ctx).Raw(q, name, seed+1).Scan(&row)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to increment counter %q: %w", name, result.Error)
	}
	return row.Value, nil
}
