package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"chronos/pkg/models"
	"chronos/pkg/storage"
)

// CreateLog inserts the opening record of an execution attempt. Callers
// set Status to RUNNING and StartedAt before calling this.
func (s *PostgresStore) CreateLog(ctx context.Context, log *models.ExecutionLog) error {
	log.Normalize()
	if result := s.db.WithContext(ctx).Create(log); result.Error != nil {
		return fmt.Errorf("failed to create execution log: %w", result.Error)
	}
	return nil
}

// CloseLog finalizes a log row with its terminal outcome. DurationMs is
// computed from the row's own StartedAt, not the caller's clock, so it
// reflects actual wall time even if the caller raced.
func (s *PostgresStore) CloseLog(ctx context.Context, id uuid.UUID, status models.ExecutionLogStatus, endedAt time.Time, result, resourceMetrics, metadata models.JSONMap, errMsg, errStack string, errCode models.ErrorCode) error {
	const q = `
UPDATE execution_logs SET
	status = ?, ended_at = ?,
	duration_ms = EXTRACT(EPOCH FROM (? - started_at)) * 1000,
	result = ?, resource_metrics = ?, metadata = ?,
	error_message = ?, error_stack = ?, error_code = ?
WHERE id = ?`

	res := s.db.WithContext(ctx).Exec(q, status, endedAt, endedAt, result, resourceMetrics, metadata, errMsg, errStack, errCode, id)
	if res.Error != nil {
		return fmt.Errorf("failed to close execution log: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetLog(ctx context.Context, id uuid.UUID) (*models.ExecutionLog, error) {
	var log models.ExecutionLog
	result := s.db.WithContext(ctx).First(&log, "id = ?", id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &log, nil
}

func (s *PostgresStore) ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]models.ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []models.ExecutionLog
	result := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("scheduled_at desc").
		Limit(limit).
		Find(&logs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", result.Error)
	}
	return logs, nil
}

func (s *PostgresStore) CountByJob(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&models.ExecutionLog{}).Where("job_id = ?", jobID).Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count execution logs: %w", result.Error)
	}
	return count, nil
}
