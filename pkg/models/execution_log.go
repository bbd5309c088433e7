package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionLogStatus is the outcome of one handler invocation.
type ExecutionLogStatus string

const (
	ExecutionLogStatusRunning ExecutionLogStatus = "RUNNING"
	ExecutionLogStatusSuccess ExecutionLogStatus = "SUCCESS"
	ExecutionLogStatusFailed  ExecutionLogStatus = "FAILED"
	ExecutionLogStatusTimeout ExecutionLogStatus = "TIMEOUT"
	ExecutionLogStatusSkipped ExecutionLogStatus = "SKIPPED"
)

// ErrorCode classifies a handler failure per spec.md §4.4.2.
type ErrorCode string

const (
	ErrorCodeTimeout         ErrorCode = "TIMEOUT"
	ErrorCodeNetworkError    ErrorCode = "NETWORK_ERROR"
	ErrorCodeRateLimit       ErrorCode = "RATE_LIMIT"
	ErrorCodeMemoryError     ErrorCode = "MEMORY_ERROR"
	ErrorCodePermissionError ErrorCode = "PERMISSION_ERROR"
	ErrorCodeValidationError ErrorCode = "VALIDATION_ERROR"
	ErrorCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrorCodeHandlerError    ErrorCode = "HANDLER_ERROR"
	ErrorCodeUnknown         ErrorCode = "UNKNOWN_ERROR"
)

// ExecutionLog is an append-only record of one execution attempt. Job
// identity fields are denormalized (frozen) at the moment the attempt
// starts so a log entry still reads sensibly after the Job itself is
// renamed, retyped, or deleted.
type ExecutionLog struct {
	ID    uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	JobID uuid.UUID `json:"jobId" gorm:"type:uuid;index;not null"`

	JobName  string  `json:"jobName"`
	JobKind  JobKind `json:"jobKind" gorm:"column:job_kind;type:varchar(20)"`
	TaskType string  `json:"taskType"`

	ScheduledAt time.Time  `json:"scheduledAt"`
	StartedAt   *time.Time `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt"`
	DurationMs  *int64     `json:"durationMs"`

	Status       ExecutionLogStatus `json:"status" gorm:"type:varchar(20);index"`
	RetryAttempt int                `json:"retryAttempt"`
	IsRetry      bool               `json:"isRetry"`

	ErrorMessage string    `json:"errorMessage"`
	ErrorStack   string    `json:"errorStack"`
	ErrorCode    ErrorCode `json:"errorCode" gorm:"type:varchar(30)"`

	WorkerID   string `json:"workerId" gorm:"index"`
	WorkerHost string `json:"workerHost"`

	PayloadSnapshot JSONMap `json:"payloadSnapshot" gorm:"type:jsonb"`
	Result          JSONMap `json:"result" gorm:"type:jsonb"`
	ResourceMetrics JSONMap `json:"resourceMetrics" gorm:"type:jsonb"`
	Metadata        JSONMap `json:"metadata" gorm:"type:jsonb"`

	ExpireAt  *time.Time `json:"expireAt" gorm:"index"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Normalize mints a surrogate key if one wasn't already assigned and
// derives IsRetry from RetryAttempt, called by CreateLog before insert.
func (e *ExecutionLog) Normalize() {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.IsRetry = e.RetryAttempt > 0
}

// Close finalizes a RUNNING log entry with an outcome, enforcing the
// duration = end - start invariant of spec.md §3.
func (e *ExecutionLog) Close(status ExecutionLogStatus, at time.Time) {
	e.Status = status
	e.EndedAt = &at
	if e.StartedAt != nil {
		d := at.Sub(*e.StartedAt).Milliseconds()
		e.DurationMs = &d
	}
}
