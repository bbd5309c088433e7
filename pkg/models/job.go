// Package models defines the persistent entities of the scheduling engine:
// Job, ExecutionLog, Lock and Counter, along with the invariants a Job must
// satisfy before it is handed to the store.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobKind distinguishes a single future execution from a repeating one.
type JobKind string

const (
	JobKindOneTime   JobKind = "ONE_TIME"
	JobKindRecurring JobKind = "RECURRING"
)

// JobStatus is the runtime state of a Job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusScheduled JobStatus = "SCHEDULED"
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusPaused    JobStatus = "PAUSED"
	JobStatusCancelled JobStatus = "CANCELLED"
	JobStatusWaiting   JobStatus = "WAITING"
	JobStatusBlocked   JobStatus = "BLOCKED"
)

// RetryStrategy selects the backoff shape used between retry attempts.
type RetryStrategy string

const (
	RetryStrategyFixed       RetryStrategy = "fixed"
	RetryStrategyExponential RetryStrategy = "exponential"
	RetryStrategyLinear      RetryStrategy = "linear"
	RetryStrategyFibonacci   RetryStrategy = "fibonacci"
)

// StringSlice is a JSON-encoded []string JSONB column, following the
// teacher's Scan/Value pattern for structured columns.
type StringSlice []string

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, s)
}

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return json.Marshal(s)
}

// JSONMap is an arbitrary structured JSONB column (payloads, results,
// metadata, resource metrics).
type JSONMap map[string]interface{}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	if len(bytes) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(bytes, m)
}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return json.Marshal(m)
}

// Job is the central entity: a user-defined unit of work, run once or on
// a schedule, with its own retry policy and concurrency control.
type Job struct {
	ID      uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	HumanID string    `json:"humanId" gorm:"uniqueIndex;not null"`

	Name        string      `json:"name" gorm:"not null"`
	Description string      `json:"description"`
	Tags        StringSlice `json:"tags" gorm:"type:jsonb"`
	Timezone    string      `json:"timezone" gorm:"default:UTC"`
	OwnerID     string      `json:"ownerId" gorm:"index"`

	Kind JobKind `json:"kind" gorm:"type:varchar(20);not null"`

	ScheduleTime   *time.Time `json:"scheduleTime"`
	CronExpression string     `json:"cronExpression"`
	IntervalMs     *int64     `json:"interval"`
	StartTime      *time.Time `json:"startTime"`
	EndTime        *time.Time `json:"endTime"`

	TaskType string  `json:"taskType" gorm:"index;not null"`
	Payload  JSONMap `json:"payload" gorm:"type:jsonb"`

	Priority int `json:"priority" gorm:"default:5"`

	Status            JobStatus  `json:"status" gorm:"type:varchar(20);index:idx_due,priority:1"`
	NextRunAt         *time.Time `json:"nextRunAt" gorm:"index:idx_due,priority:2"`
	LastRunAt         *time.Time `json:"lastRunAt"`
	RetryCount        int        `json:"retryCount"`
	ExecutionDuration int64      `json:"executionDuration"`
	LastError         string     `json:"lastError"`
	LastErrorStack    string     `json:"lastErrorStack"`
	LastResult        JSONMap    `json:"lastResult" gorm:"type:jsonb"`

	MaxRetries            int           `json:"maxRetries" gorm:"default:3"`
	RetryDelay            int64         `json:"retryDelay" gorm:"default:60000"`
	UseExponentialBackoff bool          `json:"useExponentialBackoff"`
	MaxRetryDelay         int64         `json:"maxRetryDelay" gorm:"default:3600000"`
	RetryStrategyName     RetryStrategy `json:"retryStrategy" gorm:"column:retry_strategy;type:varchar(20);default:exponential"`
	Jitter                bool          `json:"jitter" gorm:"default:true"`

	LockedBy    *string    `json:"lockedBy" gorm:"index:idx_lock"`
	LockedAt    *time.Time `json:"lockedAt" gorm:"index:idx_lock"`
	LockTimeout int64      `json:"lockTimeout" gorm:"default:300000"`

	DependsOnJobID *uuid.UUID `json:"dependsOnJobId" gorm:"type:uuid;index"`

	IsActive bool       `json:"isActive" gorm:"default:true;index:idx_due,priority:3"`
	ExpireAt *time.Time `json:"expireAt" gorm:"index"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate enforces the structural invariants of spec.md §3 that must
// hold before a Job is persisted. It does not enforce runtime invariants
// (lock/status coupling), which are maintained by the store's conditional
// updates instead.
func (j *Job) Validate() error {
	if len(j.Name) < 3 || len(j.Name) > 200 {
		return errors.New("name must be between 3 and 200 characters")
	}
	if len(j.Description) > 1000 {
		return errors.New("description must be at most 1000 characters")
	}
	if j.Timezone == "" {
		j.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(j.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", j.Timezone, err)
	}
	if j.Priority < 1 || j.Priority > 10 {
		return errors.New("priority must be between 1 and 10")
	}
	if j.MaxRetries < 0 || j.MaxRetries > 10 {
		return errors.New("maxRetries must be between 0 and 10")
	}
	if j.RetryDelay < 1000 {
		return errors.New("retryDelay must be at least 1000ms")
	}
	if j.TaskType == "" {
		return errors.New("taskType is required")
	}

	switch j.Kind {
	case JobKindOneTime:
		if j.ScheduleTime == nil {
			return errors.New("one-time jobs require scheduleTime")
		}
		if j.CronExpression != "" || j.IntervalMs != nil {
			return errors.New("one-time jobs may not set cronExpression or interval")
		}
	case JobKindRecurring:
		hasCron := j.CronExpression != ""
		hasInterval := j.IntervalMs != nil
		if hasCron == hasInterval {
			return errors.New("recurring jobs require exactly one of cronExpression or interval")
		}
		if hasInterval {
			if *j.IntervalMs < 1000 || *j.IntervalMs > 2_592_000_000 {
				return errors.New("interval must be between 1000ms and 2592000000ms (30 days)")
			}
		}
		if j.ScheduleTime != nil {
			return errors.New("recurring jobs may not set scheduleTime")
		}
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}

	switch j.RetryStrategyName {
	case "", RetryStrategyFixed, RetryStrategyExponential, RetryStrategyLinear, RetryStrategyFibonacci:
	default:
		return fmt.Errorf("unknown retry strategy %q", j.RetryStrategyName)
	}

	return nil
}

// IsTerminal reports whether status is a state the picker will never
// revisit for scheduling purposes.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}
