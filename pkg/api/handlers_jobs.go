package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chronos/pkg/models"
	"chronos/pkg/schedule"
	"chronos/pkg/storage"
)

// --- Request/Response DTOs ---

// CreateJobRequest is the payload for creating a new job.
type CreateJobRequest struct {
	Name           string               `json:"name" binding:"required"`
	Description    string               `json:"description"`
	Tags           []string             `json:"tags"`
	Timezone       string               `json:"timezone"`
	OwnerID        string               `json:"ownerId"`
	Kind           models.JobKind       `json:"kind" binding:"required"`
	ScheduleTime   *time.Time           `json:"scheduleTime"`
	CronExpression string               `json:"cronExpression"`
	IntervalMs     *int64               `json:"interval"`
	StartTime      *time.Time           `json:"startTime"`
	EndTime        *time.Time           `json:"endTime"`
	TaskType       string               `json:"taskType" binding:"required"`
	Payload        models.JSONMap       `json:"payload"`
	Priority       int                  `json:"priority"`
	MaxRetries     *int                 `json:"maxRetries"`
	RetryDelay     *int64               `json:"retryDelay"`
	MaxRetryDelay  *int64               `json:"maxRetryDelay"`
	RetryStrategy  models.RetryStrategy `json:"retryStrategy"`
	Jitter         *bool                `json:"jitter"`
	LockTimeout    *int64               `json:"lockTimeout"`
	DependsOnJobID *uuid.UUID           `json:"dependsOnJobId"`
}

// UpdateJobRequest is the payload for updating a job's mutable fields.
// Schedule and kind are immutable after creation — cancel and recreate
// instead of retargeting a job's trigger shape mid-flight.
type UpdateJobRequest struct {
	Name        *string        `json:"name"`
	Description *string        `json:"description"`
	Tags        []string       `json:"tags"`
	Payload     models.JSONMap `json:"payload"`
	Priority    *int           `json:"priority"`
	MaxRetries  *int           `json:"maxRetries"`
	RetryDelay  *int64         `json:"retryDelay"`
}

// JobResponse is the API representation of a job.
type JobResponse struct {
	ID             uuid.UUID        `json:"id"`
	HumanID        string           `json:"humanId"`
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	Tags           []string         `json:"tags"`
	Timezone       string           `json:"timezone"`
	OwnerID        string           `json:"ownerId"`
	Kind           models.JobKind   `json:"kind"`
	CronExpression string           `json:"cronExpression,omitempty"`
	IntervalMs     *int64           `json:"interval,omitempty"`
	TaskType       string           `json:"taskType"`
	Priority       int              `json:"priority"`
	Status         models.JobStatus `json:"status"`
	NextRunAt      *time.Time       `json:"nextRunAt"`
	LastRunAt      *time.Time       `json:"lastRunAt"`
	RetryCount     int              `json:"retryCount"`
	LastError      string           `json:"lastError,omitempty"`
	DependsOnJobID *uuid.UUID       `json:"dependsOnJobId,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// createJob handles POST /api/v1/jobs
func (s *Server) createJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := &models.Job{
		Name:           req.Name,
		Description:    req.Description,
		Tags:           models.StringSlice(req.Tags),
		Timezone:       req.Timezone,
		OwnerID:        req.OwnerID,
		Kind:           req.Kind,
		ScheduleTime:   req.ScheduleTime,
		CronExpression: req.CronExpression,
		IntervalMs:     req.IntervalMs,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		TaskType:       req.TaskType,
		Payload:        req.Payload,
		Priority:       req.Priority,
		DependsOnJobID: req.DependsOnJobID,
		IsActive:       true,
	}
	if job.Priority == 0 {
		job.Priority = 5
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	} else {
		job.MaxRetries = 3
	}
	if req.RetryDelay != nil {
		job.RetryDelay = *req.RetryDelay
	} else {
		job.RetryDelay = 60_000
	}
	if req.MaxRetryDelay != nil {
		job.MaxRetryDelay = *req.MaxRetryDelay
	} else {
		job.MaxRetryDelay = 3_600_000
	}
	if req.RetryStrategy != "" {
		job.RetryStrategyName = req.RetryStrategy
	} else {
		job.RetryStrategyName = models.RetryStrategyExponential
	}
	if req.Jitter != nil {
		job.Jitter = *req.Jitter
	} else {
		job.Jitter = true
	}
	if req.LockTimeout != nil {
		job.LockTimeout = *req.LockTimeout
	} else {
		job.LockTimeout = 300_000
	}

	if err := job.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	nextRun, err := schedule.InitialNextRun(job, now)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job.NextRunAt = nextRun
	job.Status = models.JobStatusScheduled
	if job.DependsOnJobID != nil {
		job.Status = models.JobStatusWaiting
	}

	if err := s.jobStore.CreateJob(c.Request.Context(), job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job: " + err.Error()})
		return
	}

	c.JSON(http.StatusCreated, jobToResponse(job))
}

// listJobs handles GET /api/v1/jobs
func (s *Server) listJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	q := storage.JobQuery{
		OwnerID:    c.Query("ownerId"),
		TextSearch: c.Query("q"),
		Status:     models.JobStatus(c.Query("status")),
		Limit:      limit,
		Offset:     offset,
	}
	if tag := c.Query("tag"); tag != "" {
		q.Tags = []string{tag}
	}

	jobs, total, err := s.jobStore.ListJobs(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs: " + err.Error()})
		return
	}

	response := make([]JobResponse, len(jobs))
	for i := range jobs {
		response[i] = jobToResponse(&jobs[i])
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  response,
		"count": len(response),
		"total": total,
	})
}

// getJob handles GET /api/v1/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	job, err := s.jobStore.GetJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

// updateJob handles PATCH /api/v1/jobs/:id
func (s *Server) updateJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	var req UpdateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.jobStore.GetJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	// UpdateMetadata is unconditional (no status/lockedBy gate): none of
	// the fields it touches is part of the claim filter or the
	// status/lock transitions, though priority does set the claim order
	// among due jobs.
	if req.Name != nil {
		job.Name = *req.Name
	}
	if req.Description != nil {
		job.Description = *req.Description
	}
	if req.Tags != nil {
		job.Tags = models.StringSlice(req.Tags)
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelay != nil {
		job.RetryDelay = *req.RetryDelay
	}
	if req.Payload != nil {
		job.Payload = req.Payload
	}
	if err := job.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.jobStore.UpdateMetadata(c.Request.Context(), id, job); err != nil {
		if err == storage.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update job: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

// deleteJob handles DELETE /api/v1/jobs/:id — soft delete, never picked
// again but its history remains queryable.
func (s *Server) deleteJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	if err := s.jobStore.SoftDelete(c.Request.Context(), id); err != nil {
		if err == storage.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete job"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "job deleted", "id": id})
}

// triggerJob handles POST /api/v1/jobs/:id/trigger — pulls nextRunAt
// forward to now so the next worker poll claims it immediately, outside
// its normal schedule.
func (s *Server) triggerJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	ok, err := s.jobStore.TriggerNow(c.Request.Context(), id, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to trigger job"})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not in a triggerable state (must be scheduled or paused)"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "job triggered", "id": id})
}

// pauseJob handles POST /api/v1/jobs/:id/pause
func (s *Server) pauseJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}
	ok, err := s.jobStore.PauseJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to pause job"})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not in a pausable state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job paused", "id": id})
}

// resumeJob handles POST /api/v1/jobs/:id/resume
func (s *Server) resumeJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	job, err := s.jobStore.GetJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	nextRun, err := schedule.NextRun(job, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if nextRun == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "job has no future occurrences within its schedule window"})
		return
	}

	ok, err := s.jobStore.ResumeJob(c.Request.Context(), id, *nextRun)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resume job"})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not paused"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job resumed", "id": id})
}

// cancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) cancelJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}
	ok, err := s.jobStore.CancelJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not in a cancellable state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job cancelled", "id": id})
}

// listJobExecutions handles GET /api/v1/jobs/:id/executions
func (s *Server) listJobExecutions(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	if _, err := s.jobStore.GetJob(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	logs, err := s.logStore.ListByJob(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list executions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": logs,
		"jobId":      id,
		"count":      len(logs),
	})
}

// statsByStatus handles GET /api/v1/stats/status
func (s *Server) statsByStatus(c *gin.Context) {
	counts, err := s.jobStore.CountByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute status counts"})
		return
	}
	c.JSON(http.StatusOK, counts)
}

// statsByTaskType handles GET /api/v1/stats/task-types
func (s *Server) statsByTaskType(c *gin.Context) {
	counts, err := s.jobStore.CountByTaskType(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute task type counts"})
		return
	}
	c.JSON(http.StatusOK, counts)
}

// statsHourly handles GET /api/v1/stats/hourly
func (s *Server) statsHourly(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if hours <= 0 || hours > 24*30 {
		hours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	buckets, err := s.jobStore.HourlyHistogram(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute histogram"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": buckets})
}

// jobToResponse converts a Job to its API representation.
func jobToResponse(job *models.Job) JobResponse {
	return JobResponse{
		ID:             job.ID,
		HumanID:        job.HumanID,
		Name:           job.Name,
		Description:    job.Description,
		Tags:           []string(job.Tags),
		Timezone:       job.Timezone,
		OwnerID:        job.OwnerID,
		Kind:           job.Kind,
		CronExpression: job.CronExpression,
		IntervalMs:     job.IntervalMs,
		TaskType:       job.TaskType,
		Priority:       job.Priority,
		Status:         job.Status,
		NextRunAt:      job.NextRunAt,
		LastRunAt:      job.LastRunAt,
		RetryCount:     job.RetryCount,
		LastError:      job.LastError,
		DependsOnJobID: job.DependsOnJobID,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
}
