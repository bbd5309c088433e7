package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronos/pkg/models"
)

func TestParseCron_Invalid(t *testing.T) {
	_, err := ParseCron("not a cron expression")
	assert.Error(t, err)
}

func TestInitialNextRun_OneTime(t *testing.T) {
	when := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	job := &models.Job{
		Kind:         models.JobKindOneTime,
		ScheduleTime: &when,
	}

	next, err := InitialNextRun(job, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, next.Equal(when))
}

func TestInitialNextRun_RecurringInterval(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	job := &models.Job{
		Kind:       models.JobKindRecurring,
		IntervalMs: int64Ptr(60_000),
		Timezone:   "UTC",
	}

	next, err := InitialNextRun(job, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.WithinDuration(t, now.Add(60*time.Second), *next, time.Millisecond)
}

func TestInitialNextRun_RecurringDeferredByStartTime(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(24 * time.Hour)
	job := &models.Job{
		Kind:       models.JobKindRecurring,
		IntervalMs: int64Ptr(60_000),
		StartTime:  &start,
		Timezone:   "UTC",
	}

	next, err := InitialNextRun(job, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.WithinDuration(t, start.Add(60*time.Second), *next, time.Millisecond)
}

func TestNextRun_Cron(t *testing.T) {
	after := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	job := &models.Job{
		CronExpression: "0 0 * * *", // daily at midnight
		Timezone:       "UTC",
	}

	next, err := NextRun(job, after)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 2026, next.Year())
	assert.Equal(t, time.August, next.Month())
	assert.Equal(t, 2, next.Day())
	assert.Equal(t, 0, next.Hour())
}

func TestNextRun_CronRespectsTimezone(t *testing.T) {
	after := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	job := &models.Job{
		CronExpression: "0 9 * * *", // 9am local
		Timezone:       "America/New_York",
	}

	next, err := NextRun(job, after)
	require.NoError(t, err)
	require.NotNil(t, next)

	loc, _ := time.LoadLocation("America/New_York")
	local := next.In(loc)
	assert.Equal(t, 9, local.Hour())
}

func TestNextRun_InvalidTimezone(t *testing.T) {
	job := &models.Job{
		CronExpression: "0 0 * * *",
		Timezone:       "Not/A_Zone",
	}
	_, err := NextRun(job, time.Now().UTC())
	assert.Error(t, err)
}

func TestNextRun_PastEndTimeReturnsNil(t *testing.T) {
	after := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	end := after.Add(30 * time.Second)
	job := &models.Job{
		IntervalMs: int64Ptr(60_000),
		EndTime:    &end,
		Timezone:   "UTC",
	}

	next, err := NextRun(job, after)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNextRun_NeitherIntervalNorCron(t *testing.T) {
	job := &models.Job{Timezone: "UTC"}
	_, err := NextRun(job, time.Now().UTC())
	assert.Error(t, err)
}

func int64Ptr(v int64) *int64 { return &v }
