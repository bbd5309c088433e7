// Package schedule computes the next occurrence of a Job's schedule —
// either a fixed interval or a cron expression evaluated in the job's
// IANA timezone — honoring its optional start/end bounds. This replaces
// the donor's stubbed next-run calculation (which only ever added an
// hour) with the cron evaluator spec.md §4.4.1 and §9 require.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"chronos/pkg/models"
)

// parser accepts standard 5-field cron expressions (minute hour dom month
// dow), matching spec.md §2's "standard 5-field cron" requirement.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a cron expression without computing an occurrence,
// used by job creation to reject malformed schedules up front.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// InitialNextRun computes the first occurrence for a newly created job,
// given the current time.
func InitialNextRun(job *models.Job, now time.Time) (*time.Time, error) {
	switch job.Kind {
	case models.JobKindOneTime:
		t := *job.ScheduleTime
		return &t, nil
	case models.JobKindRecurring:
		from := now
		if job.StartTime != nil && job.StartTime.After(now) {
			from = *job.StartTime
		}
		return NextRun(job, from.Add(-time.Nanosecond))
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// NextRun computes the next occurrence strictly after `after`, in the
// job's timezone, respecting EndTime. A nil return (with nil error) means
// the job has no further occurrences and should complete.
func NextRun(job *models.Job, after time.Time) (*time.Time, error) {
	var next time.Time

	switch {
	case job.IntervalMs != nil:
		next = after.Add(time.Duration(*job.IntervalMs) * time.Millisecond)
	case job.CronExpression != "":
		loc, err := time.LoadLocation(job.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", job.Timezone, err)
		}
		sched, err := ParseCron(job.CronExpression)
		if err != nil {
			return nil, err
		}
		next = sched.Next(after.In(loc)).UTC()
	default:
		return nil, fmt.Errorf("recurring job has neither interval nor cron expression")
	}

	if job.EndTime != nil && next.After(*job.EndTime) {
		return nil, nil
	}
	return &next, nil
}
