// Package worker is the poll -> claim -> execute orchestrator: on each
// pollInterval tick it asks the Picker for as many due jobs as it has
// free execution slots, runs each through the Executor on its own
// goroutine, and emits lifecycle events as jobs start and finish. A
// second ticker runs stale-lock recovery independently of polling. The
// recovery sweep is correct to run on every worker in the fleet
// concurrently (it's a conditional update keyed on a stale lock, not a
// read-modify-write a second runner could corrupt), but doing so on
// every node is still redundant work against the store on every tick;
// when a Coordinator is configured, only the elected leader runs it.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chronos/pkg/coordination"
	"chronos/pkg/executor"
	"chronos/pkg/logger"
	"chronos/pkg/metrics"
	"chronos/pkg/models"
	"chronos/pkg/picker"
	"chronos/pkg/worker/events"
)

// State is one of the orchestrator's lifecycle states.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateDraining State = "draining"
)

// Config configures a Worker. Zero values are replaced with the
// defaults spec.md names.
type Config struct {
	PollInterval         time.Duration
	StaleRecoveryInterval time.Duration
	Concurrency          int
	DrainTimeout         time.Duration
	WorkerID             string

	// Election, when set, restricts the stale-recovery sweep to whichever
	// worker currently holds leadership, instead of every worker running
	// it on every tick. Optional: a nil Election means every worker is
	// always eligible, which is still correct (P7), just less efficient
	// at fleet scale.
	Election coordination.Election
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StaleRecoveryInterval <= 0 {
		c.StaleRecoveryInterval = 60 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return c
}

// Stats mirrors the statistics spec.md §4.5 requires the orchestrator
// to maintain.
type Stats struct {
	JobsProcessed     int64
	JobsSucceeded     int64
	JobsFailed        int64
	TotalRetries      int64
	SuccessfulRetries int64
	TotalExecutionMs  int64
	LastJobAt         time.Time
	StartedAt         time.Time
}

func (s Stats) ActiveJobs(w *Worker) int {
	return w.activeCount()
}

func (s Stats) Uptime() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

func (s Stats) SuccessRate() float64 {
	if s.JobsProcessed == 0 {
		return 0
	}
	return float64(s.JobsSucceeded) / float64(s.JobsProcessed)
}

func (s Stats) AvgExecutionMs() float64 {
	if s.JobsProcessed == 0 {
		return 0
	}
	return float64(s.TotalExecutionMs) / float64(s.JobsProcessed)
}

func (s Stats) RetrySuccessRate() float64 {
	if s.TotalRetries == 0 {
		return 0
	}
	return float64(s.SuccessfulRetries) / float64(s.TotalRetries)
}

// Worker is the orchestrator. Construct with New, register handlers on
// Registry before calling Start.
type Worker struct {
	cfg      Config
	picker   *picker.Picker
	exec     *executor.Executor
	Registry *executor.Registry
	Events   *events.Bus

	mu    sync.Mutex
	state State
	stats Stats

	active   map[uuid.UUID]struct{}
	activeMu sync.Mutex

	isLeader int32 // atomic bool; 1 when eligible to run stale recovery

	cancel    context.CancelFunc
	loopsDone chan struct{}
}

func New(cfg Config, p *picker.Picker, e *executor.Executor, registry *executor.Registry) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		cfg:      cfg,
		picker:   p,
		exec:     e,
		Registry: registry,
		Events:   events.NewBus(),
		state:    StateStopped,
		active:   make(map[uuid.UUID]struct{}),
	}
	if cfg.Election == nil {
		w.isLeader = 1
	}
	return w
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) StatsSnapshot() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) activeCount() int {
	w.activeMu.Lock()
	defer w.activeMu.Unlock()
	return len(w.active)
}

// Start transitions stopped -> running and begins the poll and
// stale-recovery loops. Callers that want SIGTERM/SIGINT to trigger a
// drain should call WaitForSignal (or their own signal.Notify) and then
// Stop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return fmt.Errorf("cannot start worker in state %q", w.state)
	}
	w.state = StateRunning
	w.stats.StartedAt = time.Now().UTC()
	w.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.loopsDone = make(chan struct{})

	if w.cfg.Election != nil {
		go w.campaign(runCtx)
	}

	go w.run(runCtx)
	w.Events.Emit(events.Started, events.Payload{})
	return nil
}

// campaign blocks on Election.Campaign until this worker is elected
// leader, then marks it eligible to run stale recovery. It exits
// without becoming leader if runCtx is cancelled first.
func (w *Worker) campaign(ctx context.Context) {
	if err := w.cfg.Election.Campaign(ctx, w.cfg.WorkerID); err != nil {
		if ctx.Err() == nil {
			logger.Error("leader election campaign failed", zap.Error(err), zap.String("worker_id", w.cfg.WorkerID))
		}
		return
	}
	atomic.StoreInt32(&w.isLeader, 1)
	logger.Info("acquired stale-recovery leadership", zap.String("worker_id", w.cfg.WorkerID))
}

// Pause stops picking new jobs; jobs already running finish normally.
func (w *Worker) Pause() {
	w.mu.Lock()
	if w.state == StateRunning {
		w.state = StatePaused
	}
	w.mu.Unlock()
	w.Events.Emit(events.Paused, events.Payload{})
}

// Resume returns to running after a Pause.
func (w *Worker) Resume() {
	w.mu.Lock()
	if w.state == StatePaused {
		w.state = StateRunning
	}
	w.mu.Unlock()
	w.Events.Emit(events.Resumed, events.Payload{})
}

// Stop drains: it stops polling immediately, waits up to DrainTimeout
// for active jobs to finish, and on timeout releases every job this
// worker still holds back to SCHEDULED so another worker can retry them.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return nil
	}
	w.state = StateDraining
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}

	deadline := time.NewTimer(w.cfg.DrainTimeout)
	defer deadline.Stop()

	select {
	case <-w.loopsDone:
	case <-deadline.C:
		logger.Warn("drain deadline exceeded, releasing held jobs", zap.String("worker_id", w.cfg.WorkerID))
		if n, err := w.picker.ReleaseAll(ctx, w.cfg.WorkerID); err != nil {
			logger.Error("failed to release held jobs on drain timeout", zap.Error(err))
		} else if n > 0 {
			logger.Warn("released jobs held past drain deadline", zap.Int64("count", n))
		}
	}

	if w.cfg.Election != nil && atomic.LoadInt32(&w.isLeader) == 1 {
		resignCtx, resignCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.cfg.Election.Resign(resignCtx); err != nil {
			logger.Warn("failed to resign stale-recovery leadership", zap.Error(err))
		}
		resignCancel()
		atomic.StoreInt32(&w.isLeader, 0)
	}

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()
	w.Events.Emit(events.Stopped, events.Payload{})
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.loopsDone)

	pollTicker := time.NewTicker(w.cfg.PollInterval)
	defer pollTicker.Stop()
	staleTicker := time.NewTicker(w.cfg.StaleRecoveryInterval)
	defer staleTicker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			metrics.PollTicks.Inc()
			if w.State() != StateRunning {
				continue
			}
			w.tick(ctx, &wg)
		case <-staleTicker.C:
			if atomic.LoadInt32(&w.isLeader) == 0 {
				continue
			}
			if _, err := w.picker.RecoverStaleJobs(ctx); err != nil {
				logger.Error("stale recovery failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) tick(ctx context.Context, wg *sync.WaitGroup) {
	slots := w.cfg.Concurrency - w.activeCount()
	if slots <= 0 {
		return
	}

	jobs, err := w.picker.PickMany(ctx, w.cfg.WorkerID, slots)
	if err != nil {
		logger.Error("failed to pick jobs", zap.Error(err))
		w.Events.Emit(events.JobError, events.Payload{Error: err.Error()})
		return
	}

	for _, job := range jobs {
		w.activeMu.Lock()
		w.active[job.ID] = struct{}{}
		w.activeMu.Unlock()

		metrics.ActiveJobs.Set(float64(w.activeCount()))

		wg.Add(1)
		go func(job *models.Job) {
			defer wg.Done()
			defer func() {
				w.activeMu.Lock()
				delete(w.active, job.ID)
				w.activeMu.Unlock()
				metrics.ActiveJobs.Set(float64(w.activeCount()))
			}()
			w.executeOne(ctx, job)
		}(job)
	}
}

func (w *Worker) executeOne(ctx context.Context, job *models.Job) {
	w.Events.Emit(events.JobStart, events.Payload{JobID: job.ID.String(), TaskType: job.TaskType, Attempt: job.RetryCount})

	outcome := w.exec.RunOne(ctx, job, w.cfg.WorkerID)

	w.mu.Lock()
	w.stats.JobsProcessed++
	w.stats.LastJobAt = time.Now().UTC()
	w.mu.Unlock()

	if outcome.Err != nil && outcome.Job == job && outcome.Status == "" {
		// A store/infra error rather than a handler failure: no job
		// state changed, so just surface it and keep polling.
		w.Events.Emit(events.JobError, events.Payload{JobID: job.ID.String(), Error: outcome.Err.Error()})
		return
	}

	switch {
	case outcome.WillRetry:
		w.mu.Lock()
		w.stats.TotalRetries++
		w.mu.Unlock()
		w.Events.Emit(events.JobRetry, events.Payload{
			JobID:            job.ID.String(),
			Attempt:          job.RetryCount,
			Error:            errString(outcome.Err),
			RemainingRetries: outcome.Job.MaxRetries - outcome.Job.RetryCount,
		})
	case outcome.Err != nil:
		w.mu.Lock()
		w.stats.JobsFailed++
		w.mu.Unlock()
		w.Events.Emit(events.JobFailed, events.Payload{JobID: job.ID.String(), Error: errString(outcome.Err), Attempt: job.RetryCount})
	default:
		w.mu.Lock()
		w.stats.JobsSucceeded++
		if job.RetryCount > 0 {
			w.stats.SuccessfulRetries++
		}
		w.mu.Unlock()
		w.Events.Emit(events.JobComplete, events.Payload{JobID: job.ID.String(), TaskType: job.TaskType})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
