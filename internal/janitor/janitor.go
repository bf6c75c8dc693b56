package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/mediaswarm/internal/config"
	"github.com/mtzanidakis/mediaswarm/internal/jobs"
	"github.com/mtzanidakis/mediaswarm/internal/store"
)

// Lifecycle is the part of jobs.Manager the sweep needs.
type Lifecycle interface {
	ByStatus(status string) ([]store.Job, error)
	Dispatch(jobID string) bool
	MarkFailed(jobID, message string, durationSeconds float64) error
}

// InFlight reports whether a job is queued or running in this process.
type InFlight interface {
	Busy(jobID string) bool
}

// Janitor recovers jobs that lost their executor: queued jobs the pool
// never accepted, and processing jobs whose executor is gone.
type Janitor struct {
	jobs Lifecycle
	pool InFlight

	mu       sync.Mutex
	cfg      config.JanitorConfig
	executor config.ExecutorConfig

	reloadCh chan struct{}
	now      func() time.Time
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Redispatched int
	Failed       int
}

func New(lc Lifecycle, pool InFlight, cfg config.JanitorConfig, exec config.ExecutorConfig) *Janitor {
	return &Janitor{
		jobs:     lc,
		pool:     pool,
		cfg:      cfg,
		executor: exec,
		reloadCh: make(chan struct{}, 1),
		now:      time.Now,
	}
}

// UpdateConfig swaps the schedule and budgets, then signals the run loop
// to recompute its next tick.
func (j *Janitor) UpdateConfig(cfg config.JanitorConfig, exec config.ExecutorConfig) {
	j.mu.Lock()
	j.cfg = cfg
	j.executor = exec
	j.mu.Unlock()
	select {
	case j.reloadCh <- struct{}{}:
	default:
	}
}

func (j *Janitor) config() (config.JanitorConfig, config.ExecutorConfig) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cfg, j.executor
}

// Start sweeps once, then on every tick of the schedule until ctx is done.
func (j *Janitor) Start(ctx context.Context) {
	j.Sweep(ctx)

	timer := time.NewTimer(j.untilNext())
	defer timer.Stop()

	cfg, _ := j.config()
	slog.Info("janitor started", "schedule", cfg.Schedule)

	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor stopped")
			return
		case <-j.reloadCh:
			timer.Reset(j.untilNext())
			cfg, _ := j.config()
			slog.Info("janitor config reloaded", "schedule", cfg.Schedule, "stale_after", cfg.StaleAfter)
		case <-timer.C:
			j.Sweep(ctx)
			timer.Reset(j.untilNext())
		}
	}
}

func (j *Janitor) untilNext() time.Duration {
	cfg, _ := j.config()
	expr := cfg.Schedule
	if !ValidSchedule(expr) {
		slog.Warn("invalid janitor schedule, using default", "schedule", expr)
		expr = fallbackSchedule
	}
	now := j.now()
	next, err := NextRun(expr, now)
	if err != nil {
		slog.Error("janitor schedule", "error", err)
		return time.Minute
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return time.Second
}

// Sweep re-dispatches queued jobs that are not in flight and fails
// processing jobs that outlived their budget plus the grace period.
func (j *Janitor) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	cfg, exec := j.config()

	queued, err := j.jobs.ByStatus(jobs.StatusQueued)
	if err != nil {
		slog.Error("janitor: list queued jobs", "error", err)
	}
	for _, job := range queued {
		if ctx.Err() != nil {
			return res
		}
		if j.pool.Busy(job.ID) {
			continue
		}
		if j.jobs.Dispatch(job.ID) {
			res.Redispatched++
			slog.Info("janitor re-dispatched job", "job", job.ID)
		}
	}

	processing, err := j.jobs.ByStatus(jobs.StatusProcessing)
	if err != nil {
		slog.Error("janitor: list processing jobs", "error", err)
	}
	now := j.now()
	for _, job := range processing {
		if ctx.Err() != nil {
			return res
		}
		if j.pool.Busy(job.ID) {
			continue
		}
		started := job.CreatedAt
		if job.StartedAt != nil {
			started = *job.StartedAt
		}
		age := now.Sub(started)
		if age <= exec.Budget(job.Kind)+cfg.StaleAfter {
			continue
		}
		if err := j.jobs.MarkFailed(job.ID, "executor lost", age.Seconds()); err != nil {
			slog.Warn("janitor: fail stale job", "job", job.ID, "error", err)
			continue
		}
		res.Failed++
	}

	if res.Redispatched > 0 || res.Failed > 0 {
		slog.Info("janitor sweep", "redispatched", res.Redispatched, "failed", res.Failed)
	}
	return res
}
