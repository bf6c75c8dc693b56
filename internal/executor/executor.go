package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"mime"
	"path"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mtzanidakis/mediaswarm/internal/config"
	"github.com/mtzanidakis/mediaswarm/internal/gateway"
	"github.com/mtzanidakis/mediaswarm/internal/jobs"
	"github.com/mtzanidakis/mediaswarm/internal/store"
)

type Engine interface {
	Submit(ctx context.Context, workflow gateway.Workflow) (string, error)
	PollStatus(ctx context.Context, submissionID string) (gateway.Snapshot, bool)
	FetchArtifact(ctx context.Context, d gateway.ArtifactDescriptor) ([]byte, error)
}

type Storage interface {
	Store(ctx context.Context, data []byte, tenantID, suggestedName, contentType string) (string, error)
	Delete(ctx context.Context, publicURL string) bool
}

// Lifecycle is the slice of jobs.Manager the executor drives.
type Lifecycle interface {
	MarkProcessing(jobID string) (*store.Job, error)
	MarkCompleted(jobID string, urls []string, durationSeconds float64, metadata map[string]any) error
	MarkFailed(jobID, message string, durationSeconds float64) error
	RecordSubmission(jobID, submissionID string) error
}

// Executor drives one job at a time through the rendering engine. Run is
// safe to call from many goroutines.
type Executor struct {
	jobs    Lifecycle
	engine  Engine
	storage Storage

	mu  sync.RWMutex
	cfg config.ExecutorConfig

	now  func() time.Time
	seed func() int64
}

func New(lc Lifecycle, engine Engine, storage Storage, cfg config.ExecutorConfig) *Executor {
	return &Executor{
		jobs:    lc,
		engine:  engine,
		storage: storage,
		cfg:     cfg,
		now:     time.Now,
		seed:    func() int64 { return rand.Int64N(1 << 32) },
	}
}

// UpdateConfig swaps poll interval and budgets for jobs started afterwards.
func (e *Executor) UpdateConfig(cfg config.ExecutorConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Executor) config() config.ExecutorConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Run executes jobID to a terminal state. If the job cannot be claimed it
// returns without touching it.
func (e *Executor) Run(ctx context.Context, jobID string) {
	start := e.now()

	job, err := e.jobs.MarkProcessing(jobID)
	if err != nil {
		slog.Warn("job not claimed", "job", jobID, "error", err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("executor panic", "job", jobID, "panic", r, "stack", string(debug.Stack()))
			e.fail(jobID, fmt.Sprintf("internal error: %v", r), start)
		}
	}()

	urls, meta, err := e.execute(ctx, job, start)
	if err != nil {
		e.fail(jobID, err.Error(), start)
		return
	}

	dur := e.now().Sub(start).Seconds()
	if err := e.jobs.MarkCompleted(jobID, urls, dur, meta); err != nil {
		slog.Error("mark completed failed", "job", jobID, "error", err)
		var verr *jobs.ValidationError
		if errors.As(err, &verr) {
			e.fail(jobID, err.Error(), start)
		}
	}
}

func (e *Executor) fail(jobID, msg string, start time.Time) {
	dur := e.now().Sub(start).Seconds()
	if err := e.jobs.MarkFailed(jobID, msg, dur); err != nil {
		slog.Error("mark failed failed", "job", jobID, "error", err)
	}
}

func (e *Executor) execute(ctx context.Context, job *store.Job, start time.Time) ([]string, map[string]any, error) {
	cfg := e.config()

	workflow, meta, err := BuildWorkflow(job, e.seed)
	if err != nil {
		return nil, nil, err
	}

	submissionID, err := e.engine.Submit(ctx, workflow)
	if err != nil {
		return nil, nil, fmt.Errorf("submit to engine: %w", err)
	}
	slog.Info("job submitted", "job", job.ID, "submission", submissionID)
	if err := e.jobs.RecordSubmission(job.ID, submissionID); err != nil {
		slog.Warn("record submission failed", "job", job.ID, "error", err)
	}
	meta["submission_id"] = submissionID

	snap, err := e.wait(ctx, submissionID, start, cfg.Budget(job.Kind), cfg.PollInterval)
	if err != nil {
		return nil, nil, err
	}
	if snap.Failed {
		return nil, nil, fmt.Errorf("engine: %s", snap.Message)
	}
	if len(snap.Artifacts) == 0 {
		return nil, nil, errors.New("engine produced no artifacts")
	}

	urls := make([]string, 0, len(snap.Artifacts))
	for _, d := range snap.Artifacts {
		data, err := e.engine.FetchArtifact(ctx, d)
		if err != nil {
			e.discard(ctx, job.ID, urls)
			return nil, nil, fmt.Errorf("fetch %s: %w", d.Filename, err)
		}
		url, err := e.storage.Store(ctx, data, job.TenantID, d.Filename, contentType(d.Filename))
		if err != nil {
			e.discard(ctx, job.ID, urls)
			return nil, nil, fmt.Errorf("store %s: %w", d.Filename, err)
		}
		urls = append(urls, url)
	}
	return urls, meta, nil
}

// discard removes artifacts stored before a later artifact of the same job
// failed. A failed job never references them.
func (e *Executor) discard(ctx context.Context, jobID string, urls []string) {
	ctx = context.WithoutCancel(ctx)
	for _, u := range urls {
		if !e.storage.Delete(ctx, u) {
			slog.Warn("orphaned artifact left behind", "job", jobID, "url", u)
		}
	}
}

// wait polls until the engine reports the submission or the budget runs out.
// The budget counts from start.
func (e *Executor) wait(ctx context.Context, submissionID string, start time.Time, budget, interval time.Duration) (gateway.Snapshot, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	timer := time.NewTimer(budget - e.now().Sub(start))
	defer timer.Stop()

	for {
		if snap, ok := e.engine.PollStatus(ctx, submissionID); ok {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return gateway.Snapshot{}, fmt.Errorf("interrupted: %w", ctx.Err())
		case <-timer.C:
			return gateway.Snapshot{}, fmt.Errorf("%w after %s waiting for engine", jobs.ErrTimeout, budget.Round(time.Second))
		case <-ticker.C:
		}
	}
}

func contentType(filename string) string {
	if ct := mime.TypeByExtension(path.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
