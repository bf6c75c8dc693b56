package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/mediaswarm/internal/config"
	"github.com/mtzanidakis/mediaswarm/internal/natsbus"
	"github.com/mtzanidakis/mediaswarm/internal/store"
)

// Repository is the persistence the manager needs. TransitionJob must be
// an atomic compare-and-swap on status.
type Repository interface {
	InsertJob(j *store.Job) error
	GetJob(id string) (*store.Job, error)
	GetJobForOwner(id, tenantID, userID string) (*store.Job, error)
	ListJobs(f store.JobFilter) ([]store.Job, error)
	ListJobsByStatus(status string) ([]store.Job, error)
	TransitionJob(t store.JobTransition) (bool, error)
	SetJobSubmission(id, submissionID string) error
}

// Dispatcher hands a queued job to background execution. Enqueue must not
// block; it reports false when the job could not be accepted right now.
type Dispatcher interface {
	Enqueue(jobID string) bool
}

// TenantDirectory resolves per-tenant generation defaults.
type TenantDirectory interface {
	Tenant(id string) config.TenantConfig
}

var builtinModels = map[Kind]string{
	KindImage: "JuggernautXL_v9.safetensors",
	KindVideo: "Open-Sora",
	KindVoice: "xtts_v2",
	KindText:  "dolphin-2.6-mistral-7b",
}

// Manager owns the job state machine. All status changes go through it.
type Manager struct {
	repo     Repository
	tenants  TenantDirectory
	dispatch Dispatcher
	events   natsbus.Publisher
	now      func() time.Time
}

func NewManager(repo Repository, tenants TenantDirectory) *Manager {
	return &Manager{
		repo:    repo,
		tenants: tenants,
		now:     time.Now,
	}
}

// SetDispatcher wires background execution. Jobs submitted before this is
// called stay queued until the recovery sweep picks them up.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.dispatch = d
}

func (m *Manager) SetEvents(p natsbus.Publisher) {
	m.events = p
}

// Submit validates intent, records it as queued and hands it off without
// waiting for execution.
func (m *Manager) Submit(ctx context.Context, in Intent) (*store.Job, error) {
	if in.TenantID == "" {
		return nil, invalid("tenant_id", "must not be empty")
	}
	if in.UserID == "" {
		return nil, invalid("user_id", "must not be empty")
	}
	params, err := Validate(in)
	if err != nil {
		return nil, err
	}

	model := in.Model
	if vm, ok := params["voice_model"].(string); ok {
		delete(params, "voice_model")
		if model == "" {
			model = vm
		}
	}
	if model == "" && m.tenants != nil {
		model = m.tenants.Tenant(in.TenantID).DefaultModels[string(in.Kind)]
	}
	if model == "" {
		model = builtinModels[in.Kind]
	}
	if in.Kind == KindImage && m.tenants != nil {
		params["safety_checker"] = m.tenants.Tenant(in.TenantID).SafetyChecker
	}

	job := &store.Job{
		ID:             uuid.New().String(),
		TenantID:       in.TenantID,
		UserID:         in.UserID,
		Kind:           string(in.Kind),
		Status:         StatusQueued,
		Prompt:         in.Prompt,
		NegativePrompt: in.NegativePrompt,
		Model:          model,
		Parameters:     params,
		CostUnits:      Cost(in.Kind, params),
		OutputURLs:     []string{},
		CreatedAt:      m.now().UTC(),
	}
	if err := m.repo.InsertJob(job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	slog.Info("job queued", "job", job.ID, "kind", job.Kind, "tenant", job.TenantID, "cost", job.CostUnits)
	m.publish(job, "job_queued", map[string]any{"status": StatusQueued, "type": job.Kind})

	m.Dispatch(job.ID)
	return job, nil
}

// Dispatch offers a queued job to the background executor.
func (m *Manager) Dispatch(jobID string) bool {
	if m.dispatch == nil {
		return false
	}
	if !m.dispatch.Enqueue(jobID) {
		slog.Warn("worker pool full, job left queued", "job", jobID)
		return false
	}
	return true
}

// MarkProcessing claims a queued job. Exactly one caller wins the claim.
func (m *Manager) MarkProcessing(jobID string) (*store.Job, error) {
	ok, err := m.repo.TransitionJob(store.JobTransition{
		ID:   jobID,
		From: StatusQueued,
		To:   StatusProcessing,
		At:   m.now(),
	})
	if err != nil {
		return nil, err
	}
	job, err := m.load(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, transitionError(jobID, job.Status, StatusProcessing)
	}
	slog.Info("job processing", "job", jobID)
	m.publish(job, "job_processing", map[string]any{"status": StatusProcessing})
	return job, nil
}

// MarkCompleted finishes a processing job. Repeating the call with the same
// artifacts after success is a no-op.
func (m *Manager) MarkCompleted(jobID string, urls []string, durationSeconds float64, metadata map[string]any) error {
	if len(urls) == 0 {
		return invalid("output_urls", "completed job needs at least one artifact")
	}
	ok, err := m.repo.TransitionJob(store.JobTransition{
		ID:         jobID,
		From:       StatusProcessing,
		To:         StatusCompleted,
		OutputURLs: urls,
		Metadata:   metadata,
		Duration:   &durationSeconds,
		At:         m.now(),
	})
	if err != nil {
		return err
	}
	if !ok {
		job, err := m.load(jobID)
		if err != nil {
			return err
		}
		if job.Status == StatusCompleted && slices.Equal(job.OutputURLs, urls) {
			return nil
		}
		return transitionError(jobID, job.Status, StatusCompleted)
	}
	slog.Info("job completed", "job", jobID, "artifacts", len(urls), "duration", durationSeconds)
	m.publishByID(jobID, "job_completed", map[string]any{
		"status":      StatusCompleted,
		"output_urls": urls,
		"duration":    durationSeconds,
	})
	return nil
}

// MarkFailed finishes a processing job with a cause.
func (m *Manager) MarkFailed(jobID, message string, durationSeconds float64) error {
	if message == "" {
		message = "unknown error"
	}
	ok, err := m.repo.TransitionJob(store.JobTransition{
		ID:           jobID,
		From:         StatusProcessing,
		To:           StatusFailed,
		ErrorMessage: message,
		Duration:     &durationSeconds,
		At:           m.now(),
	})
	if err != nil {
		return err
	}
	if !ok {
		job, err := m.load(jobID)
		if err != nil {
			return err
		}
		return transitionError(jobID, job.Status, StatusFailed)
	}
	slog.Warn("job failed", "job", jobID, "error", message, "duration", durationSeconds)
	m.publishByID(jobID, "job_failed", map[string]any{
		"status":   StatusFailed,
		"error":    message,
		"duration": durationSeconds,
	})
	return nil
}

// RecordSubmission stores the engine's id for a processing job.
func (m *Manager) RecordSubmission(jobID, submissionID string) error {
	return m.repo.SetJobSubmission(jobID, submissionID)
}

// ByStatus returns every job in status, oldest first. It is meant for
// recovery and does not check ownership.
func (m *Manager) ByStatus(status string) ([]store.Job, error) {
	return m.repo.ListJobsByStatus(status)
}

// Get returns the job only to its owning tenant and user.
func (m *Manager) Get(jobID, tenantID, userID string) (*store.Job, error) {
	job, err := m.repo.GetJobForOwner(jobID, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return job, nil
}

// List returns the owner's jobs, newest first. kind may be empty.
func (m *Manager) List(tenantID, userID string, kind Kind, page Page) ([]store.Job, error) {
	page, err := page.normalize()
	if err != nil {
		return nil, err
	}
	return m.repo.ListJobs(store.JobFilter{
		TenantID: tenantID,
		UserID:   userID,
		Kind:     string(kind),
		Offset:   page.Skip,
		Limit:    page.Limit,
	})
}

// Lookup fetches a job without an ownership check. For internal callers only.
func (m *Manager) Lookup(jobID string) (*store.Job, error) {
	return m.load(jobID)
}

func (m *Manager) load(jobID string) (*store.Job, error) {
	job, err := m.repo.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return job, nil
}

func (m *Manager) publish(job *store.Job, eventType string, data map[string]any) {
	if m.events == nil {
		return
	}
	natsbus.PublishJobEvent(m.events, job.ID, job.TenantID, job.UserID, eventType, data)
}

func (m *Manager) publishByID(jobID, eventType string, data map[string]any) {
	if m.events == nil {
		return
	}
	job, err := m.load(jobID)
	if err != nil {
		slog.Warn("job event dropped", "job", jobID, "type", eventType, "error", err)
		return
	}
	m.publish(job, eventType, data)
}
