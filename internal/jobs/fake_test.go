package jobs

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/mtzanidakis/mediaswarm/internal/config"
	"github.com/mtzanidakis/mediaswarm/internal/natsbus"
	"github.com/mtzanidakis/mediaswarm/internal/store"
)

type fakeRepo struct {
	mu   sync.Mutex
	jobs map[string]store.Job
	seq  []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: make(map[string]store.Job)}
}

func (r *fakeRepo) InsertJob(j *store.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = *j
	r.seq = append(r.seq, j.ID)
	return nil
}

func (r *fakeRepo) GetJob(id string) (*store.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (r *fakeRepo) GetJobForOwner(id, tenantID, userID string) (*store.Job, error) {
	j, _ := r.GetJob(id)
	if j == nil || j.TenantID != tenantID || j.UserID != userID {
		return nil, nil
	}
	return j, nil
}

func (r *fakeRepo) ListJobs(f store.JobFilter) ([]store.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Job
	for _, id := range r.seq {
		j := r.jobs[id]
		if j.TenantID != f.TenantID || j.UserID != f.UserID {
			continue
		}
		if f.Kind != "" && j.Kind != f.Kind {
			continue
		}
		out = append(out, j)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if f.Offset >= len(out) {
		return []store.Job{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *fakeRepo) ListJobsByStatus(status string) ([]store.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Job
	for _, id := range r.seq {
		if j := r.jobs[id]; j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *fakeRepo) TransitionJob(t store.JobTransition) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[t.ID]
	if !ok || j.Status != t.From {
		return false, nil
	}
	j.Status = t.To
	if t.To != StatusProcessing {
		if t.OutputURLs != nil {
			j.OutputURLs = append([]string(nil), t.OutputURLs...)
		}
		j.ErrorMessage = t.ErrorMessage
		j.Metadata = t.Metadata
		j.DurationSeconds = t.Duration
	}
	r.jobs[t.ID] = j
	return true, nil
}

func (r *fakeRepo) SetJobSubmission(id, submissionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil
	}
	j.SubmissionID = submissionID
	r.jobs[id] = j
	return nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	accept bool
	ids    []string
}

func (d *fakeDispatcher) Enqueue(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.accept {
		return false
	}
	d.ids = append(d.ids, id)
	return true
}

type staticTenants map[string]config.TenantConfig

func (s staticTenants) Tenant(id string) config.TenantConfig {
	return s[id]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []natsbus.Event
}

func (p *fakePublisher) Publish(topic string, data []byte) error {
	var ev natsbus.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) snapshot() []natsbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]natsbus.Event(nil), p.events...)
}
