package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/mediaswarm/internal/config"
	"github.com/mtzanidakis/mediaswarm/internal/gateway"
	"github.com/mtzanidakis/mediaswarm/internal/jobs"
	"github.com/mtzanidakis/mediaswarm/internal/storage"
	"github.com/mtzanidakis/mediaswarm/internal/store"
)

type fakeEngine struct {
	submitErr  error
	readyAfter int32 // polls before the snapshot is returned; <0 never
	snapshot   gateway.Snapshot
	fetch      func(d gateway.ArtifactDescriptor) ([]byte, error)

	mu        sync.Mutex
	workflows []gateway.Workflow
	polls     atomic.Int32
}

func (f *fakeEngine) Submit(ctx context.Context, wf gateway.Workflow) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.mu.Lock()
	f.workflows = append(f.workflows, wf)
	f.mu.Unlock()
	return "sub-1", nil
}

func (f *fakeEngine) PollStatus(ctx context.Context, id string) (gateway.Snapshot, bool) {
	n := f.polls.Add(1)
	if f.readyAfter < 0 || n <= f.readyAfter {
		return gateway.Snapshot{}, false
	}
	return f.snapshot, true
}

func (f *fakeEngine) FetchArtifact(ctx context.Context, d gateway.ArtifactDescriptor) ([]byte, error) {
	if f.fetch != nil {
		return f.fetch(d)
	}
	return []byte("data:" + d.Filename), nil
}

type testEnv struct {
	store   *store.Store
	manager *jobs.Manager
	files   *storage.FileStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	files, err := storage.NewFileStore(filepath.Join(dir, "artifacts"), "http://files.test")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	return &testEnv{store: s, manager: jobs.NewManager(s, nil), files: files}
}

func (env *testEnv) submit(t *testing.T, kind jobs.Kind) *store.Job {
	t.Helper()
	job, err := env.manager.Submit(context.Background(), jobs.Intent{
		TenantID: "tenant-a",
		UserID:   "user-1",
		Kind:     kind,
		Prompt:   "a castle on a hill",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}

func testConfig(budget time.Duration) config.ExecutorConfig {
	return config.ExecutorConfig{
		PollInterval: 5 * time.Millisecond,
		Budgets:      map[string]time.Duration{"image": budget, "text": budget},
	}
}

func TestRunSuccess(t *testing.T) {
	env := newTestEnv(t)
	job := env.submit(t, jobs.KindImage)

	engine := &fakeEngine{
		readyAfter: 2,
		snapshot: gateway.Snapshot{Artifacts: []gateway.ArtifactDescriptor{
			{Filename: "a.png", Type: "output"},
			{Filename: "b.png", Type: "output"},
		}},
	}
	ex := New(env.manager, engine, env.files, testConfig(time.Second))
	ex.seed = func() int64 { return 1234 }

	ex.Run(context.Background(), job.ID)

	got, _ := env.store.GetJob(job.ID)
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if len(got.OutputURLs) != 2 {
		t.Fatalf("expected 2 urls, got %v", got.OutputURLs)
	}
	for _, u := range got.OutputURLs {
		if !strings.HasPrefix(u, "http://files.test/tenant-a/") || !strings.HasSuffix(u, ".png") {
			t.Errorf("unexpected url %s", u)
		}
		if !env.files.Exists(context.Background(), u) {
			t.Errorf("artifact %s not stored", u)
		}
	}
	if got.Metadata["seed"] != float64(1234) {
		t.Errorf("expected resolved seed 1234 in metadata, got %v", got.Metadata["seed"])
	}
	if got.SubmissionID != "sub-1" {
		t.Errorf("expected submission id recorded, got %q", got.SubmissionID)
	}
	if got.DurationSeconds == nil {
		t.Error("expected duration")
	}
	if engine.polls.Load() != 3 {
		t.Errorf("expected 3 polls, got %d", engine.polls.Load())
	}

	seed := engine.workflows[0]["3"].Inputs["seed"]
	if seed != int64(1234) {
		t.Errorf("expected seed 1234 in workflow, got %v", seed)
	}
}

func TestRunTimeout(t *testing.T) {
	env := newTestEnv(t)
	job := env.submit(t, jobs.KindImage)

	budget := 150 * time.Millisecond
	ex := New(env.manager, &fakeEngine{readyAfter: -1}, env.files, testConfig(budget))
	ex.Run(context.Background(), job.ID)

	got, _ := env.store.GetJob(job.ID)
	if got.Status != jobs.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "timed out") {
		t.Errorf("expected timeout message, got %q", got.ErrorMessage)
	}
	if got.DurationSeconds == nil {
		t.Fatal("expected duration")
	}
	d := *got.DurationSeconds
	if d < budget.Seconds()*0.9 || d > budget.Seconds()+0.5 {
		t.Errorf("expected duration close to %v, got %.3fs", budget, d)
	}
	if len(got.OutputURLs) != 0 {
		t.Errorf("failed job must not have artifacts, got %v", got.OutputURLs)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name    string
		engine  *fakeEngine
		wantMsg string
	}{
		{
			name:    "submit unavailable",
			engine:  &fakeEngine{submitErr: fmt.Errorf("%w: connection refused", gateway.ErrGatewayUnavailable)},
			wantMsg: "gateway unavailable",
		},
		{
			name: "artifact missing",
			engine: &fakeEngine{
				snapshot: gateway.Snapshot{Artifacts: []gateway.ArtifactDescriptor{{Filename: "a.png"}}},
				fetch: func(d gateway.ArtifactDescriptor) ([]byte, error) {
					return nil, fmt.Errorf("%w: %s", gateway.ErrArtifactMissing, d.Filename)
				},
			},
			wantMsg: "artifact missing",
		},
		{
			name:    "engine error",
			engine:  &fakeEngine{snapshot: gateway.Snapshot{Failed: true, Message: "out of memory"}},
			wantMsg: "out of memory",
		},
		{
			name:    "no artifacts",
			engine:  &fakeEngine{snapshot: gateway.Snapshot{}},
			wantMsg: "no artifacts",
		},
		{
			name: "panic",
			engine: &fakeEngine{
				snapshot: gateway.Snapshot{Artifacts: []gateway.ArtifactDescriptor{{Filename: "a.png"}}},
				fetch: func(d gateway.ArtifactDescriptor) ([]byte, error) {
					panic("nil map write")
				},
			},
			wantMsg: "internal error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			job := env.submit(t, jobs.KindImage)

			New(env.manager, tt.engine, env.files, testConfig(time.Second)).Run(context.Background(), job.ID)

			got, _ := env.store.GetJob(job.ID)
			if got.Status != jobs.StatusFailed {
				t.Fatalf("expected failed, got %s", got.Status)
			}
			if !strings.Contains(got.ErrorMessage, tt.wantMsg) {
				t.Errorf("expected message containing %q, got %q", tt.wantMsg, got.ErrorMessage)
			}
			if got.DurationSeconds == nil {
				t.Error("expected duration on failure")
			}
		})
	}
}

// recordingStorage wraps a FileStore, remembering stored URLs and failing
// the Nth Store call when failOn > 0.
type recordingStorage struct {
	*storage.FileStore
	failOn int
	stored []string
}

func (r *recordingStorage) Store(ctx context.Context, data []byte, tenantID, name, ct string) (string, error) {
	if r.failOn > 0 && len(r.stored)+1 == r.failOn {
		return "", errors.New("disk full")
	}
	url, err := r.FileStore.Store(ctx, data, tenantID, name, ct)
	if err == nil {
		r.stored = append(r.stored, url)
	}
	return url, err
}

func TestRunDiscardsPartialArtifacts(t *testing.T) {
	three := gateway.Snapshot{Artifacts: []gateway.ArtifactDescriptor{
		{Filename: "a.png"}, {Filename: "b.png"}, {Filename: "c.png"},
	}}
	tests := []struct {
		name    string
		fetch   func(d gateway.ArtifactDescriptor) ([]byte, error)
		failOn  int
		wantMsg string
	}{
		{
			name: "fetch fails midway",
			fetch: func(d gateway.ArtifactDescriptor) ([]byte, error) {
				if d.Filename == "c.png" {
					return nil, fmt.Errorf("%w: %s", gateway.ErrArtifactMissing, d.Filename)
				}
				return []byte("data:" + d.Filename), nil
			},
			wantMsg: "artifact missing",
		},
		{
			name:    "store fails midway",
			failOn:  3,
			wantMsg: "disk full",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			job := env.submit(t, jobs.KindImage)
			files := &recordingStorage{FileStore: env.files, failOn: tt.failOn}
			engine := &fakeEngine{snapshot: three, fetch: tt.fetch}

			New(env.manager, engine, files, testConfig(time.Second)).Run(context.Background(), job.ID)

			got, _ := env.store.GetJob(job.ID)
			if got.Status != jobs.StatusFailed || !strings.Contains(got.ErrorMessage, tt.wantMsg) {
				t.Fatalf("expected failure with %q, got %s %q", tt.wantMsg, got.Status, got.ErrorMessage)
			}
			if len(files.stored) != 2 {
				t.Fatalf("expected 2 artifacts stored before the failure, got %v", files.stored)
			}
			for _, u := range files.stored {
				if env.files.Exists(context.Background(), u) {
					t.Errorf("artifact %s left behind by failed job", u)
				}
			}
		})
	}
}

func TestRunSkipsUnclaimableJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.submit(t, jobs.KindImage)
	if _, err := env.manager.MarkProcessing(job.ID); err != nil {
		t.Fatal(err)
	}

	engine := &fakeEngine{readyAfter: -1}
	New(env.manager, engine, env.files, testConfig(time.Second)).Run(context.Background(), job.ID)

	if len(engine.workflows) != 0 {
		t.Error("engine must not be called for a job another executor owns")
	}
	got, _ := env.store.GetJob(job.ID)
	if got.Status != jobs.StatusProcessing {
		t.Errorf("expected job left processing, got %s", got.Status)
	}
}

func TestRunConcurrentClaim(t *testing.T) {
	env := newTestEnv(t)
	job := env.submit(t, jobs.KindText)

	engine := &fakeEngine{snapshot: gateway.Snapshot{Artifacts: []gateway.ArtifactDescriptor{{Filename: "out.txt"}}}}
	ex := New(env.manager, engine, env.files, testConfig(time.Second))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ex.Run(context.Background(), job.ID)
		}()
	}
	wg.Wait()

	if len(engine.workflows) != 1 {
		t.Errorf("expected exactly one submission, got %d", len(engine.workflows))
	}
	got, _ := env.store.GetJob(job.ID)
	if got.Status != jobs.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestRunCancelled(t *testing.T) {
	env := newTestEnv(t)
	job := env.submit(t, jobs.KindImage)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	New(env.manager, &fakeEngine{readyAfter: -1}, env.files, testConfig(10*time.Second)).Run(ctx, job.ID)

	got, _ := env.store.GetJob(job.ID)
	if got.Status != jobs.StatusFailed || !strings.Contains(got.ErrorMessage, "interrupted") {
		t.Errorf("expected interrupted failure, got %s %q", got.Status, got.ErrorMessage)
	}
}

func TestRunAgainstHTTPEngine(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/prompt":
			_, _ = w.Write([]byte(`{"prompt_id":"p-1"}`))
		case r.URL.Path == "/history/p-1":
			if polls.Add(1) < 2 {
				_, _ = w.Write([]byte(`{}`))
				return
			}
			_, _ = w.Write([]byte(`{"p-1":{"status":{"status_str":"success"},"outputs":{"9":{"images":[{"filename":"x.png","subfolder":"","type":"output"}]}}}}`))
		case r.URL.Path == "/view":
			_, _ = w.Write([]byte("PNG"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	env := newTestEnv(t)
	job := env.submit(t, jobs.KindImage)
	engine := gateway.NewEngineClient(gateway.EngineConfig{BaseURL: srv.URL})

	New(env.manager, engine, env.files, testConfig(2*time.Second)).Run(context.Background(), job.ID)

	got, _ := env.store.GetJob(job.ID)
	if got.Status != jobs.StatusCompleted || len(got.OutputURLs) != 1 {
		t.Fatalf("expected completed with one artifact, got %s %v (%s)", got.Status, got.OutputURLs, got.ErrorMessage)
	}
}

func TestErrTimeoutIsWrapped(t *testing.T) {
	ex := New(nil, &fakeEngine{readyAfter: -1}, nil, config.ExecutorConfig{})
	_, err := ex.wait(context.Background(), "s", time.Now(), 20*time.Millisecond, 5*time.Millisecond)
	if !errors.Is(err, jobs.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}
