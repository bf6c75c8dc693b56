package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/mediaswarm/internal/config"
	"github.com/mtzanidakis/mediaswarm/internal/gateway"
	"github.com/mtzanidakis/mediaswarm/internal/jobs"
	"github.com/mtzanidakis/mediaswarm/internal/natsbus"
	"github.com/mtzanidakis/mediaswarm/internal/registry"
	"github.com/mtzanidakis/mediaswarm/internal/store"
	"github.com/mtzanidakis/mediaswarm/internal/swarm"
)

type echoInvoker struct{}

func (echoInvoker) Invoke(ctx context.Context, role registry.Role, prompt, systemPrompt string) gateway.AgentCallResult {
	return gateway.AgentCallResult{
		RoleName:  role.Name,
		ModelID:   role.ModelID,
		Output:    prompt,
		Usage:     map[string]any{},
		Succeeded: true,
	}
}

type testServer struct {
	*httptest.Server
	srv   *Server
	files string
}

func newTestServer(t *testing.T, cfg config.WebConfig) *testServer {
	t.Helper()
	dir := t.TempDir()

	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg, err := registry.Load("")
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	dispatcher := swarm.NewDispatcher(reg, echoInvoker{})
	dispatcher.SetRuns(s)

	files := filepath.Join(dir, "artifacts")
	if err := os.MkdirAll(files, 0o755); err != nil {
		t.Fatal(err)
	}

	srv := NewServer(cfg, Deps{
		Jobs:     jobs.NewManager(s, nil),
		Swarm:    dispatcher,
		Registry: reg,
		Files:    files,
	}, "test")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, srv: srv, files: files}
}

func (ts *testServer) do(t *testing.T, method, path, tenant, user string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if tenant != "" {
		req.Header.Set(headerTenant, tenant)
	}
	if user != "" {
		req.Header.Set(headerUser, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestSubmitAndGetGeneration(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})

	resp := ts.do(t, "POST", "/api/generations/image", "t1", "u1", map[string]any{
		"prompt": "a red fox",
		"width":  768,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	job := decode[map[string]any](t, resp)
	if job["status"] != jobs.StatusQueued || job["type"] != "image" || job["prompt"] != "a red fox" {
		t.Fatalf("unexpected job %v", job)
	}
	id := job["id"].(string)
	if resp.Header.Get("Location") != "/api/generations/"+id {
		t.Errorf("unexpected location %q", resp.Header.Get("Location"))
	}
	params := job["parameters"].(map[string]any)
	if params["width"] != float64(768) {
		t.Errorf("expected width 768, got %v", params["width"])
	}

	resp = ts.do(t, "GET", "/api/generations/"+id, "t1", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := decode[map[string]any](t, resp); got["id"] != id {
		t.Errorf("unexpected job %v", got)
	}

	// Another user of the same tenant must not see it.
	if resp := ts.do(t, "GET", "/api/generations/"+id, "t1", "u2", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for other user, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, "GET", "/api/generations/"+id, "t2", "u1", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for other tenant, got %d", resp.StatusCode)
	}
}

func TestSubmitVoiceUsesTextField(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})
	resp := ts.do(t, "POST", "/api/generations/voice", "t1", "u1", map[string]any{"text": "hello there"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if job := decode[map[string]any](t, resp); job["prompt"] != "hello there" || job["cost_units"] != float64(2) {
		t.Errorf("unexpected job %v", job)
	}
}

func TestSubmitErrors(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})

	tests := []struct {
		name   string
		path   string
		tenant string
		body   any
		want   int
	}{
		{"missing tenant", "/api/generations/image", "", map[string]any{"prompt": "x"}, http.StatusUnauthorized},
		{"unknown kind", "/api/generations/hologram", "t1", map[string]any{"prompt": "x"}, http.StatusBadRequest},
		{"empty prompt", "/api/generations/image", "t1", map[string]any{}, http.StatusBadRequest},
		{"width too small", "/api/generations/image", "t1", map[string]any{"prompt": "x", "width": 10}, http.StatusBadRequest},
		{"bad resolution", "/api/generations/video", "t1", map[string]any{"prompt": "x", "resolution": "4k"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := ""
			if tt.tenant != "" {
				user = "u1"
			}
			resp := ts.do(t, "POST", tt.path, tt.tenant, user, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestListGenerations(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})
	for i := range 3 {
		ts.do(t, "POST", "/api/generations/text", "t1", "u1", map[string]any{"prompt": fmt.Sprintf("p%d", i)})
	}
	ts.do(t, "POST", "/api/generations/image", "t1", "u1", map[string]any{"prompt": "img"})
	ts.do(t, "POST", "/api/generations/text", "t1", "other", map[string]any{"prompt": "not mine"})

	resp := ts.do(t, "GET", "/api/generations", "t1", "u1", nil)
	if all := decode[[]map[string]any](t, resp); len(all) != 4 {
		t.Fatalf("expected 4 jobs, got %d", len(all))
	}

	resp = ts.do(t, "GET", "/api/generations?type=text&limit=2", "t1", "u1", nil)
	page := decode[[]map[string]any](t, resp)
	if len(page) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(page))
	}
	if page[0]["prompt"] != "p2" || page[1]["prompt"] != "p1" {
		t.Errorf("expected newest first, got %v, %v", page[0]["prompt"], page[1]["prompt"])
	}

	if resp := ts.do(t, "GET", "/api/generations?skip=-1", "t1", "u1", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for negative skip, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, "GET", "/api/generations?type=nope", "t1", "u1", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown type, got %d", resp.StatusCode)
	}
}

func TestSwarmEndpoints(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})

	units := decode[[]map[string]any](t, ts.do(t, "GET", "/api/swarm/units", "", "", nil))
	if len(units) != 10 {
		t.Fatalf("expected 10 units, got %d", len(units))
	}

	health := decode[map[string]any](t, ts.do(t, "GET", "/api/swarm/health", "", "", nil))
	if health["status"] != "healthy" || health["total_roles"] != float64(110) {
		t.Errorf("unexpected health %v", health)
	}

	resp := ts.do(t, "POST", "/api/swarm/units/dept_04_seo/run", "", "", map[string]string{"task": "rank a blog"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	res := decode[map[string]any](t, resp)
	if res["status"] != "completed" || res["task"] != "rank a blog" {
		t.Errorf("unexpected unit result %v", res)
	}

	if resp := ts.do(t, "POST", "/api/swarm/units/dept_99/run", "", "", map[string]string{"task": "x"}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown unit, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, "POST", "/api/swarm/units/dept_04_seo/run", "", "", map[string]string{}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing task, got %d", resp.StatusCode)
	}

	resp = ts.do(t, "POST", "/api/swarm/build", "", "", map[string]any{
		"name": "Ledger", "description": "bookkeeping", "features": []string{"invoices"},
	})
	report := decode[map[string]any](t, resp)
	if report["total_units"] != float64(10) || report["status"] != "completed" {
		t.Errorf("unexpected report %v", report)
	}

	runs := decode[[]map[string]any](t, ts.do(t, "GET", "/api/swarm/runs?limit=10", "", "", nil))
	if len(runs) != 2 {
		t.Errorf("expected 2 recorded runs, got %d", len(runs))
	}
}

func TestSwarmParallel(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})
	reg, _ := registry.Load("")
	u := reg.ListUnits()[0]

	body := map[string]any{"tasks": []map[string]string{
		{"unit": u.ID, "role": u.Workers[2].Name, "prompt": "first"},
		{"unit": u.ID, "role": u.Supervisor.Name, "prompt": "second"},
	}}
	resp := ts.do(t, "POST", "/api/swarm/parallel", "", "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	results := decode[[]map[string]any](t, resp)
	if len(results) != 2 || results[0]["response"] != "first" || results[1]["agent"] != u.Supervisor.Name {
		t.Errorf("unexpected results %v", results)
	}

	body = map[string]any{"tasks": []map[string]string{{"unit": u.ID, "role": "Nobody", "prompt": "x"}}}
	if resp := ts.do(t, "POST", "/api/swarm/parallel", "", "", body); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown role, got %d", resp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{Auth: "hunter2"})

	if resp := ts.do(t, "GET", "/api/status", "", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/api/status", nil)
	req.SetBasicAuth("admin", "hunter2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with basic auth, got %d", resp.StatusCode)
	}

	if resp := ts.do(t, "POST", "/api/login", "", "", map[string]string{"password": "wrong"}); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong password, got %d", resp.StatusCode)
	}
	resp = ts.do(t, "POST", "/api/login", "", "", map[string]string{"password": "hunter2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on login, got %d", resp.StatusCode)
	}
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			session = c
		}
	}
	if session == nil {
		t.Fatal("expected session cookie")
	}

	req, _ = http.NewRequest("GET", ts.URL+"/api/auth/check", nil)
	req.AddCookie(session)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for auth check with session, got %d", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})
	status := decode[map[string]any](t, ts.do(t, "GET", "/api/status", "", "", nil))
	if status["status"] != "ok" || status["version"] != "test" || status["units"] != float64(10) {
		t.Errorf("unexpected status %v", status)
	}
}

func TestFiles(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})
	if err := os.MkdirAll(filepath.Join(ts.files, "t1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ts.files, "t1", "a.png"), []byte("PNG"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := ts.do(t, "GET", "/files/t1/a.png", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, "GET", "/files/t1/", "", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("directory listing must be hidden, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, "GET", "/files/t1/missing.png", "", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func (ts *testServer) dialWS(t *testing.T, query, tenant, user string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if tenant != "" {
		header.Set(headerTenant, tenant)
	}
	if user != "" {
		header.Set(headerUser, user)
	}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func (ts *testServer) waitClients(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.hub.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d websocket clients, have %d", n, ts.srv.hub.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) natsbus.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev natsbus.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	return ev
}

func (ts *testServer) submitJob(t *testing.T, tenant, user string) string {
	t.Helper()
	resp := ts.do(t, "POST", "/api/generations/image", tenant, user, map[string]any{"prompt": "a red fox"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: expected 202, got %d", resp.StatusCode)
	}
	return decode[map[string]any](t, resp)["id"].(string)
}

func broadcastJob(hub *Hub, jobID, tenant, user string) {
	ev := natsbus.Event{
		Type:     "job_completed",
		JobID:    jobID,
		TenantID: tenant,
		UserID:   user,
		Data:     map[string]any{"output_urls": []string{"http://x/files/" + tenant + "/a.png"}},
	}
	data, _ := json.Marshal(ev)
	hub.Broadcast(ev, data)
}

func TestWebSocketFilter(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ts.srv.hub.Run(ctx)

	j1 := ts.submitJob(t, "t1", "u1")
	j2 := ts.submitJob(t, "t1", "u1")

	conn, _, err := ts.dialWS(t, "?job="+j1, "t1", "u1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ts.waitClients(t, 1)

	broadcastJob(ts.srv.hub, j2, "t1", "u1")
	broadcastJob(ts.srv.hub, j1, "t1", "u1")

	if got := readEvent(t, conn); got.JobID != j1 {
		t.Errorf("expected only %s events, got %s", j1, got.JobID)
	}
}

func TestWebSocketTenantIsolation(t *testing.T) {
	ts := newTestServer(t, config.WebConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ts.srv.hub.Run(ctx)

	id := ts.submitJob(t, "t1", "u1")

	t.Run("missing tenant context", func(t *testing.T) {
		_, resp, err := ts.dialWS(t, "", "", "")
		if err == nil {
			t.Fatal("expected handshake to fail")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401, got %v", resp)
		}
	})

	t.Run("foreign job filter", func(t *testing.T) {
		_, resp, err := ts.dialWS(t, "?job="+id, "t2", "u2")
		if err == nil {
			t.Fatal("expected handshake to fail")
		}
		if resp == nil || resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404, got %v", resp)
		}
	})

	t.Run("unfiltered feed hides foreign jobs", func(t *testing.T) {
		conn, _, err := ts.dialWS(t, "", "t2", "u2")
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		ts.waitClients(t, 1)

		broadcastJob(ts.srv.hub, id, "t1", "u1")
		broadcastJob(ts.srv.hub, "own-job", "t2", "u2")
		runEv := natsbus.Event{Type: "swarm_unit_started", SwarmID: "run-1"}
		data, _ := json.Marshal(runEv)
		ts.srv.hub.Broadcast(runEv, data)

		if got := readEvent(t, conn); got.JobID != "own-job" {
			t.Fatalf("expected own job event first, got %+v", got)
		}
		if got := readEvent(t, conn); got.SwarmID != "run-1" {
			t.Errorf("expected swarm event, got %+v", got)
		}
	})
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&jobs.ValidationError{Field: "width", Reason: "too small"}, http.StatusBadRequest},
		{fmt.Errorf("%w: x", jobs.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", registry.ErrUnitNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", registry.ErrRoleNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", jobs.ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("%w: x", gateway.ErrGatewayUnavailable), http.StatusBadGateway},
		{fmt.Errorf("%w: x", gateway.ErrGatewayRejected), http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, tt.err)
		if rec.Code != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.want, rec.Code)
		}
	}
}
