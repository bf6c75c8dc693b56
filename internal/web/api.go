package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/mediaswarm/internal/gateway"
	"github.com/mtzanidakis/mediaswarm/internal/jobs"
	"github.com/mtzanidakis/mediaswarm/internal/registry"
	"github.com/mtzanidakis/mediaswarm/internal/store"
)

const (
	headerTenant = "X-Tenant-ID"
	headerUser   = "X-User-ID"
	headerRole   = "X-User-Role"
)

const maxBodySize = 1 << 20

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Generations
	mux.HandleFunc("POST /api/generations/{kind}", s.submitGeneration)
	mux.HandleFunc("GET /api/generations/{id}", s.getGeneration)
	mux.HandleFunc("GET /api/generations", s.listGenerations)

	// Swarm
	mux.HandleFunc("GET /api/swarm/units", s.listUnits)
	mux.HandleFunc("GET /api/swarm/health", s.swarmHealth)
	mux.HandleFunc("GET /api/swarm/runs", s.listSwarmRuns)
	mux.HandleFunc("POST /api/swarm/units/{id}/run", s.runUnit)
	mux.HandleFunc("POST /api/swarm/build", s.buildApp)
	mux.HandleFunc("POST /api/swarm/parallel", s.runParallel)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

// principal is the caller identity asserted by the upstream access layer.
type principal struct {
	TenantID string
	UserID   string
	Role     string
}

func principalFrom(w http.ResponseWriter, r *http.Request) (principal, bool) {
	p := principal{
		TenantID: r.Header.Get(headerTenant),
		UserID:   r.Header.Get(headerUser),
		Role:     r.Header.Get(headerRole),
	}
	if p.TenantID == "" || p.UserID == "" {
		jsonError(w, "missing tenant context", http.StatusUnauthorized)
		return p, false
	}
	return p, true
}

// jobResponse is a job plus the first artifact URL for simple clients.
type jobResponse struct {
	*store.Job
	OutputURL string `json:"output_url,omitempty"`
}

func toJobResponse(j *store.Job) jobResponse {
	resp := jobResponse{Job: j}
	if len(j.OutputURLs) > 0 {
		resp.OutputURL = j.OutputURLs[0]
	}
	return resp
}

// reservedFields are request keys that are not generation parameters.
var reservedFields = map[string]bool{
	"prompt":          true,
	"text":            true,
	"negative_prompt": true,
	"model":           true,
	"parameters":      true,
}

func (s *Server) submitGeneration(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	kind, err := jobs.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, err)
		return
	}

	var body map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	intent := jobs.Intent{
		TenantID:       p.TenantID,
		UserID:         p.UserID,
		Kind:           kind,
		Prompt:         stringField(body, "prompt"),
		NegativePrompt: stringField(body, "negative_prompt"),
		Model:          stringField(body, "model"),
		Parameters:     make(map[string]any),
	}
	if intent.Prompt == "" {
		intent.Prompt = stringField(body, "text")
	}
	if nested, ok := body["parameters"].(map[string]any); ok {
		for k, v := range nested {
			intent.Parameters[k] = v
		}
	}
	for k, v := range body {
		if !reservedFields[k] {
			intent.Parameters[k] = v
		}
	}

	job, err := s.deps.Jobs.Submit(r.Context(), intent)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("generation submitted", "job", job.ID, "type", job.Kind, "tenant", p.TenantID, "role", p.Role)

	w.Header().Set("Location", "/api/generations/"+job.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(toJobResponse(job))
}

func (s *Server) getGeneration(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	job, err := s.deps.Jobs.Get(r.PathValue("id"), p.TenantID, p.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, toJobResponse(job))
}

func (s *Server) listGenerations(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var kind jobs.Kind
	if t := q.Get("type"); t != "" {
		k, err := jobs.ParseKind(t)
		if err != nil {
			writeError(w, err)
			return
		}
		kind = k
	}
	skip, err := intQuery(q.Get("skip"))
	if err != nil {
		jsonError(w, "invalid skip", http.StatusBadRequest)
		return
	}
	limit, err := intQuery(q.Get("limit"))
	if err != nil {
		jsonError(w, "invalid limit", http.StatusBadRequest)
		return
	}

	list, err := s.deps.Jobs.List(p.TenantID, p.UserID, kind, jobs.Page{Skip: skip, Limit: limit})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]jobResponse, 0, len(list))
	for i := range list {
		out = append(out, toJobResponse(&list[i]))
	}
	jsonResponse(w, out)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":      "ok",
		"uptime":      formatUptime(time.Since(s.startedAt)),
		"timestamp":   time.Now().UTC(),
		"version":     s.version,
		"units":       len(s.deps.Registry.ListUnits()),
		"total_roles": s.deps.Registry.TotalRoles(),
		"ws_clients":  s.hub.Len(),
	}
	if s.deps.Pool != nil {
		status["workers"] = s.deps.Pool.Stats()
	}
	if s.deps.Bus != nil {
		status["nats"] = s.deps.Bus.Stats()
	}
	jsonResponse(w, status)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var verr *jobs.ValidationError
	switch {
	case errors.As(err, &verr):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, registry.ErrUnitNotFound),
		errors.Is(err, registry.ErrRoleNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, jobs.ErrInvalidTransition):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, gateway.ErrGatewayUnavailable),
		errors.Is(err, gateway.ErrGatewayRejected):
		jsonError(w, err.Error(), http.StatusBadGateway)
	default:
		slog.Error("request failed", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intQuery(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
