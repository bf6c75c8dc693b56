package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mtzanidakis/mediaswarm/internal/store"
	"github.com/mtzanidakis/mediaswarm/internal/swarm"
)

const maxParallelTasks = 50

func (s *Server) listUnits(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.deps.Registry.ListUnits())
}

func (s *Server) swarmHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.deps.Swarm.Health())
}

func (s *Server) listSwarmRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.deps.Swarm.Runs(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []store.SwarmRun{}
	}
	jsonResponse(w, runs)
}

func (s *Server) runUnit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task string `json:"task"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Task == "" {
		jsonError(w, "task is required", http.StatusBadRequest)
		return
	}

	res, err := s.deps.Swarm.RunUnitTask(r.Context(), r.PathValue("id"), body.Task)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) buildApp(w http.ResponseWriter, r *http.Request) {
	var app swarm.AppSpec
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&app); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if app.Name == "" || app.Description == "" {
		jsonError(w, "name and description are required", http.StatusBadRequest)
		return
	}
	jsonResponse(w, s.deps.Swarm.BuildFromSpecification(r.Context(), app))
}

func (s *Server) runParallel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tasks []struct {
			Unit   string `json:"unit"`
			Role   string `json:"role"`
			Prompt string `json:"prompt"`
		} `json:"tasks"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(body.Tasks) == 0 {
		jsonError(w, "tasks are required", http.StatusBadRequest)
		return
	}
	if len(body.Tasks) > maxParallelTasks {
		jsonError(w, "too many tasks", http.StatusBadRequest)
		return
	}

	tasks := make([]swarm.RoleTask, 0, len(body.Tasks))
	for _, t := range body.Tasks {
		role, err := s.deps.Registry.FindRole(t.Unit, t.Role)
		if err != nil {
			writeError(w, err)
			return
		}
		tasks = append(tasks, swarm.RoleTask{Role: role, Prompt: t.Prompt})
	}
	jsonResponse(w, s.deps.Swarm.RunManyRolesInParallel(r.Context(), tasks))
}
