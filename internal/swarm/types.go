package swarm

import (
	"github.com/mtzanidakis/mediaswarm/internal/gateway"
	"github.com/mtzanidakis/mediaswarm/internal/registry"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Kinds of dispatcher invocation recorded in the run history.
const (
	RunKindUnit     = "unit"
	RunKindParallel = "parallel"
	RunKindBuild    = "build"
)

// RoleTask is one prompt for one role in a parallel batch.
type RoleTask struct {
	Role   registry.Role
	Prompt string
}

type UnitResult struct {
	UnitName         string                  `json:"unit_name"`
	SupervisorResult gateway.AgentCallResult `json:"supervisor_result"`
	TaskDescription  string                  `json:"task"`
	Status           string                  `json:"status"`
}

// AppSpec describes the application a full build is run against.
type AppSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Features    []string `json:"features"`
}

type BuildReport struct {
	AppName     string                `json:"app_name"`
	Description string                `json:"description"`
	UnitResults map[string]UnitResult `json:"unit_results"`
	Status      string                `json:"status"`
	TotalUnits  int                   `json:"total_units"`
}

type Health struct {
	Status     string       `json:"status"`
	Units      int          `json:"units"`
	TotalRoles int          `json:"total_roles"`
	Breakdown  []UnitHealth `json:"breakdown"`
}

type UnitHealth struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Supervisor string `json:"supervisor"`
	Workers    int    `json:"workers"`
}
