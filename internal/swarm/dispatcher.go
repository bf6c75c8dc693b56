package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mtzanidakis/mediaswarm/internal/gateway"
	"github.com/mtzanidakis/mediaswarm/internal/natsbus"
	"github.com/mtzanidakis/mediaswarm/internal/registry"
	"github.com/mtzanidakis/mediaswarm/internal/store"
)

// Invoker calls one role on the chat gateway. Implementations report
// failures inside the result instead of returning an error.
type Invoker interface {
	Invoke(ctx context.Context, role registry.Role, prompt, systemPrompt string) gateway.AgentCallResult
}

// RunStore persists the history of dispatcher invocations.
type RunStore interface {
	SaveSwarmRun(r *store.SwarmRun) error
	UpdateSwarmRun(id, status string, results json.RawMessage) error
	ListSwarmRuns(limit int) ([]store.SwarmRun, error)
}

type Dispatcher struct {
	registry *registry.Registry
	gateway  Invoker
	runs     RunStore
	events   natsbus.Publisher
	plan     []ExecutionTier
}

func NewDispatcher(reg *registry.Registry, gw Invoker) *Dispatcher {
	plan, err := BuildPlan(buildStages(), buildEdges())
	if err != nil {
		// The build graph is static.
		panic(fmt.Sprintf("swarm: invalid build plan: %v", err))
	}
	return &Dispatcher{
		registry: reg,
		gateway:  gw,
		plan:     plan,
	}
}

// SetRuns enables run history.
func (d *Dispatcher) SetRuns(r RunStore) {
	d.runs = r
}

func (d *Dispatcher) SetEvents(p natsbus.Publisher) {
	d.events = p
}

// RunRole delegates a prompt to a single role.
func (d *Dispatcher) RunRole(ctx context.Context, role registry.Role, prompt string) gateway.AgentCallResult {
	return d.gateway.Invoke(ctx, role, prompt, "")
}

// RunUnitTask asks a unit's supervisor to plan a task. Workers are not
// invoked.
func (d *Dispatcher) RunUnitTask(ctx context.Context, unitID, task string) (UnitResult, error) {
	unit, err := d.registry.FindUnit(unitID)
	if err != nil {
		return UnitResult{}, err
	}

	runID := d.startRun(RunKindUnit, unit.ID, task)
	res := d.runUnit(ctx, runID, unit, task)
	d.finishRun(runID, res.Status, res)
	return res, nil
}

// RunManyRolesInParallel invokes every task concurrently and returns once
// all of them have finished. Result i always belongs to task i; a task that
// panics yields a failure record without affecting its siblings.
func (d *Dispatcher) RunManyRolesInParallel(ctx context.Context, tasks []RoleTask) []gateway.AgentCallResult {
	runID := d.startRun(RunKindParallel, fmt.Sprintf("%d roles", len(tasks)), "")

	results := make([]gateway.AgentCallResult, len(tasks))
	barrier(len(tasks),
		func(i int) {
			results[i] = d.gateway.Invoke(ctx, tasks[i].Role, tasks[i].Prompt, "")
		},
		func(i int, r any) {
			results[i] = gateway.Failed(tasks[i].Role, fmt.Errorf("panic: %v", r))
		},
	)

	d.finishRun(runID, StatusCompleted, results)
	return results
}

// BuildFromSpecification runs every stage of the build plan against app.
// Each tier starts only after the previous one has been attempted; a failed
// unit is reported in its result and does not stop the build.
func (d *Dispatcher) BuildFromSpecification(ctx context.Context, app AppSpec) BuildReport {
	runID := d.startRun(RunKindBuild, app.Name, app.Description)
	slog.Info("building application", "run", runID, "app", app.Name)

	results := make(map[string]UnitResult)
	var mu sync.Mutex
	record := func(label string, res UnitResult) {
		mu.Lock()
		results[label] = res
		mu.Unlock()
	}

	for tierIdx, tier := range d.plan {
		slog.Info("executing tier", "run", runID, "tier", tierIdx, "units", len(tier.Stages))
		barrier(len(tier.Stages),
			func(i int) {
				st := tier.Stages[i]
				record(st.Label, d.runStage(ctx, runID, st, app))
			},
			func(i int, r any) {
				st := tier.Stages[i]
				task := st.Task(app)
				record(st.Label, UnitResult{
					UnitName:         st.Label,
					SupervisorResult: gateway.Failed(registry.Role{Name: st.Label}, fmt.Errorf("panic: %v", r)),
					TaskDescription:  task,
					Status:           StatusFailed,
				})
			},
		)
	}

	report := BuildReport{
		AppName:     app.Name,
		Description: app.Description,
		UnitResults: results,
		Status:      StatusCompleted,
		TotalUnits:  len(results),
	}
	natsbus.PublishSwarmEvent(d.events, runID, "swarm_build_completed", map[string]any{
		"app":         app.Name,
		"total_units": report.TotalUnits,
	})
	slog.Info("application build completed", "run", runID, "app", app.Name)
	d.finishRun(runID, report.Status, report)
	return report
}

// Health summarizes the registered units.
func (d *Dispatcher) Health() Health {
	units := d.registry.ListUnits()
	h := Health{
		Status:     "healthy",
		Units:      len(units),
		TotalRoles: d.registry.TotalRoles(),
		Breakdown:  make([]UnitHealth, 0, len(units)),
	}
	for _, u := range units {
		h.Breakdown = append(h.Breakdown, UnitHealth{
			ID:         u.ID,
			Name:       u.DisplayName,
			Supervisor: u.Supervisor.Name,
			Workers:    len(u.Workers),
		})
	}
	return h
}

// Runs returns the most recent invocations, newest first.
func (d *Dispatcher) Runs(limit int) ([]store.SwarmRun, error) {
	if d.runs == nil {
		return nil, nil
	}
	return d.runs.ListSwarmRuns(limit)
}

func (d *Dispatcher) runStage(ctx context.Context, runID string, st Stage, app AppSpec) UnitResult {
	task := st.Task(app)
	unit, err := d.registry.FindUnitByLabel(st.Label)
	if err != nil {
		slog.Warn("build stage has no unit", "run", runID, "label", st.Label)
		return UnitResult{
			UnitName:         st.Label,
			SupervisorResult: gateway.Failed(registry.Role{Name: st.Label}, err),
			TaskDescription:  task,
			Status:           StatusFailed,
		}
	}
	return d.runUnit(ctx, runID, unit, task)
}

func (d *Dispatcher) runUnit(ctx context.Context, runID string, unit registry.Unit, task string) UnitResult {
	slog.Info("running unit task", "run", runID, "unit", unit.ID, "role", unit.Supervisor.Name)
	natsbus.PublishSwarmEvent(d.events, runID, "swarm_unit_started", map[string]any{
		"unit": unit.ID,
		"role": unit.Supervisor.Name,
	})

	res := d.gateway.Invoke(ctx, unit.Supervisor, supervisorPrompt(unit, task), "")

	status := StatusCompleted
	if !res.Succeeded {
		status = StatusFailed
		slog.Warn("supervisor failed", "run", runID, "unit", unit.ID, "role", unit.Supervisor.Name, "error", res.Error)
	}
	natsbus.PublishSwarmEvent(d.events, runID, "swarm_unit_completed", map[string]any{
		"unit":   unit.ID,
		"status": status,
	})

	return UnitResult{
		UnitName:         unit.DisplayName,
		SupervisorResult: res,
		TaskDescription:  task,
		Status:           status,
	}
}

func supervisorPrompt(unit registry.Unit, task string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, supervisor of the %s unit.\n\n", unit.Supervisor.Name, unit.DisplayName)
	fmt.Fprintf(&sb, "Your role: %s\n\n", unit.Supervisor.Responsibility)
	fmt.Fprintf(&sb, "Task: %s\n\n", task)
	if len(unit.Workers) > 0 {
		sb.WriteString("Your workers:\n")
		for _, w := range unit.Workers {
			fmt.Fprintf(&sb, "- %s: %s\n", w.Name, w.Responsibility)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Analyze this task and provide:\n")
	sb.WriteString("1. High-level approach\n")
	sb.WriteString("2. Which workers should handle specific subtasks\n")
	sb.WriteString("3. Expected outcome\n\n")
	sb.WriteString("Be detailed and strategic.")
	return sb.String()
}

// barrier runs fn for every index concurrently and waits for all of them.
// A panic in fn(i) is passed to recovered(i, r).
func barrier(n int, fn func(i int), recovered func(i int, r any)) {
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("swarm task panic", "index", i, "panic", r, "stack", string(debug.Stack()))
					recovered(i, r)
				}
			}()
			fn(i)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) startRun(kind, target, task string) string {
	id := uuid.New().String()
	if d.runs == nil {
		return id
	}
	if err := d.runs.SaveSwarmRun(&store.SwarmRun{
		ID:     id,
		Kind:   kind,
		Target: target,
		Task:   task,
		Status: StatusRunning,
	}); err != nil {
		slog.Warn("save swarm run failed", "run", id, "error", err)
	}
	return id
}

func (d *Dispatcher) finishRun(id, status string, results any) {
	if d.runs == nil {
		return
	}
	data, err := json.Marshal(results)
	if err != nil {
		slog.Warn("encode swarm results failed", "run", id, "error", err)
		return
	}
	if err := d.runs.UpdateSwarmRun(id, status, data); err != nil {
		slog.Warn("update swarm run failed", "run", id, "error", err)
	}
}
