package registry

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnitNotFound = errors.New("unit not found")
	ErrRoleNotFound = errors.New("role not found")
)

//go:embed catalog.yaml
var builtinCatalog []byte

type Kind string

const (
	KindSupervisor Kind = "supervisor"
	KindWorker     Kind = "worker"
)

// Role binds a name to an external model and a responsibility.
type Role struct {
	Name           string `json:"name"`
	ModelID        string `json:"model"`
	Responsibility string `json:"responsibility"`
	Kind           Kind   `json:"kind"`
}

// Unit groups one supervisor with its workers.
type Unit struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	DisplayName string `json:"name"`
	Supervisor  Role   `json:"supervisor"`
	Workers     []Role `json:"workers"`
}

// Roles returns the supervisor followed by the workers.
func (u Unit) Roles() []Role {
	out := make([]Role, 0, len(u.Workers)+1)
	out = append(out, u.Supervisor)
	return append(out, u.Workers...)
}

type catalogFile struct {
	Units []struct {
		ID         string        `yaml:"id"`
		Label      string        `yaml:"label"`
		Name       string        `yaml:"name"`
		Supervisor catalogRole   `yaml:"supervisor"`
		Workers    []catalogRole `yaml:"workers"`
	} `yaml:"units"`
}

type catalogRole struct {
	Name           string `yaml:"name"`
	Model          string `yaml:"model"`
	Responsibility string `yaml:"responsibility"`
}

// Registry is a read-only index of units and roles. Safe for concurrent use.
type Registry struct {
	units  []Unit
	byID   map[string]int
	byRole map[string]string // role name -> unit id
}

// Load builds a registry from the catalog at path, or the built-in catalog
// when path is empty.
func Load(path string) (*Registry, error) {
	data := builtinCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		data = b
	}
	return Parse(data)
}

func Parse(data []byte) (*Registry, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	units := make([]Unit, 0, len(f.Units))
	for _, cu := range f.Units {
		u := Unit{
			ID:          cu.ID,
			Label:       cu.Label,
			DisplayName: cu.Name,
			Supervisor: Role{
				Name:           cu.Supervisor.Name,
				ModelID:        cu.Supervisor.Model,
				Responsibility: cu.Supervisor.Responsibility,
				Kind:           KindSupervisor,
			},
		}
		for _, w := range cu.Workers {
			u.Workers = append(u.Workers, Role{
				Name:           w.Name,
				ModelID:        w.Model,
				Responsibility: w.Responsibility,
				Kind:           KindWorker,
			})
		}
		units = append(units, u)
	}
	return New(units)
}

// New validates units and indexes them. Every unit needs an id and a
// supervisor; role names must be unique across the whole registry.
func New(units []Unit) (*Registry, error) {
	r := &Registry{
		byID:   make(map[string]int, len(units)),
		byRole: make(map[string]string),
	}
	for i, u := range units {
		if u.ID == "" {
			return nil, fmt.Errorf("unit %d: missing id", i)
		}
		if _, dup := r.byID[u.ID]; dup {
			return nil, fmt.Errorf("duplicate unit id %q", u.ID)
		}
		if u.Supervisor.Name == "" {
			return nil, fmt.Errorf("unit %s: missing supervisor", u.ID)
		}
		if u.Label == "" {
			u.Label = u.ID
		}
		u.Supervisor.Kind = KindSupervisor
		workers := make([]Role, len(u.Workers))
		copy(workers, u.Workers)
		for j := range workers {
			workers[j].Kind = KindWorker
		}
		u.Workers = workers

		for _, role := range u.Roles() {
			if role.Name == "" {
				return nil, fmt.Errorf("unit %s: role without name", u.ID)
			}
			if owner, dup := r.byRole[role.Name]; dup {
				return nil, fmt.Errorf("role %q in both %s and %s", role.Name, owner, u.ID)
			}
			r.byRole[role.Name] = u.ID
		}
		r.byID[u.ID] = len(r.units)
		r.units = append(r.units, u)
	}
	return r, nil
}

// ListUnits returns a copy of all units in catalog order.
func (r *Registry) ListUnits() []Unit {
	out := make([]Unit, len(r.units))
	copy(out, r.units)
	return out
}

func (r *Registry) FindUnit(id string) (Unit, error) {
	i, ok := r.byID[id]
	if !ok {
		return Unit{}, fmt.Errorf("%w: %s", ErrUnitNotFound, id)
	}
	return r.units[i], nil
}

// FindUnitByLabel looks a unit up by its short label (e.g. "backend").
func (r *Registry) FindUnitByLabel(label string) (Unit, error) {
	for _, u := range r.units {
		if u.Label == label {
			return u, nil
		}
	}
	return Unit{}, fmt.Errorf("%w: %s", ErrUnitNotFound, label)
}

func (r *Registry) FindRole(unitID, roleName string) (Role, error) {
	u, err := r.FindUnit(unitID)
	if err != nil {
		return Role{}, err
	}
	for _, role := range u.Roles() {
		if role.Name == roleName {
			return role, nil
		}
	}
	return Role{}, fmt.Errorf("%w: %s/%s", ErrRoleNotFound, unitID, roleName)
}

// TotalRoles counts supervisors and workers across all units.
func (r *Registry) TotalRoles() int {
	return len(r.byRole)
}
