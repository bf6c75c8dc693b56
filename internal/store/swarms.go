package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SwarmRun is the history record of one dispatcher invocation.
type SwarmRun struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Target      string          `json:"target"`
	Task        string          `json:"task"`
	Status      string          `json:"status"`
	Results     json.RawMessage `json:"results,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func scanSwarmRun(scanner interface {
	Scan(dest ...any) error
}) (*SwarmRun, error) {
	r := &SwarmRun{}
	var results *string
	err := scanner.Scan(&r.ID, &r.Kind, &r.Target, &r.Task, &r.Status, &results, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if results != nil {
		r.Results = json.RawMessage(*results)
	}
	return r, nil
}

const swarmColumns = `id, kind, target, task, status, results, started_at, completed_at`

func (s *Store) SaveSwarmRun(r *SwarmRun) error {
	var results any
	if len(r.Results) > 0 {
		results = string(r.Results)
	}
	_, err := s.db.Exec(`
		INSERT INTO swarm_runs (id, kind, target, task, status, results)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			results = excluded.results,
			completed_at = CASE WHEN excluded.status IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.Kind, r.Target, r.Task, r.Status, results)
	if err != nil {
		return fmt.Errorf("save swarm run: %w", err)
	}
	return nil
}

func (s *Store) GetSwarmRun(id string) (*SwarmRun, error) {
	row := s.db.QueryRow(`SELECT `+swarmColumns+` FROM swarm_runs WHERE id = ?`, id)
	r, err := scanSwarmRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm run: %w", err)
	}
	return r, nil
}

func (s *Store) ListSwarmRuns(limit int) ([]SwarmRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+swarmColumns+` FROM swarm_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list swarm runs: %w", err)
	}
	defer rows.Close()

	var runs []SwarmRun
	for rows.Next() {
		r, err := scanSwarmRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateSwarmRun(id string, status string, results json.RawMessage) error {
	_, err := s.db.Exec(`
		UPDATE swarm_runs
		SET status = ?, results = ?,
		    completed_at = CASE WHEN ? IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, string(results), status, id)
	return err
}
