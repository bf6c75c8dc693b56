package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Job struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	UserID          string         `json:"user_id"`
	Kind            string         `json:"type"`
	Status          string         `json:"status"`
	Prompt          string         `json:"prompt"`
	NegativePrompt  string         `json:"negative_prompt,omitempty"`
	Model           string         `json:"model"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	CostUnits       int            `json:"cost_units"`
	OutputURLs      []string       `json:"output_urls"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	SubmissionID    string         `json:"submission_id,omitempty"`
	DurationSeconds *float64       `json:"processing_time_seconds,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// JobFilter selects an owner's jobs. Kind is optional.
type JobFilter struct {
	TenantID string
	UserID   string
	Kind     string
	Offset   int
	Limit    int
}

// JobTransition is a compare-and-swap status change. The row is only
// written when its current status equals From.
type JobTransition struct {
	ID           string
	From         string
	To           string
	OutputURLs   []string
	ErrorMessage string
	Metadata     map[string]any
	Duration     *float64
	At           time.Time
}

const jobColumns = `id, tenant_id, user_id, kind, status, prompt, negative_prompt, model,
	parameters, cost_units, output_urls, error_message, metadata, submission_id,
	duration_seconds, created_at, started_at, completed_at`

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*Job, error) {
	j := &Job{}
	var negative, params, urls, errMsg, meta, submission sql.NullString
	err := scanner.Scan(&j.ID, &j.TenantID, &j.UserID, &j.Kind, &j.Status, &j.Prompt, &negative, &j.Model,
		&params, &j.CostUnits, &urls, &errMsg, &meta, &submission,
		&j.DurationSeconds, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.NegativePrompt = negative.String
	j.ErrorMessage = errMsg.String
	j.SubmissionID = submission.String
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &j.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	j.OutputURLs = []string{}
	if urls.Valid && urls.String != "" {
		if err := json.Unmarshal([]byte(urls.String), &j.OutputURLs); err != nil {
			return nil, fmt.Errorf("decode output urls: %w", err)
		}
	}
	return j, nil
}

func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// InsertJob persists a new job. It fails if the id already exists.
func (s *Store) InsertJob(j *Job) error {
	params, err := encodeJSON(j.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO generation_jobs (id, tenant_id, user_id, kind, status, prompt, negative_prompt,
			model, parameters, cost_units, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TenantID, j.UserID, j.Kind, j.Status, j.Prompt, nullString(j.NegativePrompt),
		j.Model, params, j.CostUnits, j.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetJobForOwner returns the job only when it belongs to tenantID and userID.
func (s *Store) GetJobForOwner(id, tenantID, userID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM generation_jobs
		WHERE id = ? AND tenant_id = ? AND user_id = ?`, id, tenantID, userID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job for owner: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs(f JobFilter) ([]Job, error) {
	var (
		where = []string{"tenant_id = ?", "user_id = ?"}
		args  = []any{f.TenantID, f.UserID}
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM generation_jobs
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ListJobsByStatus returns every job in status, oldest first.
func (s *Store) ListJobsByStatus(status string) ([]Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM generation_jobs
		WHERE status = ? ORDER BY created_at, rowid`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// TransitionJob applies t if the job is still in t.From. It reports whether
// the row was updated.
func (s *Store) TransitionJob(t JobTransition) (bool, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	var (
		res sql.Result
		err error
	)
	switch t.To {
	case "processing":
		res, err = s.db.Exec(`
			UPDATE generation_jobs SET status = ?, started_at = ?
			WHERE id = ? AND status = ?`, t.To, at, t.ID, t.From)
	default:
		var urls, meta any
		if t.OutputURLs != nil {
			if urls, err = encodeJSON(t.OutputURLs); err != nil {
				return false, fmt.Errorf("encode output urls: %w", err)
			}
		}
		if t.Metadata != nil {
			if meta, err = encodeJSON(t.Metadata); err != nil {
				return false, fmt.Errorf("encode metadata: %w", err)
			}
		}
		res, err = s.db.Exec(`
			UPDATE generation_jobs
			SET status = ?, output_urls = ?, error_message = ?, metadata = ?,
			    duration_seconds = ?, completed_at = ?
			WHERE id = ? AND status = ?`,
			t.To, urls, nullString(t.ErrorMessage), meta, t.Duration, at, t.ID, t.From)
	}
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	return n == 1, nil
}

// SetJobSubmission records the engine-assigned submission id.
func (s *Store) SetJobSubmission(id, submissionID string) error {
	_, err := s.db.Exec(`UPDATE generation_jobs SET submission_id = ? WHERE id = ?`, submissionID, id)
	if err != nil {
		return fmt.Errorf("set job submission: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
