package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Workflow is an engine node graph keyed by node id.
type Workflow map[string]Node

type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// ArtifactDescriptor locates one output file on the engine.
type ArtifactDescriptor struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Snapshot is a terminal view of a submission.
type Snapshot struct {
	Failed    bool
	Message   string
	Artifacts []ArtifactDescriptor
}

type EngineConfig struct {
	BaseURL  string
	Timeout  time.Duration
	ClientID string
	Client   *http.Client
}

// EngineClient talks to a ComfyUI-style rendering engine.
type EngineClient struct {
	baseURL  string
	clientID string
	client   *http.Client
}

func NewEngineClient(cfg EngineConfig) *EngineClient {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	return &EngineClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		clientID: clientID,
		client:   client,
	}
}

// Submit queues workflow and returns the engine-assigned submission id.
func (e *EngineClient) Submit(ctx context.Context, workflow Workflow) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    workflow,
		"client_id": e.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", ErrGatewayUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, httpError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(b)),
		})
	}

	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode submit response: %v", ErrGatewayUnavailable, err)
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("%w: submit response has no prompt_id", ErrGatewayUnavailable)
	}
	return out.PromptID, nil
}

type historyEntry struct {
	Status struct {
		StatusStr string            `json:"status_str"`
		Completed bool              `json:"completed"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []ArtifactDescriptor `json:"images"`
		Gifs   []ArtifactDescriptor `json:"gifs"`
		Audio  []ArtifactDescriptor `json:"audio"`
	} `json:"outputs"`
}

// PollStatus makes a single attempt to read the submission's history.
// It returns false until the engine reports the submission, and also on
// any transient error.
func (e *EngineClient) PollStatus(ctx context.Context, submissionID string) (Snapshot, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/history/"+url.PathEscape(submissionID), nil)
	if err != nil {
		return Snapshot{}, false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		slog.Debug("engine poll failed", "submission", submissionID, "error", err)
		return Snapshot{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, false
	}

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return Snapshot{}, false
	}
	entry, ok := history[submissionID]
	if !ok {
		return Snapshot{}, false
	}

	snap := Snapshot{}
	if entry.Status.StatusStr == "error" {
		snap.Failed = true
		snap.Message = "engine reported execution error"
		return snap, true
	}

	// Node ids are numeric strings; order them numerically so artifacts
	// come back in graph order.
	nodes := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool {
		a, errA := strconv.Atoi(nodes[i])
		b, errB := strconv.Atoi(nodes[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return nodes[i] < nodes[j]
	})
	for _, id := range nodes {
		out := entry.Outputs[id]
		snap.Artifacts = append(snap.Artifacts, out.Images...)
		snap.Artifacts = append(snap.Artifacts, out.Gifs...)
		snap.Artifacts = append(snap.Artifacts, out.Audio...)
	}
	return snap, true
}

// FetchArtifact downloads one output file.
func (e *EngineClient) FetchArtifact(ctx context.Context, d ArtifactDescriptor) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", d.Filename)
	q.Set("subfolder", d.Subfolder)
	q.Set("type", d.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrGatewayUnavailable, err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, d.Filename)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("%w: %v", ErrGatewayRejected, httpError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(b)),
		})
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read artifact: %v", ErrGatewayUnavailable, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrArtifactMissing, d.Filename)
	}
	return data, nil
}
