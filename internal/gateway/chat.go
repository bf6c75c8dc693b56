package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mtzanidakis/mediaswarm/internal/registry"
)

// AgentCallResult is the normalized outcome of one role invocation.
// Output is set iff Succeeded; Error and Err are set iff not.
type AgentCallResult struct {
	RoleName  string         `json:"agent"`
	ModelID   string         `json:"model"`
	Output    string         `json:"response,omitempty"`
	Usage     map[string]any `json:"usage"`
	Succeeded bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Err       error          `json:"-"`
}

// Failed builds a failure record for role with cause err.
func Failed(role registry.Role, err error) AgentCallResult {
	return AgentCallResult{
		RoleName: role.Name,
		ModelID:  role.ModelID,
		Usage:    map[string]any{},
		Error:    err.Error(),
		Err:      err,
	}
}

type ChatConfig struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
	Referer     string
	Title       string
	Client      *http.Client
}

// ChatClient calls an OpenAI-compatible chat completions endpoint.
type ChatClient struct {
	cfg    ChatConfig
	client *http.Client
}

func NewChatClient(cfg ChatConfig) *ChatClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4000
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &ChatClient{cfg: cfg, client: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

// Invoke sends prompt to role's model. It never returns an error: every
// failure is folded into the result.
func (c *ChatClient) Invoke(ctx context.Context, role registry.Role, prompt, systemPrompt string) AgentCallResult {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := c.invoke(ctx, role, prompt, systemPrompt)
	if err != nil {
		slog.Warn("agent call failed", "role", role.Name, "model", role.ModelID, "error", err)
		return Failed(role, err)
	}
	slog.Debug("agent call completed", "role", role.Name, "duration", time.Since(start))
	return res
}

func (c *ChatClient) invoke(ctx context.Context, role registry.Role, prompt, systemPrompt string) (AgentCallResult, error) {
	var messages []chatMessage
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       role.ModelID,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return AgentCallResult{}, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return AgentCallResult{}, fmt.Errorf("%w: create request: %v", ErrGatewayUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return AgentCallResult{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return AgentCallResult{}, fmt.Errorf("%w: %v", ErrGatewayRejected, httpError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(b)),
		})
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return AgentCallResult{}, fmt.Errorf("%w: decode response: %v", ErrGatewayRejected, err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == nil {
		return AgentCallResult{}, fmt.Errorf("%w: response has no completion choice", ErrGatewayRejected)
	}

	usage := out.Usage
	if usage == nil {
		usage = map[string]any{}
	}
	return AgentCallResult{
		RoleName:  role.Name,
		ModelID:   role.ModelID,
		Output:    *out.Choices[0].Message.Content,
		Usage:     usage,
		Succeeded: true,
	}, nil
}
