package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to an autodeploy agent for operator tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the agent's base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid agent url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the agent.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent request failed with status %d", e.Status)
	}
	return fmt.Sprintf("agent request failed (%d): %s", e.Status, e.Message)
}

// Decision is the agent's answer to a posted event.
type Decision struct {
	Status    string `json:"status"`
	AttemptID string `json:"attempt_id,omitempty"`
}

// Step is one recorded deploy stage.
type Step struct {
	Stage      string `json:"stage"`
	ExitStatus int    `json:"exit_status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	Tolerated  bool   `json:"tolerated,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Deployment is a deploy history record.
type Deployment struct {
	ID            string     `json:"id"`
	Repository    string     `json:"repository"`
	Ref           string     `json:"ref"`
	TargetURL     string     `json:"target_url"`
	CommitMessage string     `json:"commit_message,omitempty"`
	CommitAuthor  string     `json:"commit_author,omitempty"`
	Status        string     `json:"status"`
	Path          string     `json:"path,omitempty"`
	Steps         []Step     `json:"steps,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Health is the /healthz report.
type Health struct {
	Status     string                    `json:"status"`
	Components map[string]map[string]any `json:"components"`
	Timestamp  string                    `json:"timestamp"`
}

// SendEvent posts a raw webhook body to the agent.
func (c *Client) SendEvent(ctx context.Context, body []byte) (Decision, error) {
	var out Decision
	err := c.do(ctx, http.MethodPost, "/hooks", bytes.NewReader(body), &out)
	return out, err
}

// ListDeployments returns recent deployments, optionally for one repository.
func (c *Client) ListDeployments(ctx context.Context, repository string, limit int) ([]Deployment, error) {
	q := url.Values{}
	if repository != "" {
		q.Set("repository", repository)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/deploys"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out struct {
		Deployments []Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Deployments, nil
}

// GetDeployment fetches one deployment by attempt ID.
func (c *Client) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("deployment id required")
	}
	var out Deployment
	if err := c.do(ctx, http.MethodGet, "/deploys/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health fetches the agent's health report. A degraded agent answers 503
// with a body, which is returned alongside the APIError.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// StreamEvent is one progress message from /events/deploys.
type StreamEvent struct {
	Type       string    `json:"type"`
	AttemptID  string    `json:"attempt_id"`
	Repository string    `json:"repository"`
	Ref        string    `json:"ref"`
	Step       *Step     `json:"step,omitempty"`
	State      string    `json:"state,omitempty"`
	Path       string    `json:"path,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Watch follows the agent's deploy event stream, optionally filtered to one
// repository, calling fn for each event until ctx ends, the agent closes the
// stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, repository string, fn func(StreamEvent) error) error {
	path := "/events/deploys"
	if repository != "" {
		path += "?" + url.Values{"repository": {repository}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	streaming := *c.httpClient
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return APIError{Status: resp.StatusCode, Message: extractError(raw)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return ctx.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if v != nil && resp.StatusCode == http.StatusServiceUnavailable {
			_ = json.Unmarshal(raw, v)
		}
		return APIError{Status: resp.StatusCode, Message: extractError(raw)}
	}
	if v == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(raw []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
