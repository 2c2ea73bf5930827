// Package client provides typed access to the cutover control plane for
// interactive tools.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks the tool-call protocol to the API.
type Client struct {
	baseURL    string
	token      string
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

// WithToken sets the bearer token used for authenticated calls.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Minute},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	Hint    string
}

func (e APIError) Error() string {
	msg := e.Message
	if msg == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	if e.Hint != "" {
		return fmt.Sprintf("api request failed (%d): %s (%s)", e.Status, msg, e.Hint)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, msg)
}

// Login exchanges operator credentials for a bearer token and stores it on
// the client.
func (c *Client) Login(ctx context.Context, name, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"name": name, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &out); err != nil {
		return "", err
	}
	c.token = out.Token
	return out.Token, nil
}

// toolEnvelope mirrors the server's tool response shape.
type toolEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
	Hint    string          `json:"hint"`
}

// Call invokes one named tool operation and decodes its result into out.
func (c *Client) Call(ctx context.Context, tool string, params any, out any) error {
	body := map[string]any{"tool": tool, "params": params}
	var envelope toolEnvelope
	if err := c.do(ctx, http.MethodPost, "/tools", body, &envelope); err != nil {
		return err
	}
	if !envelope.Success {
		return APIError{Status: http.StatusOK, Message: envelope.Error, Hint: envelope.Hint}
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode tool result: %w", err)
	}
	return nil
}

// SlotView mirrors the server's slot wire shape.
type SlotView struct {
	State          string     `json:"state"`
	Port           int        `json:"port"`
	Version        string     `json:"version"`
	Image          string     `json:"image"`
	HealthStatus   string     `json:"healthStatus"`
	GraceExpiresAt *time.Time `json:"graceExpiresAt"`
}

// PairView mirrors the server's slot-pair wire shape.
type PairView struct {
	ProjectName string    `json:"projectName"`
	Environment string    `json:"environment"`
	ActiveSlot  string    `json:"activeSlot"`
	Blue        SlotView  `json:"blue"`
	Green       SlotView  `json:"green"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// DeployParams describe one deploy tool call.
type DeployParams struct {
	Project       string `json:"project"`
	Environment   string `json:"environment"`
	Image         string `json:"image"`
	Version       string `json:"version,omitempty"`
	DeployID      string `json:"deployId,omitempty"`
	EnvFile       string `json:"envFile,omitempty"`
	ContainerPort int    `json:"containerPort,omitempty"`
	AutoPromote   bool   `json:"autoPromote,omitempty"`
}

// DeployResult reports where a deploy landed.
type DeployResult struct {
	Slot       string `json:"slot"`
	Port       int    `json:"port"`
	UnitFile   string `json:"unitFile"`
	PreviewURL string `json:"previewUrl"`
	Promoted   bool   `json:"promoted"`
	DeployID   string `json:"deployId"`
}

// Deploy places an image on the standby slot.
func (c *Client) Deploy(ctx context.Context, params DeployParams) (*DeployResult, error) {
	var out DeployResult
	if err := c.Call(ctx, "deploy", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Promote flips traffic to the deployed standby slot.
func (c *Client) Promote(ctx context.Context, project, environment string) error {
	params := map[string]string{"project": project, "environment": environment}
	return c.Call(ctx, "promote", params, nil)
}

// Rollback restores the grace slot to active.
func (c *Client) Rollback(ctx context.Context, project, environment string) error {
	params := map[string]string{"project": project, "environment": environment}
	return c.Call(ctx, "rollback", params, nil)
}

// SlotStatus fetches one pair's current state.
func (c *Client) SlotStatus(ctx context.Context, project, environment string) (*PairView, error) {
	params := map[string]string{"project": project, "environment": environment}
	var out PairView
	if err := c.Call(ctx, "slot_status", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SlotList fetches all pairs matching the optional filters.
func (c *Client) SlotList(ctx context.Context, project, environment string) ([]PairView, error) {
	params := map[string]string{}
	if project != "" {
		params["project"] = project
	}
	if environment != "" {
		params["environment"] = environment
	}
	var out []PairView
	if err := c.Call(ctx, "slot_list", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
			Hint  string `json:"hint"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&payload); decodeErr == nil {
			apiErr.Message = payload.Error
			apiErr.Hint = payload.Hint
		}
		return apiErr
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
