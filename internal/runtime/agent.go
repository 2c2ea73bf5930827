package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AgentRuntime talks to a remote host agent over HTTP. It is the fallback
// provider for hosts whose engine socket is not reachable directly.
type AgentRuntime struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewAgent constructs an agent runtime for the given base URL.
func NewAgent(baseURL, authToken string) (*AgentRuntime, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("agent base url required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid agent url: %w", err)
	}
	return &AgentRuntime{
		baseURL:   trimmed,
		authToken: strings.TrimSpace(authToken),
		client:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name identifies the provider.
func (a *AgentRuntime) Name() string { return "agent" }

// Start asks the agent to launch the container from its unit definition.
func (a *AgentRuntime) Start(ctx context.Context, req StartRequest) error {
	return a.post(ctx, "/containers/start", req, nil)
}

// Stop stops a container by name.
func (a *AgentRuntime) Stop(ctx context.Context, containerName string) error {
	return a.post(ctx, "/containers/stop", map[string]string{"name": containerName}, nil)
}

// Remove deletes a container by name.
func (a *AgentRuntime) Remove(ctx context.Context, containerName string) error {
	return a.post(ctx, "/containers/remove", map[string]string{"name": containerName}, nil)
}

// ListContainers enumerates running containers on the agent's host.
func (a *AgentRuntime) ListContainers(ctx context.Context) ([]Container, error) {
	var out []Container
	if err := a.get(ctx, "/containers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NetworkExists reports whether the named network is present.
func (a *AgentRuntime) NetworkExists(ctx context.Context, name string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := a.get(ctx, "/networks/"+url.PathEscape(name), &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

// MajorVersion reports the host runtime's major version.
func (a *AgentRuntime) MajorVersion(ctx context.Context) (int, error) {
	var out struct {
		Major int `json:"major"`
	}
	if err := a.get(ctx, "/version", &out); err != nil {
		return 0, err
	}
	return out.Major, nil
}

func (a *AgentRuntime) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, out)
}

func (a *AgentRuntime) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	return a.do(req, out)
}

func (a *AgentRuntime) do(req *http.Request, out any) error {
	if a.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.authToken)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("agent returned %s for %s", resp.Status, req.URL.Path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
