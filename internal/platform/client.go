// Package platform is a thin client for the external deployment platform.
// The core only needs two calls: submit a deployment and read its status.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Platform terminal and non-terminal states as the core understands them.
const (
	StateInProgress = "in_progress"
	StateSuccess    = "success"
	StateFailure    = "failure"
)

// Status is the platform's view of one deployment.
type Status struct {
	State string `json:"state"`
	Log   string `json:"log,omitempty"`
}

// Terminal reports whether the platform considers the deployment finished.
func (s Status) Terminal() bool {
	return s.State == StateSuccess || s.State == StateFailure
}

// Client calls the platform's deployment endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New builds a client with a bounded per-call timeout.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	ProjectID string `json:"project_id"`
}

type submitResponse struct {
	Ref string `json:"ref"`
}

// Submit asks the platform to start a deployment and returns its reference.
func (c *Client) Submit(ctx context.Context, projectID string) (string, error) {
	body, err := json.Marshal(submitRequest{ProjectID: projectID})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/deployments", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit deployment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("submit deployment: platform returned %d", resp.StatusCode)
	}
	var out submitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("submit deployment: platform returned empty ref")
	}
	return out.Ref, nil
}

// GetStatus reads the current state of a previously submitted deployment.
func (c *Client) GetStatus(ctx context.Context, ref string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/deployments/"+ref, nil)
	if err != nil {
		return Status{}, fmt.Errorf("build status request: %w", err)
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("get deployment status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Status{}, fmt.Errorf("get deployment status: platform returned %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("decode status response: %w", err)
	}
	return st, nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
