// Package client is a small HTTP client over the workflow-api service,
// used by workflowctl to avoid importing the engine's internal packages
// directly — the CLI talks to the same public surface any other caller
// would.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client calls the workflow-api HTTP service.
type Client struct {
	BaseURL string
	UserID  string
	OrgID   string
	http    *http.Client
}

// New builds a Client targeting baseURL (e.g. http://localhost:8080).
func New(baseURL, userID, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		UserID:  userID,
		OrgID:   orgID,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// APIError is returned for any non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("workflow-api: status %d: %s", e.Status, e.Body)
}

func (c *Client) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.UserID != "" {
		req.Header.Set("X-User-ID", c.UserID)
	}
	if c.OrgID != "" {
		req.Header.Set("X-Org-ID", c.OrgID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("client: unmarshal response: %w", err)
		}
	}
	return nil
}

// CreateDefinition creates a draft definition from a JSON payload.
func (c *Client) CreateDefinition(payload map[string]any, out any) error {
	return c.do(http.MethodPost, "/api/v1/definitions", payload, out)
}

// GetDefinition fetches one definition by id.
func (c *Client) GetDefinition(id string, out any) error {
	return c.do(http.MethodGet, "/api/v1/definitions/"+id, nil, out)
}

// ListDefinitions lists non-archived definitions.
func (c *Client) ListDefinitions(out any) error {
	return c.do(http.MethodGet, "/api/v1/definitions", nil, out)
}

// PublishDefinition publishes a draft definition.
func (c *Client) PublishDefinition(id string, out any) error {
	return c.do(http.MethodPost, "/api/v1/definitions/"+id+"/publish", nil, out)
}

// ArchiveDefinition archives a definition.
func (c *Client) ArchiveDefinition(id string) error {
	return c.do(http.MethodPost, "/api/v1/definitions/"+id+"/archive", nil, nil)
}

// CreateRun creates a pending run.
func (c *Client) CreateRun(definitionID string, input map[string]any, out any) error {
	return c.do(http.MethodPost, "/api/v1/runs", map[string]any{"definitionId": definitionID, "input": input}, out)
}

// ListRuns lists runs, optionally filtered to one definition.
func (c *Client) ListRuns(definitionID string, out any) error {
	path := "/api/v1/runs"
	if definitionID != "" {
		path += "?definitionId=" + url.QueryEscape(definitionID)
	}
	return c.do(http.MethodGet, path, nil, out)
}

// ListRunSteps lists a run's recorded steps in execution order.
func (c *Client) ListRunSteps(id string, out any) error {
	return c.do(http.MethodGet, "/api/v1/runs/"+id+"/steps", nil, out)
}

// StartRun starts (and blocks until completion/suspension of) a run.
func (c *Client) StartRun(id string, out any) error {
	return c.do(http.MethodPost, "/api/v1/runs/"+id+"/start", nil, out)
}

// GetRun fetches a run by id.
func (c *Client) GetRun(id string, out any) error {
	return c.do(http.MethodGet, "/api/v1/runs/"+id, nil, out)
}

// ResumeRun delivers an approval decision to a suspended run.
func (c *Client) ResumeRun(id string, decision map[string]any, out any) error {
	return c.do(http.MethodPost, "/api/v1/runs/"+id+"/resume", decision, out)
}

// CancelRun cancels an in-flight or suspended run.
func (c *Client) CancelRun(id string, out any) error {
	return c.do(http.MethodPost, "/api/v1/runs/"+id+"/cancel", nil, out)
}
