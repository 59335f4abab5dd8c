// Package client is the HTTP client for a running hub, used by the CLI
// surfaces. It mirrors the server's JSON contract and maps {detail, error}
// bodies back onto error kinds.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/state"
)

// Client talks to one hub server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a client for the given base URL, e.g. http://127.0.0.1:7717.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BootstrapResult is the bootstrap endpoint's response.
type BootstrapResult struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Hint   string          `json:"hint,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
}

// RunResult is the resume/stop endpoints' response.
type RunResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ArchiveResult is the archive endpoint's response.
type ArchiveResult struct {
	ID           string `json:"id"`
	TicketsMoved int    `json:"tickets_moved"`
}

// Health checks that the hub is up.
func (c *Client) Health(ctx context.Context) error {
	var body map[string]any
	return c.do(ctx, http.MethodGet, "/health", nil, &body)
}

// BootstrapTicketFlow starts (or reuses) the repo's ticket flow run.
func (c *Client) BootstrapTicketFlow(ctx context.Context, repoID string) (*BootstrapResult, error) {
	var out BootstrapResult
	payload := map[string]string{"repo_id": repoID}
	if err := c.do(ctx, http.MethodPost, "/api/flows/ticket_flow/bootstrap", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resume continues a paused run.
func (c *Client) Resume(ctx context.Context, runID string) (*RunResult, error) {
	var out RunResult
	if err := c.do(ctx, http.MethodPost, "/api/flows/"+runID+"/resume", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop requests a cooperative stop.
func (c *Client) Stop(ctx context.Context, runID string) (*RunResult, error) {
	var out RunResult
	if err := c.do(ctx, http.MethodPost, "/api/flows/"+runID+"/stop", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Archive moves a terminal run's done tickets to the archive.
func (c *Client) Archive(ctx context.Context, runID string, force bool) (*ArchiveResult, error) {
	var out ArchiveResult
	payload := map[string]bool{"force": force}
	if err := c.do(ctx, http.MethodPost, "/api/flows/"+runID+"/archive", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Runs lists the hub's flow runs, optionally filtered by flow type.
func (c *Client) Runs(ctx context.Context, flowType string) ([]*state.FlowRun, error) {
	path := "/api/flows/runs"
	if flowType != "" {
		path += "?flow_type=" + flowType
	}
	var out []*state.FlowRun
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// apiError is the server's {detail, error} body.
type apiError struct {
	Detail string `json:"detail"`
	Kind   string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hub unreachable at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Detail != "" {
			if apiErr.Kind != "" {
				return errs.New(errs.Kind(apiErr.Kind), apiErr.Detail)
			}
			return fmt.Errorf("%s", apiErr.Detail)
		}
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, truncate(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response (status %d, body %s): %w", resp.StatusCode, truncate(respBody), err)
	}
	return nil
}

// truncate bounds response bodies quoted in error messages.
func truncate(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
