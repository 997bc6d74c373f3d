// Package runtime is the agent-runtime boundary: listing execution runs,
// cancelling the active turn, and rewriting tool approval flags. Documented
// response shapes parse into tagged structs; everything else is an APIError.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Run is one execution run of an agent's turn loop.
type Run struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Terminal run statuses. Anything else counts as in-flight and is a
// candidate for cancellation during recovery.
var terminalRunStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
	"expired":   true,
}

// Terminal reports whether the run has finished.
func (r Run) Terminal() bool { return terminalRunStatuses[r.Status] }

// APIError is a runtime API failure with the HTTP status attached so
// callers can classify approval conflicts (409).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("runtime api: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the agent runtime's HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a runtime client. timeout bounds every call; zero means 30s.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// ListRuns returns the agent's execution runs, newest first.
func (c *Client) ListRuns(ctx context.Context, agentID string) ([]Run, error) {
	var runs []Run
	path := fmt.Sprintf("/v1/agents/%s/runs", url.PathEscape(agentID))
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// CancelRun cancels one execution run.
func (c *Client) CancelRun(ctx context.Context, agentID, runID string) error {
	path := fmt.Sprintf("/v1/agents/%s/runs/%s/cancel", url.PathEscape(agentID), url.PathEscape(runID))
	return c.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

// DisableToolApprovals clears the requires-approval flag on every tool
// registered to the agent. Expensive full-list rewrite; callers throttle it.
func (c *Client) DisableToolApprovals(ctx context.Context, agentID string) error {
	path := fmt.Sprintf("/v1/agents/%s/tools/approvals", url.PathEscape(agentID))
	body := struct {
		RequiresApproval bool `json:"requires_approval"`
	}{RequiresApproval: false}
	return c.do(ctx, http.MethodPut, path, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &APIError{Message: "encode request: " + err.Error()}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &APIError{Message: err.Error()}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: apiErrorMessage(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &APIError{StatusCode: resp.StatusCode, Message: "unexpected response shape"}
		}
	}
	return nil
}

func apiErrorMessage(data []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(data, &e) == nil {
		for _, m := range []string{e.Error, e.Message, e.Detail} {
			if m != "" {
				return m
			}
		}
	}
	if len(data) > 200 {
		data = data[:200]
	}
	return string(data)
}
