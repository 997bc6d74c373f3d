// Package chat is the homeserver boundary: per-agent login, room-scoped
// sends, and the inbound event stream. Responses are parsed into explicit
// structs; anything undocumented becomes a TransportError.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Client talks to one homeserver. Credentials are per-call: every agent
// sends with its own token so messages are attributed to the right identity.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a homeserver client. requestTimeout bounds every
// non-streaming call; zero means 15s.
func NewClient(baseURL string, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

type loginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// Login exchanges an identity's password credential for a bearer token.
func (c *Client) Login(ctx context.Context, userID, password string) (string, error) {
	var resp loginResponse
	if err := c.post(ctx, "login", "/_api/v1/login", "", loginRequest{UserID: userID, Password: password}, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", &TransportError{Op: "login", Message: "response missing access_token"}
	}
	return resp.AccessToken, nil
}

type sendRequest struct {
	Body string `json:"body"`
}

type sendResponse struct {
	EventID string `json:"event_id"`
}

// SendText posts a text message into roomID using the given bearer token.
// The txn id makes retries by the caller idempotent on the homeserver side.
func (c *Client) SendText(ctx context.Context, roomID, token, body string) (string, error) {
	path := fmt.Sprintf("/_api/v1/rooms/%s/send/%s", url.PathEscape(roomID), uuid.NewString())
	var resp sendResponse
	if err := c.put(ctx, "send", path, token, sendRequest{Body: body}, &resp); err != nil {
		return "", err
	}
	if resp.EventID == "" {
		return "", &TransportError{Op: "send", Message: "response missing event_id"}
	}
	return resp.EventID, nil
}

func (c *Client) post(ctx context.Context, op, path, token string, in, out interface{}) error {
	return c.do(ctx, op, http.MethodPost, path, token, in, out)
}

func (c *Client) put(ctx context.Context, op, path, token string, in, out interface{}) error {
	return c.do(ctx, op, http.MethodPut, path, token, in, out)
}

func (c *Client) do(ctx context.Context, op, method, path, token string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &TransportError{Op: op, Message: "encode request: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &TransportError{Op: op, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Message: "unexpected response shape"}
	}
	return nil
}

// errorMessage extracts the homeserver's error field; falls back to the raw
// body truncated to something loggable.
func errorMessage(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	if len(data) > 200 {
		data = data[:200]
	}
	return string(data)
}
