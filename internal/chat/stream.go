package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// EventHandler consumes one inbound event from the stream.
type EventHandler func(InboundEvent)

// Stream connects to the homeserver's WebSocket event feed and invokes
// handler for every message event. It reconnects with capped backoff until
// ctx is cancelled. Duplicate delivery after a reconnect is expected; the
// dedupe store downstream absorbs it.
func (c *Client) Stream(ctx context.Context, token string, handler EventHandler) error {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/_api/v1/stream"

	backoff := time.Second
	for {
		if err := c.streamOnce(ctx, wsURL, token, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("event stream disconnected", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) streamOnce(ctx context.Context, wsURL, token string, handler EventHandler) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return &TransportError{Op: "stream", Message: "dial: " + err.Error()}
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "")

	slog.Info("event stream connected", "url", wsURL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return &TransportError{Op: "stream", Message: "read: " + err.Error()}
		}

		var ev InboundEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("event stream: skipping malformed frame", "error", err)
			continue
		}
		if ev.EventID == "" {
			continue // keepalive or non-message frame
		}
		handler(ev)
	}
}
