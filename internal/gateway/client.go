package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lanternworks/agentrelay/pkg/protocol"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 1 << 20 // 1 MiB
)

// Client is one WebSocket connection. Reads run on the connection's own
// goroutine; writes are serialized by writeMu because both RPC responses
// and broadcast events target the same conn.
type Client struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	writeMu sync.Mutex

	mu      sync.RWMutex
	agentID string // set by the connect handshake
}

func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.Must(uuid.NewV7()).String(),
		conn:   conn,
		server: server,
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// AgentID returns the caller identity established by connect, or "".
func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// SetAgentID records the caller identity from the connect handshake.
func (c *Client) SetAgentID(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = agentID
}

// Run reads request frames until the connection drops or ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)

	for {
		if ctx.Err() != nil {
			return
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("client read error", "id", c.id, "error", err)
			}
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			c.SendResponse(protocol.NewErrorResponse("", protocol.ErrCodeBadRequest, "malformed frame"))
			continue
		}
		if req.Method == "" {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadRequest, "missing method"))
			continue
		}

		c.server.router.Dispatch(ctx, c, &req)
	}
}

// SendResponse writes one RPC response frame.
func (c *Client) SendResponse(resp *protocol.ResponseFrame) {
	c.write(resp)
}

// SendEvent writes one broadcast event frame.
func (c *Client) SendEvent(event protocol.EventFrame) {
	c.write(&event)
}

func (c *Client) write(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		slog.Debug("client write failed", "id", c.id, "error", err)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.conn.Close()
}
