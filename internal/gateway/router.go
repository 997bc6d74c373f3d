package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lanternworks/agentrelay/pkg/protocol"
)

// HandlerFunc handles one RPC request for one client. Handlers send their
// own response frames.
type HandlerFunc func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter dispatches request frames to registered method handlers.
type MethodRouter struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a method name, replacing any previous one.
func (r *MethodRouter) Register(method string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// Dispatch routes one request. Unknown methods get a not_found response.
func (r *MethodRouter) Dispatch(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	r.mu.RLock()
	handler, ok := r.handlers[req.Method]
	r.mu.RUnlock()

	if !ok {
		slog.Debug("unknown method", "method", req.Method, "client", client.ID())
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeNotFound, "unknown method: "+req.Method))
		return
	}
	handler(ctx, client, req)
}
