package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/lanternworks/agentrelay/internal/chat"
	"github.com/lanternworks/agentrelay/internal/delivery"
	"github.com/lanternworks/agentrelay/internal/store"
	"github.com/lanternworks/agentrelay/pkg/protocol"
)

func (s *Server) registerMethods() {
	s.router.Register(protocol.MethodConnect, s.handleConnect)
	s.router.Register(protocol.MethodHealth, s.handleHealthRPC)
	s.router.Register(protocol.MethodStatus, s.handleStatusRPC)
	s.router.Register(protocol.MethodMessageSend, s.handleMessageSend)
	s.router.Register(protocol.MethodMessageSendAsync, s.handleMessageSendAsync)
	s.router.Register(protocol.MethodMessageStatus, s.handleMessageStatusRPC)
	s.router.Register(protocol.MethodAgentsList, s.handleAgentsList)
	s.router.Register(protocol.MethodAgentsResolve, s.handleAgentsResolve)
}

// errorCode maps delivery/store/transport errors to wire error codes.
func errorCode(err error) (code, message string) {
	var terr *chat.TransportError
	switch {
	case errors.Is(err, delivery.ErrUnknownAgent):
		return protocol.ErrCodeUnknownAgent, err.Error()
	case errors.Is(err, delivery.ErrRoomNotProvisioned):
		return protocol.ErrCodeRoomNotProvisioned, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return protocol.ErrCodeNotFound, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrCodeTimeout, err.Error()
	case errors.As(err, &terr):
		return protocol.ErrCodeTransport, err.Error()
	default:
		return protocol.ErrCodeInternal, "internal error"
	}
}

func (s *Server) handleConnect(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params protocol.ConnectParams
	if !decodeParams(client, req, &params) {
		return
	}

	if s.cfg.Token != "" && params.Token != s.cfg.Token && client.AgentID() == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeUnauthorized, "bad token"))
		return
	}
	if params.AgentID != "" {
		client.SetAgentID(params.AgentID)
	}

	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"agent_id": client.AgentID(),
	}))
}

func (s *Server) handleHealthRPC(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
	}))
}

func (s *Server) handleStatusRPC(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	s.mu.RLock()
	connected := len(s.clients)
	s.mu.RUnlock()

	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"clients":        connected,
	}))
}

// decodeParams parses request params into dst. Absent params leave dst
// zeroed; malformed params get a bad_request response and return false so
// they never decay into zero values silently.
func decodeParams(client *Client, req *protocol.RequestFrame, dst interface{}) bool {
	if req.Params == nil {
		return true
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadRequest, "malformed params"))
		return false
	}
	return true
}

// callerID returns the established caller identity or responds with an error.
func callerID(client *Client, req *protocol.RequestFrame) (string, bool) {
	agentID := client.AgentID()
	if agentID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadRequest, "connect with agent_id first"))
		return "", false
	}
	return agentID, true
}

func (s *Server) handleMessageSend(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	from, ok := callerID(client, req)
	if !ok {
		return
	}
	if !s.rateLimiter.Allow(from) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeRateLimited, "rate limit exceeded"))
		return
	}

	var params protocol.SendParams
	if !decodeParams(client, req, &params) {
		return
	}
	if params.ToAgentID == "" || params.Body == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadRequest, "to_agent_id and body are required"))
		return
	}

	receipt, err := s.messenger.Send(ctx, from, params.ToAgentID, params.Body)
	if err != nil {
		code, msg := errorCode(err)
		slog.Warn("message.send failed", "from", from, "to", params.ToAgentID, "code", code, "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, code, msg))
		return
	}

	client.SendResponse(protocol.NewResponse(req.ID, protocol.SendResult{
		EventID: receipt.EventID,
		RoomID:  receipt.RoomID,
	}))
}

func (s *Server) handleMessageSendAsync(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	from, ok := callerID(client, req)
	if !ok {
		return
	}
	if !s.rateLimiter.Allow(from) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeRateLimited, "rate limit exceeded"))
		return
	}

	var params protocol.SendParams
	if !decodeParams(client, req, &params) {
		return
	}
	if params.ToAgentID == "" || params.Body == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadRequest, "to_agent_id and body are required"))
		return
	}

	trackingID, err := s.messenger.SendAsync(ctx, from, params.ToAgentID, params.Body,
		time.Duration(params.TimeoutSeconds)*time.Second)
	if err != nil {
		code, msg := errorCode(err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, code, msg))
		return
	}

	client.SendResponse(protocol.NewResponse(req.ID, protocol.SendAsyncResult{TrackingID: trackingID}))
}

func (s *Server) handleMessageStatusRPC(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params protocol.StatusParams
	if !decodeParams(client, req, &params) {
		return
	}
	if params.TrackingID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadRequest, "tracking_id is required"))
		return
	}

	msg, err := s.messenger.Status(ctx, params.TrackingID)
	if err != nil {
		code, emsg := errorCode(err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, code, emsg))
		return
	}

	client.SendResponse(protocol.NewResponse(req.ID, statusResult(msg)))
}

func statusResult(msg *store.TrackedMessage) protocol.StatusResult {
	end := msg.CompletedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return protocol.StatusResult{
		Status:         string(msg.Status),
		ElapsedSeconds: end.Sub(msg.CreatedAt).Seconds(),
		ResultEventID:  msg.ResultEventID,
		Error:          msg.Error,
	}
}

func (s *Server) handleAgentsList(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	identities, err := s.identities.List(ctx)
	if err != nil {
		slog.Error("agents.list failed", "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, "failed to list agents"))
		return
	}

	agents := make([]map[string]interface{}, 0, len(identities))
	for _, id := range identities {
		agents = append(agents, agentView(&id))
	}
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{"agents": agents}))
}

func (s *Server) handleAgentsResolve(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeParams(client, req, &params) {
		return
	}
	if params.AgentID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadRequest, "agent_id is required"))
		return
	}

	identity, err := s.identities.Resolve(ctx, params.AgentID)
	if err != nil {
		code, msg := errorCode(err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, code, msg))
		return
	}
	client.SendResponse(protocol.NewResponse(req.ID, agentView(identity)))
}

// agentView is the public shape of an identity. Credentials never leave
// the process.
func agentView(id *store.AgentIdentity) map[string]interface{} {
	return map[string]interface{}{
		"agent_id":         id.AgentID,
		"agent_name":       id.AgentName,
		"protocol_user_id": id.ProtocolUserID,
		"room_id":          id.RoomID,
		"active":           id.Active,
	}
}
