package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lanternworks/agentrelay/pkg/protocol"
)

const maxBodySize = 1 << 20 // 1 MiB

type messageRequest struct {
	ToAgentID      string `json:"to_agent_id"`
	Body           string `json:"body"`
	Async          bool   `json:"async,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": protocol.ErrorInfo{Code: code, Message: message},
	})
}

// httpStatus maps a wire error code to an HTTP status.
func httpStatus(code string) int {
	switch code {
	case protocol.ErrCodeUnknownAgent, protocol.ErrCodeNotFound:
		return http.StatusNotFound
	case protocol.ErrCodeRoomNotProvisioned:
		return http.StatusConflict
	case protocol.ErrCodeBadRequest:
		return http.StatusBadRequest
	case protocol.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case protocol.ErrCodeTransport:
		return http.StatusBadGateway
	case protocol.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case protocol.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// handleMessages is POST /v1/messages: a one-shot send, sync by default,
// async when the body says so. Caller identity comes from X-Agent-ID.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, protocol.ErrCodeBadRequest, "POST only")
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, protocol.ErrCodeUnauthorized, "unauthorized")
		return
	}

	from := r.Header.Get("X-Agent-ID")
	if from == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrCodeBadRequest, "X-Agent-ID header is required")
		return
	}
	if !s.rateLimiter.Allow(from) {
		writeError(w, http.StatusTooManyRequests, protocol.ErrCodeRateLimited, "rate limit exceeded")
		return
	}

	var req messageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.ToAgentID == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrCodeBadRequest, "to_agent_id and body are required")
		return
	}

	if req.Async {
		trackingID, err := s.messenger.SendAsync(r.Context(), from, req.ToAgentID, req.Body,
			time.Duration(req.TimeoutSeconds)*time.Second)
		if err != nil {
			code, msg := errorCode(err)
			writeError(w, httpStatus(code), code, msg)
			return
		}
		writeJSON(w, http.StatusAccepted, protocol.SendAsyncResult{TrackingID: trackingID})
		return
	}

	receipt, err := s.messenger.Send(r.Context(), from, req.ToAgentID, req.Body)
	if err != nil {
		code, msg := errorCode(err)
		writeError(w, httpStatus(code), code, msg)
		return
	}
	writeJSON(w, http.StatusOK, protocol.SendResult{EventID: receipt.EventID, RoomID: receipt.RoomID})
}

// handleMessageStatus is GET /v1/messages/{tracking_id}.
func (s *Server) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, protocol.ErrCodeBadRequest, "GET only")
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, protocol.ErrCodeUnauthorized, "unauthorized")
		return
	}

	trackingID := strings.TrimPrefix(r.URL.Path, "/v1/messages/")
	if trackingID == "" || strings.Contains(trackingID, "/") {
		writeError(w, http.StatusBadRequest, protocol.ErrCodeBadRequest, "bad tracking id")
		return
	}

	msg, err := s.messenger.Status(r.Context(), trackingID)
	if err != nil {
		code, emsg := errorCode(err)
		writeError(w, httpStatus(code), code, emsg)
		return
	}
	writeJSON(w, http.StatusOK, statusResult(msg))
}

// handleAgents is GET /v1/agents: the active agent directory.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, protocol.ErrCodeBadRequest, "GET only")
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, protocol.ErrCodeUnauthorized, "unauthorized")
		return
	}

	identities, err := s.identities.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, protocol.ErrCodeInternal, "failed to list agents")
		return
	}
	agents := make([]map[string]interface{}, 0, len(identities))
	for _, id := range identities {
		agents = append(agents, agentView(&id))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}
