package protocol

import "encoding/json"

// RequestFrame is a client → server RPC request.
type RequestFrame struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is a server → client RPC response.
type ResponseFrame struct {
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// EventFrame is a server → client broadcast event.
type EventFrame struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorInfo carries a machine-readable error code plus a human message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes surfaced by the messaging methods. Callers branch on these.
const (
	ErrCodeUnknownAgent       = "unknown_agent"
	ErrCodeRoomNotProvisioned = "room_not_provisioned"
	ErrCodeTransport          = "transport_error"
	ErrCodeTimeout            = "timeout"
	ErrCodeNotFound           = "not_found"
	ErrCodeBadRequest         = "bad_request"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeInternal           = "internal"
)

// NewResponse builds a success response for a request id.
func NewResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failure response for a request id.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{ID: id, OK: false, Error: &ErrorInfo{Code: code, Message: message}}
}

// NewEvent builds a broadcast event frame.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Event: name, Payload: payload}
}

// --- method payloads ---

// ConnectParams is the handshake sent as the first frame on a WS connection.
// AgentID is the caller identity used for sender attribution; the server
// trusts it the same way it trusts the X-Agent-ID header on HTTP calls.
type ConnectParams struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token,omitempty"`
}

// SendParams is the body of message.send and message.send_async.
type SendParams struct {
	ToAgentID      string `json:"to_agent_id"`
	Body           string `json:"body"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // async only
}

// SendResult is the payload of a successful message.send.
type SendResult struct {
	EventID string `json:"event_id"`
	RoomID  string `json:"room_id"`
}

// SendAsyncResult is the payload of a successful message.send_async.
type SendAsyncResult struct {
	TrackingID string `json:"tracking_id"`
}

// StatusParams is the body of message.status.
type StatusParams struct {
	TrackingID string `json:"tracking_id"`
}

// StatusResult is the payload of a successful message.status.
type StatusResult struct {
	Status         string  `json:"status"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	ResultEventID  string  `json:"result_event_id,omitempty"`
	Error          string  `json:"error,omitempty"`
}
