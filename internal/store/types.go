package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by lookups for absent keys. Callers branch on it
// with errors.Is; it is an expected outcome, not a fault.
var ErrNotFound = errors.New("not found")

// ErrRoomTaken is returned by AssignRoom when the room is already mapped to
// a different agent. The unique constraint lives in the database so the
// guarantee holds across concurrent provisioners.
var ErrRoomTaken = errors.New("room already assigned to another agent")

// AgentIdentity maps a logical agent to its protocol identity and room.
// Rows are owned by the identity store; the router and delivery tracker only
// read them. Rows are deactivated, never deleted.
type AgentIdentity struct {
	AgentID        string    `json:"agent_id"`
	AgentName      string    `json:"agent_name"`
	ProtocolUserID string    `json:"protocol_user_id"`
	Credential     string    `json:"-"` // access token; never serialized
	RoomID         string    `json:"room_id,omitempty"` // empty until provisioned
	RoomCreated    bool      `json:"room_created"`
	Active         bool      `json:"active"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Provisioned reports whether the agent has a usable room.
func (a *AgentIdentity) Provisioned() bool {
	return a.RoomID != "" && a.RoomCreated
}

// Claim is the result of DedupeStore.Claim.
type Claim int

const (
	// FirstSeen means this caller won the claim and must process the event.
	FirstSeen Claim = iota
	// AlreadySeen means a non-expired record exists; skip the event.
	AlreadySeen
)

func (c Claim) String() string {
	if c == FirstSeen {
		return "first_seen"
	}
	return "already_seen"
}

// MessageStatus is the lifecycle state of a TrackedMessage.
// Transitions are forward-only: queued → {sent | failed | timed_out}.
type MessageStatus string

const (
	StatusQueued   MessageStatus = "queued"
	StatusSent     MessageStatus = "sent"
	StatusFailed   MessageStatus = "failed"
	StatusTimedOut MessageStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s MessageStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusTimedOut
}

// TrackedMessage records one asynchronous inter-agent send.
type TrackedMessage struct {
	TrackingID    string        `json:"tracking_id"`
	FromAgentID   string        `json:"from_agent_id"`
	ToAgentID     string        `json:"to_agent_id"`
	Body          string        `json:"body"`
	Status        MessageStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   time.Time     `json:"completed_at,omitzero"`
	ResultEventID string        `json:"result_event_id,omitempty"`
	Error         string        `json:"error,omitempty"`
}
