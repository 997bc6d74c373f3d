package chat

import "time"

// InboundEvent is one message event delivered by the homeserver stream.
// The transport is unreliable: duplicates, reordering, and transient gaps
// are expected and handled downstream (dedupe store + caller retry).
type InboundEvent struct {
	EventID   string            `json:"event_id"`
	Sender    string            `json:"sender"` // protocol user id
	RoomID    string            `json:"room_id"`
	Body      string            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MetaToAgentID is the out-of-band metadata key carrying an explicit
// sender-declared target for tool-initiated agent-to-agent calls. It takes
// precedence over mention tokens in the body.
const MetaToAgentID = "to_agent_id"
