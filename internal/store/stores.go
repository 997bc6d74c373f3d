package store

import (
	"context"
	"time"
)

// IdentityStore is the durable agent → {protocol user, credential, room}
// mapping. Implementations must enforce room uniqueness with a database
// constraint, not advisory locking.
type IdentityStore interface {
	// Resolve returns the identity for agentID, or ErrNotFound.
	// A known agent without a room resolves with RoomID == "".
	Resolve(ctx context.Context, agentID string) (*AgentIdentity, error)
	// ResolveByRoom returns the identity owning roomID, or ErrNotFound.
	ResolveByRoom(ctx context.Context, roomID string) (*AgentIdentity, error)
	// Upsert creates or updates an identity keyed by agent_id.
	Upsert(ctx context.Context, id *AgentIdentity) error
	// AssignRoom sets the room for an agent. Returns ErrRoomTaken if the
	// room is held by another agent, ErrNotFound if the agent is unknown.
	AssignRoom(ctx context.Context, agentID, roomID string) error
	// Deactivate marks an agent inactive. Rows are never deleted.
	Deactivate(ctx context.Context, agentID string) error
	// List returns all active identities.
	List(ctx context.Context) ([]AgentIdentity, error)
}

// DedupeStore remembers processed inbound event ids for a TTL window.
// Claim must be atomic across processes: exactly one concurrent caller per
// event id observes FirstSeen.
type DedupeStore interface {
	Claim(ctx context.Context, eventID string) (Claim, error)
	// Sweep deletes expired records and returns how many were removed.
	Sweep(ctx context.Context) (int64, error)
}

// MessageStore owns TrackedMessage lifecycle. Terminal transitions use
// compare-and-set semantics: the first terminal write wins, later ones are
// no-ops reporting false.
type MessageStore interface {
	Create(ctx context.Context, msg *TrackedMessage) error
	Get(ctx context.Context, trackingID string) (*TrackedMessage, error)
	// MarkSent/MarkFailed/MarkTimedOut transition a queued record to the
	// terminal state. They return false if the record was already terminal.
	MarkSent(ctx context.Context, trackingID, resultEventID string) (bool, error)
	MarkFailed(ctx context.Context, trackingID, errMsg string) (bool, error)
	MarkTimedOut(ctx context.Context, trackingID, errMsg string) (bool, error)
	// TimeOutStale transitions queued records older than maxAge to
	// timed_out. Covers workers that crashed before writing a terminal
	// state. Returns how many records transitioned.
	TimeOutStale(ctx context.Context, maxAge time.Duration, errMsg string) (int64, error)
	// Evict removes records older than the retention window.
	Evict(ctx context.Context, retention time.Duration) (int64, error)
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Identities IdentityStore
	Dedupe     DedupeStore
	Messages   MessageStore
}

// Config selects and parameterizes the storage backend.
type Config struct {
	Mode        string // "standalone" (sqlite) or "managed" (postgres)
	PostgresDSN string
	SQLitePath  string
	DedupeTTL   time.Duration
}
