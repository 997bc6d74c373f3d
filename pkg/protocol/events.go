package protocol

// WebSocket event names pushed from server to client.
const (
	EventHealth   = "health"
	EventShutdown = "shutdown"

	// Delivery lifecycle events (payload: tracking_id, from_agent, to_agent, status).
	EventDeliveryQueued   = "delivery.queued"
	EventDeliverySent     = "delivery.sent"
	EventDeliveryFailed   = "delivery.failed"
	EventDeliveryTimedOut = "delivery.timed_out"

	// Routing events (payload: event_id, from_agent, to_agent).
	EventMessageRouted = "message.routed"

	// Recovery events (payload: agent_id, cancelled_runs, approvals_disabled).
	EventRecoveryRun = "recovery.run"
)
