package protocol

// ProtocolVersion is bumped whenever a frame or method changes shape.
const ProtocolVersion = 2

// RPC method name constants for the agent tool-call surface.
const (
	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	// Messaging
	MethodMessageSend      = "message.send"
	MethodMessageSendAsync = "message.send_async"
	MethodMessageStatus    = "message.status"

	// Agent directory (read-only; provisioning is external)
	MethodAgentsList    = "agents.list"
	MethodAgentsResolve = "agents.resolve"
)
