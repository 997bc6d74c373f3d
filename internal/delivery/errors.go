package delivery

import "errors"

// Expected, non-exceptional outcomes. Callers branch with errors.Is; the
// tracker never retries on its own, since only the caller holds the
// dedupe context for a safe resend.
var (
	// ErrUnknownAgent means the target has no identity record at all.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrRoomNotProvisioned means the target is known but has no room yet.
	ErrRoomNotProvisioned = errors.New("room not provisioned")
	// ErrDeliveryTimeout means the async watchdog fired before a terminal
	// state was reached. The remote side may still have received the
	// message: at-least-once on the wire, exactly-once per tracking id.
	ErrDeliveryTimeout = errors.New("delivery timed out")
)
