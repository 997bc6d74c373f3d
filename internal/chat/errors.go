package chat

import "fmt"

// TransportError is any homeserver call failure: network faults, non-2xx
// statuses, and undocumented response shapes all map here rather than
// producing undefined behavior.
type TransportError struct {
	Op         string // "login", "send", "stream"
	StatusCode int    // 0 for network-level failures
	Message    string
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("chat %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("chat %s: %s", e.Op, e.Message)
}
