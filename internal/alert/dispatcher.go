// Package alert pushes operational failures to an ntfy-style notification
// endpoint. Alerts are deduplicated per key within a window and delivery is
// strictly fire-and-forget: a broken notification sink must never stall or
// crash the component that raised the alert.
package alert

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lanternworks/agentrelay/internal/throttle"
)

// Severity selects the push priority and tag.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) priority() string {
	switch s {
	case SeverityCritical:
		return "urgent"
	case SeverityWarning:
		return "high"
	default:
		return "default"
	}
}

func (s Severity) tag() string {
	switch s {
	case SeverityCritical:
		return "rotating_light"
	case SeverityWarning:
		return "warning"
	default:
		return "information_source"
	}
}

// Dispatcher sends deduplicated alerts.
type Dispatcher struct {
	endpoint string
	title    string
	gate     *throttle.Gate
	http     *http.Client
}

// New creates a Dispatcher. window is the per-key suppression window;
// zero means 5 minutes. An empty endpoint disables sending (alerts are
// still logged).
func New(endpoint, title string, window time.Duration, opts ...throttle.Option) *Dispatcher {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if title == "" {
		title = "agentrelay"
	}
	return &Dispatcher{
		endpoint: endpoint,
		title:    title,
		gate:     throttle.New(window, opts...),
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Alert pushes message unless an alert with the same dedupeKey fired within
// the window. Returns whether a send was attempted. Push failures are logged
// and swallowed.
func (d *Dispatcher) Alert(ctx context.Context, message string, severity Severity, dedupeKey string) bool {
	if !d.gate.TryAcquire(dedupeKey) {
		slog.Debug("alert suppressed", "key", dedupeKey)
		return false
	}

	slog.Warn("alert", "severity", severity, "key", dedupeKey, "message", message)

	if d.endpoint == "" {
		return false
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, d.endpoint, strings.NewReader(message))
	if err != nil {
		slog.Error("alert push: build request failed", "error", err)
		return false
	}
	req.Header.Set("Title", d.title)
	req.Header.Set("Priority", severity.priority())
	req.Header.Set("Tags", severity.tag())

	resp, err := d.http.Do(req)
	if err != nil {
		slog.Error("alert push failed", "key", dedupeKey, "error", err)
		return false
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("alert push rejected", "key", dedupeKey, "status", resp.StatusCode)
		return false
	}
	return true
}
