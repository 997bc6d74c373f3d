// Package recovery detects agent runtimes stuck on a tool-approval gate and
// unblocks them. In this deployment no human answers approval prompts, so a
// turn waiting on one is dead: cancel it, and (throttled) clear the
// requires-approval flag on the agent's tools so it stops happening.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lanternworks/agentrelay/internal/alert"
	"github.com/lanternworks/agentrelay/internal/bus"
	"github.com/lanternworks/agentrelay/internal/chat"
	"github.com/lanternworks/agentrelay/internal/runtime"
	"github.com/lanternworks/agentrelay/internal/throttle"
	"github.com/lanternworks/agentrelay/pkg/protocol"
)

// approvalSignatures are message fragments identifying an approval-wait
// conflict in runtime error bodies.
var approvalSignatures = []string{
	"waiting for approval",
	"pending approval",
	"approval request",
	"requires approval",
}

// IsApprovalConflict classifies an error as an approval-gate conflict:
// HTTP 409, or an error body matching a known signature. Both runtime API
// errors and chat transport errors qualify; the conflict can surface on
// either boundary depending on where the stuck turn is observed.
func IsApprovalConflict(err error) bool {
	var apiErr *runtime.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 409 || matchesApprovalSignature(apiErr.Message)
	}
	var terr *chat.TransportError
	if errors.As(err, &terr) {
		return terr.StatusCode == 409 || matchesApprovalSignature(terr.Message)
	}
	return false
}

func matchesApprovalSignature(message string) bool {
	msg := strings.ToLower(message)
	for _, sig := range approvalSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Recoverer runs the recovery procedure against the agent runtime.
type Recoverer struct {
	runtime *runtime.Client
	alerts  *alert.Dispatcher
	gate    *throttle.Gate // throttles the expensive full-tool-list rewrite
	events  bus.EventPublisher
	tracer  trace.Tracer
}

// SetEventPublisher enables recovery.run broadcast events.
func (r *Recoverer) SetEventPublisher(events bus.EventPublisher) { r.events = events }

// New creates a Recoverer. approvalInterval throttles the
// disable-all-approvals mitigation per agent; zero means 10 minutes.
func New(rt *runtime.Client, alerts *alert.Dispatcher, approvalInterval time.Duration, opts ...throttle.Option) *Recoverer {
	if approvalInterval <= 0 {
		approvalInterval = 10 * time.Minute
	}
	return &Recoverer{
		runtime: rt,
		alerts:  alerts,
		gate:    throttle.New(approvalInterval, opts...),
		tracer:  otel.Tracer("agentrelay/recovery"),
	}
}

// Recover cancels the agent's stuck runs and, at most once per throttle
// interval, disables tool approvals. Returns whether any corrective action
// was taken; callers use that to decide whether to retry the original
// request. Best effort: failures are logged and alerted, never escalated.
func (r *Recoverer) Recover(ctx context.Context, agentID string) bool {
	ctx, span := r.tracer.Start(ctx, "recovery.recover",
		trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer span.End()

	tookAction := false

	runs, err := r.runtime.ListRuns(ctx, agentID)
	if err != nil {
		slog.Error("recovery: list runs failed", "agent", agentID, "error", err)
		r.alerts.Alert(ctx, "recovery failed listing runs for "+agentID+": "+err.Error(),
			alert.SeverityWarning, "recovery_list:"+agentID)
	}

	cancelled := 0
	for _, run := range runs {
		if run.Terminal() {
			continue
		}
		if err := r.runtime.CancelRun(ctx, agentID, run.ID); err != nil {
			slog.Error("recovery: cancel run failed", "agent", agentID, "run", run.ID, "error", err)
			continue
		}
		cancelled++
		tookAction = true
	}

	// Standing mitigation, not per-incident: stop the runtime from creating
	// new approval gates. Full tool-list rewrites are expensive, so this is
	// throttled per agent.
	approvalsDisabled := false
	if r.gate.TryAcquire(agentID) {
		if err := r.runtime.DisableToolApprovals(ctx, agentID); err != nil {
			slog.Error("recovery: disable tool approvals failed", "agent", agentID, "error", err)
			r.alerts.Alert(ctx, "recovery failed disabling approvals for "+agentID+": "+err.Error(),
				alert.SeverityWarning, "recovery_approvals:"+agentID)
		} else {
			approvalsDisabled = true
			tookAction = true
		}
	} else {
		slog.Debug("recovery: approval rewrite throttled",
			"agent", agentID, "retry_in", r.gate.Remaining(agentID))
	}

	slog.Info("recovery completed",
		"agent", agentID,
		"cancelled_runs", cancelled,
		"approvals_disabled", approvalsDisabled,
		"took_action", tookAction,
	)
	if r.events != nil {
		r.events.Broadcast(bus.Event{Name: protocol.EventRecoveryRun, Payload: map[string]interface{}{
			"agent_id":           agentID,
			"cancelled_runs":     cancelled,
			"approvals_disabled": approvalsDisabled,
		}})
	}
	return tookAction
}
