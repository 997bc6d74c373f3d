// Package delivery executes outbound inter-agent sends: synchronous
// (one blocking round trip) and asynchronous (queued TrackedMessage plus a
// watchdog-bounded background send).
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lanternworks/agentrelay/internal/alert"
	"github.com/lanternworks/agentrelay/internal/bus"
	"github.com/lanternworks/agentrelay/internal/store"
	"github.com/lanternworks/agentrelay/pkg/protocol"
)

// Sender is the room-scoped send call on the chat protocol boundary.
// Satisfied by *chat.Client; tests substitute fakes.
type Sender interface {
	SendText(ctx context.Context, roomID, token, body string) (string, error)
}

// Receipt is the result of a successful synchronous send.
type Receipt struct {
	EventID string
	RoomID  string
}

// Recoverer unblocks a stuck agent runtime. Returns whether corrective
// action was taken; the tracker retries the send once if so.
type Recoverer interface {
	Recover(ctx context.Context, agentID string) bool
}

// Alerter is the operational-failure notification hook.
type Alerter interface {
	Alert(ctx context.Context, message string, severity alert.Severity, dedupeKey string) bool
}

// Tracker owns TrackedMessage lifecycle and performs sends.
type Tracker struct {
	identities     store.IdentityStore
	messages       store.MessageStore
	sender         Sender
	events         bus.EventPublisher // may be nil
	defaultTimeout time.Duration
	tracer         trace.Tracer

	recoverer  Recoverer
	isConflict func(error) bool
	alerts     Alerter
}

// SetRecovery wires approval-conflict recovery into the send path. On a
// send failure that classify reports as a conflict, the tracker runs
// recovery for the destination agent and retries the send once if recovery
// took corrective action.
func (t *Tracker) SetRecovery(r Recoverer, classify func(error) bool) {
	t.recoverer = r
	t.isConflict = classify
}

// SetAlerter wires delivery-failure alerting.
func (t *Tracker) SetAlerter(a Alerter) { t.alerts = a }

// NewTracker creates a Tracker. defaultTimeout applies to async sends with
// no explicit timeout; zero means 60s.
func NewTracker(identities store.IdentityStore, messages store.MessageStore, sender Sender, events bus.EventPublisher, defaultTimeout time.Duration) *Tracker {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &Tracker{
		identities:     identities,
		messages:       messages,
		sender:         sender,
		events:         events,
		defaultTimeout: defaultTimeout,
		tracer:         otel.Tracer("agentrelay/delivery"),
	}
}

// resolvePair looks up both endpoints. The message goes to the destination
// room but is sent with the sender's own credential, so it is attributed to
// the sending agent rather than a shared service account.
func (t *Tracker) resolvePair(ctx context.Context, fromAgentID, toAgentID string) (room, token string, err error) {
	to, err := t.identities.Resolve(ctx, toAgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", "", fmt.Errorf("%w: %s", ErrUnknownAgent, toAgentID)
		}
		return "", "", fmt.Errorf("resolve %s: %w", toAgentID, err)
	}
	if !to.Provisioned() {
		return "", "", fmt.Errorf("%w: %s", ErrRoomNotProvisioned, toAgentID)
	}

	from, err := t.identities.Resolve(ctx, fromAgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", "", fmt.Errorf("%w: %s", ErrUnknownAgent, fromAgentID)
		}
		return "", "", fmt.Errorf("resolve %s: %w", fromAgentID, err)
	}

	return to.RoomID, from.Credential, nil
}

// Send delivers body to toAgentID's room synchronously and returns the
// resulting event id. Blocks for one network round trip.
func (t *Tracker) Send(ctx context.Context, fromAgentID, toAgentID, body string) (Receipt, error) {
	ctx, span := t.tracer.Start(ctx, "delivery.send",
		trace.WithAttributes(
			attribute.String("from_agent", fromAgentID),
			attribute.String("to_agent", toAgentID),
		))
	defer span.End()

	room, token, err := t.resolvePair(ctx, fromAgentID, toAgentID)
	if err != nil {
		return Receipt{}, err
	}

	eventID, err := t.sendWithRecovery(ctx, toAgentID, room, token, body)
	if err != nil {
		return Receipt{}, err
	}

	slog.Info("delivery sent", "from", fromAgentID, "to", toAgentID, "room", room, "event_id", eventID)
	return Receipt{EventID: eventID, RoomID: room}, nil
}

// SendAsync queues a TrackedMessage and performs the send in the
// background. Returns the tracking id immediately; resolution failures
// (unknown agent, missing room) fail fast and queue nothing.
func (t *Tracker) SendAsync(ctx context.Context, fromAgentID, toAgentID, body string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}

	room, token, err := t.resolvePair(ctx, fromAgentID, toAgentID)
	if err != nil {
		return "", err
	}

	msg := &store.TrackedMessage{
		TrackingID:  uuid.Must(uuid.NewV7()).String(),
		FromAgentID: fromAgentID,
		ToAgentID:   toAgentID,
		Body:        body,
	}
	if err := t.messages.Create(ctx, msg); err != nil {
		return "", fmt.Errorf("create tracked message: %w", err)
	}

	slog.Info("delivery queued", "tracking_id", msg.TrackingID, "from", fromAgentID, "to", toAgentID, "timeout", timeout)
	t.broadcast(protocol.EventDeliveryQueued, msg)

	go t.deliver(msg, room, token, timeout)
	return msg.TrackingID, nil
}

// deliver performs the background send for one queued record. It runs on a
// detached context so the originating request's cancellation does not
// truncate the delivery; the watchdog timeout is the only bound.
func (t *Tracker) deliver(msg *store.TrackedMessage, room, token string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	eventID, err := t.sendWithRecovery(ctx, msg.ToAgentID, room, token, msg.Body)

	// Store updates use a fresh context: the send deadline must not keep a
	// completed result from being recorded.
	recordCtx, recordCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer recordCancel()

	switch {
	case err == nil:
		if ok, serr := t.messages.MarkSent(recordCtx, msg.TrackingID, eventID); serr != nil {
			slog.Error("delivery: mark sent failed", "tracking_id", msg.TrackingID, "error", serr)
		} else if ok {
			msg.Status = store.StatusSent
			msg.ResultEventID = eventID
			slog.Info("delivery completed", "tracking_id", msg.TrackingID, "event_id", eventID)
			t.broadcast(protocol.EventDeliverySent, msg)
		}
	case ctx.Err() == context.DeadlineExceeded:
		errMsg := fmt.Sprintf("no terminal state within %s: %v", timeout, ErrDeliveryTimeout)
		if ok, serr := t.messages.MarkTimedOut(recordCtx, msg.TrackingID, errMsg); serr != nil {
			slog.Error("delivery: mark timed out failed", "tracking_id", msg.TrackingID, "error", serr)
		} else if ok {
			msg.Status = store.StatusTimedOut
			msg.Error = errMsg
			slog.Warn("delivery timed out", "tracking_id", msg.TrackingID, "timeout", timeout)
			t.broadcast(protocol.EventDeliveryTimedOut, msg)
			if t.alerts != nil {
				t.alerts.Alert(recordCtx,
					fmt.Sprintf("delivery to %s timed out after %s", msg.ToAgentID, timeout),
					alert.SeverityWarning, "delivery_timeout:"+msg.ToAgentID)
			}
		}
	default:
		if ok, serr := t.messages.MarkFailed(recordCtx, msg.TrackingID, err.Error()); serr != nil {
			slog.Error("delivery: mark failed failed", "tracking_id", msg.TrackingID, "error", serr)
		} else if ok {
			msg.Status = store.StatusFailed
			msg.Error = err.Error()
			slog.Error("delivery failed", "tracking_id", msg.TrackingID, "error", err)
			t.broadcast(protocol.EventDeliveryFailed, msg)
			if t.alerts != nil {
				t.alerts.Alert(recordCtx,
					fmt.Sprintf("delivery to %s failed: %v", msg.ToAgentID, err),
					alert.SeverityWarning, "delivery_failed:"+msg.ToAgentID)
			}
		}
	}
}

// sendWithRecovery performs one send, and on an approval-conflict failure
// runs recovery and retries exactly once if recovery took action. Any other
// failure is returned as-is.
func (t *Tracker) sendWithRecovery(ctx context.Context, toAgentID, room, token, body string) (string, error) {
	eventID, err := t.sender.SendText(ctx, room, token, body)
	if err == nil {
		return eventID, nil
	}
	if t.recoverer == nil || t.isConflict == nil || !t.isConflict(err) {
		return "", err
	}

	slog.Warn("delivery hit approval conflict, running recovery", "agent", toAgentID, "error", err)
	if !t.recoverer.Recover(ctx, toAgentID) {
		return "", err
	}
	return t.sender.SendText(ctx, room, token, body)
}

// Status is a pure read of a tracked message; polling never mutates state.
// Returns store.ErrNotFound for unknown or already-evicted tracking ids.
func (t *Tracker) Status(ctx context.Context, trackingID string) (*store.TrackedMessage, error) {
	return t.messages.Get(ctx, trackingID)
}

func (t *Tracker) broadcast(name string, msg *store.TrackedMessage) {
	if t.events == nil {
		return
	}
	t.events.Broadcast(bus.Event{Name: name, Payload: map[string]string{
		"tracking_id": msg.TrackingID,
		"from_agent":  msg.FromAgentID,
		"to_agent":    msg.ToAgentID,
		"status":      string(msg.Status),
	}})
}
