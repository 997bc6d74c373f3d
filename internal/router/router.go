// Package router turns inbound homeserver events into inter-agent
// deliveries. The pipeline order is fixed: dedupe claim, then address
// resolution, then delivery. An event that fails dedupe never reaches
// addressing; an event with no resolvable target never reaches delivery.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lanternworks/agentrelay/internal/bus"
	"github.com/lanternworks/agentrelay/internal/chat"
	"github.com/lanternworks/agentrelay/internal/delivery"
	"github.com/lanternworks/agentrelay/internal/store"
	"github.com/lanternworks/agentrelay/pkg/protocol"
)

// Outcome describes what the router did with one event.
type Outcome int

const (
	// OutcomeIgnored: ordinary room traffic, echoes, or unmanaged rooms.
	OutcomeIgnored Outcome = iota
	// OutcomeDuplicate: the event id lost the dedupe claim.
	OutcomeDuplicate
	// OutcomeDelivered: the event was relayed to a target agent's room.
	OutcomeDelivered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeDelivered:
		return "delivered"
	default:
		return "ignored"
	}
}

// Deliverer is the synchronous send half of the delivery tracker.
type Deliverer interface {
	Send(ctx context.Context, fromAgentID, toAgentID, body string) (delivery.Receipt, error)
}

// Router resolves inbound events to target agents and relays them.
type Router struct {
	identities store.IdentityStore
	dedupe     store.DedupeStore
	deliverer  Deliverer
	serverName string
	events     bus.EventPublisher // may be nil
	tracer     trace.Tracer
}

func New(identities store.IdentityStore, dedupe store.DedupeStore, deliverer Deliverer, serverName string, events bus.EventPublisher) *Router {
	return &Router{
		identities: identities,
		dedupe:     dedupe,
		deliverer:  deliverer,
		serverName: serverName,
		events:     events,
		tracer:     otel.Tracer("agentrelay/router"),
	}
}

// Run consumes inbound events from the queue until ctx is cancelled.
// Handler errors are logged and never stop the loop.
func (r *Router) Run(ctx context.Context, queue *bus.Bus) error {
	for {
		ev, ok := queue.ConsumeInbound(ctx)
		if !ok {
			return ctx.Err()
		}
		outcome, err := r.HandleEvent(ctx, ev)
		if err != nil {
			slog.Error("router: event handling failed", "event_id", ev.EventID, "room", ev.RoomID, "error", err)
			continue
		}
		slog.Debug("router: event handled", "event_id", ev.EventID, "outcome", outcome.String())
	}
}

// HandleEvent processes one inbound event through the full pipeline.
func (r *Router) HandleEvent(ctx context.Context, ev chat.InboundEvent) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "router.handle_event",
		trace.WithAttributes(attribute.String("event_id", ev.EventID)))
	defer span.End()

	claim, err := r.dedupe.Claim(ctx, ev.EventID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("dedupe claim: %w", err)
	}
	if claim == store.AlreadySeen {
		return OutcomeDuplicate, nil
	}

	// Only events arriving in a managed agent's room are routable; that
	// agent relays on behalf of whoever posted there.
	owner, err := r.identities.ResolveByRoom(ctx, ev.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeIgnored, nil
		}
		return OutcomeIgnored, fmt.Errorf("resolve room %s: %w", ev.RoomID, err)
	}

	identities, err := r.identities.List(ctx)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("list identities: %w", err)
	}

	target, ok := r.resolveTarget(ev, identities)
	if !ok {
		// No explicit target and no agent mention: suppress agent echoes,
		// otherwise it is ordinary room traffic.
		return OutcomeIgnored, nil
	}

	// Self-relay would loop the message straight back into the same room.
	if strings.EqualFold(target, owner.AgentID) {
		slog.Debug("router: dropping self-addressed event", "event_id", ev.EventID, "agent", owner.AgentID)
		return OutcomeIgnored, nil
	}

	// Without the explicit metadata target, messages posted by a managed
	// agent's own user are echoes of earlier relays; re-routing them on
	// mention text alone would loop.
	if ev.Metadata[chat.MetaToAgentID] == "" && r.sentByManagedAgent(ev.Sender, identities) {
		return OutcomeIgnored, nil
	}

	body := frameBody(r.senderLabel(ev.Sender, identities), ev.Body)

	receipt, err := r.deliverer.Send(ctx, owner.AgentID, target, body)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("relay %s -> %s: %w", owner.AgentID, target, err)
	}

	slog.Info("router: event relayed",
		"event_id", ev.EventID,
		"from", owner.AgentID,
		"to", target,
		"result_event_id", receipt.EventID,
	)
	if r.events != nil {
		r.events.Broadcast(bus.Event{Name: protocol.EventMessageRouted, Payload: map[string]string{
			"event_id":  ev.EventID,
			"from":      owner.AgentID,
			"to":        target,
			"room":      receipt.RoomID,
			"result_id": receipt.EventID,
		}})
	}
	return OutcomeDelivered, nil
}

// resolveTarget picks the destination agent. Explicit metadata set by
// tool-initiated calls wins; otherwise the first body mention whose
// localpart names a known active agent (by id or display name) is used.
func (r *Router) resolveTarget(ev chat.InboundEvent, identities []store.AgentIdentity) (string, bool) {
	if id := ev.Metadata[chat.MetaToAgentID]; id != "" {
		return id, true
	}

	for _, m := range FindMentions(ev.Body) {
		if !m.MatchesServer(r.serverName) {
			continue
		}
		for _, ident := range identities {
			if !ident.Active {
				continue
			}
			if strings.EqualFold(m.Localpart, ident.AgentID) ||
				(ident.AgentName != "" && strings.EqualFold(m.Localpart, ident.AgentName)) {
				return ident.AgentID, true
			}
		}
	}
	return "", false
}

func (r *Router) sentByManagedAgent(sender string, identities []store.AgentIdentity) bool {
	for _, ident := range identities {
		if ident.ProtocolUserID != "" && ident.ProtocolUserID == sender {
			return true
		}
	}
	return false
}

// senderLabel prefers the managed agent name behind a protocol user id,
// falling back to the raw user id for humans and external users.
func (r *Router) senderLabel(sender string, identities []store.AgentIdentity) string {
	for _, ident := range identities {
		if ident.ProtocolUserID == sender {
			if ident.AgentName != "" {
				return ident.AgentName
			}
			return ident.AgentID
		}
	}
	return sender
}

// frameBody prefixes the relayed payload with sender context so the
// receiving agent knows who is talking and how to answer.
func frameBody(senderLabel, body string) string {
	return fmt.Sprintf("[from %s, reply with message.send]\n%s", senderLabel, body)
}
