// Package bridge connects the webhook side to the agent and the delivery
// side. Inbound turns validated webhook events into agent calls and
// outbound deliveries; Outbound sends with retry behind the idempotency
// ledger.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/zapbridge/internal/bus"
	"github.com/nextlevelbuilder/zapbridge/internal/handoff"
	"github.com/nextlevelbuilder/zapbridge/internal/identity"
	"github.com/nextlevelbuilder/zapbridge/internal/textutil"
	"github.com/nextlevelbuilder/zapbridge/internal/tracing"
	"github.com/nextlevelbuilder/zapbridge/internal/webhook"
)

// InboundConfig wires the pipeline's collaborators.
type InboundConfig struct {
	Agent    bus.Agent // nil runs mirror-only mode
	Handoffs *handoff.Store
	Dedup    *webhook.Tracker
	Limits   *webhook.SenderLimiter // nil disables per-sender limiting
	Outbound *Outbound
	Mirror   Mirror // nil disables the team-inbox copy

	// HandoffDuration is how long a team reply pauses the agent.
	// Zero means the store default.
	HandoffDuration time.Duration
}

// Inbound processes webhook events end to end: dedup, identity checks,
// team-inbox mirroring, handoff gating, the agent call, and the reply
// delivery.
type Inbound struct {
	agent           bus.Agent
	handoffs        *handoff.Store
	dedup           *webhook.Tracker
	limits          *webhook.SenderLimiter
	outbound        *Outbound
	mirror          Mirror
	handoffDuration time.Duration
	log             *slog.Logger
}

// NewInbound builds the pipeline.
func NewInbound(cfg InboundConfig) *Inbound {
	return &Inbound{
		agent:           cfg.Agent,
		handoffs:        cfg.Handoffs,
		dedup:           cfg.Dedup,
		limits:          cfg.Limits,
		outbound:        cfg.Outbound,
		mirror:          cfg.Mirror,
		handoffDuration: cfg.HandoffDuration,
		log:             slog.Default().With("component", "inbound"),
	}
}

// ProcessEnvelope handles one provider webhook delivery. Failures inside
// are logged per event; processing always moves on to the next event.
func (in *Inbound) ProcessEnvelope(ctx context.Context, env *webhook.Envelope) {
	for _, ev := range env.MessageEvents() {
		in.handleMessage(ctx, ev)
	}
	for _, st := range env.StatusEvents() {
		if st.Status == "failed" {
			in.log.Warn("delivery failed",
				"message_id", st.ID,
				"recipient", identity.Mask(st.RecipientID),
				"errors", statusErrors(st))
			continue
		}
		in.log.Debug("delivery receipt", "message_id", st.ID, "status", st.Status)
	}
}

func (in *Inbound) handleMessage(ctx context.Context, ev webhook.MessageEvent) {
	ctx, span := tracing.Start(ctx, "inbound.message",
		attribute.String("message.kind", ev.Type))
	var err error
	defer func() { tracing.End(span, err) }()

	if !in.dedup.CheckAndMark(ev.ID) {
		in.log.Debug("duplicate webhook delivery", "message_id", ev.ID)
		return
	}

	sender := identity.Normalize(ev.From)
	if !identity.IsValid(sender) {
		in.log.Warn("message from invalid sender", "sender", identity.Mask(ev.From))
		return
	}

	if in.limits != nil && !in.limits.Allow(sender) {
		in.log.Warn("sender rate limited", "sender", identity.Mask(sender))
		return
	}

	msg := in.toInbound(ev, sender)
	in.log.Info("message received",
		"sender", identity.Mask(sender),
		"kind", msg.Kind,
		"preview", textutil.Truncate(msg.Content, 48))

	if in.mirror != nil {
		if mirrorErr := in.mirror.MirrorInbound(ctx, msg); mirrorErr != nil {
			in.log.Warn("mirror inbound", "sender", identity.Mask(sender), "error", mirrorErr)
		}
	}

	if _, active := in.handoffs.IsActive(sender); active {
		in.log.Info("handoff active, agent skipped", "sender", identity.Mask(sender))
		return
	}
	if in.agent == nil {
		return
	}

	var reply bus.Reply
	reply, err = in.agent.Reply(ctx, msg)
	if err != nil {
		in.log.Error("agent reply", "sender", identity.Mask(sender), "error", err)
		return
	}
	if reply.Empty() {
		in.log.Debug("agent chose not to answer", "sender", identity.Mask(sender))
		return
	}

	_, err = in.outbound.Deliver(ctx, DeliverRequest{
		To:             sender,
		Content:        reply.Content,
		Media:          reply.Media,
		IdempotencyKey: "reply:" + ev.ID,
	})
	if err != nil {
		in.log.Error("deliver reply", "sender", identity.Mask(sender), "error", err)
	}
}

func (in *Inbound) toInbound(ev webhook.MessageEvent, sender string) bus.InboundMessage {
	msg := bus.InboundMessage{
		Channel:    channelWhatsApp,
		MessageID:  ev.ID,
		SenderID:   sender,
		SenderName: ev.SenderName,
		Kind:       ev.Type,
		Content:    ev.ContentText(),
		Timestamp:  ev.Sent(),
	}
	if media := ev.MediaRef(); media != nil {
		msg.Media = append(msg.Media, bus.MediaAttachment{
			ProviderID:  media.ID,
			ContentType: media.MimeType,
			Caption:     media.Caption,
		})
	}
	if ev.PhoneNumberID != "" {
		msg.Metadata = map[string]string{"phone_number_id": ev.PhoneNumberID}
	}
	return msg
}

// ProcessTeamEvent reacts to team-inbox webhooks. A human reply pauses
// the agent for that sender and goes out to the end user; resolving the
// conversation lifts the pause.
func (in *Inbound) ProcessTeamEvent(ctx context.Context, ev *webhook.TeamEvent) {
	switch ev.Event {
	case "message_created":
		in.handleTeamMessage(ctx, ev)
	case "conversation_status_changed", "conversation_resolved":
		in.handleTeamStatus(ev)
	}
}

func (in *Inbound) handleTeamMessage(ctx context.Context, ev *webhook.TeamEvent) {
	// Only replies typed by a human agent count. Contact echoes, private
	// notes, and bot traffic pass through untouched.
	if ev.Private || ev.MessageType != "outgoing" || ev.Sender.Type != "user" {
		return
	}
	number := identity.Normalize(ev.ContactNumber())
	if !identity.IsValid(number) {
		in.log.Warn("team message without usable contact number", "conversation_id", ev.Conversation.ID)
		return
	}

	if _, err := in.handoffs.Activate(number, teamActivator(ev), in.handoffDuration); err != nil {
		in.log.Error("activate handoff", "number", identity.Mask(number), "error", err)
	} else {
		in.log.Info("handoff activated by team reply", "number", identity.Mask(number))
	}

	if ev.Content == "" {
		return
	}
	_, err := in.outbound.Deliver(ctx, DeliverRequest{
		To:             number,
		Content:        ev.Content,
		IdempotencyKey: fmt.Sprintf("team:%d", ev.ID),
		SkipMirror:     true,
	})
	if err != nil {
		in.log.Error("deliver team reply", "number", identity.Mask(number), "error", err)
	}
}

func (in *Inbound) handleTeamStatus(ev *webhook.TeamEvent) {
	number := identity.Normalize(ev.ContactNumber())
	if !identity.IsValid(number) {
		return
	}
	switch ev.Status {
	case "open":
		if _, err := in.handoffs.Activate(number, teamActivator(ev), in.handoffDuration); err != nil {
			in.log.Error("activate handoff", "number", identity.Mask(number), "error", err)
		} else {
			in.log.Info("handoff activated, conversation opened", "number", identity.Mask(number))
		}
	case "resolved":
		removed, err := in.handoffs.Deactivate(number)
		if err != nil {
			in.log.Error("deactivate handoff", "number", identity.Mask(number), "error", err)
			return
		}
		if removed {
			in.log.Info("handoff released, agent resumed", "number", identity.Mask(number))
		}
	}
}

func teamActivator(ev *webhook.TeamEvent) string {
	if ev.Sender.Name != "" {
		return ev.Sender.Name
	}
	return "team-inbox"
}

func statusErrors(st webhook.Status) string {
	if len(st.Errors) == 0 {
		return ""
	}
	parts := make([]string, 0, len(st.Errors))
	for _, e := range st.Errors {
		parts = append(parts, fmt.Sprintf("%d %s", e.Code, e.Title))
	}
	return strings.Join(parts, "; ")
}
