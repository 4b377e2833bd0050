package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/zapbridge/internal/bus"
	"github.com/nextlevelbuilder/zapbridge/internal/identity"
	"github.com/nextlevelbuilder/zapbridge/internal/idempotency"
	"github.com/nextlevelbuilder/zapbridge/internal/retry"
	"github.com/nextlevelbuilder/zapbridge/internal/tracing"
)

const channelWhatsApp = "whatsapp"

// mirrorTimeout bounds the detached team-inbox copy of a sent message.
const mirrorTimeout = 15 * time.Second

// Sender delivers messages through the chat provider.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendTemplate(ctx context.Context, to, name, language string, params []string) (string, error)
	SendMedia(ctx context.Context, to, link, contentType, caption string) (string, error)
}

// Ledger remembers finished deliveries across restarts.
type Ledger interface {
	Lookup(key string) (idempotency.Record, bool)
	Record(key, channel, resultID string) error
}

// Mirror posts conversation traffic into the team inbox.
type Mirror interface {
	MirrorInbound(ctx context.Context, msg bus.InboundMessage) error
	MirrorOutbound(ctx context.Context, number, content string) error
}

// TemplateSend names a pre-approved template and its parameters. Rendered
// carries the substituted body for the team-inbox copy.
type TemplateSend struct {
	Name     string
	Language string
	Params   []string
	Rendered string
}

// DeliverRequest describes one outbound message.
type DeliverRequest struct {
	To       string
	Content  string
	Media    []bus.MediaAttachment
	Template *TemplateSend

	// IdempotencyKey guards against double sends. Empty disables the
	// guard.
	IdempotencyKey string
	// SkipMirror suppresses the team-inbox copy for traffic that
	// originated there.
	SkipMirror bool
}

// OutboundConfig wires the delivery engine's collaborators.
type OutboundConfig struct {
	Ledger Ledger
	Sender Sender
	Mirror Mirror // nil disables the team-inbox copy
	Retry  retry.Config
	BG     *Tracker // nil mirrors synchronously
}

// Outbound delivers messages with retry and an idempotency guard.
type Outbound struct {
	ledger Ledger
	sender Sender
	mirror Mirror
	retry  retry.Config
	bg     *Tracker
	log    *slog.Logger
}

// NewOutbound builds the delivery engine.
func NewOutbound(cfg OutboundConfig) *Outbound {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Outbound{
		ledger: cfg.Ledger,
		sender: cfg.Sender,
		mirror: cfg.Mirror,
		retry:  cfg.Retry,
		bg:     cfg.BG,
		log:    slog.Default().With("component", "outbound"),
	}
}

// Deliver sends one message. A key already present in the ledger returns
// the recorded result without touching the provider; a fresh send is
// recorded only after it succeeds.
func (o *Outbound) Deliver(ctx context.Context, req DeliverRequest) (bus.DeliveryResult, error) {
	ctx, span := tracing.Start(ctx, "outbound.deliver",
		attribute.String("delivery.key", req.IdempotencyKey))
	var err error
	defer func() { tracing.End(span, err) }()

	to := identity.Normalize(req.To)
	if !identity.IsValid(to) {
		err = fmt.Errorf("invalid recipient %q", identity.Mask(req.To))
		return bus.DeliveryResult{}, err
	}

	if req.IdempotencyKey != "" {
		if rec, ok := o.ledger.Lookup(req.IdempotencyKey); ok {
			o.log.Info("delivery already recorded",
				"key", req.IdempotencyKey, "result_id", rec.ResultID)
			return bus.DeliveryResult{MessageID: rec.ResultID, Channel: rec.Channel, Duplicate: true}, nil
		}
	}

	var id string
	id, err = retry.Do(ctx, o.retry, "send to "+identity.Mask(to), func(ctx context.Context) (string, error) {
		return o.send(ctx, to, req)
	})
	if err != nil {
		return bus.DeliveryResult{}, err
	}

	if req.IdempotencyKey != "" {
		if recErr := o.ledger.Record(req.IdempotencyKey, channelWhatsApp, id); recErr != nil {
			o.log.Warn("record delivery", "key", req.IdempotencyKey, "error", recErr)
		}
	}

	o.mirrorOutbound(to, req)

	o.log.Info("delivered", "to", identity.Mask(to), "message_id", id)
	return bus.DeliveryResult{MessageID: id, Channel: channelWhatsApp}, nil
}

func (o *Outbound) send(ctx context.Context, to string, req DeliverRequest) (string, error) {
	switch {
	case req.Template != nil:
		return o.sender.SendTemplate(ctx, to, req.Template.Name, req.Template.Language, req.Template.Params)
	case len(req.Media) > 0:
		m := req.Media[0]
		if len(req.Media) > 1 {
			o.log.Warn("only the first attachment is sent", "to", identity.Mask(to), "attachments", len(req.Media))
		}
		caption := m.Caption
		if caption == "" {
			caption = req.Content
		}
		return o.sender.SendMedia(ctx, to, m.URL, m.ContentType, caption)
	default:
		return o.sender.SendText(ctx, to, req.Content)
	}
}

// mirrorOutbound posts the sent message into the team inbox off the
// delivery path. Mirror failures are logged and swallowed.
func (o *Outbound) mirrorOutbound(to string, req DeliverRequest) {
	if o.mirror == nil || req.SkipMirror {
		return
	}
	content := req.Content
	if req.Template != nil && req.Template.Rendered != "" {
		content = req.Template.Rendered
	}
	if content == "" && len(req.Media) > 0 {
		content = "[attachment] " + req.Media[0].URL
	}
	if content == "" {
		return
	}
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := o.mirror.MirrorOutbound(ctx, to, content); err != nil {
			o.log.Warn("mirror outbound", "to", identity.Mask(to), "error", err)
		}
	}
	if o.bg != nil {
		o.bg.Go("mirror-outbound", run)
		return
	}
	run()
}
