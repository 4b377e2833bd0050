package chatwoot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/zapbridge/internal/bus"
	"github.com/nextlevelbuilder/zapbridge/internal/cache"
	"github.com/nextlevelbuilder/zapbridge/internal/identity"
)

// Cache sentinels. "empty" records that the upstream answered and found
// nothing, so the next resolve skips straight to creation. "error" records
// an upstream failure, so callers back off instead of hammering a broken
// API. Both live only for the cache's negative TTL.
const (
	sentinelEmpty = "empty"
	sentinelError = "error"
)

// ErrLookupCooldown reports that a recent lookup failed and the mirror is
// waiting out the negative-cache window before asking again.
var ErrLookupCooldown = errors.New("lookup recently failed, in cooldown")

// MirrorConfig tunes the resolution caches.
type MirrorConfig struct {
	InboxID       int
	ContactTTL    time.Duration // default 6h
	NegativeTTL   time.Duration // default 10m
	MaxEntries    int           // per cache, default 10000
	SweepInterval time.Duration // 0 disables the background sweep
}

// Mirror posts both sides of every exchange into the team inbox. Contact
// and conversation ids are cached per normalized number, and concurrent
// lookups for the same number are coalesced into one upstream call.
type Mirror struct {
	client  *Client
	inboxID int

	contacts      *cache.Cache[string] // number -> contact id or sentinel
	conversations *cache.Cache[string] // number -> conversation id or sentinel
	contactFlight cache.Group[int]
	convFlight    cache.Group[int]

	log *slog.Logger
}

// NewMirror builds a mirror over client.
func NewMirror(client *Client, cfg MirrorConfig) *Mirror {
	if cfg.ContactTTL <= 0 {
		cfg.ContactTTL = 6 * time.Hour
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 10 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	opts := cache.Options{
		TTL:           cfg.ContactTTL,
		NegativeTTL:   cfg.NegativeTTL,
		MaxEntries:    cfg.MaxEntries,
		SweepInterval: cfg.SweepInterval,
	}
	return &Mirror{
		client:        client,
		inboxID:       cfg.InboxID,
		contacts:      cache.New[string](opts),
		conversations: cache.New[string](opts),
		log:           slog.Default().With("component", "mirror"),
	}
}

// Close stops the cache sweepers.
func (m *Mirror) Close() {
	m.contacts.Close()
	m.conversations.Close()
}

// MirrorInbound posts an end-user message into the team inbox.
func (m *Mirror) MirrorInbound(ctx context.Context, msg bus.InboundMessage) error {
	convID, err := m.resolveConversation(ctx, msg.SenderID, msg.SenderName)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}
	_, err = m.client.CreateMessage(ctx, convID, renderInbound(msg), MessageIncoming)
	if err != nil {
		return fmt.Errorf("mirror inbound message: %w", err)
	}
	return nil
}

// MirrorOutbound posts a bridge-sent reply into the team inbox.
func (m *Mirror) MirrorOutbound(ctx context.Context, number, content string) error {
	convID, err := m.resolveConversation(ctx, number, "")
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}
	_, err = m.client.CreateMessage(ctx, convID, content, MessageOutgoing)
	if err != nil {
		return fmt.Errorf("mirror outbound message: %w", err)
	}
	return nil
}

// ResolveConversationID exposes conversation resolution for callers that
// manage the conversation directly (status toggles).
func (m *Mirror) ResolveConversationID(ctx context.Context, number string) (int, error) {
	return m.resolveConversation(ctx, number, "")
}

// resolveContact maps a normalized number to a contact id, creating the
// contact when the inbox has never seen it.
func (m *Mirror) resolveContact(ctx context.Context, number, name string) (int, error) {
	if cached, ok := m.contacts.Get(number); ok {
		switch cached {
		case sentinelError:
			return 0, fmt.Errorf("contact %s: %w", identity.Mask(number), ErrLookupCooldown)
		case sentinelEmpty:
			// Known absent; skip the search and create directly.
			return m.createContact(ctx, number, name)
		default:
			if id, err := strconv.Atoi(cached); err == nil {
				return id, nil
			}
			m.contacts.Delete(number)
		}
	}

	return m.contactFlight.Do("contact:"+number, func() (int, error) {
		contact, err := m.client.SearchContact(ctx, number)
		if err != nil {
			m.contacts.SetNegative(number, sentinelError)
			return 0, fmt.Errorf("search contact %s: %w", identity.Mask(number), err)
		}
		if contact != nil {
			m.contacts.Set(number, strconv.Itoa(contact.ID))
			return contact.ID, nil
		}
		// Nothing found: remember that, then create. The sentinel keeps a
		// failed creation from repeating the search on the next attempt.
		m.contacts.SetNegative(number, sentinelEmpty)
		return m.createContactLocked(ctx, number, name)
	})
}

// createContact runs under the same flight key as the search, so callers
// arriving via the "empty" sentinel still share one upstream call.
func (m *Mirror) createContact(ctx context.Context, number, name string) (int, error) {
	return m.contactFlight.Do("contact:"+number, func() (int, error) {
		return m.createContactLocked(ctx, number, name)
	})
}

func (m *Mirror) createContactLocked(ctx context.Context, number, name string) (int, error) {
	if name == "" {
		name = identity.Mask(number)
	}
	contact, err := m.client.CreateContact(ctx, m.inboxID, name, "+"+number)
	if err != nil {
		m.contacts.SetNegative(number, sentinelError)
		return 0, fmt.Errorf("create contact %s: %w", identity.Mask(number), err)
	}
	m.contacts.Set(number, strconv.Itoa(contact.ID))
	m.log.Debug("contact created", "number", identity.Mask(number), "contact_id", contact.ID)
	return contact.ID, nil
}

// resolveConversation maps a normalized number to an open conversation id,
// opening one when none exists.
func (m *Mirror) resolveConversation(ctx context.Context, number, name string) (int, error) {
	number = identity.Normalize(number)
	if !identity.IsValid(number) {
		return 0, fmt.Errorf("invalid number %q", identity.Mask(number))
	}

	if cached, ok := m.conversations.Get(number); ok {
		switch cached {
		case sentinelError:
			return 0, fmt.Errorf("conversation for %s: %w", identity.Mask(number), ErrLookupCooldown)
		case sentinelEmpty:
			return m.createConversation(ctx, number, name)
		default:
			if id, err := strconv.Atoi(cached); err == nil {
				return id, nil
			}
			m.conversations.Delete(number)
		}
	}

	return m.convFlight.Do("conv:"+number, func() (int, error) {
		contactID, err := m.resolveContact(ctx, number, name)
		if err != nil {
			return 0, err
		}
		convs, err := m.client.ContactConversations(ctx, contactID)
		if err != nil {
			m.conversations.SetNegative(number, sentinelError)
			return 0, fmt.Errorf("list conversations for %s: %w", identity.Mask(number), err)
		}
		for _, conv := range convs {
			if conv.Status == "open" && (m.inboxID == 0 || conv.InboxID == m.inboxID) {
				m.conversations.Set(number, strconv.Itoa(conv.ID))
				return conv.ID, nil
			}
		}
		m.conversations.SetNegative(number, sentinelEmpty)
		return m.createConversationLocked(ctx, number, contactID)
	})
}

func (m *Mirror) createConversation(ctx context.Context, number, name string) (int, error) {
	return m.convFlight.Do("conv:"+number, func() (int, error) {
		contactID, err := m.resolveContact(ctx, number, name)
		if err != nil {
			return 0, err
		}
		return m.createConversationLocked(ctx, number, contactID)
	})
}

func (m *Mirror) createConversationLocked(ctx context.Context, number string, contactID int) (int, error) {
	conv, err := m.client.CreateConversation(ctx, contactID, m.inboxID)
	if err != nil {
		m.conversations.SetNegative(number, sentinelError)
		return 0, fmt.Errorf("create conversation for %s: %w", identity.Mask(number), err)
	}
	m.conversations.Set(number, strconv.Itoa(conv.ID))
	m.log.Debug("conversation opened", "number", identity.Mask(number), "conversation_id", conv.ID)
	return conv.ID, nil
}

// renderInbound flattens a message and its attachments into inbox text.
func renderInbound(msg bus.InboundMessage) string {
	var b strings.Builder
	b.WriteString(msg.Content)
	for _, att := range msg.Media {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		switch {
		case att.URL != "":
			fmt.Fprintf(&b, "[attachment] %s", att.URL)
		case att.ProviderID != "":
			fmt.Fprintf(&b, "[attachment %s, media id %s]", att.ContentType, att.ProviderID)
		}
	}
	if b.Len() == 0 {
		return fmt.Sprintf("[%s message]", msg.Kind)
	}
	return b.String()
}
