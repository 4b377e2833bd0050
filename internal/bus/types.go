// Package bus holds the message types and collaborator interfaces shared
// between the webhook side and the delivery side of the bridge. Both
// depend on this package instead of on each other.
package bus

import (
	"context"
	"time"
)

// InboundMessage is one validated message event extracted from a webhook
// delivery. SenderID is always in canonical form.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	MessageID  string            `json:"message_id"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	Kind       string            `json:"kind"` // "text", "image", "audio", "video", "document"
	Content    string            `json:"content"`
	Media      []MediaAttachment `json:"media,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment references a media file attached to a message.
type MediaAttachment struct {
	URL         string `json:"url,omitempty"`          // downloadable link, when available
	ProviderID  string `json:"provider_id,omitempty"`  // provider-hosted media id
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/jpeg")
	Caption     string `json:"caption,omitempty"`
}

// Reply is what the agent wants delivered back to the sender.
type Reply struct {
	Content string            `json:"content"`
	Media   []MediaAttachment `json:"media,omitempty"`
	// Skip means the agent deliberately chose not to answer.
	Skip bool `json:"skip,omitempty"`
}

// Empty reports whether the reply carries nothing to deliver.
func (r Reply) Empty() bool {
	return r.Skip || (r.Content == "" && len(r.Media) == 0)
}

// DeliveryResult identifies the provider-side message a delivery produced.
type DeliveryResult struct {
	MessageID string `json:"message_id"`
	Channel   string `json:"channel"`
	// Duplicate marks results answered from the idempotency ledger
	// instead of a fresh provider call.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Agent turns an inbound message into a reply. The implementation is an
// external collaborator; the bridge treats it as opaque and never retries
// it.
type Agent interface {
	Reply(ctx context.Context, msg InboundMessage) (Reply, error)
}
