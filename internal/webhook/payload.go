package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Envelope is the provider webhook payload: a batch of entries, each
// carrying field changes with message and status events.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes reported for one business account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is a single field update. Only "messages" changes yield events;
// other fields are carried but ignored.
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue holds the actual message and status payloads of a change.
type ChangeValue struct {
	MessagingProduct string        `json:"messaging_product"`
	Metadata         ValueMetadata `json:"metadata"`
	Contacts         []ContactInfo `json:"contacts,omitempty"`
	Messages         []Message     `json:"messages,omitempty"`
	Statuses         []Status      `json:"statuses,omitempty"`
}

// ValueMetadata identifies the receiving business number.
type ValueMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// ContactInfo carries the sender profile attached to a change.
type ContactInfo struct {
	WaID    string  `json:"wa_id"`
	Profile Profile `json:"profile"`
}

// Profile is the sender's display name.
type Profile struct {
	Name string `json:"name"`
}

// Message is one inbound message event.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"` // unix seconds, as a string
	Type      string `json:"type"`
	Text      *Text  `json:"text,omitempty"`
	Image     *Media `json:"image,omitempty"`
	Audio     *Media `json:"audio,omitempty"`
	Video     *Media `json:"video,omitempty"`
	Document  *Media `json:"document,omitempty"`
}

// Text is the body of a text message.
type Text struct {
	Body string `json:"body"`
}

// Media references provider-hosted media. The webhook carries an opaque
// media id, not a downloadable link.
type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// Status is a delivery receipt for a previously sent message.
type Status struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"` // sent, delivered, read, failed
	Timestamp   string        `json:"timestamp"`
	RecipientID string        `json:"recipient_id"`
	Errors      []StatusError `json:"errors,omitempty"`
}

// StatusError details a failed delivery.
type StatusError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

// ParseEnvelope decodes a webhook body. Any JSON that does not carry the
// expected top-level shape is a validation error for the caller to reject.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if env.Object == "" {
		return nil, errors.New("webhook payload missing object field")
	}
	return &env, nil
}

// MessageEvent is a message joined with the sender profile and receiving
// number from its change.
type MessageEvent struct {
	Message
	SenderName    string
	PhoneNumberID string
}

// MessageEvents flattens all message events in the envelope.
func (e *Envelope) MessageEvents() []MessageEvent {
	var events []MessageEvent
	for _, entry := range e.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				events = append(events, MessageEvent{
					Message:       m,
					SenderName:    names[m.From],
					PhoneNumberID: change.Value.Metadata.PhoneNumberID,
				})
			}
		}
	}
	return events
}

// StatusEvents flattens all delivery receipts in the envelope.
func (e *Envelope) StatusEvents() []Status {
	var statuses []Status
	for _, entry := range e.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			statuses = append(statuses, change.Value.Statuses...)
		}
	}
	return statuses
}

// ContentText extracts the human-readable text of a message: the text body
// for text messages, the caption for media.
func (m Message) ContentText() string {
	if m.Text != nil {
		return m.Text.Body
	}
	for _, media := range []*Media{m.Image, m.Video, m.Document, m.Audio} {
		if media != nil && media.Caption != "" {
			return media.Caption
		}
	}
	return ""
}

// MediaRef returns the media payload of the message, if any.
func (m Message) MediaRef() *Media {
	switch {
	case m.Image != nil:
		return m.Image
	case m.Audio != nil:
		return m.Audio
	case m.Video != nil:
		return m.Video
	case m.Document != nil:
		return m.Document
	}
	return nil
}

// Sent parses the provider's unix-seconds timestamp. A missing or garbled
// timestamp falls back to now.
func (m Message) Sent() time.Time {
	secs, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now()
	}
	return time.Unix(secs, 0)
}

// TeamEvent is a webhook notification from the team inbox. Two event kinds
// matter to the bridge: an agent posting an outgoing reply, and a
// conversation being resolved or reopened.
type TeamEvent struct {
	Event        string           `json:"event"`
	ID           int              `json:"id,omitempty"`
	Content      string           `json:"content,omitempty"`
	MessageType  string           `json:"message_type,omitempty"`
	Private      bool             `json:"private,omitempty"`
	Status       string           `json:"status,omitempty"`
	Sender       TeamSender       `json:"sender,omitempty"`
	Conversation TeamConversation `json:"conversation,omitempty"`
}

// TeamSender distinguishes human agents ("user") from contacts.
type TeamSender struct {
	ID   int    `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
	Name string `json:"name,omitempty"`
}

// TeamConversation carries the conversation and the contact it belongs to.
type TeamConversation struct {
	ID     int      `json:"id,omitempty"`
	Status string   `json:"status,omitempty"`
	Meta   TeamMeta `json:"meta,omitempty"`
}

// TeamMeta nests the conversation's contact.
type TeamMeta struct {
	Sender TeamContact `json:"sender,omitempty"`
}

// TeamContact is the end user the conversation belongs to.
type TeamContact struct {
	ID          int    `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// ParseTeamEvent decodes a team-inbox webhook body.
func ParseTeamEvent(raw []byte) (*TeamEvent, error) {
	var ev TeamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode team event: %w", err)
	}
	if ev.Event == "" {
		return nil, errors.New("team event missing event field")
	}
	return &ev, nil
}

// ContactNumber returns the phone number of the conversation's contact.
func (ev *TeamEvent) ContactNumber() string {
	return ev.Conversation.Meta.Sender.PhoneNumber
}
