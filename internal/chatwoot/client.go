// Package chatwoot mirrors bridge traffic into a Chatwoot team inbox and
// resolves the contact and conversation records that mirroring needs.
package chatwoot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds one API call end to end.
	DefaultTimeout = 10 * time.Second

	// DefaultRatePerSecond keeps the mirror side-channel from flooding the
	// inbox API during campaign fanout.
	DefaultRatePerSecond = 5
)

// Message directions accepted by the messages endpoint.
const (
	MessageIncoming = "incoming"
	MessageOutgoing = "outgoing"
)

// Config carries the inbox API credentials.
type Config struct {
	BaseURL       string
	Token         string
	AccountID     int
	Timeout       time.Duration
	RatePerSecond int
}

// Client is a minimal Chatwoot application API client scoped to one
// account. Safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	accountID  int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New builds a client, applying defaults for anything unset.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		accountID:  cfg.AccountID,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond),
	}
}

// APIError is a non-2xx response from the inbox API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("chatwoot api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("chatwoot api: status %d", e.StatusCode)
}

// HTTPStatus implements retry.StatusCoder.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Contact is an end user known to the inbox.
type Contact struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	Identifier  string `json:"identifier,omitempty"`
}

// Conversation is one thread between a contact and the inbox.
type Conversation struct {
	ID      int    `json:"id"`
	InboxID int    `json:"inbox_id"`
	Status  string `json:"status"`
}

// Message is one entry in a conversation.
type Message struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
}

// SearchContact finds the first contact matching q (typically a phone
// number). A nil contact with nil error means nothing matched.
func (c *Client) SearchContact(ctx context.Context, q string) (*Contact, error) {
	var resp struct {
		Payload []Contact `json:"payload"`
	}
	path := "/contacts/search?q=" + url.QueryEscape(q)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Payload) == 0 {
		return nil, nil
	}
	return &resp.Payload[0], nil
}

// CreateContact registers a new contact against the inbox.
func (c *Client) CreateContact(ctx context.Context, inboxID int, name, phoneNumber string) (*Contact, error) {
	body := map[string]any{
		"inbox_id":     inboxID,
		"name":         name,
		"phone_number": phoneNumber,
	}
	var resp struct {
		Payload struct {
			Contact Contact `json:"contact"`
		} `json:"payload"`
	}
	if err := c.do(ctx, http.MethodPost, "/contacts", body, &resp); err != nil {
		return nil, err
	}
	if resp.Payload.Contact.ID == 0 {
		return nil, fmt.Errorf("create contact: response missing contact id")
	}
	return &resp.Payload.Contact, nil
}

// ContactConversations lists the contact's conversations, newest first.
func (c *Client) ContactConversations(ctx context.Context, contactID int) ([]Conversation, error) {
	var resp struct {
		Payload []Conversation `json:"payload"`
	}
	path := fmt.Sprintf("/contacts/%d/conversations", contactID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// CreateConversation opens a new conversation for the contact.
func (c *Client) CreateConversation(ctx context.Context, contactID, inboxID int) (*Conversation, error) {
	body := map[string]any{
		"contact_id": contactID,
		"inbox_id":   inboxID,
		"status":     "open",
	}
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", body, &conv); err != nil {
		return nil, err
	}
	if conv.ID == 0 {
		return nil, fmt.Errorf("create conversation: response missing id")
	}
	return &conv, nil
}

// CreateMessage appends a message to the conversation. messageType is
// MessageIncoming for end-user content and MessageOutgoing for replies.
func (c *Client) CreateMessage(ctx context.Context, conversationID int, content, messageType string) (*Message, error) {
	body := map[string]any{
		"content":      content,
		"message_type": messageType,
		"private":      false,
	}
	var msg Message
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	if err := c.do(ctx, http.MethodPost, path, body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ToggleStatus moves the conversation to status ("open", "resolved").
func (c *Client) ToggleStatus(ctx context.Context, conversationID int, status string) error {
	body := map[string]any{"status": status}
	path := fmt.Sprintf("/conversations/%d/toggle_status", conversationID)
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// Ping checks that the account API answers with the configured token.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/conversations?per_page=1", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	url := fmt.Sprintf("%s/api/v1/accounts/%d%s", c.baseURL, c.accountID, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("api_access_token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chatwoot %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(respBody, &er) == nil {
			apiErr.Message = er.Message
			if apiErr.Message == "" {
				apiErr.Message = er.Error
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
