// Package whatsapp is a minimal WhatsApp Cloud API send client: text,
// template, and link-based media messages.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/zapbridge/internal/retry"
)

const (
	// DefaultAPIBase is the Graph API root for the Cloud API.
	DefaultAPIBase = "https://graph.facebook.com/v19.0"

	// DefaultTimeout bounds one send call end to end.
	DefaultTimeout = 10 * time.Second

	// DefaultRatePerSecond keeps bursts under the provider's throughput
	// limits. Campaign fanout shares the same limiter as live replies.
	DefaultRatePerSecond = 10
)

// Config carries the credentials and tunables for one business number.
type Config struct {
	APIBase       string
	Token         string
	PhoneNumberID string
	Timeout       time.Duration
	RatePerSecond int
}

// Client posts messages to the Cloud API. Safe for concurrent use.
type Client struct {
	apiBase       string
	token         string
	phoneNumberID string
	timeout       time.Duration
	httpClient    *http.Client
	limiter       *rate.Limiter
}

// New builds a client, applying defaults for anything unset.
func New(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	return &Client{
		apiBase:       strings.TrimRight(cfg.APIBase, "/"),
		token:         cfg.Token,
		phoneNumberID: cfg.PhoneNumberID,
		timeout:       cfg.Timeout,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		limiter:       rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond),
	}
}

// APIError is a non-2xx response from the send API.
type APIError struct {
	StatusCode int
	Code       int    // provider error code, when supplied
	Message    string
	RetryAfter string // raw Retry-After header, empty when absent
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("whatsapp api: status %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("whatsapp api: status %d", e.StatusCode)
}

// HTTPStatus implements retry.StatusCoder.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RetryAfterHint implements retry.RetryAfterHinter.
func (e *APIError) RetryAfterHint() (time.Duration, bool) {
	return retry.ParseRetryAfter(e.RetryAfter)
}

type textPayload struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type languagePayload struct {
	Code string `json:"code"`
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters,omitempty"`
}

type templatePayload struct {
	Name       string              `json:"name"`
	Language   languagePayload     `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type mediaPayload struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type sendRequest struct {
	MessagingProduct string           `json:"messaging_product"`
	RecipientType    string           `json:"recipient_type"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             *textPayload     `json:"text,omitempty"`
	Template         *templatePayload `json:"template,omitempty"`
	Image            *mediaPayload    `json:"image,omitempty"`
	Audio            *mediaPayload    `json:"audio,omitempty"`
	Video            *mediaPayload    `json:"video,omitempty"`
	Document         *mediaPayload    `json:"document,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText delivers a plain text message and returns the provider message
// id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	return c.send(ctx, sendRequest{
		To:   to,
		Type: "text",
		Text: &textPayload{Body: body},
	})
}

// SendTemplate delivers an approved template with positional body
// parameters.
func (c *Client) SendTemplate(ctx context.Context, to, name, language string, params []string) (string, error) {
	tpl := &templatePayload{
		Name:     name,
		Language: languagePayload{Code: language},
	}
	if len(params) > 0 {
		comp := templateComponent{Type: "body"}
		for _, p := range params {
			comp.Parameters = append(comp.Parameters, templateParameter{Type: "text", Text: p})
		}
		tpl.Components = []templateComponent{comp}
	}
	return c.send(ctx, sendRequest{
		To:       to,
		Type:     "template",
		Template: tpl,
	})
}

// SendMedia delivers one link-hosted attachment. The media kind is derived
// from the MIME type; anything unrecognized goes out as a document.
func (c *Client) SendMedia(ctx context.Context, to, link, contentType, caption string) (string, error) {
	req := sendRequest{To: to}
	payload := &mediaPayload{Link: link, Caption: caption}
	switch {
	case strings.HasPrefix(contentType, "image/"):
		req.Type, req.Image = "image", payload
	case strings.HasPrefix(contentType, "audio/"):
		req.Type, req.Audio = "audio", payload
		payload.Caption = "" // audio does not carry captions
	case strings.HasPrefix(contentType, "video/"):
		req.Type, req.Video = "video", payload
	default:
		req.Type, req.Document = "document", payload
	}
	return c.send(ctx, req)
}

func (c *Client) send(ctx context.Context, reqBody sendRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	reqBody.MessagingProduct = "whatsapp"
	reqBody.RecipientType = "individual"

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s/messages", c.apiBase, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read send response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			RetryAfter: resp.Header.Get("Retry-After"),
		}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil {
			apiErr.Message = er.Error.Message
			apiErr.Code = er.Error.Code
		}
		return "", apiErr
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if len(sr.Messages) == 0 || sr.Messages[0].ID == "" {
		return "", fmt.Errorf("send response missing message id")
	}
	return sr.Messages[0].ID, nil
}
