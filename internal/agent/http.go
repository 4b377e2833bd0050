// Package agent adapts an external conversational agent service to the
// bus.Agent interface. The bridge treats the agent as opaque: one POST
// with the inbound message, one JSON reply back.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/zapbridge/internal/bus"
)

// DefaultTimeout bounds one agent exchange end to end.
const DefaultTimeout = 60 * time.Second

// HTTP forwards inbound messages to an agent endpoint over HTTP.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP builds an adapter that POSTs each message to url.
func NewHTTP(url string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTP{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// Reply implements bus.Agent.
func (h *HTTP) Reply(ctx context.Context, msg bus.InboundMessage) (bus.Reply, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return bus.Reply{}, fmt.Errorf("encode agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return bus.Reply{}, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return bus.Reply{}, fmt.Errorf("call agent: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return bus.Reply{}, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return bus.Reply{}, fmt.Errorf("agent returned %d: %s", resp.StatusCode, snippet(body))
	}

	var reply bus.Reply
	if err := json.Unmarshal(body, &reply); err != nil {
		return bus.Reply{}, fmt.Errorf("decode agent reply: %w", err)
	}
	return reply, nil
}

// snippet keeps error messages readable when the agent returns a page of
// HTML or a stack trace.
func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
