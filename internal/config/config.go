// Package config holds the zapbridge configuration: a JSON5 file overlaid
// with ZAPBRIDGE_* environment variables, env taking precedence.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Default locations, relative to the user home directory.
const (
	DefaultConfigPath = "~/.zapbridge/config.json"
	DefaultDataDir    = "~/.zapbridge/data"
)

// Config is the root configuration for the zapbridge server.
type Config struct {
	Server    ServerConfig    `json:"server"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Chatwoot  ChatwootConfig  `json:"chatwoot,omitempty"`
	Agent     AgentConfig     `json:"agent,omitempty"`
	Bridge    BridgeConfig    `json:"bridge,omitempty"`
	Campaigns CampaignsConfig `json:"campaigns,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`

	// DataDir holds the persisted stores (idempotency ledger, handoff
	// entries, campaign database, template catalog).
	DataDir string `json:"data_dir,omitempty"`
}

// ServerConfig is the webhook HTTP listener.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"` // default 1 MiB
}

// Addr returns the host:port bind address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WhatsAppConfig is the Cloud API send client plus the inbound webhook
// credentials for that provider.
type WhatsAppConfig struct {
	APIBase       string `json:"api_base,omitempty"` // default Graph API root
	PhoneNumberID string `json:"phone_number_id"`
	Token         string `json:"token,omitempty"`        // or env ZAPBRIDGE_WHATSAPP_TOKEN
	VerifyToken   string `json:"verify_token,omitempty"` // webhook subscription handshake
	AppSecret     string `json:"app_secret,omitempty"`   // webhook payload HMAC secret
	Timeout       string `json:"timeout,omitempty"`      // Go duration, default "10s"
	RatePerSecond int    `json:"rate_per_second,omitempty"`
}

// ChatwootConfig is the team-inbox mirror. Leaving BaseURL or Token empty
// disables mirroring entirely.
type ChatwootConfig struct {
	BaseURL       string `json:"base_url,omitempty"`
	Token         string `json:"token,omitempty"` // or env ZAPBRIDGE_CHATWOOT_TOKEN
	AccountID     int    `json:"account_id,omitempty"`
	InboxID       int    `json:"inbox_id,omitempty"`
	WebhookToken  string `json:"webhook_token,omitempty"` // guards POST /webhook/chatwoot
	Timeout       string `json:"timeout,omitempty"`       // Go duration, default "4s"
	RatePerSecond int    `json:"rate_per_second,omitempty"`

	ContactTTL      string `json:"contact_ttl,omitempty"`  // default "6h"
	NegativeTTL     string `json:"negative_ttl,omitempty"` // default "10m"
	CacheMaxEntries int    `json:"cache_max_entries,omitempty"`
}

// Enabled reports whether the mirror has enough configuration to run.
func (c ChatwootConfig) Enabled() bool {
	return c.BaseURL != "" && c.Token != ""
}

// AgentConfig points at the conversational agent endpoint. Empty URL runs
// the bridge in mirror-only mode.
type AgentConfig struct {
	URL     string `json:"url,omitempty"`
	Timeout string `json:"timeout,omitempty"` // Go duration, default "60s"
}

// BridgeConfig tunes the reliability core.
type BridgeConfig struct {
	HandoffDuration    string `json:"handoff_duration,omitempty"`      // default "30m"
	DedupTTL           string `json:"dedup_ttl,omitempty"`             // default "10m"
	IdempotencyTTL     string `json:"idempotency_ttl,omitempty"`       // default "24h"
	RateLimitPerSender int    `json:"rate_limit_per_sender,omitempty"` // messages per window, 0 disables
	RateLimitWindow    string `json:"rate_limit_window,omitempty"`     // default "1m"
	BackgroundLimit    int    `json:"background_limit,omitempty"`      // concurrent background tasks

	RetryMaxAttempts int    `json:"retry_max_attempts,omitempty"` // default 3
	RetryBaseDelay   string `json:"retry_base_delay,omitempty"`   // default "1s"
	RetryMaxDelay    string `json:"retry_max_delay,omitempty"`    // default "1m"
}

// CampaignsConfig enables the scheduled template sender.
type CampaignsConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	CheckInterval string `json:"check_interval,omitempty"` // default "30s"
	Parallelism   int    `json:"parallelism,omitempty"`
}

// TelemetryConfig configures OpenTelemetry trace export. Requires building
// with -tags otel; without it spans stay no-ops.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "zapbridge"
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener. Requires building
// with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env ZAPBRIDGE_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
	Funnel    bool   `json:"funnel,omitempty"` // public HTTPS exposure for provider webhooks
}

// DataPath resolves name inside the (expanded) data directory.
func (c *Config) DataPath(name string) string {
	dir := c.DataDir
	if dir == "" {
		dir = DefaultDataDir
	}
	return filepath.Join(ExpandHome(dir), name)
}

// Duration parses s as a Go duration, returning def when s is empty.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

// Validate rejects configurations the server cannot start with. Duration
// fields must parse when set; malformed ones are named in the error.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	durations := []struct {
		field string
		value string
	}{
		{"whatsapp.timeout", c.WhatsApp.Timeout},
		{"chatwoot.timeout", c.Chatwoot.Timeout},
		{"chatwoot.contact_ttl", c.Chatwoot.ContactTTL},
		{"chatwoot.negative_ttl", c.Chatwoot.NegativeTTL},
		{"agent.timeout", c.Agent.Timeout},
		{"bridge.handoff_duration", c.Bridge.HandoffDuration},
		{"bridge.dedup_ttl", c.Bridge.DedupTTL},
		{"bridge.idempotency_ttl", c.Bridge.IdempotencyTTL},
		{"bridge.rate_limit_window", c.Bridge.RateLimitWindow},
		{"bridge.retry_base_delay", c.Bridge.RetryBaseDelay},
		{"bridge.retry_max_delay", c.Bridge.RetryMaxDelay},
		{"campaigns.check_interval", c.Campaigns.CheckInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.field, err)
		}
	}
	if c.Chatwoot.Enabled() && c.Chatwoot.AccountID <= 0 {
		return fmt.Errorf("chatwoot.account_id required when chatwoot is configured")
	}
	return nil
}
