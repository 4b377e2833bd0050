package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18890,
		},
		WhatsApp: WhatsAppConfig{
			Timeout:       "10s",
			RatePerSecond: 10,
		},
		Chatwoot: ChatwootConfig{
			Timeout:       "4s",
			RatePerSecond: 5,
			ContactTTL:    "6h",
			NegativeTTL:   "10m",
		},
		Agent: AgentConfig{
			Timeout: "60s",
		},
		Bridge: BridgeConfig{
			HandoffDuration:    "30m",
			DedupTTL:           "10m",
			IdempotencyTTL:     "24h",
			RateLimitPerSender: 20,
			RateLimitWindow:    "1m",
		},
		Campaigns: CampaignsConfig{
			CheckInterval: "30s",
		},
		DataDir: DefaultDataDir,
	}
}

// Load reads config from a JSON file, then overlays env vars. A missing
// file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Provider credentials
	envStr("ZAPBRIDGE_WHATSAPP_TOKEN", &c.WhatsApp.Token)
	envStr("ZAPBRIDGE_WHATSAPP_PHONE_NUMBER_ID", &c.WhatsApp.PhoneNumberID)
	envStr("ZAPBRIDGE_WHATSAPP_VERIFY_TOKEN", &c.WhatsApp.VerifyToken)
	envStr("ZAPBRIDGE_WHATSAPP_APP_SECRET", &c.WhatsApp.AppSecret)

	// Team inbox
	envStr("ZAPBRIDGE_CHATWOOT_URL", &c.Chatwoot.BaseURL)
	envStr("ZAPBRIDGE_CHATWOOT_TOKEN", &c.Chatwoot.Token)
	envStr("ZAPBRIDGE_CHATWOOT_WEBHOOK_TOKEN", &c.Chatwoot.WebhookToken)
	if v := os.Getenv("ZAPBRIDGE_CHATWOOT_ACCOUNT_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil && id > 0 {
			c.Chatwoot.AccountID = id
		}
	}
	if v := os.Getenv("ZAPBRIDGE_CHATWOOT_INBOX_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil && id > 0 {
			c.Chatwoot.InboxID = id
		}
	}

	// Agent endpoint
	envStr("ZAPBRIDGE_AGENT_URL", &c.Agent.URL)

	// Listener
	envStr("ZAPBRIDGE_HOST", &c.Server.Host)
	if v := os.Getenv("ZAPBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	// Data directory
	envStr("ZAPBRIDGE_DATA_DIR", &c.DataDir)

	// Telemetry
	envStr("ZAPBRIDGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ZAPBRIDGE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("ZAPBRIDGE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("ZAPBRIDGE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ZAPBRIDGE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("ZAPBRIDGE_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("ZAPBRIDGE_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("ZAPBRIDGE_TSNET_DIR", &c.Tailscale.StateDir)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call after modifying config to restore runtime secrets from env.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// StripSecrets zeros out all secret fields so they never persist in
// config.json. Secrets live in .env.local instead.
func (c *Config) StripSecrets() {
	c.WhatsApp.Token = ""
	c.WhatsApp.AppSecret = ""
	c.WhatsApp.VerifyToken = ""
	c.Chatwoot.Token = ""
	c.Chatwoot.WebhookToken = ""
	c.Tailscale.AuthKey = ""
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
