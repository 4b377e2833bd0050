package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/zapbridge/internal/agent"
	"github.com/nextlevelbuilder/zapbridge/internal/bridge"
	"github.com/nextlevelbuilder/zapbridge/internal/bus"
	"github.com/nextlevelbuilder/zapbridge/internal/campaign"
	"github.com/nextlevelbuilder/zapbridge/internal/chatwoot"
	"github.com/nextlevelbuilder/zapbridge/internal/config"
	"github.com/nextlevelbuilder/zapbridge/internal/handoff"
	"github.com/nextlevelbuilder/zapbridge/internal/idempotency"
	"github.com/nextlevelbuilder/zapbridge/internal/retry"
	"github.com/nextlevelbuilder/zapbridge/internal/templates"
	"github.com/nextlevelbuilder/zapbridge/internal/webhook"
	"github.com/nextlevelbuilder/zapbridge/internal/whatsapp"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// Load config
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// First run: no config file and no credentials → setup wizard.
	_, cfgStatErr := os.Stat(cfgPath)
	if os.IsNotExist(cfgStatErr) && cfg.WhatsApp.Token == "" {
		fmt.Println("No configuration found. Starting setup wizard...")
		fmt.Println()
		runOnboard()
		return
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	if cfg.WhatsApp.Token == "" || cfg.WhatsApp.PhoneNumberID == "" {
		envPath := filepath.Join(filepath.Dir(cfgPath), ".env.local")
		fmt.Println("No WhatsApp credentials found. Did you forget to load your secrets?")
		fmt.Println()
		fmt.Printf("  source %s && zapbridge\n", envPath)
		fmt.Println()
		fmt.Println("Or re-run the setup wizard:  zapbridge onboard")
		os.Exit(1)
	}

	dataDir := cfg.DataPath("")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("failed to create data directory", "dir", dataDir, "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Trace export: compiled via build tags, `go build -tags otel` to enable.
	otelCleanup := initOTelExporter(ctx, cfg)
	if otelCleanup != nil {
		defer otelCleanup()
	}

	// Persisted stores
	ledger, err := idempotency.Open(cfg.DataPath("idempotency.json"),
		config.Duration(cfg.Bridge.IdempotencyTTL, idempotency.DefaultTTL))
	if err != nil {
		slog.Error("failed to open idempotency ledger", "error", err)
		os.Exit(1)
	}
	ledger.Start(idempotency.DefaultSweepInterval)
	defer ledger.Close()

	handoffs, err := handoff.Open(cfg.DataPath("handoff.json"))
	if err != nil {
		slog.Error("failed to open handoff store", "error", err)
		os.Exit(1)
	}

	// In-memory guards
	dedup := webhook.NewTracker(
		config.Duration(cfg.Bridge.DedupTTL, webhook.DefaultDedupTTL),
		webhook.DefaultDedupSweepInterval)
	defer dedup.Close()

	var limits *webhook.SenderLimiter
	if cfg.Bridge.RateLimitPerSender > 0 {
		limits = webhook.NewSenderLimiter(cfg.Bridge.RateLimitPerSender,
			config.Duration(cfg.Bridge.RateLimitWindow, 0))
	}

	bg := bridge.NewTracker(cfg.Bridge.BackgroundLimit)

	// Outbound collaborators
	sender := whatsapp.New(whatsapp.Config{
		APIBase:       cfg.WhatsApp.APIBase,
		Token:         cfg.WhatsApp.Token,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		Timeout:       config.Duration(cfg.WhatsApp.Timeout, 0),
		RatePerSecond: cfg.WhatsApp.RatePerSecond,
	})

	var mirror bridge.Mirror
	if cfg.Chatwoot.Enabled() {
		cwMirror := chatwoot.NewMirror(chatwoot.New(chatwoot.Config{
			BaseURL:       cfg.Chatwoot.BaseURL,
			Token:         cfg.Chatwoot.Token,
			AccountID:     cfg.Chatwoot.AccountID,
			Timeout:       config.Duration(cfg.Chatwoot.Timeout, 0),
			RatePerSecond: cfg.Chatwoot.RatePerSecond,
		}), chatwoot.MirrorConfig{
			InboxID:     cfg.Chatwoot.InboxID,
			ContactTTL:  config.Duration(cfg.Chatwoot.ContactTTL, 0),
			NegativeTTL: config.Duration(cfg.Chatwoot.NegativeTTL, 0),
			MaxEntries:  cfg.Chatwoot.CacheMaxEntries,
		})
		defer cwMirror.Close()
		mirror = cwMirror
		slog.Info("team-inbox mirroring enabled", "inbox_id", cfg.Chatwoot.InboxID)
	} else {
		slog.Warn("chatwoot not configured, mirroring disabled")
	}

	var agentClient bus.Agent
	if cfg.Agent.URL != "" {
		agentClient = agent.NewHTTP(cfg.Agent.URL, config.Duration(cfg.Agent.Timeout, 0))
		slog.Info("agent endpoint configured", "url", cfg.Agent.URL)
	} else {
		slog.Warn("no agent configured, running mirror-only")
	}

	outbound := bridge.NewOutbound(bridge.OutboundConfig{
		Ledger: ledger,
		Sender: sender,
		Mirror: mirror,
		BG:     bg,
		Retry: retry.Config{
			MaxAttempts: cfg.Bridge.RetryMaxAttempts,
			BaseDelay:   config.Duration(cfg.Bridge.RetryBaseDelay, 0),
			MaxDelay:    config.Duration(cfg.Bridge.RetryMaxDelay, 0),
		},
	})

	inbound := bridge.NewInbound(bridge.InboundConfig{
		Agent:           agentClient,
		Handoffs:        handoffs,
		Dedup:           dedup,
		Limits:          limits,
		Outbound:        outbound,
		Mirror:          mirror,
		HandoffDuration: config.Duration(cfg.Bridge.HandoffDuration, 0),
	})

	// Campaign scheduler (optional)
	if cfg.Campaigns.Enabled {
		registry, err := templates.Open(cfg.DataPath("templates.json"))
		if err != nil {
			slog.Error("failed to load template catalog", "error", err)
			os.Exit(1)
		}
		if err := registry.Watch(ctx); err != nil {
			slog.Warn("template watcher unavailable", "error", err)
		}

		store, err := campaign.OpenStore(cfg.DataPath("campaigns.db"))
		if err != nil {
			slog.Error("failed to open campaign store", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		sched := campaign.NewScheduler(store, registry, outbound, campaign.SchedulerConfig{
			CheckInterval: config.Duration(cfg.Campaigns.CheckInterval, 0),
			Parallelism:   cfg.Campaigns.Parallelism,
		})
		sched.Start(ctx)
		defer sched.Stop()
		slog.Info("campaign scheduler started", "templates", registry.Len())
	}

	server := webhook.NewServer(webhook.ServerConfig{
		Addr:         cfg.Server.Addr(),
		VerifyToken:  cfg.WhatsApp.VerifyToken,
		AppSecret:    []byte(cfg.WhatsApp.AppSecret),
		TeamToken:    cfg.Chatwoot.WebhookToken,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}, inbound, bg)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	// Tailscale listener: serve the same routes on a tsnet node.
	// Compiled via build tags, `go build -tags tsnet` to enable.
	tsCleanup := initTailscale(ctx, cfg, server.Routes())
	if tsCleanup != nil {
		defer tsCleanup()
	}

	slog.Info("zapbridge starting",
		"version", Version,
		"addr", cfg.Server.Addr(),
		"data_dir", dataDir,
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("webhook server error", "error", err)
	}

	// Let in-flight webhook processing and mirror copies finish.
	bg.Wait()
}
