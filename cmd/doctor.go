package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/zapbridge/internal/chatwoot"
	"github.com/nextlevelbuilder/zapbridge/internal/config"
	"github.com/nextlevelbuilder/zapbridge/internal/handoff"
	"github.com/nextlevelbuilder/zapbridge/internal/idempotency"
	"github.com/nextlevelbuilder/zapbridge/internal/templates"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("zapbridge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	}

	// Credentials
	fmt.Println()
	fmt.Println("  WhatsApp:")
	checkSecret("Token", cfg.WhatsApp.Token)
	checkValue("Phone ID", cfg.WhatsApp.PhoneNumberID)
	checkSecret("Verify token", cfg.WhatsApp.VerifyToken)
	checkSecret("App secret", cfg.WhatsApp.AppSecret)

	fmt.Println()
	fmt.Println("  Chatwoot:")
	if !cfg.Chatwoot.Enabled() {
		fmt.Println("    (not configured — mirroring disabled)")
	} else {
		checkValue("Base URL", cfg.Chatwoot.BaseURL)
		checkSecret("Token", cfg.Chatwoot.Token)
		checkValue("Account", fmt.Sprintf("%d", cfg.Chatwoot.AccountID))
		checkValue("Inbox", fmt.Sprintf("%d", cfg.Chatwoot.InboxID))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client := chatwoot.New(chatwoot.Config{
			BaseURL:   cfg.Chatwoot.BaseURL,
			Token:     cfg.Chatwoot.Token,
			AccountID: cfg.Chatwoot.AccountID,
		})
		if err := client.Ping(ctx); err != nil {
			fmt.Printf("    %-14s UNREACHABLE (%s)\n", "API:", err)
		} else {
			fmt.Printf("    %-14s OK\n", "API:")
		}
	}

	fmt.Println()
	fmt.Println("  Agent:")
	if cfg.Agent.URL == "" {
		fmt.Println("    (not configured — mirror-only mode)")
	} else {
		checkValue("URL", cfg.Agent.URL)
	}

	// Data stores
	fmt.Println()
	fmt.Println("  Data:")
	dataDir := cfg.DataPath("")
	fmt.Printf("    %-14s %s", "Directory:", dataDir)
	if _, err := os.Stat(dataDir); err != nil {
		fmt.Println(" (NOT FOUND — created on first run)")
	} else {
		fmt.Println(" (OK)")
	}

	if ledger, err := idempotency.Open(cfg.DataPath("idempotency.json"),
		config.Duration(cfg.Bridge.IdempotencyTTL, idempotency.DefaultTTL)); err != nil {
		fmt.Printf("    %-14s OPEN FAILED (%s)\n", "Ledger:", err)
	} else {
		fmt.Printf("    %-14s %d live entries\n", "Ledger:", ledger.Len())
		ledger.Close()
	}

	if store, err := handoff.Open(cfg.DataPath("handoff.json")); err != nil {
		fmt.Printf("    %-14s OPEN FAILED (%s)\n", "Handoffs:", err)
	} else {
		fmt.Printf("    %-14s %d active\n", "Handoffs:", len(store.List()))
	}

	if registry, err := templates.Open(cfg.DataPath("templates.json")); err != nil {
		fmt.Printf("    %-14s LOAD FAILED (%s)\n", "Templates:", err)
	} else {
		fmt.Printf("    %-14s %d in catalog\n", "Templates:", registry.Len())
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-14s (not configured)\n", name+":")
		return
	}
	masked := strings.Repeat("*", len(value))
	if len(value) > 8 {
		masked = value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
	}
	fmt.Printf("    %-14s %s\n", name+":", masked)
}

func checkValue(name, value string) {
	if value == "" || value == "0" {
		fmt.Printf("    %-14s (not configured)\n", name+":")
		return
	}
	fmt.Printf("    %-14s %s\n", name+":", value)
}
