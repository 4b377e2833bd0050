package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/zapbridge/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

func runOnboard() {
	fmt.Println("zapbridge setup")
	fmt.Println()

	cfg := config.Default()
	cfg.ApplyEnvOverrides()

	var (
		phoneNumberID = cfg.WhatsApp.PhoneNumberID
		waToken       = cfg.WhatsApp.Token
		appSecret     = cfg.WhatsApp.AppSecret
		verifyToken   = cfg.WhatsApp.VerifyToken
		useChatwoot   = cfg.Chatwoot.Enabled()
		cwURL         = cfg.Chatwoot.BaseURL
		cwToken       = cfg.Chatwoot.Token
		cwAccountID   = ""
		cwInboxID     = ""
		agentURL      = cfg.Agent.URL
		port          = strconv.Itoa(cfg.Server.Port)
	)
	if cfg.Chatwoot.AccountID > 0 {
		cwAccountID = strconv.Itoa(cfg.Chatwoot.AccountID)
	}
	if cfg.Chatwoot.InboxID > 0 {
		cwInboxID = strconv.Itoa(cfg.Chatwoot.InboxID)
	}
	if verifyToken == "" {
		verifyToken = generateToken(12)
	}

	requireInt := func(s string) error {
		if _, err := strconv.Atoi(s); err != nil {
			return fmt.Errorf("must be a number")
		}
		return nil
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("WhatsApp phone number ID").
				Description("From the Cloud API app dashboard.").
				Value(&phoneNumberID),
			huh.NewInput().
				Title("WhatsApp access token").
				EchoMode(huh.EchoModePassword).
				Value(&waToken),
			huh.NewInput().
				Title("Webhook app secret").
				Description("Used to verify payload signatures.").
				EchoMode(huh.EchoModePassword).
				Value(&appSecret),
			huh.NewInput().
				Title("Webhook verify token").
				Description("Paste this into the provider's webhook settings.").
				Value(&verifyToken),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Mirror conversations into a Chatwoot inbox?").
				Value(&useChatwoot),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Chatwoot base URL").
				Placeholder("https://chatwoot.example.com").
				Value(&cwURL),
			huh.NewInput().
				Title("Chatwoot API access token").
				EchoMode(huh.EchoModePassword).
				Value(&cwToken),
			huh.NewInput().
				Title("Chatwoot account ID").
				Validate(requireInt).
				Value(&cwAccountID),
			huh.NewInput().
				Title("Chatwoot inbox ID").
				Validate(requireInt).
				Value(&cwInboxID),
		).WithHideFunc(func() bool { return !useChatwoot }),
		huh.NewGroup(
			huh.NewInput().
				Title("Agent endpoint URL").
				Description("Leave empty for mirror-only mode.").
				Placeholder("http://localhost:8700/reply").
				Value(&agentURL),
			huh.NewInput().
				Title("Webhook listen port").
				Validate(requireInt).
				Value(&port),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Printf("Setup aborted: %s\n", err)
		os.Exit(1)
	}

	cfg.WhatsApp.PhoneNumberID = phoneNumberID
	cfg.Server.Port, _ = strconv.Atoi(port)
	cfg.Agent.URL = agentURL
	if useChatwoot {
		cfg.Chatwoot.BaseURL = cwURL
		cfg.Chatwoot.AccountID, _ = strconv.Atoi(cwAccountID)
		cfg.Chatwoot.InboxID, _ = strconv.Atoi(cwInboxID)
	} else {
		cfg.Chatwoot = config.ChatwootConfig{}
	}

	// Secrets go to .env.local; config.json stays clean.
	cfg.StripSecrets()

	cfgPath := resolveConfigPath()
	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("Could not save config: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config saved to %s\n", cfgPath)

	envPath := filepath.Join(filepath.Dir(cfgPath), ".env.local")
	if err := writeEnvFile(envPath, map[string]string{
		"ZAPBRIDGE_WHATSAPP_TOKEN":        waToken,
		"ZAPBRIDGE_WHATSAPP_APP_SECRET":   appSecret,
		"ZAPBRIDGE_WHATSAPP_VERIFY_TOKEN": verifyToken,
		"ZAPBRIDGE_CHATWOOT_TOKEN":        cwToken,
	}); err != nil {
		fmt.Printf("Could not write %s: %s\n", envPath, err)
		os.Exit(1)
	}
	fmt.Printf("Secrets saved to %s\n", envPath)
	fmt.Println()
	fmt.Println("Start the bridge with:")
	fmt.Println()
	fmt.Printf("  source %s && zapbridge\n", envPath)
}

// writeEnvFile writes export lines for non-empty values, 0600.
func writeEnvFile(path string, vars map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	var out []byte
	for _, key := range []string{
		"ZAPBRIDGE_WHATSAPP_TOKEN",
		"ZAPBRIDGE_WHATSAPP_APP_SECRET",
		"ZAPBRIDGE_WHATSAPP_VERIFY_TOKEN",
		"ZAPBRIDGE_CHATWOOT_TOKEN",
	} {
		if v := vars[key]; v != "" {
			out = append(out, []byte(fmt.Sprintf("export %s=%q\n", key, v))...)
		}
	}
	return os.WriteFile(path, out, 0600)
}

func generateToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
