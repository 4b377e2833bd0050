//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/zapbridge/internal/config"
)

// initTailscale serves the webhook routes on a tsnet node, so providers
// can reach the bridge without a public bind. With funnel enabled the
// node takes public HTTPS traffic on :443; otherwise it listens on :80
// inside the tailnet only. Returns a cleanup, or nil when not configured.
func initTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	tsCfg := cfg.Tailscale
	if tsCfg.Hostname == "" {
		return nil
	}

	stateDir := tsCfg.StateDir
	if stateDir == "" {
		confDir, err := os.UserConfigDir()
		if err != nil {
			slog.Error("tailscale state dir unavailable", "error", err)
			return nil
		}
		stateDir = filepath.Join(confDir, "tsnet-zapbridge")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		slog.Error("tailscale state dir", "dir", stateDir, "error", err)
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   tsCfg.AuthKey,
	}

	slog.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "funnel", tsCfg.Funnel)
	status, err := srv.Up(ctx)
	if err != nil {
		srv.Close()
		slog.Error("tailscale start failed", "error", err)
		return nil
	}
	if status.Self != nil {
		slog.Info("tailscale node ready", "dns_name", status.Self.DNSName)
	}

	var ln net.Listener
	if tsCfg.Funnel {
		ln, err = srv.ListenFunnel("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		srv.Close()
		slog.Error("tailscale listen failed", "error", err)
		return nil
	}
	go http.Serve(ln, handler)

	return func() {
		ln.Close()
		srv.Close()
	}
}
