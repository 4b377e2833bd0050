//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/zapbridge/internal/config"
)

// initTailscale is a no-op in builds without the tsnet tag.
func initTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale configured but binary built without -tags tsnet")
	}
	return nil
}
