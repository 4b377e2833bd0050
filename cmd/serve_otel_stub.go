//go:build !otel

package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/zapbridge/internal/config"
)

// initOTelExporter is a no-op in builds without the otel tag; spans come
// from the default global provider and go nowhere.
func initOTelExporter(ctx context.Context, cfg *config.Config) func() {
	if cfg.Telemetry.Enabled {
		slog.Warn("telemetry enabled in config but binary built without -tags otel")
	}
	return nil
}
