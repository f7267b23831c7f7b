package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/Boti-Ormandi/archicad-mcp/internal/config"
	"github.com/Boti-Ormandi/archicad-mcp/internal/observability"
	"github.com/Boti-Ormandi/archicad-mcp/internal/server"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server over stdio",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to config file (YAML or JSON)")
	rootCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to config file (YAML or JSON)")
}

func runServe(_ *cobra.Command, _ []string) error {
	c, err := initComponents(serveConfigPath)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	// Background rescan keeps the registry fresh between tool calls.
	if every := c.Config.RescanEvery(); every > 0 {
		scheduler := cron.New()
		_, err := scheduler.AddFunc("@every "+every.String(), func() {
			ctx, cancel := context.WithTimeout(context.Background(), every)
			defer cancel()
			c.Manager.Refresh(ctx)
		})
		if err != nil {
			return err
		}
		scheduler.Start()
		c.addCleanup(func() { scheduler.Stop() })
		c.Logger.Debug("background rescan scheduled", slog.Duration("every", every))
	}

	// Operational endpoints get their own listener; stdio stays protocol-only.
	// Health endpoints are served whenever observability is configured at all,
	// even when metrics are off and c.Metrics is nil.
	if obsCfg, ok := sidecarConfig(c.Config.Observability); ok {
		obsServer := observability.NewServer(obsCfg, c.Metrics, c.Health, c.Logger)
		go func() {
			if err := obsServer.Start(context.Background()); err != nil {
				c.Logger.Error("observability server failed", slog.String("error", err.Error()))
			}
		}()
		c.addCleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obsServer.Stop(ctx)
		})
	}

	s := server.New("archicad-mcp", version, c.Manager, c.Executor, c.Policy, c.Docs, c.Logger)
	return s.Serve()
}

// sidecarConfig derives the observability listener settings. Any observability
// configuration at all turns the sidecar on, so /healthz and /readyz remain
// available for tracing-only setups where metrics stay disabled.
func sidecarConfig(obs *config.ObservabilityConfig) (observability.ServerConfig, bool) {
	if obs == nil {
		return observability.ServerConfig{}, false
	}
	cfg := observability.ServerConfig{ListenAddr: "127.0.0.1:9464"}
	if obs.Metrics != nil {
		if obs.Metrics.ListenAddr != "" {
			cfg.ListenAddr = obs.Metrics.ListenAddr
		}
		cfg.MetricsPath = obs.Metrics.Path
	}
	return cfg, true
}
