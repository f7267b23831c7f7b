package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/Boti-Ormandi/archicad-mcp/internal/archicad"
	"github.com/Boti-Ormandi/archicad-mcp/internal/config"
	"github.com/Boti-Ormandi/archicad-mcp/internal/observability"
	"github.com/Boti-Ormandi/archicad-mcp/internal/schema"
	"github.com/Boti-Ormandi/archicad-mcp/internal/script"
	"github.com/Boti-Ormandi/archicad-mcp/internal/security"
)

// Components holds the initialized subsystems shared by serve and scan
// modes. Built once by initComponents, torn down by Cleanup.
type Components struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *observability.MetricsCollector // nil = metrics disabled.
	Tracer   *observability.TracerSetup      // nil = tracing disabled.
	Health   *observability.HealthChecker
	Policy   *security.Policy
	Docs     *schema.Store // nil = no schema cache configured.
	Manager  *archicad.Manager
	Executor *script.Executor

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// initComponents loads configuration and wires every subsystem. Callers must
// call Cleanup when done.
func initComponents(configPath string) (*Components, error) {
	cfg, err := config.Load(goutils.Env("ARCHICAD_MCP_CONFIG", configPath))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	c := &Components{Config: cfg, Logger: logger}

	// Metrics.
	if cfg.Observability != nil && cfg.Observability.Metrics != nil && cfg.Observability.Metrics.Enabled {
		c.Metrics = observability.NewMetricsCollector()
		logger.Debug("metrics collector initialized")
	}

	// Tracing.
	if cfg.Observability != nil {
		tracer, err := observability.NewTracerSetup(cfg.Observability.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		c.Tracer = tracer
		c.addCleanup(func() {
			if tracer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tracer.Shutdown(shutdownCtx)
			}
		})
	}

	c.Health = observability.NewHealthChecker(logger)

	// Path policy.
	c.Policy = security.NewPolicy(
		security.Mode(cfg.Security.Mode),
		cfg.Security.BlockedPatterns,
		cfg.Security.AllowedWritePatterns,
	)
	logger.Debug("path policy initialized", slog.String("mode", cfg.Security.Mode))

	// Command schema cache (optional).
	if cfg.Schema != nil && cfg.Schema.CachePath != "" {
		docs, err := schema.Load(cfg.Schema.CachePath)
		if err != nil {
			logger.Warn("schema cache unavailable, dialect validation and get_docs degraded",
				slog.String("path", cfg.Schema.CachePath),
				slog.String("error", err.Error()),
			)
		} else {
			c.Docs = docs
			logger.Debug("schema cache loaded", slog.Int("commands", docs.Len()))
		}
	}

	// Dispatch and discovery. The schema store doubles as the dialect
	// resolver; a nil store degrades validation gracefully.
	var resolver archicad.DialectResolver
	if c.Docs != nil {
		resolver = c.Docs
	}
	dispatcher := archicad.NewDispatcher(nil, resolver, logger, c.Metrics)
	scanner := archicad.NewScanner(archicad.ScannerConfig{
		Host:         cfg.Discovery.Host,
		PortStart:    cfg.Discovery.PortStart,
		PortEnd:      cfg.Discovery.PortEnd,
		ProbeTimeout: time.Duration(cfg.Discovery.ProbeTimeoutMS) * time.Millisecond,
		ScanTimeout:  time.Duration(cfg.Discovery.ScanTimeoutMS) * time.Millisecond,
		MaxInFlight:  cfg.Discovery.MaxInFlight,
	}, dispatcher, logger, c.Metrics)
	registry := archicad.NewRegistry()
	c.Manager = archicad.NewManager(registry, scanner, dispatcher, logger)

	c.Health.AddCheck("discovery", func(ctx context.Context) error {
		if !c.Manager.Scanned() {
			return fmt.Errorf("no discovery scan completed yet")
		}
		return nil
	})

	// Script executor.
	c.Executor = script.NewExecutor(script.Config{
		DefaultTimeout: time.Duration(cfg.Script.DefaultTimeoutS) * time.Second,
		MaxTimeout:     time.Duration(cfg.Script.MaxTimeoutS) * time.Second,
		MaxOutputBytes: cfg.Script.MaxOutputBytes,
		MaxResultItems: cfg.Script.MaxResultItems,
		SampleSize:     cfg.Script.SampleSize,
	}, c.Policy, dispatcher, registry, logger, c.Metrics)

	if c.Tracer != nil {
		dispatcher.WithTracer(c.Tracer.Tracer())
		c.Executor.WithTracer(c.Tracer.Tracer())
	}

	return c, nil
}
