// Package config handles loading and validating the server configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // "debug", "info" (default), "warn", "error".
	Discovery     DiscoveryConfig      `json:"discovery" yaml:"discovery"`
	Script        ScriptConfig         `json:"script" yaml:"script"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Schema        *SchemaConfig        `json:"schema,omitempty" yaml:"schema,omitempty"`               // nil = no command schema cache.
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled.
}

// DiscoveryConfig controls the instance port scan.
type DiscoveryConfig struct {
	Host           string `json:"host,omitempty" yaml:"host,omitempty"`             // Default: "127.0.0.1".
	PortStart      int    `json:"port_start,omitempty" yaml:"port_start,omitempty"` // Default: 19723.
	PortEnd        int    `json:"port_end,omitempty" yaml:"port_end,omitempty"`     // Default: 19744 (inclusive).
	ProbeTimeoutMS int    `json:"probe_timeout_ms" yaml:"probe_timeout_ms"`         // Default: 1000.
	ScanTimeoutMS  int    `json:"scan_timeout_ms" yaml:"scan_timeout_ms"`           // Default: 5000.
	MaxInFlight    int    `json:"max_in_flight" yaml:"max_in_flight"`               // Concurrent probes. Default: 8.
	RescanInterval string `json:"rescan_interval,omitempty" yaml:"rescan_interval,omitempty"` // e.g. "30s". Empty = no background rescan.
}

// ScriptConfig controls script execution limits.
type ScriptConfig struct {
	DefaultTimeoutS int `json:"default_timeout_s" yaml:"default_timeout_s"` // Default: 60.
	MaxTimeoutS     int `json:"max_timeout_s" yaml:"max_timeout_s"`         // Hard per-invocation ceiling. Default: 300.
	MaxOutputBytes  int `json:"max_output_bytes" yaml:"max_output_bytes"`   // Captured stdout cap. Default: 1 MB.
	MaxResultItems  int `json:"max_result_items" yaml:"max_result_items"`   // List truncation threshold. Default: 500.
	SampleSize      int `json:"sample_size" yaml:"sample_size"`             // Items kept when truncating. Default: 50.
}

// SecurityConfig controls the filesystem path policy for scripts.
type SecurityConfig struct {
	Mode                 string   `json:"mode" yaml:"mode"` // "unrestricted" (default) or "sandboxed".
	BlockedPatterns      []string `json:"blocked_patterns,omitempty" yaml:"blocked_patterns,omitempty"`             // Merged on top of platform defaults.
	AllowedWritePatterns []string `json:"allowed_write_patterns,omitempty" yaml:"allowed_write_patterns,omitempty"` // Replaces defaults when set.
}

// SchemaConfig points at the command schema cache produced by the external
// documentation pipeline. Read-only input; absence never blocks dispatch.
type SchemaConfig struct {
	CachePath string `json:"cache_path" yaml:"cache_path"`
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition over HTTP.
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // Default: "127.0.0.1:9464".
	Path       string `json:"path" yaml:"path"`               // Default: "/metrics".
}

// TracingConfig configures OpenTelemetry trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "archicad-mcp".
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // Default: 1.0.
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from path (YAML or JSON), then applies
// environment overrides and defaults. An empty path yields defaults plus
// environment overrides only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides — env vars take precedence
// over config file values.
func (c *Config) applyEnv() {
	if mode := os.Getenv("ARCHICAD_MCP_SECURITY"); mode != "" {
		c.Security.Mode = strings.ToLower(mode)
	}
	// Extra blocked patterns are merged; allowed write patterns replace.
	if blocked := os.Getenv("ARCHICAD_MCP_BLOCKED_PATHS"); blocked != "" {
		c.Security.BlockedPatterns = append(c.Security.BlockedPatterns, splitList(blocked)...)
	}
	if allowed := os.Getenv("ARCHICAD_MCP_ALLOWED_WRITE_PATHS"); allowed != "" {
		c.Security.AllowedWritePatterns = splitList(allowed)
	}
	if schema := os.Getenv("ARCHICAD_MCP_SCHEMA_CACHE"); schema != "" {
		if c.Schema == nil {
			c.Schema = &SchemaConfig{}
		}
		c.Schema.CachePath = schema
	}
	if level := os.Getenv("ARCHICAD_MCP_LOG_LEVEL"); level != "" {
		c.LogLevel = strings.ToLower(level)
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Discovery.Host == "" {
		c.Discovery.Host = "127.0.0.1"
	}
	if c.Discovery.PortStart == 0 {
		c.Discovery.PortStart = 19723
	}
	if c.Discovery.PortEnd == 0 {
		c.Discovery.PortEnd = 19744
	}
	if c.Discovery.ProbeTimeoutMS == 0 {
		c.Discovery.ProbeTimeoutMS = 1000
	}
	if c.Discovery.ScanTimeoutMS == 0 {
		c.Discovery.ScanTimeoutMS = 5000
	}
	if c.Discovery.MaxInFlight == 0 {
		c.Discovery.MaxInFlight = 8
	}
	if c.Script.DefaultTimeoutS == 0 {
		c.Script.DefaultTimeoutS = 60
	}
	if c.Script.MaxTimeoutS == 0 {
		c.Script.MaxTimeoutS = 300
	}
	if c.Script.MaxOutputBytes == 0 {
		c.Script.MaxOutputBytes = 1 << 20
	}
	if c.Script.MaxResultItems == 0 {
		c.Script.MaxResultItems = 500
	}
	if c.Script.SampleSize == 0 {
		c.Script.SampleSize = 50
	}
	if c.Security.Mode == "" {
		c.Security.Mode = "unrestricted"
	}
}

// Validate checks cross-field consistency after defaults are applied.
func (c *Config) Validate() error {
	if c.Security.Mode != "unrestricted" && c.Security.Mode != "sandboxed" {
		return fmt.Errorf("security.mode must be %q or %q, got %q", "unrestricted", "sandboxed", c.Security.Mode)
	}
	if c.Discovery.PortStart > c.Discovery.PortEnd {
		return fmt.Errorf("discovery.port_start (%d) must not exceed discovery.port_end (%d)",
			c.Discovery.PortStart, c.Discovery.PortEnd)
	}
	if c.Script.DefaultTimeoutS > c.Script.MaxTimeoutS {
		return fmt.Errorf("script.default_timeout_s (%d) must not exceed script.max_timeout_s (%d)",
			c.Script.DefaultTimeoutS, c.Script.MaxTimeoutS)
	}
	if c.Discovery.RescanInterval != "" {
		if _, err := time.ParseDuration(c.Discovery.RescanInterval); err != nil {
			return fmt.Errorf("discovery.rescan_interval: %w", err)
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	return nil
}

// RescanEvery returns the parsed background rescan interval, or zero when
// background rescanning is disabled.
func (c *Config) RescanEvery() time.Duration {
	if c.Discovery.RescanInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Discovery.RescanInterval)
	if err != nil {
		return 0
	}
	return d
}

// splitList splits a semicolon-separated pattern list, trimming blanks.
func splitList(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolvePath expands a leading ~ in the config path.
func resolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
