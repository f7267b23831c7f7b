package archicad

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Boti-Ormandi/archicad-mcp/internal/observability"
)

// Default discovery constants. Archicad opens its JSON API on the first free
// port in this range, one port per running instance.
const (
	DefaultPortStart = 19723
	DefaultPortEnd   = 19744

	defaultProbeTimeout  = 1 * time.Second
	defaultEnrichTimeout = 2 * time.Second
	defaultScanTimeout   = 5 * time.Second
	defaultMaxInFlight   = 8
)

// ScannerConfig configures discovery. Zero values take the defaults above.
type ScannerConfig struct {
	Host          string // Default "127.0.0.1".
	PortStart     int
	PortEnd       int           // Inclusive.
	ProbeTimeout  time.Duration // Per-port reachability probe.
	EnrichTimeout time.Duration // Follow-up project metadata probe.
	ScanTimeout   time.Duration // Hard ceiling for the whole scan.
	MaxInFlight   int           // Concurrent probe bound.
}

func (c ScannerConfig) withDefaults() ScannerConfig {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.PortStart == 0 {
		c.PortStart = DefaultPortStart
	}
	if c.PortEnd == 0 {
		c.PortEnd = DefaultPortEnd
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.EnrichTimeout == 0 {
		c.EnrichTimeout = defaultEnrichTimeout
	}
	if c.ScanTimeout == 0 {
		c.ScanTimeout = defaultScanTimeout
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	return c
}

// Scanner probes the configured port range in parallel and publishes the
// result to a Registry. One failed or hanging port never fails a scan as a
// whole: the per-probe timeouts bound each port and the scan ceiling bounds
// everything, so a scan always terminates in bounded time.
type Scanner struct {
	config     ScannerConfig
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *observability.MetricsCollector // Optional, nil-safe.

	mu sync.Mutex // Serializes scans; discovery is one logical operation at a time.
}

// NewScanner creates a Scanner probing through the given dispatcher.
func NewScanner(cfg ScannerConfig, dispatcher *Dispatcher, logger *slog.Logger, metrics *observability.MetricsCollector) *Scanner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scanner{
		config:     cfg.withDefaults(),
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    metrics,
	}
}

// Scan probes every port in the range and returns the reachable instances
// in ascending port order. Unreachable, slow, and malformed ports simply
// yield no entry.
func (s *Scanner) Scan(ctx context.Context) []Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.config.ScanTimeout)
	defer cancel()

	var (
		resultMu  sync.Mutex
		instances []Instance
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxInFlight)
	for port := s.config.PortStart; port <= s.config.PortEnd; port++ {
		g.Go(func() error {
			inst, ok := s.probe(ctx, port)
			if ok {
				resultMu.Lock()
				instances = append(instances, inst)
				resultMu.Unlock()
			}
			return nil // A bad port is not a scan failure.
		})
	}
	_ = g.Wait()

	sort.Slice(instances, func(i, j int) bool { return instances[i].Port < instances[j].Port })

	s.metrics.RecordDiscoveryScan(len(instances), time.Since(start))
	s.logger.InfoContext(ctx, "discovery scan completed",
		slog.Int("port_start", s.config.PortStart),
		slog.Int("port_end", s.config.PortEnd),
		slog.Int("found", len(instances)),
		slog.Duration("duration", time.Since(start)),
	)
	return instances
}

// Refresh scans and atomically replaces the registry contents with the
// result. Readers observe either the previous snapshot or the new one.
func (s *Scanner) Refresh(ctx context.Context, registry *Registry) []Instance {
	instances := s.Scan(ctx)
	registry.Replace(instances)
	return instances
}

// probe checks a single port. Success requires a valid API.GetProductInfo
// answer; project metadata is then enriched through Tapir, whose failure
// only degrades the metadata, never the probe.
func (s *Scanner) probe(ctx context.Context, port int) (Instance, bool) {
	inst := Instance{Host: s.config.Host, Port: port}

	probeCtx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	defer cancel()

	product, err := s.dispatcher.Call(probeCtx, inst, DialectBuiltin, "API.GetProductInfo", nil)
	if err != nil {
		return Instance{}, false
	}

	inst.Version = numberToString(product["version"])
	inst.ProjectName = "Unknown"
	inst.LastSeen = time.Now()

	enrichCtx, cancel := context.WithTimeout(ctx, s.config.EnrichTimeout)
	defer cancel()

	project, err := s.dispatcher.Call(enrichCtx, inst, DialectTapir, "GetProjectInfo", nil)
	if err != nil {
		return inst, true // Reachable, Tapir missing or no project open.
	}

	inst.TapirAvailable = true
	if name, ok := project["projectName"].(string); ok && name != "" {
		inst.ProjectName = name
	} else {
		inst.ProjectName = "Untitled"
	}
	if path, ok := project["projectPath"].(string); ok {
		inst.ProjectPath = path
	}
	if tw, ok := project["isTeamwork"].(bool); ok {
		inst.IsTeamwork = tw
	}
	return inst, true
}

// numberToString renders a version field that may arrive as a JSON number
// or a string.
func numberToString(v any) string {
	switch n := v.(type) {
	case string:
		if n != "" {
			return n
		}
	case json.Number:
		return n.String()
	}
	return "Unknown"
}
