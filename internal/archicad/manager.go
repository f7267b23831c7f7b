package archicad

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// AnyPort requests resolution to the first reachable instance instead of a
// specific port.
const AnyPort = 0

// Manager ties the registry, scanner, and dispatcher together and owns
// target resolution for script invocations.
type Manager struct {
	registry   *Registry
	scanner    *Scanner
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewManager creates a Manager over the given components.
func NewManager(registry *Registry, scanner *Scanner, dispatcher *Dispatcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{registry: registry, scanner: scanner, dispatcher: dispatcher, logger: logger}
}

// Registry returns the instance registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Dispatcher returns the command dispatcher.
func (m *Manager) Dispatcher() *Dispatcher { return m.dispatcher }

// Refresh rescans the port range and replaces the registry snapshot.
func (m *Manager) Refresh(ctx context.Context) []Instance {
	return m.scanner.Refresh(ctx, m.registry)
}

// Instances returns the current registry snapshot without scanning.
func (m *Manager) Instances() []Instance { return m.registry.All() }

// Scanned reports whether at least one discovery scan has completed.
func (m *Manager) Scanned() bool {
	scanned, _ := m.registry.Scanned()
	return scanned
}

// Resolve maps a target hint to a concrete instance. port = AnyPort picks
// the first reachable instance by ascending port. When the registry is empty
// exactly one discovery scan is triggered — never a rescan loop.
func (m *Manager) Resolve(ctx context.Context, port int) (Instance, error) {
	scanned, _ := m.registry.Scanned()
	if !scanned || m.registry.Len() == 0 {
		m.logger.DebugContext(ctx, "registry empty, scanning once before resolve")
		m.scanner.Refresh(ctx, m.registry)
	}

	if port == AnyPort {
		all := m.registry.All()
		if len(all) == 0 {
			return Instance{}, NewError(KindUnreachable,
				"no running Archicad instance found",
				"Start Archicad with the JSON API enabled, then call list_instances")
		}
		return all[0], nil
	}

	inst, ok := m.registry.Lookup(port)
	if !ok {
		return Instance{}, NewError(KindUnreachable,
			fmt.Sprintf("no Archicad instance on port %d", port),
			"Use list_instances to find available ports").
			WithDetail("port", port).
			WithDetail("active_ports", m.registry.Ports())
	}
	return inst, nil
}
