package archicad

import (
	"sort"
	"sync/atomic"
	"time"
)

// snapshot is one immutable generation of registry contents.
type snapshot struct {
	byPort    map[int]Instance
	ordered   []Instance // Ascending port order.
	scannedAt time.Time
	scanned   bool
}

var emptySnapshot = &snapshot{byPort: map[int]Instance{}}

// Registry is the in-memory table of currently known instances.
//
// Reads never block on network activity and never take a lock: they load the
// last published snapshot, which may be stale. Replace is the only mutator
// and swaps the entire snapshot atomically, so a concurrent reader sees
// either the old generation or the new one, never a mix.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry. Empty is a valid state — it means
// no instances have been discovered yet, not that discovery failed.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(emptySnapshot)
	return r
}

// Replace publishes a new snapshot built from instances. Called by the
// scanner after each scan; concurrent scans serialize upstream.
func (r *Registry) Replace(instances []Instance) {
	byPort := make(map[int]Instance, len(instances))
	ordered := make([]Instance, 0, len(instances))
	for _, inst := range instances {
		if _, dup := byPort[inst.Port]; dup {
			continue // At most one entry per address.
		}
		byPort[inst.Port] = inst
		ordered = append(ordered, inst)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Port < ordered[j].Port })

	r.current.Store(&snapshot{
		byPort:    byPort,
		ordered:   ordered,
		scannedAt: time.Now(),
		scanned:   true,
	})
}

// Lookup returns the instance at port from the current snapshot.
func (r *Registry) Lookup(port int) (Instance, bool) {
	inst, ok := r.current.Load().byPort[port]
	return inst, ok
}

// All returns every known instance in ascending port order.
func (r *Registry) All() []Instance {
	snap := r.current.Load()
	out := make([]Instance, len(snap.ordered))
	copy(out, snap.ordered)
	return out
}

// Len returns the number of known instances.
func (r *Registry) Len() int {
	return len(r.current.Load().ordered)
}

// Scanned reports whether a discovery scan has ever completed, and when the
// last one did. Distinguishes "never scanned" from "scan found nothing".
func (r *Registry) Scanned() (bool, time.Time) {
	snap := r.current.Load()
	return snap.scanned, snap.scannedAt
}

// Ports lists the known ports in ascending order, for error details.
func (r *Registry) Ports() []int {
	snap := r.current.Load()
	ports := make([]int, 0, len(snap.ordered))
	for _, inst := range snap.ordered {
		ports = append(ports, inst.Port)
	}
	return ports
}
