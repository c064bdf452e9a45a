package supervisor

import (
	"maps"
	"sort"
	"sync"
)

// Registry names the supervisors of running subsystems for /healthz and
// /health. A plain map would race with hot reload.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]*Supervisor{}}
}

// Set registers (or replaces) sup under name. A nil sup deletes.
func (r *Registry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

func (r *Registry) Delete(name string) { r.Set(name, nil) }

// Snapshots returns each registered supervisor's state keyed by name.
func (r *Registry) Snapshots() map[string]Snapshot {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	cp := maps.Clone(r.m)
	r.mu.RUnlock()

	out := make(map[string]Snapshot, len(cp))
	for k, s := range cp {
		out[k] = s.Snapshot()
	}
	return out
}

// Names lists registered names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
