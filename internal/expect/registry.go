package expect

import (
	"log/slog"
	"sync"
)

// Killable is anything the registry can sweep.
type Killable interface {
	Name() string
	Kill(sig Signal) error
}

// Registry tracks live children so they can be swept on interrupt.
// Partitions give each worker its own sweep scope; the root's Shutdown
// sweeps every partition.
type Registry struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[Killable]struct{}
	children []*Registry
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(name string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		name:    name,
		logger:  logger,
		entries: make(map[Killable]struct{}),
	}
}

// Partition returns a child registry. Sweeping it leaves siblings alone.
func (r *Registry) Partition(name string) *Registry {
	child := NewRegistry(r.name+"/"+name, r.logger)
	r.mu.Lock()
	r.children = append(r.children, child)
	r.mu.Unlock()
	return child
}

// Register adds k. After Shutdown, k is killed immediately instead.
func (r *Registry) Register(k Killable) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("registry_closed_kill", "registry", r.name, "process", k.Name())
		k.Kill(SignalKill)
		return
	}
	r.entries[k] = struct{}{}
	r.mu.Unlock()
}

// Unregister removes k. Unknown entries are ignored.
func (r *Registry) Unregister(k Killable) {
	r.mu.Lock()
	delete(r.entries, k)
	r.mu.Unlock()
}

// Len returns the number of live entries in this partition only.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Names returns the names of the live entries in this partition.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for k := range r.entries {
		names = append(names, k.Name())
	}
	return names
}

// Sweep force-kills every entry of this partition and returns how many it hit.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	victims := make([]Killable, 0, len(r.entries))
	for k := range r.entries {
		victims = append(victims, k)
	}
	r.mu.Unlock()

	for _, k := range victims {
		if err := k.Kill(SignalKill); err != nil {
			r.logger.Debug("sweep_kill_failed", "registry", r.name, "process", k.Name(), "error", err)
			continue
		}
		r.logger.Warn("sweep_killed", "registry", r.name, "process", k.Name())
	}
	return len(victims)
}

// Shutdown sweeps this registry and all partitions and refuses new entries.
func (r *Registry) Shutdown() int {
	r.mu.Lock()
	r.closed = true
	children := append([]*Registry(nil), r.children...)
	r.mu.Unlock()

	n := r.Sweep()
	for _, c := range children {
		n += c.Shutdown()
	}
	return n
}
