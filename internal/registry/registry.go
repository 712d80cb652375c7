// Package registry holds the live, atomically-swappable view of
// doorman's pool configuration: stored behind an atomically swappable
// pointer so RELOAD replaces the live view without blocking readers.
// Keyed by pool name and carries paused/draining flags per pool.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/doorman/doorman/internal/config"
)

// snapshot is an immutable point-in-time view of the pool registry.
type snapshot struct {
	listen   config.ListenConfig
	pools    map[string]config.PoolConfig
	paused   map[string]bool
	draining map[string]bool
}

// Registry resolves pool names to their configuration. Resolve, IsPaused
// and IsDraining are lock-free via atomic.Value; mutations serialize on
// wmu and swap in a new snapshot.
type Registry struct {
	snap atomic.Value // holds *snapshot
	wmu  sync.Mutex
}

// New builds a Registry populated from cfg.
func New(cfg *config.Config) *Registry {
	s := &snapshot{
		listen:   cfg.Listen,
		pools:    make(map[string]config.PoolConfig, len(cfg.Pools)),
		paused:   make(map[string]bool),
		draining: make(map[string]bool),
	}
	for name, p := range cfg.Pools {
		s.pools[name] = p
	}
	r := &Registry{}
	r.snap.Store(s)
	return r
}

func (r *Registry) load() *snapshot {
	return r.snap.Load().(*snapshot)
}

func (r *Registry) cloneSnap() *snapshot {
	cur := r.load()
	pools := make(map[string]config.PoolConfig, len(cur.pools))
	for k, v := range cur.pools {
		pools[k] = v
	}
	paused := make(map[string]bool, len(cur.paused))
	for k, v := range cur.paused {
		paused[k] = v
	}
	draining := make(map[string]bool, len(cur.draining))
	for k, v := range cur.draining {
		draining[k] = v
	}
	return &snapshot{listen: cur.listen, pools: pools, paused: paused, draining: draining}
}

// Resolve looks up the PoolConfig for name. Lock-free.
func (r *Registry) Resolve(name string) (config.PoolConfig, error) {
	snap := r.load()
	p, ok := snap.pools[name]
	if !ok {
		return config.PoolConfig{}, fmt.Errorf("no pool configured for %q", name)
	}
	return p, nil
}

// Listen returns the current listener configuration. Lock-free.
func (r *Registry) Listen() config.ListenConfig {
	return r.load().listen
}

// Names returns every configured pool name.
func (r *Registry) Names() []string {
	snap := r.load()
	names := make([]string, 0, len(snap.pools))
	for name := range snap.pools {
		names = append(names, name)
	}
	return names
}

// All returns a snapshot copy of every pool's configuration.
func (r *Registry) All() map[string]config.PoolConfig {
	snap := r.load()
	out := make(map[string]config.PoolConfig, len(snap.pools))
	for k, v := range snap.pools {
		out[k] = v
	}
	return out
}

// Pause marks a pool paused: new client logins to it fail with
// ErrPoolPaused. Sessions already logged in are not affected.
func (r *Registry) Pause(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := r.load()
	if _, ok := cur.pools[name]; !ok {
		return false
	}
	s := r.cloneSnap()
	s.paused[name] = true
	r.snap.Store(s)
	return true
}

// Resume clears a pool's paused flag.
func (r *Registry) Resume(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := r.load()
	if _, ok := cur.pools[name]; !ok {
		return false
	}
	s := r.cloneSnap()
	delete(s.paused, name)
	r.snap.Store(s)
	return true
}

// IsPaused reports whether name is paused. Lock-free.
func (r *Registry) IsPaused(name string) bool {
	return r.load().paused[name]
}

// SetDraining marks every pool draining (or clears it), used during
// graceful shutdown; the flag is reported by IsDraining. It does not by
// itself make get() fail: ErrShuttingDown comes from Pool.Drain.
func (r *Registry) SetDraining(draining bool) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	s := r.cloneSnap()
	for name := range s.pools {
		s.draining[name] = draining
	}
	r.snap.Store(s)
}

// IsDraining reports whether name is in graceful-shutdown drain mode.
func (r *Registry) IsDraining(name string) bool {
	return r.load().draining[name]
}

// Reload replaces the entire pool set from a freshly loaded config,
// preserving paused state for pools that still exist (draining state is
// never carried across a reload — a reload implies the process intends
// to keep serving).
func (r *Registry) Reload(cfg *config.Config) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	pools := make(map[string]config.PoolConfig, len(cfg.Pools))
	for name, p := range cfg.Pools {
		pools[name] = p
	}
	paused := make(map[string]bool)
	for name, v := range cur.paused {
		if _, exists := pools[name]; exists {
			paused[name] = v
		}
	}
	r.snap.Store(&snapshot{listen: cfg.Listen, pools: pools, paused: paused, draining: map[string]bool{}})
}
