package pool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/doorman/doorman/internal/config"
	"github.com/doorman/doorman/internal/prepared"
)

// Manager owns every named Pool, lazily creating them from registry
// configuration, plus the process-wide query-text interner every pool's
// prepared-statement cache shares.
type Manager struct {
	mu        sync.RWMutex
	pools     map[string]*Pool
	onExhaust ExhaustedFunc
	obs       Observer
	interner  *prepared.Interner
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		pools:    make(map[string]*Pool),
		interner: prepared.NewInterner(),
	}
}

// SetOnExhausted installs the pool-exhaustion callback applied to every
// pool created after this call.
func (m *Manager) SetOnExhausted(cb ExhaustedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExhaust = cb
}

// SetObserver installs the lifecycle observer applied to every pool
// created after this call.
func (m *Manager) SetObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = obs
}

// GetOrCreate returns the pool for name, creating and warming it up
// lazily on first use.
func (m *Manager) GetOrCreate(name string, cfg config.PoolConfig) *Pool {
	m.mu.RLock()
	if p, ok := m.pools[name]; ok {
		m.mu.RUnlock()
		return p
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[name]; ok {
		return p
	}

	p := New(name, cfg, m.interner)
	p.SetOnExhausted(m.onExhaust)
	if m.obs != nil {
		p.SetObserver(m.obs)
	}
	m.pools[name] = p
	slog.Info("pool created", "pool", name, "server_host", cfg.ServerHost, "server_port", cfg.ServerPort)
	if cfg.MinPoolSize > 0 {
		go p.WarmUp(context.Background())
	}
	return p
}

// Get returns the named pool if it already exists.
func (m *Manager) Get(name string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// Remove closes and forgets the named pool.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	p, ok := m.pools[name]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pools, name)
	m.mu.Unlock()

	p.Close()
	slog.Info("pool removed", "pool", name)
	return true
}

// AllStats returns stats for every pool.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// Names returns every pool name currently tracked.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	return names
}

// Close shuts down every pool. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}

// DrainAll puts every pool into graceful-shutdown drain mode, used by the
// shutdown/upgrade sequence ahead of exiting.
func (m *Manager) DrainAll() {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	for _, p := range pools {
		p.Drain()
	}
}
