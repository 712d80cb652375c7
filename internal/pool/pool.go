// Package pool implements the Pool and Manager: a
// semaphore-bounded, per-(user,database) collection of backend.Conn
// values with a deliberately reluctant growth policy (warm_pool_ratio,
// fast_retries, cooldown_sleep_ms) and a graceful-shutdown mode, keyed
// by pool name and built on internal/backend.Conn.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/doorman/doorman/internal/auth"
	"github.com/doorman/doorman/internal/backend"
	"github.com/doorman/doorman/internal/config"
	"github.com/doorman/doorman/internal/perr"
	"github.com/doorman/doorman/internal/prepared"
)

// Stats is a point-in-time snapshot of one pool's occupancy, surfaced by
// SHOW POOLS and the prometheus collector.
type Stats struct {
	Name      string
	Active    int
	Idle      int
	Total     int
	Waiting   int
	MaxSize   int
	MinSize   int
	Exhausted int64
}

// ExhaustedFunc is called every time get() must wait because the pool is
// at max_size with no idle slot.
type ExhaustedFunc func(poolName string)

// Observer receives pool lifecycle events — recycle outcomes, dial
// outcomes, prepared-statement evictions. Implemented by
// internal/metrics.Collector; all methods must be safe for concurrent
// use.
type Observer interface {
	BackendReset(pool string, success bool)
	SetPoolHealth(pool string, healthy bool)
	PreparedCacheEviction(pool string)
}

// QueueDiscipline controls whether idle slots are handed out LIFO or FIFO.
type QueueDiscipline int

const (
	LIFO QueueDiscipline = iota
	FIFO
)

// Pool manages backend connections for a single (user, database) pair.
// The permit semaphore bounds concurrent checkouts to max_size; it is
// acquired in Get and released in Return (on drop), never on a
// successful Get, so waiters correctly reflect pool pressure.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	name string
	cfg  config.PoolConfig

	discipline QueueDiscipline

	permits chan struct{}
	idle    []*backend.Conn
	active  map[*backend.Conn]struct{}
	total   int
	waiting int

	exhausted int64

	createSem chan struct{} // bounds max_concurrent_creates

	closed   bool
	draining bool
	stopCh   chan struct{}

	onExhaust ExhaustedFunc
	obs       Observer

	interner  *prepared.Interner
	prepared  *prepared.Cache
	authCache *auth.QueryCache
}

// New creates a Pool for name from cfg. interner is the process-wide
// query-text interner shared across every pool (owned by the Manager),
// so identical SQL text is allocated once no matter which pool sees it.
// It does not pre-create connections; callers that want a warm start
// should call WarmUp.
func New(name string, cfg config.PoolConfig, interner *prepared.Interner) *Pool {
	maxCreates := cfg.MaxConcurrentCreates
	if maxCreates <= 0 {
		maxCreates = 4
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		name:      name,
		cfg:       cfg,
		active:    make(map[*backend.Conn]struct{}),
		idle:      make([]*backend.Conn, 0),
		permits:   make(chan struct{}, size),
		createSem: make(chan struct{}, maxCreates),
		stopCh:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	if cfg.QueueDiscipline == "fifo" {
		p.discipline = FIFO
	}
	go p.reapLoop()
	p.interner = interner
	p.prepared = prepared.NewCache(p.interner, cfg.PreparedStatementsCacheSize)
	if cfg.AuthQuery != "" {
		p.authCache = auth.NewQueryCache(auth.QueryCacheConfig{
			DSN: fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
				cfg.ServerHost, cfg.ServerPort, cfg.AuthQueryUser, cfg.AuthQueryPassword, cfg.ServerDatabase),
			Query:       cfg.AuthQuery,
			CacheTTL:    cfg.CacheTTL,
			FailureTTL:  cfg.CacheFailureTTL,
			MinInterval: cfg.MinInterval,
		})
	}
	return p
}

// AuthCache returns the pool's auth_query credential cache, nil when the
// pool authenticates against statically configured users only.
func (p *Pool) AuthCache() *auth.QueryCache { return p.authCache }

// Prepared returns the pool-wide Canonical Parse Entry cache, shared by
// every Client Session routed to this pool so identical query text
// reuses the same pooler-internal prepared statement across backend
// connections.
func (p *Pool) Prepared() *prepared.Cache { return p.prepared }

// SetOnExhausted installs the pool-exhaustion callback. Must be called
// before the pool serves traffic.
func (p *Pool) SetOnExhausted(cb ExhaustedFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExhaust = cb
}

// SetObserver installs the lifecycle observer. Must be called before the
// pool serves traffic.
func (p *Pool) SetObserver(obs Observer) {
	p.mu.Lock()
	p.obs = obs
	p.mu.Unlock()
	if obs != nil {
		name := p.name
		p.prepared.SetOnEvict(func() { obs.PreparedCacheEviction(name) })
	}
}

// WarmUp dials MinPoolSize connections so the pool starts with a warm
// idle deque instead of forcing the first requests to pay dial latency.
func (p *Pool) WarmUp(ctx context.Context) {
	target := p.cfg.MinPoolSize
	for i := 0; i < target; i++ {
		p.mu.Lock()
		if p.closed || p.total >= target {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		c, err := p.open(ctx, nil)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("pool warm-up dial failed", "pool", p.name, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			c.Close()
			return
		}
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}
	slog.Info("pool warmed up", "pool", p.name, "count", target)
}

// Get implements the four-step get() contract: acquire a
// permit, try the idle deque, create immediately under warm_pool_ratio,
// else cooldown-retry before creating. Equivalent to GetWithAuth(ctx, nil).
func (p *Pool) Get(ctx context.Context) (*backend.Conn, error) {
	return p.GetWithAuth(ctx, nil)
}

// GetWithAuth is Get, but supplies SCRAM passthrough key material to use
// if a brand new Server Connection must be dialed to satisfy this call.
// Idle slots already authenticated are handed out exactly as by Get —
// passthrough only matters for a fresh dial.
func (p *Pool) GetWithAuth(ctx context.Context, passthrough *auth.ClientKeyMaterial) (*backend.Conn, error) {
	return p.GetWithParams(ctx, passthrough, nil)
}

// GetWithParams is GetWithAuth, but additionally carries the requesting
// client's session-level GUCs (everything it has SET this session). An
// idle slot handed out from the deque may still carry a previous
// client's touched parameters, so when sync_server_parameters is on,
// Recycle reconciles the slot against desiredParams before it's handed
// back. A fresh dial has no leftover state to reconcile, so desiredParams
// is only consulted on the idle-slot path.
func (p *Pool) GetWithParams(ctx context.Context, passthrough *auth.ClientKeyMaterial, desiredParams map[string]string) (*backend.Conn, error) {
	select {
	case p.permits <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c, err := p.getLocked(ctx, passthrough, desiredParams)
	if err != nil {
		<-p.permits
		return nil, err
	}
	return c, nil
}

func (p *Pool) getLocked(ctx context.Context, passthrough *auth.ClientKeyMaterial, desiredParams map[string]string) (*backend.Conn, error) {
	p.mu.Lock()
	if p.closed || p.draining {
		p.mu.Unlock()
		return nil, perr.Wrap(perr.SeverityError, perr.CodeCrashShutdown, fmt.Sprintf("pool %q is shutting down", p.name), perr.ErrShuttingDown)
	}

	// Step 2: hot path.
	if c, ok := p.tryIdle(desiredParams); ok {
		p.mu.Unlock()
		return c, nil
	}

	ratio := p.cfg.WarmPoolRatio
	if ratio <= 0 {
		ratio = 0.2
	}
	belowWarm := p.total < int(ratio*float64(p.cfg.PoolSize))
	p.mu.Unlock()

	// Step 3.
	if belowWarm {
		return p.createNew(ctx, passthrough, desiredParams)
	}

	// Step 4: cooldown loop.
	fastRetries := p.cfg.FastRetries
	if fastRetries <= 0 {
		fastRetries = 10
	}
	for i := 0; i < fastRetries; i++ {
		runtime.Gosched()
		p.mu.Lock()
		if c, ok := p.tryIdle(desiredParams); ok {
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()
	}

	cooldown := time.Duration(p.cfg.CooldownSleepMS) * time.Millisecond
	if cooldown <= 0 {
		cooldown = 2 * time.Millisecond
	}
	select {
	case <-time.After(cooldown):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if c, ok := p.tryIdle(desiredParams); ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	return p.createNew(ctx, passthrough, desiredParams)
}

// tryIdle pops and recycles idle slots until one survives recycle() or
// the deque is empty. Caller must hold p.mu; it is released around each
// Recycle call and held again whenever tryIdle returns, on either path.
// desiredParams is threaded into Recycle so a slot with stale GUCs from a
// previous client gets resynced before this caller sees it.
func (p *Pool) tryIdle(desiredParams map[string]string) (*backend.Conn, bool) {
	for len(p.idle) > 0 {
		var c *backend.Conn
		if p.discipline == FIFO {
			c = p.idle[0]
			p.idle = p.idle[1:]
		} else {
			c = p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
		}
		obs := p.obs
		p.mu.Unlock()
		result := c.Recycle(context.Background(), p.cfg.SyncServerParameters, desiredParams)
		if obs != nil {
			obs.BackendReset(p.name, result == backend.RecycleOK)
		}
		p.mu.Lock()
		if result != backend.RecycleOK {
			c.Close()
			p.total--
			continue
		}
		p.active[c] = struct{}{}
		return c, true
	}
	return nil, false
}

// createNew dials a brand new connection, bounded by max_concurrent_creates.
func (p *Pool) createNew(ctx context.Context, passthrough *auth.ClientKeyMaterial, desiredParams map[string]string) (*backend.Conn, error) {
	select {
	case p.createSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.createSem }()

	p.mu.Lock()
	if p.total >= p.cfg.PoolSize {
		p.waiting++
		p.exhausted++
		cb := p.onExhaust
		p.mu.Unlock()
		if cb != nil {
			cb(p.name)
		}
		return p.waitForIdle(ctx, desiredParams)
	}
	p.total++
	p.mu.Unlock()

	c, err := p.open(ctx, passthrough)
	p.mu.Lock()
	obs := p.obs
	p.mu.Unlock()
	if obs != nil {
		obs.SetPoolHealth(p.name, err == nil)
	}
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, fmt.Errorf("dialing backend for pool %q: %w", p.name, err)
	}
	p.mu.Lock()
	p.active[c] = struct{}{}
	p.mu.Unlock()
	return c, nil
}

// waitForIdle blocks until an idle slot appears or ctx expires, used when
// createNew discovers the pool is already at max_size (a race against a
// concurrent Get also choosing the create path).
func (p *Pool) waitForIdle(ctx context.Context, desiredParams map[string]string) (*backend.Conn, error) {
	deadline, hasDeadline := ctx.Deadline()
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if c, ok := p.tryIdle(desiredParams); ok {
			p.waiting--
			return c, nil
		}
		if p.closed || p.draining {
			p.waiting--
			return nil, perr.Wrap(perr.SeverityError, perr.CodeCrashShutdown, fmt.Sprintf("pool %q closing", p.name), perr.ErrShuttingDown)
		}
		if hasDeadline && time.Now().After(deadline) {
			p.waiting--
			return nil, perr.Wrap(perr.SeverityError, perr.CodeTooManyConnections, fmt.Sprintf("pool %q exhausted", p.name), perr.ErrAcquireTimeout)
		}
		timer := time.AfterFunc(100*time.Millisecond, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()
	}
}

func (p *Pool) open(ctx context.Context, passthrough *auth.ClientKeyMaterial) (*backend.Conn, error) {
	bcfg := backend.Config{
		ServerHost:       p.cfg.ServerHost,
		ServerPort:       p.cfg.ServerPort,
		ServerDatabase:   p.cfg.ServerDatabase,
		User:             p.cfg.ServerUser,
		Password:         p.cfg.ServerPassword,
		AuthMethod:       p.cfg.ServerAuthMethod,
		ApplicationName:  p.cfg.ApplicationName,
		ConnectTimeout:   p.cfg.ConnectTimeout,
		ServerLifetime:   p.cfg.ServerLifetime,
		IdleCheckTimeout: p.cfg.ServerIdleCheckTimeout,
		SCRAMPassthrough: passthrough,
	}
	return backend.Dial(ctx, bcfg, p.cfg.PreparedStatementsCacheSize)
}

// Return releases c back to the pool, implementing the return half:
// recycle() decides whether the slot survives. The permit
// acquired in Get is released here, on drop or re-idle, never in Get.
func (p *Pool) Return(ctx context.Context, c *backend.Conn) {
	defer func() { <-p.permits }()

	p.mu.Lock()
	obs := p.obs
	delete(p.active, c)

	if p.closed || p.draining {
		p.mu.Unlock()
		c.Close()
		p.mu.Lock()
		p.total--
		p.cond.Signal()
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	result := c.Recycle(ctx, p.cfg.SyncServerParameters, nil)
	if obs != nil {
		obs.BackendReset(p.name, result == backend.RecycleOK)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if result != backend.RecycleOK {
		c.Close()
		p.total--
		p.cond.Signal()
		return
	}
	p.idle = append(p.idle, c)
	p.cond.Signal()
}

// Drop discards c without attempting recycle(), for callers that already
// know the connection is unsalvageable (a desynced protocol stream after
// a drain-to-ReadyForQuery timeout during partial-failure handling).
// Still releases the permit and decrements total/active exactly
// like a failed Return.
func (p *Pool) Drop(c *backend.Conn) {
	defer func() { <-p.permits }()
	c.Close()
	p.mu.Lock()
	delete(p.active, c)
	p.total--
	p.cond.Signal()
	p.mu.Unlock()
}

// reapLoop periodically closes idle connections that have outlived
// idle_timeout or server_lifetime, so an idle pool shrinks back toward
// min_pool_size without waiting for a checkout to notice.
func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	idleTimeout := p.cfg.IdleTimeout
	lifetime := p.cfg.ServerLifetime

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.cfg.MinPoolSize {
		return
	}

	// Reap oldest connections first (front of the slice: LIFO handing
	// keeps the warmest slots at the back). Keep at least MinPoolSize.
	kept := make([]*backend.Conn, 0, len(p.idle))
	excess := len(p.idle) - p.cfg.MinPoolSize
	for i, c := range p.idle {
		tooIdle := idleTimeout > 0 && time.Since(c.LastUsed()) > idleTimeout
		tooOld := lifetime > 0 && time.Since(c.Birth()) > lifetime
		if i < excess && (tooIdle || tooOld) {
			c.Close()
			p.total--
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
}

// Drain closes every idle slot immediately and marks the pool so that
// returned slots are closed rather than recycled (graceful shutdown).
// get() continues to fail with ErrShuttingDown once draining.
func (p *Pool) Drain() {
	p.mu.Lock()
	p.draining = true
	for _, c := range p.idle {
		c.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.cond.Broadcast()
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	shutdownTimeout := p.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	deadline := time.After(shutdownTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-deadline:
			p.mu.Lock()
			for c := range p.active {
				c.Close()
				p.total--
			}
			p.active = make(map[*backend.Conn]struct{})
			p.mu.Unlock()
			slog.Warn("force-closed active connections after drain timeout", "pool", p.name)
			return
		}
	}
}

// Close shuts the pool down permanently. Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()
	p.Drain()
}

// Stats reports the pool's current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:      p.name,
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		MaxSize:   p.cfg.PoolSize,
		MinSize:   p.cfg.MinPoolSize,
		Exhausted: p.exhausted,
	}
}
