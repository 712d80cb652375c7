package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Credential is what an auth_query lookup yields for one username: either
// a plain password (trust/md5 pools) or a parsed SCRAM verifier.
type Credential struct {
	Password string
	Verifier *Verifier
	Found    bool
}

type cacheEntry struct {
	cred      Credential
	expiresAt time.Time
	failed    bool
}

// QueryCacheConfig configures an auth_query lookup pool, mirroring the
// options a named server pool takes.
type QueryCacheConfig struct {
	DSN         string // host/port/user/password/database for the executor connection
	Query       string // e.g. "SELECT rolpassword FROM pg_authid WHERE rolname = $1"
	CacheTTL    time.Duration
	FailureTTL  time.Duration
	MinInterval time.Duration
}

// QueryCache fetches and caches credentials from PostgreSQL itself via a
// direct executor connection that bypasses the pools. No connection is
// opened at construction or kept between lookups: each fetch dials its
// own connection and closes it when the lookup is done.
type QueryCache struct {
	cfg QueryCacheConfig

	mu       sync.Mutex
	entries  map[string]*cacheEntry
	inFlight map[string]*sync.WaitGroup
	lastTry  map[string]time.Time

	dial func(ctx context.Context) (*pgx.Conn, error)
}

// NewQueryCache builds a cache whose fetches each dial a fresh executor
// connection with cfg.DSN; nothing is dialed until the first lookup.
func NewQueryCache(cfg QueryCacheConfig) *QueryCache {
	return &QueryCache{
		cfg:      cfg,
		entries:  map[string]*cacheEntry{},
		inFlight: map[string]*sync.WaitGroup{},
		lastTry:  map[string]time.Time{},
		dial: func(ctx context.Context) (*pgx.Conn, error) {
			return pgx.Connect(ctx, cfg.DSN)
		},
	}
}

// Lookup returns the credential for user, fetching from PostgreSQL on a
// cache miss. Concurrent lookups for the same user coalesce onto a single
// fetch (double-checked locking); a failed fetch is cached for
// FailureTTL and retried no more often than MinInterval.
func (c *QueryCache) Lookup(ctx context.Context, user string) (Credential, error) {
	c.mu.Lock()
	if e, ok := c.entries[user]; ok && time.Now().Before(e.expiresAt) {
		cred := e.cred
		c.mu.Unlock()
		return cred, nil
	}
	if wg, ok := c.inFlight[user]; ok {
		c.mu.Unlock()
		wg.Wait()
		c.mu.Lock()
		e := c.entries[user]
		c.mu.Unlock()
		if e == nil {
			return Credential{}, fmt.Errorf("auth_query: coalesced fetch for %q produced nothing", user)
		}
		return e.cred, nil
	}
	if last, ok := c.lastTry[user]; ok && time.Since(last) < c.cfg.MinInterval {
		c.mu.Unlock()
		return Credential{}, fmt.Errorf("auth_query: rate limited for %q", user)
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.inFlight[user] = wg
	c.lastTry[user] = time.Now()
	c.mu.Unlock()

	cred, err := c.fetch(ctx, user)

	c.mu.Lock()
	ttl := c.cfg.CacheTTL
	failed := err != nil
	if failed {
		ttl = c.cfg.FailureTTL
	}
	c.entries[user] = &cacheEntry{cred: cred, expiresAt: time.Now().Add(ttl), failed: failed}
	delete(c.inFlight, user)
	c.mu.Unlock()
	wg.Done()

	return cred, err
}

// Invalidate drops the cached entry for user, forcing the next Lookup to
// re-fetch. Used on authentication failure to support password rotation
// without waiting out the full TTL.
func (c *QueryCache) Invalidate(user string) {
	c.mu.Lock()
	delete(c.entries, user)
	c.mu.Unlock()
}

func (c *QueryCache) fetch(ctx context.Context, user string) (Credential, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("auth_query: dialing executor connection: %w", err)
	}
	defer conn.Close(ctx)

	var raw string
	err = conn.QueryRow(ctx, c.cfg.Query, user).Scan(&raw)
	if err != nil {
		return Credential{Found: false}, fmt.Errorf("auth_query: lookup for %q: %w", user, err)
	}

	if v, verr := ParseVerifierString(raw); verr == nil {
		return Credential{Verifier: v, Found: true}, nil
	}
	return Credential{Password: raw, Found: true}, nil
}
