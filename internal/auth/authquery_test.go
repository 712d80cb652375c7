package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func failingCache(ttl, failTTL, minInterval time.Duration) *QueryCache {
	c := NewQueryCache(QueryCacheConfig{
		Query:       "SELECT rolpassword FROM pg_authid WHERE rolname = $1",
		CacheTTL:    ttl,
		FailureTTL:  failTTL,
		MinInterval: minInterval,
	})
	c.dial = func(ctx context.Context) (*pgx.Conn, error) {
		return nil, errors.New("backend unreachable")
	}
	return c
}

func TestLookupFailureIsRateLimited(t *testing.T) {
	c := failingCache(time.Minute, time.Nanosecond, time.Hour)

	if _, err := c.Lookup(context.Background(), "alice"); err == nil {
		t.Fatal("expected first lookup to fail when dial fails")
	}
	// The negative entry expires immediately (FailureTTL 1ns), but
	// MinInterval still blocks an immediate re-fetch.
	time.Sleep(time.Millisecond)
	_, err := c.Lookup(context.Background(), "alice")
	if err == nil {
		t.Fatal("expected rate-limited lookup to fail")
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	c := failingCache(time.Minute, time.Minute, 0)

	c.mu.Lock()
	c.entries["alice"] = &cacheEntry{cred: Credential{Password: "old", Found: true}, expiresAt: time.Now().Add(time.Minute)}
	c.mu.Unlock()

	cred, err := c.Lookup(context.Background(), "alice")
	if err != nil || cred.Password != "old" {
		t.Fatalf("expected cached credential, got (%+v, %v)", cred, err)
	}

	c.Invalidate("alice")
	if _, err := c.Lookup(context.Background(), "alice"); err == nil {
		t.Fatal("expected lookup after Invalidate to hit the failing dial")
	}
}

func TestLookupServesCachedEntryWithoutDialing(t *testing.T) {
	c := failingCache(time.Minute, time.Minute, 0)

	c.mu.Lock()
	c.entries["bob"] = &cacheEntry{cred: Credential{Password: "pw", Found: true}, expiresAt: time.Now().Add(time.Minute)}
	c.mu.Unlock()

	for i := 0; i < 3; i++ {
		cred, err := c.Lookup(context.Background(), "bob")
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if cred.Password != "pw" || !cred.Found {
			t.Fatalf("lookup %d returned %+v", i, cred)
		}
	}
}
