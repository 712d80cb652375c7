package pool

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/doorman/doorman/internal/backend"
	"github.com/doorman/doorman/internal/config"
	"github.com/doorman/doorman/internal/prepared"
)

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		ServerHost:           "localhost",
		ServerPort:           5432,
		ServerDatabase:       "testdb",
		PoolSize:             3,
		MinPoolSize:          0,
		WarmPoolRatio:        0.2,
		FastRetries:          2,
		CooldownSleepMS:      1,
		MaxConcurrentCreates: 2,
		ServerLifetime:       time.Hour,
		SyncServerParameters: false,
		ShutdownTimeout:      50 * time.Millisecond,
	}
}

// injectIdle adds a backend.Conn backed by a net.Pipe directly into the
// idle deque, bypassing dial.
func injectIdle(t *testing.T, p *Pool) (*backend.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	c := backend.NewTestConn(client, backend.Config{ServerHost: "test"}, 16)

	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.total++
	p.mu.Unlock()
	return c, server
}

// serveReadyForQuery answers every Query on server with an immediate
// ReadyForQuery(Idle), enough to make recycle() happy without a real backend.
func serveReadyForQuery(server net.Conn) {
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := server.Read(buf)
			if err != nil || n == 0 {
				return
			}
			server.Write([]byte{'Z', 0, 0, 0, 5, 'I'})
		}
	}()
}

func TestGetHotPathReusesIdleConn(t *testing.T) {
	p := New("mydb", testPoolConfig(), prepared.NewInterner())
	defer p.Close()

	_, server := injectIdle(t, p)
	serveReadyForQuery(server)

	c, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.Stats().Active != 1 {
		t.Errorf("expected 1 active, got %d", p.Stats().Active)
	}
	p.Return(context.Background(), c)
	if p.Stats().Idle != 1 {
		t.Errorf("expected 1 idle after return, got %d", p.Stats().Idle)
	}
}

func TestReturnClosesDirtyConnection(t *testing.T) {
	p := New("mydb", testPoolConfig(), prepared.NewInterner())
	defer p.Close()

	_, server := injectIdle(t, p)
	serveReadyForQuery(server)
	c, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Mid-transaction with the backend gone: the recycle ROLLBACK cannot
	// reach the peer, so the slot must be destroyed rather than requeued.
	c.SetTxStatus(backend.TxActive)
	server.Close()
	p.Return(context.Background(), c)

	stats := p.Stats()
	if stats.Idle != 0 {
		t.Errorf("expected dead connection dropped, not requeued, got idle=%d", stats.Idle)
	}
	if stats.Total != 0 {
		t.Errorf("expected total decremented after dropping dead conn, got %d", stats.Total)
	}
}

func TestDrainClosesIdleAndRejectsGet(t *testing.T) {
	p := New("mydb", testPoolConfig(), prepared.NewInterner())
	_, server := injectIdle(t, p)
	serveReadyForQuery(server)

	p.Drain()

	if _, err := p.Get(context.Background()); err == nil {
		t.Error("expected Get to fail once pool is draining")
	}
}

func TestDoubleClose(t *testing.T) {
	p := New("mydb", testPoolConfig(), prepared.NewInterner())
	p.Close()
	p.Close() // must not panic
}

func TestStatsReflectsMaxAndMinSize(t *testing.T) {
	cfg := testPoolConfig()
	cfg.PoolSize = 7
	cfg.MinPoolSize = 3
	p := New("mydb", cfg, prepared.NewInterner())
	defer p.Close()

	stats := p.Stats()
	if stats.MaxSize != 7 || stats.MinSize != 3 {
		t.Errorf("expected max=7 min=3, got max=%d min=%d", stats.MaxSize, stats.MinSize)
	}
}

func TestConcurrentGetReturn(t *testing.T) {
	cfg := testPoolConfig()
	cfg.PoolSize = 2
	p := New("mydb", cfg, prepared.NewInterner())
	defer p.Close()

	for i := 0; i < 2; i++ {
		_, server := injectIdle(t, p)
		serveReadyForQuery(server)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				c, err := p.Get(ctx)
				cancel()
				if err != nil {
					continue
				}
				p.Return(context.Background(), c)
			}
		}()
	}
	wg.Wait()

	if stats := p.Stats(); stats.Active != 0 {
		t.Errorf("expected 0 active after all returns, got %d", stats.Active)
	}
}

func TestGetRespectsContextCancellation(t *testing.T) {
	cfg := testPoolConfig()
	cfg.PoolSize = 1
	cfg.FastRetries = 1
	cfg.CooldownSleepMS = 1
	p := New("mydb", cfg, prepared.NewInterner())
	defer p.Close()

	_, server := injectIdle(t, p)
	serveReadyForQuery(server)

	held, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("expected first Get to succeed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Get(ctx); err == nil {
		t.Error("expected cancelled-context Get to fail")
	}

	p.Return(context.Background(), held)
}

// TestReapIdleClosesStaleConnections checks the idle reaper drops
// connections past idle_timeout while never shrinking below
// min_pool_size.
func TestReapIdleClosesStaleConnections(t *testing.T) {
	cfg := testPoolConfig()
	cfg.IdleTimeout = time.Millisecond
	cfg.MinPoolSize = 1
	p := New("mydb", cfg, prepared.NewInterner())
	defer p.Close()

	for i := 0; i < 3; i++ {
		injectIdle(t, p)
	}
	time.Sleep(5 * time.Millisecond) // let every slot cross idle_timeout

	p.reapIdle()

	stats := p.Stats()
	if stats.Idle != 1 {
		t.Errorf("expected reaper to keep min_pool_size=1 idle slot, got %d", stats.Idle)
	}
	if stats.Total != 1 {
		t.Errorf("expected total to shrink with the reaped slots, got %d", stats.Total)
	}
}

func TestReapIdleKeepsFreshConnections(t *testing.T) {
	cfg := testPoolConfig()
	cfg.IdleTimeout = time.Hour
	cfg.MinPoolSize = 0
	p := New("mydb", cfg, prepared.NewInterner())
	defer p.Close()

	injectIdle(t, p)
	injectIdle(t, p)

	p.reapIdle()

	if stats := p.Stats(); stats.Idle != 2 {
		t.Errorf("expected fresh connections untouched, got idle=%d", stats.Idle)
	}
}

// TestGetWithParamsSyncsDesiredGUCOnIdleSlot checks that sync_server_parameters
// actually reconciles a reused idle slot against the acquiring client's
// touched-GUC view, by asserting the SET issued by recycle() reaches the
// backend's wire.
func TestGetWithParamsSyncsDesiredGUCOnIdleSlot(t *testing.T) {
	cfg := testPoolConfig()
	cfg.SyncServerParameters = true
	p := New("mydb", cfg, prepared.NewInterner())
	defer p.Close()

	_, server := injectIdle(t, p)

	seen := make(chan string, 4)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := server.Read(buf)
			if err != nil || n == 0 {
				return
			}
			seen <- string(buf[:n])
			server.Write([]byte{'Z', 0, 0, 0, 5, 'I'})
		}
	}()

	c, err := p.GetWithParams(context.Background(), nil, map[string]string{"statement_timeout": "5000"})
	if err != nil {
		t.Fatalf("GetWithParams failed: %v", err)
	}
	defer p.Return(context.Background(), c)

	select {
	case got := <-seen:
		if !strings.Contains(got, "statement_timeout") {
			t.Errorf("expected recycle to SET statement_timeout, wire bytes were %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a SET query to reach the backend during recycle")
	}
}

// TestGetWithParamsNilDoesNotSync checks that a nil desiredParams (the
// Get/GetWithAuth default) never issues a SET, since there is nothing to
// reconcile against.
func TestGetWithParamsNilDoesNotSync(t *testing.T) {
	cfg := testPoolConfig()
	cfg.SyncServerParameters = true
	p := New("mydb", cfg, prepared.NewInterner())
	defer p.Close()

	_, server := injectIdle(t, p)

	seen := make(chan string, 4)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := server.Read(buf)
			if err != nil || n == 0 {
				return
			}
			seen <- string(buf[:n])
			server.Write([]byte{'Z', 0, 0, 0, 5, 'I'})
		}
	}()

	c, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer p.Return(context.Background(), c)

	select {
	case got := <-seen:
		t.Errorf("expected no SET query without desired params, got %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}
