package backend

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// fakeServer wraps one end of a net.Pipe in a pgproto3.Backend so tests
// can script a minimal PostgreSQL backend without a real server.
type fakeServer struct {
	conn    net.Conn
	backend *pgproto3.Backend
}

func newFakeServer(conn net.Conn) *fakeServer {
	return &fakeServer{
		conn:    conn,
		backend: pgproto3.NewBackend(conn, conn),
	}
}

func (f *fakeServer) send(t *testing.T, msgs ...pgproto3.BackendMessage) {
	t.Helper()
	for _, m := range msgs {
		f.backend.Send(m)
	}
	if err := f.backend.Flush(); err != nil {
		t.Errorf("fake server: flush: %v", err)
	}
}

func (f *fakeServer) receiveStartup(t *testing.T) {
	t.Helper()
	if _, err := f.backend.ReceiveStartupMessage(); err != nil {
		t.Fatalf("fake server: receive startup: %v", err)
	}
}

func (f *fakeServer) sendAuthOK(t *testing.T) {
	t.Helper()
	f.send(t,
		&pgproto3.AuthenticationOk{},
		&pgproto3.ParameterStatus{Name: "server_version", Value: "16.0"},
		&pgproto3.BackendKeyData{ProcessID: 42, SecretKey: 99},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)
}

func dialTestPair(t *testing.T) (*Conn, *fakeServer) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	fs := newFakeServer(server)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.receiveStartup(t)
		fs.sendAuthOK(t)
	}()

	c := NewTestConn(client, Config{
		ServerHost:     "test",
		ServerDatabase: "testdb",
		User:           "tester",
		AuthMethod:     "trust",
	}, 64)

	// Drive the same startup read loop Dial would, since NewTestConn skips it.
	if err := c.startupAndAuth(context.Background(), map[string]string{"user": "tester", "database": "testdb"}); err != nil {
		t.Fatalf("startupAndAuth: %v", err)
	}
	<-done
	return c, fs
}

func TestStartupAndAuthTrust(t *testing.T) {
	c, _ := dialTestPair(t)
	if c.TxStatus() != TxIdle {
		t.Errorf("expected TxIdle after startup, got %v", c.TxStatus())
	}
	pid, secret := c.BackendKey()
	if pid != 42 || secret != 99 {
		t.Errorf("expected backend key (42,99), got (%d,%d)", pid, secret)
	}
	if v := c.ServerParams()["server_version"]; v != "16.0" {
		t.Errorf("expected server_version 16.0, got %q", v)
	}
}

func TestRecycleProbeOnIdleServer(t *testing.T) {
	c, fs := dialTestPair(t)
	c.cfg.IdleCheckTimeout = time.Millisecond
	c.Touch()
	time.Sleep(5 * time.Millisecond)

	go func() {
		msg, err := fs.backend.Receive()
		if err != nil {
			return
		}
		if q, ok := msg.(*pgproto3.Query); ok && q.String == ";" {
			fs.send(t, &pgproto3.ReadyForQuery{TxStatus: 'I'})
		}
	}()

	result := c.Recycle(context.Background(), false, nil)
	if result != RecycleOK {
		t.Errorf("expected RecycleOK from a healthy probe, got %v", result)
	}
}

func TestRecycleRollsBackDirtyTransaction(t *testing.T) {
	c, fs := dialTestPair(t)
	c.SetTxStatus(TxFailed)

	go func() {
		msg, err := fs.backend.Receive()
		if err != nil {
			return
		}
		if q, ok := msg.(*pgproto3.Query); ok && q.String == "ROLLBACK" {
			fs.send(t, &pgproto3.CommandComplete{CommandTag: []byte("ROLLBACK")}, &pgproto3.ReadyForQuery{TxStatus: 'I'})
		}
	}()

	result := c.Recycle(context.Background(), false, nil)
	if result != RecycleOK {
		t.Errorf("expected RecycleOK after successful rollback, got %v", result)
	}
	if c.TxStatus() != TxIdle {
		t.Errorf("expected TxIdle after rollback, got %v", c.TxStatus())
	}
}

func TestRecycleExpiredLifetime(t *testing.T) {
	c, _ := dialTestPair(t)
	c.cfg.ServerLifetime = time.Millisecond
	c.birth = time.Now().Add(-time.Hour)

	result := c.Recycle(context.Background(), false, nil)
	if result != RecycleExpired {
		t.Errorf("expected RecycleExpired, got %v", result)
	}
}

func TestRecycleDeadOnProbeFailure(t *testing.T) {
	c, fs := dialTestPair(t)
	c.cfg.IdleCheckTimeout = time.Millisecond
	c.Touch()
	time.Sleep(5 * time.Millisecond)
	fs.conn.Close() // backend gone; probe write/read will fail

	result := c.Recycle(context.Background(), false, nil)
	if result != RecycleDead {
		t.Errorf("expected RecycleDead when the backend is gone, got %v", result)
	}
}

func TestMarkInstalledAndClear(t *testing.T) {
	c, _ := dialTestPair(t)

	if c.HasInstalled("DOORMAN_1") {
		t.Error("should not be installed yet")
	}
	c.MarkInstalled("DOORMAN_1")
	if !c.HasInstalled("DOORMAN_1") {
		t.Error("expected DOORMAN_1 to be installed")
	}

	c.ObserveCommandTag("DISCARD ALL")
	if c.HasInstalled("DOORMAN_1") {
		t.Error("expected installed set cleared after DISCARD ALL")
	}
}

func TestMarkInstalledEvictsOldestOverBound(t *testing.T) {
	c, _ := dialTestPair(t)
	c.maxInstalled = 2

	c.MarkInstalled("a")
	c.MarkInstalled("b")
	c.MarkInstalled("c") // evicts "a"

	if c.HasInstalled("a") {
		t.Error("expected oldest entry evicted")
	}
	if !c.HasInstalled("b") || !c.HasInstalled("c") {
		t.Error("expected b and c to remain installed")
	}
}

func TestPlanInstallReportsEvictionsForClose(t *testing.T) {
	c, _ := dialTestPair(t)
	c.maxInstalled = 2

	if toClose := c.PlanInstall("a"); len(toClose) != 0 {
		t.Errorf("no evictions expected under the bound, got %v", toClose)
	}
	c.PlanInstall("b")
	toClose := c.PlanInstall("c")
	if len(toClose) != 1 || toClose[0] != "a" {
		t.Errorf("expected [a] evicted for Close, got %v", toClose)
	}

	// Re-planning an installed name only bumps recency.
	if toClose := c.PlanInstall("b"); len(toClose) != 0 {
		t.Errorf("expected no evictions re-planning an installed name, got %v", toClose)
	}
}

func TestUninstallForgetsFailedParse(t *testing.T) {
	c, _ := dialTestPair(t)
	c.PlanInstall("DOORMAN_9")
	c.Uninstall("DOORMAN_9")
	if c.HasInstalled("DOORMAN_9") {
		t.Error("expected Uninstall to drop the name")
	}
}

func TestJitteredLifetimeWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 20; i++ {
		j := jitteredLifetime(base)
		if j < time.Duration(float64(base)*0.8) || j >= time.Duration(float64(base)*1.2)+1 {
			t.Errorf("jittered lifetime %v out of [0.8,1.2) range of %v", j, base)
		}
	}
	if jitteredLifetime(0) != 0 {
		t.Error("zero lifetime should stay zero (disabled)")
	}
}
