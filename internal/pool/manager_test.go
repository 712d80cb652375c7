package pool

import (
	"testing"

	"github.com/doorman/doorman/internal/prepared"
)

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager()
	defer m.Close()

	cfg := testPoolConfig()
	p1 := m.GetOrCreate("mydb", cfg)
	if p1 == nil {
		t.Fatal("expected non-nil pool")
	}
	p2 := m.GetOrCreate("mydb", cfg)
	if p1 != p2 {
		t.Error("expected same pool instance on second call")
	}
}

func TestManagerRemove(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.GetOrCreate("mydb", testPoolConfig())
	if !m.Remove("mydb") {
		t.Error("Remove should return true for existing pool")
	}
	if m.Remove("mydb") {
		t.Error("Remove should return false for already-removed pool")
	}
}

func TestManagerAllStats(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.GetOrCreate("p1", testPoolConfig())
	m.GetOrCreate("p2", testPoolConfig())

	if stats := m.AllStats(); len(stats) != 2 {
		t.Errorf("expected 2 stats entries, got %d", len(stats))
	}
}

func TestManagerNames(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.GetOrCreate("p1", testPoolConfig())
	m.GetOrCreate("p2", testPoolConfig())

	names := m.Names()
	if len(names) != 2 {
		t.Errorf("expected 2 names, got %d", len(names))
	}
}

func TestManagerDoubleClose(t *testing.T) {
	m := NewManager()
	m.Close()
	m.Close() // must not panic
}

// TestManagerPoolsShareInterner asserts the query-text interner really
// is process-wide: the same SQL text parsed through two different pools
// must land on a single interned allocation.
func TestManagerPoolsShareInterner(t *testing.T) {
	m := NewManager()
	defer m.Close()

	p1 := m.GetOrCreate("p1", testPoolConfig())
	p2 := m.GetOrCreate("p2", testPoolConfig())

	if p1.interner != p2.interner {
		t.Fatal("expected both pools to share the manager's interner")
	}

	fp := prepared.ComputeFingerprint("select 42", nil)
	p1.Prepared().GetOrCreate(fp, "select 42", nil)
	p2.Prepared().GetOrCreate(fp, "select 42", nil)

	if n := p1.interner.Len(); n != 1 {
		t.Errorf("expected one interned allocation across pools, got %d", n)
	}
}

func TestManagerDrainAll(t *testing.T) {
	m := NewManager()
	defer m.Close()

	p1 := m.GetOrCreate("p1", testPoolConfig())
	p2 := m.GetOrCreate("p2", testPoolConfig())

	_, s1 := injectIdle(t, p1)
	serveReadyForQuery(s1)
	_, s2 := injectIdle(t, p2)
	serveReadyForQuery(s2)

	m.DrainAll()

	if p1.Stats().Idle != 0 || p2.Stats().Idle != 0 {
		t.Error("expected DrainAll to close every pool's idle connections")
	}
}
