package prepared

import (
	"strconv"
	"testing"
)

func TestCacheGetOrCreateHitsAndMisses(t *testing.T) {
	in := NewInterner()
	c := NewCache(in, 2)

	fp := ComputeFingerprint("select 1", nil)
	e1, hit := c.GetOrCreate(fp, "select 1", nil)
	if hit {
		t.Fatal("expected miss on first GetOrCreate")
	}
	if e1.InternalName == "" {
		t.Fatal("expected a pooler-internal name to be assigned")
	}

	e2, hit := c.GetOrCreate(fp, "select 1", nil)
	if !hit {
		t.Error("expected hit on second GetOrCreate with the same fingerprint")
	}
	if e2 != e1 {
		t.Error("expected the same Entry pointer on a cache hit")
	}
}

func TestCacheEvictsLRUAndReleasesInterner(t *testing.T) {
	in := NewInterner()
	c := NewCache(in, 2)

	fpA := ComputeFingerprint("select a", nil)
	fpB := ComputeFingerprint("select b", nil)
	fpC := ComputeFingerprint("select c", nil)

	c.GetOrCreate(fpA, "select a", nil)
	c.GetOrCreate(fpB, "select b", nil)
	if in.Len() != 2 {
		t.Fatalf("expected 2 interned entries, got %d", in.Len())
	}

	// Cache is at its bound of 2; inserting a third evicts the
	// least-recently-used entry (fpA, never touched again since insertion).
	c.GetOrCreate(fpC, "select c", nil)

	if c.Len() != 2 {
		t.Fatalf("expected cache size to stay at 2, got %d", c.Len())
	}
	if c.Evicted() != 1 {
		t.Fatalf("expected 1 eviction, got %d", c.Evicted())
	}
	if in.Len() != 2 {
		t.Fatalf("expected evicted entry's interned text released, got %d live", in.Len())
	}

	if _, hit := c.GetOrCreate(fpB, "select b", nil); !hit {
		t.Error("expected fpB to survive eviction")
	}
	if _, hit := c.GetOrCreate(fpC, "select c", nil); !hit {
		t.Error("expected fpC to survive eviction")
	}
}

func TestCacheUnboundedNeverEvicts(t *testing.T) {
	in := NewInterner()
	c := NewCache(in, 0)

	for i := 0; i < 50; i++ {
		text := "select " + strconv.Itoa(i)
		fp := ComputeFingerprint(text, nil)
		c.GetOrCreate(fp, text, nil)
	}
	if c.Evicted() != 0 {
		t.Errorf("expected unbounded cache to never evict, got %d evictions", c.Evicted())
	}
	if c.Len() != 50 {
		t.Errorf("expected all 50 entries to remain live, got %d", c.Len())
	}
}
