package wire

import (
	"sync/atomic"

	"github.com/doorman/doorman/internal/perr"
)

// MemoryBudget is the process-wide soft cap on bytes buffered across all
// in-flight messages (`max_memory_usage`, default 256 MiB).
// A Client Task whose queued buffer would push the total above the cap
// fails with perr.ErrMemoryBudget so the client can retry; streamed
// messages never count against it since they never sit fully in memory.
type MemoryBudget struct {
	limit int64
	used  atomic.Int64
}

func NewMemoryBudget(limit int) *MemoryBudget {
	return &MemoryBudget{limit: int64(limit)}
}

// Reserve attempts to account for n additional buffered bytes, failing
// with perr.ErrMemoryBudget if that would exceed the cap.
func (b *MemoryBudget) Reserve(n int) error {
	if b.limit <= 0 {
		return nil
	}
	if b.used.Add(int64(n)) > b.limit {
		b.used.Add(-int64(n))
		return perr.Wrap(perr.SeverityError, perr.CodeOutOfMemory, "proxy memory budget exceeded", perr.ErrMemoryBudget)
	}
	return nil
}

// Release returns n bytes to the budget once the buffer holding them is
// no longer in flight.
func (b *MemoryBudget) Release(n int) {
	b.used.Add(-int64(n))
}

// Used reports the currently accounted byte count.
func (b *MemoryBudget) Used() int64 {
	return b.used.Load()
}
