package session

import (
	"context"
	"errors"
	"time"

	"github.com/doorman/doorman/internal/backend"
	"github.com/doorman/doorman/internal/perr"
)

// acquire gets a Server Connection for this session if one isn't already
// attached, bounded by query_wait_timeout.
func (s *Session) acquire(ctx context.Context) error {
	if s.server != nil {
		return nil
	}

	acquireCtx := ctx
	if s.poolCfg.QueryWaitTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, s.poolCfg.QueryWaitTimeout)
		defer cancel()
	}

	start := time.Now()
	c, err := s.p.GetWithParams(acquireCtx, s.passthrough, s.touchedGUCs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return perr.Wrap(perr.SeverityError, perr.CodeTooManyConnections, "timed out waiting for a server connection", perr.ErrAcquireTimeout)
		}
		return err
	}
	s.server = c
	s.acquiredAt = start
	if s.deps.Metrics != nil {
		s.deps.Metrics.AcquireDuration(s.poolName, time.Since(start))
	}
	return nil
}

// releaseServer returns the attached Server Connection to the pool,
// applying the release policy: called only once the
// caller has confirmed ReadyForQuery(Idle) with no open pipeline, or
// unconditionally during cleanup/session-mode disconnect.
func (s *Session) releaseServer(ctx context.Context, _ bool) {
	if s.server == nil {
		return
	}
	c := s.server
	s.server = nil
	if s.deps.Metrics != nil {
		s.deps.Metrics.TransactionCompleted(s.poolName, time.Since(s.acquiredAt))
	}
	s.pinned = false
	s.pinReason = ""
	s.p.Return(ctx, c)
}

// destroyServer discards the attached connection without recycling,
// used when the client stream is desynced past recovery (a drain past
// shutdown_timeout/proxy_copy_data_timeout).
func (s *Session) destroyServer() {
	if s.server == nil {
		return
	}
	c := s.server
	s.server = nil
	s.p.Drop(c)
}

// maybeRelease applies the release policy after observing ReadyForQuery
// from the server: release iff the indicator is Idle (a server mid-
// transaction — or in a failed one — stays attached until the client
// ends it), no pipeline is open awaiting Sync, pool mode is transaction,
// and the session isn't pinned by LISTEN/NOTIFY activity.
func (s *Session) maybeRelease(ctx context.Context) {
	if s.txStatus != backend.TxIdle {
		return
	}
	if s.pipelineDepth > 0 {
		return
	}
	if s.pinned {
		return
	}
	if s.poolCfg.PoolMode == "session" {
		return
	}
	s.releaseServer(ctx, false)
	s.state = stateIdle
}
