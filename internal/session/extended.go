package session

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/doorman/doorman/internal/perr"
	"github.com/doorman/doorman/internal/prepared"
)

// handleParse answers a Parse immediately with a synthetic ParseComplete
// and never touches the server — a deferred Parse: the
// query is only fingerprinted, installed in the pool-level Cache if
// needed, and bound into this client's ClientMap. Installation on an
// actual Server Connection is deferred until a Bind/Describe/Execute
// forces it, since by then a server is required anyway.
func (s *Session) handleParse(ctx context.Context, p *pgproto3.Parse) error {
	fp := prepared.ComputeFingerprint(p.Query, p.ParameterOIDs)
	entry, hit := s.p.Prepared().GetOrCreate(fp, p.Query, p.ParameterOIDs)
	if s.deps.Metrics != nil {
		if hit {
			s.deps.Metrics.PreparedCacheHit(s.poolName)
		} else {
			s.deps.Metrics.PreparedCacheMiss(s.poolName)
		}
	}
	s.clientMap.Bind(p.Name, entry)

	s.pipelineDepth++
	s.client.Send(&pgproto3.ParseComplete{})
	return s.client.Flush()
}

// handleBind resolves the client-chosen statement name to its Canonical
// Parse Entry, acquires a server, installs the statement there if this
// is its first use on that particular connection, and forwards the Bind
// rewritten to the pooler-internal statement name. A Bind targeting a
// standalone BEGIN (or a COMMIT/ROLLBACK that would close a still-deferred
// transaction) is answered synthetically without touching a server, the
// extended-protocol half of the deferred-BEGIN optimization.
func (s *Session) handleBind(ctx context.Context, b *pgproto3.Bind) error {
	if s.pipelineErrored {
		return nil
	}

	entry, ok := s.clientMap.Lookup(b.PreparedStatement)
	if !ok {
		return s.sendExtendedError(errUndefinedStatement(b.PreparedStatement))
	}

	if tag, ok := syntheticTxCommand(entry.QueryText); ok && s.synthesizable(tag) {
		s.pendingSynthetic = tag
		s.pipelineDepth++
		s.client.Send(&pgproto3.BindComplete{})
		return s.client.Flush()
	}

	if s.deferredTx {
		if destroy, err := s.resolveDeferredBegin(ctx); err != nil {
			if destroy {
				s.destroyServer()
			}
			return s.sendExtendedError(err)
		}
	}
	if err := s.acquire(ctx); err != nil {
		return s.sendExtendedError(err)
	}

	if err := s.ensureInstalled(entry); err != nil {
		return s.sendExtendedError(err)
	}

	s.pipelineDepth++
	if err := s.forwardExtended(prepared.RewriteBind(b, entry)); err != nil {
		s.destroyServer()
		return err
	}
	return s.relayExtendedResponse(isBindComplete)
}

// synthesizable reports whether a transaction-control command may be
// answered without a server right now: BEGIN whenever nothing is attached
// and no transaction is already deferred, COMMIT/ROLLBACK only while the
// transaction itself is still deferred (nothing ever reached a backend).
func (s *Session) synthesizable(tag string) bool {
	if s.server != nil {
		return false
	}
	if tag == "BEGIN" {
		return !s.deferredTx
	}
	return s.deferredTx
}

// handleDescribe forwards Describe(Statement) rewritten to the
// pooler-internal name (installing it first if needed) or Describe(Portal)
// unchanged; portals are always server-local so no rewrite applies there.
func (s *Session) handleDescribe(ctx context.Context, d *pgproto3.Describe) error {
	if s.pipelineErrored {
		return nil
	}

	var out pgproto3.FrontendMessage = d
	if d.ObjectType == 'S' {
		entry, ok := s.clientMap.Lookup(d.Name)
		if !ok {
			return s.sendExtendedError(errUndefinedStatement(d.Name))
		}
		if tag, ok := syntheticTxCommand(entry.QueryText); ok && s.synthesizable(tag) {
			s.pipelineDepth++
			s.client.Send(&pgproto3.ParameterDescription{})
			s.client.Send(&pgproto3.NoData{})
			return s.client.Flush()
		}
		if err := s.acquire(ctx); err != nil {
			return s.sendExtendedError(err)
		}
		if err := s.ensureInstalled(entry); err != nil {
			return s.sendExtendedError(err)
		}
		out = prepared.RewriteDescribeStatement(d, entry)
	} else {
		if s.pendingSynthetic != "" && s.server == nil {
			s.pipelineDepth++
			s.client.Send(&pgproto3.NoData{})
			return s.client.Flush()
		}
		if err := s.acquire(ctx); err != nil {
			return s.sendExtendedError(err)
		}
	}

	s.pipelineDepth++
	if err := s.forwardExtended(out); err != nil {
		s.destroyServer()
		return err
	}
	return s.relayExtendedResponse(isRowDescOrNoData)
}

// handleExecute forwards Execute as-is; portal names are never rewritten.
// Executing a portal bound to a synthesized transaction command flips the
// session's own transaction indicator and answers without a server.
func (s *Session) handleExecute(ctx context.Context, e *pgproto3.Execute) error {
	if s.pipelineErrored {
		return nil
	}
	if s.pendingSynthetic != "" && s.server == nil {
		tag := s.pendingSynthetic
		s.pendingSynthetic = ""
		s.applySyntheticTx(tag)
		s.pipelineDepth++
		s.client.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
		return s.client.Flush()
	}
	if err := s.acquire(ctx); err != nil {
		return s.sendExtendedError(err)
	}

	s.pipelineDepth++
	if err := s.forwardExtended(e); err != nil {
		s.destroyServer()
		return err
	}
	return s.relayExtendedResponse(isExecuteTerminal)
}

// applySyntheticTx flips the client-visible transaction indicator for a
// transaction command that was answered without a server.
func (s *Session) applySyntheticTx(tag string) {
	if tag == "BEGIN" {
		s.deferredTx = true
		s.txStatus = 'T'
		if s.deps.Metrics != nil {
			s.deps.Metrics.DeferredBegin(s.poolName)
		}
		return
	}
	s.deferredTx = false
	s.deferredBeginQuery = ""
	s.txStatus = 'I'
}

// handleClose suppresses Close(Statement) entirely — forwarding it would
// close a name other clients may still depend on — and only drops the
// local ClientMap binding. Close(Portal) forwards normally, since portals
// are never shared.
func (s *Session) handleClose(ctx context.Context, c *pgproto3.Close) error {
	if s.pipelineErrored {
		return nil
	}

	if c.ObjectType == 'S' {
		s.clientMap.Deallocate(c.Name)
		s.client.Send(&pgproto3.CloseComplete{})
		return s.client.Flush()
	}

	if s.pendingSynthetic != "" && s.server == nil {
		s.pendingSynthetic = ""
		s.client.Send(&pgproto3.CloseComplete{})
		return s.client.Flush()
	}
	if err := s.acquire(ctx); err != nil {
		return s.sendExtendedError(err)
	}
	s.pipelineDepth++
	if err := s.forwardExtended(c); err != nil {
		s.destroyServer()
		return err
	}
	return s.relayExtendedResponse(isCloseComplete)
}

// handleSync ends the current extended-protocol pipeline: forwarded to
// the server if one is attached, answered directly otherwise. Resets the
// per-pipeline bookkeeping and applies the normal release policy once
// ReadyForQuery is observed.
func (s *Session) handleSync(ctx context.Context) error {
	s.pipelineErrored = false
	s.pipelineDepth = 0
	s.pendingSynthetic = ""

	if s.server == nil {
		s.client.Send(&pgproto3.ReadyForQuery{TxStatus: byte(s.txStatus)})
		return s.client.Flush()
	}

	if err := s.sendToServer(&pgproto3.Sync{}); err != nil {
		s.destroyServer()
		return err
	}
	destroy, err := s.relayUntilReadyForQuery(ctx)
	if destroy {
		s.destroyServer()
		return err
	}
	s.maybeRelease(ctx)
	return err
}

// forwardFlush forwards Flush to the attached server. Every message this
// session sends to a server is already written and unbuffered per
// sendToServer's raw-Encode+Write convention, so there is nothing queued
// that a Flush would need to force out; the message still needs to reach
// the server since PostgreSQL may rely on it to emit any responses it
// was buffering on its own side.
func (s *Session) forwardFlush(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.sendToServer(&pgproto3.Flush{}); err != nil {
		s.destroyServer()
		return err
	}
	return nil
}

// forwardExtended writes msg to the server followed by a Flush, since
// PostgreSQL holds extended-protocol responses until a Flush or Sync and
// the relay needs each step's reply before dispatching the client's next
// message.
func (s *Session) forwardExtended(msg pgproto3.FrontendMessage) error {
	if err := s.sendToServer(msg); err != nil {
		return err
	}
	return s.sendToServer(&pgproto3.Flush{})
}

// syntheticTxCommand recognizes the bare transaction-control statements
// that can be answered without a server: BEGIN, COMMIT, ROLLBACK, with no
// modifiers. "BEGIN ISOLATION LEVEL ..." and friends always go to a real
// backend so their modifiers are never lost.
func syntheticTxCommand(query string) (tag string, ok bool) {
	trimmed := strings.ToUpper(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	switch trimmed {
	case "BEGIN", "COMMIT", "ROLLBACK":
		return trimmed, true
	}
	return "", false
}

// ensureInstalled sends a real Parse for entry to the server if it
// hasn't already been installed on this particular connection, consuming
// (not forwarding) the resulting ParseComplete/ErrorResponse, since the
// client already received its synthetic ParseComplete at Parse time.
// Names the install evicts from the connection's bounded installed-set
// are Closed on the backend in the same pipeline, keeping the server's
// prepared-statement count at the cache bound.
func (s *Session) ensureInstalled(entry *prepared.Entry) error {
	if s.server.HasInstalled(entry.InternalName) {
		return nil
	}

	for _, name := range s.server.PlanInstall(entry.InternalName) {
		if err := s.sendToServer(&pgproto3.Close{ObjectType: 'S', Name: name}); err != nil {
			s.destroyServer()
			return err
		}
	}
	if err := s.sendToServer(prepared.RewriteParse(entry)); err != nil {
		s.destroyServer()
		return err
	}
	if err := s.sendToServer(&pgproto3.Sync{}); err != nil {
		s.destroyServer()
		return err
	}

	fe := s.server.Frontend()
	for {
		msg, err := fe.Receive()
		if err != nil {
			s.destroyServer()
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.CloseComplete, *pgproto3.ParseComplete:
			// evictions released and the new statement installed
		case *pgproto3.ErrorResponse:
			s.server.Uninstall(entry.InternalName)
			// Drain to the Sync's ReadyForQuery before reporting, so the
			// connection isn't left mid-pipeline.
			for {
				m2, err := fe.Receive()
				if err != nil {
					s.destroyServer()
					return err
				}
				if _, ok := m2.(*pgproto3.ReadyForQuery); ok {
					break
				}
			}
			return perr.New(perr.Severity(m.Severity), m.Code, m.Message)
		case *pgproto3.ReadyForQuery:
			return nil
		}
	}
}

// relayExtendedResponse forwards server messages to the client until
// terminal matches one or an ErrorResponse is seen; the latter puts the
// pipeline into its error-skip state until the next Sync.
func (s *Session) relayExtendedResponse(terminal func(pgproto3.BackendMessage) bool) error {
	fe := s.server.Frontend()
	for {
		msg, err := fe.Receive()
		if err != nil {
			s.destroyServer()
			return err
		}

		if errResp, ok := msg.(*pgproto3.ErrorResponse); ok {
			s.client.Send(errResp)
			s.pipelineErrored = true
			return s.client.Flush()
		}

		s.client.Send(msg)
		if err := s.client.Flush(); err != nil {
			s.destroyServer()
			return err
		}
		if terminal(msg) {
			return nil
		}
	}
}

func isBindComplete(m pgproto3.BackendMessage) bool {
	_, ok := m.(*pgproto3.BindComplete)
	return ok
}

func isRowDescOrNoData(m pgproto3.BackendMessage) bool {
	switch m.(type) {
	case *pgproto3.RowDescription, *pgproto3.NoData:
		return true
	default:
		return false
	}
}

func isExecuteTerminal(m pgproto3.BackendMessage) bool {
	switch m.(type) {
	case *pgproto3.CommandComplete, *pgproto3.EmptyQueryResponse, *pgproto3.PortalSuspended:
		return true
	default:
		return false
	}
}

func isCloseComplete(m pgproto3.BackendMessage) bool {
	_, ok := m.(*pgproto3.CloseComplete)
	return ok
}
