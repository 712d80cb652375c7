package session

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/doorman/doorman/internal/backend"
)

// handleSimpleQuery implements the Idle->Attached(simple_query)->Idle
// transition, including the admin-database shortcut,
// local DEALLOCATE interception, the deferred-BEGIN optimization, and
// LISTEN/NOTIFY session pinning.
func (s *Session) handleSimpleQuery(ctx context.Context, m *pgproto3.Query) error {
	query := strings.TrimSpace(m.String)

	if s.p == nil {
		if s.deps.Admin != nil {
			return s.deps.Admin.Handle(ctx, s.client, query)
		}
		return s.sendQueryError(errUndefinedStatement("admin"))
	}

	if name, all, ok := parseDeallocate(query); ok {
		return s.handleDeallocate(name, all)
	}

	upper := strings.ToUpper(query)

	if name, value, ok := parseSet(query); ok {
		if s.touchedGUCs == nil {
			s.touchedGUCs = make(map[string]string)
		}
		s.touchedGUCs[name] = value
	} else if name, ok := parseResetOne(query); ok {
		delete(s.touchedGUCs, name)
	} else if isResetAll(upper) {
		s.touchedGUCs = nil
	}
	switch {
	case upper == "BEGIN" || strings.HasPrefix(upper, "BEGIN;") || strings.HasPrefix(upper, "BEGIN "):
		if s.server == nil && !s.deferredTx {
			return s.synthBegin(query)
		}
	case upper == "ROLLBACK" || strings.HasPrefix(upper, "ROLLBACK;") || strings.HasPrefix(upper, "ROLLBACK "):
		if s.deferredTx && s.server == nil {
			return s.synthRollback()
		}
	}

	if s.deferredTx {
		if destroy, err := s.resolveDeferredBegin(ctx); err != nil {
			if destroy {
				s.destroyServer()
			}
			return s.sendQueryError(err)
		}
	}

	if pinReason := detectPinningCommand(upper); pinReason != "" && !s.pinned {
		s.pinned = true
		s.pinReason = pinReason
		if s.deps.Metrics != nil {
			s.deps.Metrics.SessionPinned(s.poolName, pinReason)
		}
	}

	if err := s.acquire(ctx); err != nil {
		return s.sendQueryError(err)
	}
	if err := s.forwardSimple(ctx, m.String); err != nil {
		return s.sendQueryError(err)
	}
	return nil
}

// synthBegin answers a standalone BEGIN without acquiring a Server
// Connection, a deferred-BEGIN optimization: most
// transactions that open with BEGIN issue only read-only statements
// during which the pool still benefits from multiplexing the slot.
func (s *Session) synthBegin(query string) error {
	s.deferredTx = true
	s.deferredBeginQuery = query
	s.txStatus = 'T'
	s.client.Send(&pgproto3.CommandComplete{CommandTag: []byte("BEGIN")})
	s.client.Send(&pgproto3.ReadyForQuery{TxStatus: byte(s.txStatus)})
	if s.deps.Metrics != nil {
		s.deps.Metrics.DeferredBegin(s.poolName)
	}
	return s.client.Flush()
}

// synthRollback answers a ROLLBACK that never left the deferred-BEGIN
// state: no server was ever told about the transaction, so there is
// nothing to undo.
func (s *Session) synthRollback() error {
	s.deferredTx = false
	s.deferredBeginQuery = ""
	s.txStatus = 'I'
	s.client.Send(&pgproto3.CommandComplete{CommandTag: []byte("ROLLBACK")})
	s.client.Send(&pgproto3.ReadyForQuery{TxStatus: byte(s.txStatus)})
	return s.client.Flush()
}

// resolveDeferredBegin is called before any statement other than BEGIN/
// ROLLBACK is allowed to proceed while deferredTx is set: it acquires a
// real server and replays the BEGIN the client already believes
// happened, since the backend was never told about the synthetic one.
func (s *Session) resolveDeferredBegin(ctx context.Context) (destroy bool, err error) {
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	return s.syncDeferredBegin(ctx)
}

// syncDeferredBegin sends the real BEGIN to the newly acquired server
// and drains its response without forwarding anything to the client,
// which already received its synthetic CommandComplete/ReadyForQuery.
func (s *Session) syncDeferredBegin(ctx context.Context) (destroy bool, err error) {
	beginQuery := s.deferredBeginQuery
	if beginQuery == "" {
		beginQuery = "BEGIN"
	}
	if err := s.sendToServer(&pgproto3.Query{String: beginQuery}); err != nil {
		return true, err
	}
	fe := s.server.Frontend()
	for {
		msg, recvErr := fe.Receive()
		if recvErr != nil {
			return true, recvErr
		}
		if rfq, ok := msg.(*pgproto3.ReadyForQuery); ok {
			s.server.SetTxStatus(backend.TxStatus(rfq.TxStatus))
			s.txStatus = backend.TxStatus(rfq.TxStatus)
			s.deferredTx = false
			s.deferredBeginQuery = ""
			return false, nil
		}
	}
}

// handleDeallocate intercepts DEALLOCATE <name> and DEALLOCATE ALL at
// the simple-query layer: both are purely local operations against the
// per-client map and are never forwarded, since the server-side names
// are pooler-internal and shared with other clients.
func (s *Session) handleDeallocate(name string, all bool) error {
	if all {
		s.clientMap.DeallocateAll()
	} else if !s.clientMap.Deallocate(name) {
		return s.sendQueryError(errUndefinedStatement(name))
	}
	s.client.Send(&pgproto3.CommandComplete{CommandTag: []byte("DEALLOCATE")})
	s.client.Send(&pgproto3.ReadyForQuery{TxStatus: byte(s.txStatus)})
	return s.client.Flush()
}

// parseDeallocate recognizes "DEALLOCATE [PREPARE] <name>" and
// "DEALLOCATE ALL" (case-insensitively, with optional trailing ';').
func parseDeallocate(query string) (name string, all bool, ok bool) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(query), ";")
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "DEALLOCATE") {
		return "", false, false
	}

	rest := strings.TrimSpace(trimmed[len("DEALLOCATE"):])
	if strings.EqualFold(rest, "ALL") {
		return "", true, true
	}
	if restUpper := strings.ToUpper(rest); strings.HasPrefix(restUpper, "PREPARE ") {
		rest = strings.TrimSpace(rest[len("PREPARE "):])
	}
	if rest == "" {
		return "", false, false
	}
	return rest, false, true
}

// parseSet recognizes "SET [SESSION] <name> (TO|=) <value>", returning
// the lowercased GUC name and its unquoted value. "SET LOCAL ..." is
// deliberately excluded: it only lasts until the end of the current
// transaction, so it must never be remembered as a session-level value
// a recycled connection should be resynced to.
func parseSet(query string) (name, value string, ok bool) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(query), ";")
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SET ") {
		return "", "", false
	}

	rest := strings.TrimSpace(trimmed[len("SET "):])
	restUpper := strings.ToUpper(rest)
	if strings.HasPrefix(restUpper, "LOCAL ") {
		return "", "", false
	}
	if strings.HasPrefix(restUpper, "SESSION ") {
		rest = strings.TrimSpace(rest[len("SESSION "):])
	}

	normalized := strings.ReplaceAll(rest, "=", " = ")
	fields := strings.Fields(normalized)
	if len(fields) < 3 {
		return "", "", false
	}
	if !strings.EqualFold(fields[1], "TO") && fields[1] != "=" {
		return "", "", false
	}

	name = strings.ToLower(fields[0])
	value = strings.Trim(strings.Join(fields[2:], " "), "'\"")
	if name == "" || value == "" {
		return "", "", false
	}
	return name, value, true
}

// parseResetOne recognizes "RESET <name>" (but not "RESET ALL", handled
// separately by isResetAll), dropping that one GUC from the session's
// touched-parameter view so a future recycle no longer tries to
// re-apply a value the client has explicitly reset to default.
func parseResetOne(query string) (name string, ok bool) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(query), ";")
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "RESET ") {
		return "", false
	}
	rest := strings.TrimSpace(trimmed[len("RESET "):])
	if strings.EqualFold(rest, "ALL") || rest == "" {
		return "", false
	}
	return strings.ToLower(rest), true
}

// isResetAll reports whether upperQuery is "RESET ALL", which clears
// every session-level GUC the client has touched so far.
func isResetAll(upperQuery string) bool {
	trimmed := strings.TrimSuffix(upperQuery, ";")
	return trimmed == "RESET ALL"
}

// detectPinningCommand reports the pin reason for simple-query commands
// that must keep the current Server Connection attached past the next
// ReadyForQuery(Idle). Named prepared statements are pool-shared here
// rather than session-pinning, and SET is tracked in touchedGUCs rather
// than pinned, so only LISTEN/NOTIFY/UNLISTEN force pinning.
func detectPinningCommand(upperQuery string) string {
	switch {
	case strings.HasPrefix(upperQuery, "LISTEN"):
		return "listen"
	case strings.HasPrefix(upperQuery, "UNLISTEN"):
		return "listen"
	case strings.HasPrefix(upperQuery, "NOTIFY"):
		return "notify"
	default:
		return ""
	}
}
