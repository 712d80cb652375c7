// Package session implements the Client Task: the
// single-consumer-single-producer state machine that owns one client
// connection end to end — startup, authentication, the Idle/Attached
// lattice, deferred-BEGIN, prepared-statement rewriting, session pinning,
// and the partial-failure paths. Drives typed
// github.com/jackc/pgx/v5/pgproto3 messages end to end against a
// registry-resolved named pool rather than raw byte parsing against a
// fixed tenant/db_type pair.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/doorman/doorman/internal/auth"
	"github.com/doorman/doorman/internal/backend"
	"github.com/doorman/doorman/internal/config"
	"github.com/doorman/doorman/internal/metrics"
	"github.com/doorman/doorman/internal/perr"
	"github.com/doorman/doorman/internal/pool"
	"github.com/doorman/doorman/internal/prepared"
	"github.com/doorman/doorman/internal/registry"
	"github.com/doorman/doorman/internal/wire"
)

// state is the Client Task's position in the Idle/Attached lattice.
type state int

const (
	stateStartupPending state = iota
	stateAuthenticating
	stateIdle
	stateAttachedSimple
	stateAttachedExtended
	stateAttachedCopy
	stateClosing
)

// AdminHandler answers a simple-query command routed to the admin
// database, writing its response (RowDescription/DataRow/CommandComplete
// included) directly to client. Implemented by internal/admin; kept as
// an interface here so the session package has no import-time dependency
// on it.
type AdminHandler interface {
	Handle(ctx context.Context, client *pgproto3.Backend, query string) error
}

// CancelRegistrar lets a Client Task publish and withdraw the synthetic
// (pid, secret) it hands the client at login, so a CancelRequest arriving
// on a second connection can find the Server Connection it should target.
// Implemented by internal/cancel.
type CancelRegistrar interface {
	Register(pid, secret uint32, s *Session)
	Unregister(pid, secret uint32)
	Handle(pid, secret uint32)
}

// Deps bundles the shared, process-lifetime collaborators a Session
// needs, so constructing one doesn't require a dozen positional args.
type Deps struct {
	Registry *registry.Registry
	Pools    *pool.Manager
	Metrics  *metrics.Collector
	Admin    AdminHandler
	Cancel   CancelRegistrar

	// Budget is the process-wide cap on bytes buffered across every
	// in-flight message (max_memory_usage); nil disables accounting.
	Budget *wire.MemoryBudget
}

// Session is one Client Task: the state machine driving a single client
// connection from startup through termination.
type Session struct {
	conn   net.Conn
	client *pgproto3.Backend
	deps   Deps

	id uint64 // synthetic backend process id handed to this client

	state     state
	poolName  string
	poolCfg   config.PoolConfig
	p         *pool.Pool
	server    *backend.Conn
	clientMap *prepared.ClientMap

	txStatus           backend.TxStatus
	pinned             bool
	pinReason          string
	pipelineDepth      int    // unsynced Parse/Bind/Describe/Execute messages since last Sync
	deferredTx         bool   // a synthetic BEGIN was answered without acquiring a server
	deferredBeginQuery string // the BEGIN text to replay when the deferred transaction turns real
	pendingSynthetic   string // extended-protocol BEGIN/COMMIT/ROLLBACK bound but not yet executed
	pipelineErrored    bool   // an extended-protocol error occurred; skip to next Sync

	// touchedGUCs records every session-level parameter this client has
	// SET, so a newly acquired idle Server Connection (which may carry a
	// different client's leftover GUC values) can be resynced to match
	// before it is handed to this client.
	touchedGUCs map[string]string

	acquiredAt time.Time
	startedAt  time.Time

	secret      uint32
	passthrough *auth.ClientKeyMaterial
}

var sessionCounter atomic.Uint64

func nextSessionID() uint64 {
	return sessionCounter.Add(1)
}

// New wraps netConn in a Session ready to Run.
func New(netConn net.Conn, deps Deps) *Session {
	return &Session{
		conn:      netConn,
		client:    pgproto3.NewBackend(netConn, netConn),
		deps:      deps,
		state:     stateStartupPending,
		txStatus:  backend.TxIdle,
		startedAt: time.Now(),
	}
}

// Run drives the session until the client disconnects or a fatal
// protocol error occurs. It always closes netConn and releases any held
// Pool Slot before returning.
func (s *Session) Run(ctx context.Context) {
	defer s.cleanup()

	startup, err := s.client.ReceiveStartupMessage()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			slog.Debug("session: failed to receive startup message", "err", err)
		}
		return
	}

	switch m := startup.(type) {
	case *pgproto3.StartupMessage:
		if err := s.handleStartup(ctx, m); err != nil {
			s.sendFatal(err)
			return
		}
	case *pgproto3.CancelRequest:
		// A CancelRequest always arrives on its own fresh connection,
		// never interleaved with a regular session; translate it
		// to the real backend key and we're done with this connection.
		if s.deps.Cancel != nil {
			s.deps.Cancel.Handle(m.ProcessID, m.SecretKey)
		}
		return
	default:
		slog.Warn("session: unexpected startup message type", "type", fmt.Sprintf("%T", m))
		return
	}

	s.loop(ctx)
}

func (s *Session) handleStartup(ctx context.Context, m *pgproto3.StartupMessage) error {
	database := m.Parameters["database"]
	user := m.Parameters["user"]
	if database == "" {
		database = user
	}

	if s.deps.Registry.Listen().AdminDatabase != "" && database == s.deps.Registry.Listen().AdminDatabase {
		return s.handleAdminStartup(ctx, user)
	}

	poolCfg, err := s.deps.Registry.Resolve(database)
	if err != nil {
		return perr.Wrap(perr.SeverityFatal, perr.CodeInvalidCatalogName, fmt.Sprintf("no pool configured for database %q", database), perr.ErrUnknownPool)
	}
	if s.deps.Registry.IsPaused(database) {
		return perr.Wrap(perr.SeverityFatal, perr.CodeConnectionFailure, fmt.Sprintf("pool %q is paused", database), perr.ErrPoolPaused)
	}
	s.poolName = database
	s.poolCfg = poolCfg
	s.p = s.deps.Pools.GetOrCreate(database, poolCfg)

	userCfg, verifier, err := s.resolveUserCredentials(ctx, poolCfg, database, user)
	if err != nil {
		return err
	}

	if err := s.authenticateClient(user, userCfg, verifier); err != nil {
		if ac := s.p.AuthCache(); ac != nil {
			// The stored password may have rotated since the last fetch;
			// drop the entry so the client's retry sees fresh credentials.
			ac.Invalidate(user)
		}
		return err
	}

	s.clientMap = prepared.NewClientMap(poolCfg.ClientPreparedStatementsCacheSize)
	s.id = nextSessionID()
	s.secret = synthSecret()

	if err := s.sendBackendGreeting(userCfg.AuthMethod == "scram-sha-256"); err != nil {
		return err
	}
	if s.deps.Cancel != nil {
		s.deps.Cancel.Register(uint32(s.id), s.secret, s)
	}
	s.state = stateIdle
	return nil
}

// resolveUserCredentials finds the credentials to authenticate user
// against: the pool's static Users map first, then the auth_query cache
// when one is configured. An auth_query hit carrying a SCRAM verifier
// forces scram-sha-256 client auth (MD5 cannot be computed from a
// verifier); a plaintext hit defaults to md5.
func (s *Session) resolveUserCredentials(ctx context.Context, poolCfg config.PoolConfig, database, user string) (config.UserConfig, *auth.Verifier, error) {
	if userCfg, ok := poolCfg.Users[user]; ok {
		return userCfg, nil, nil
	}

	ac := s.p.AuthCache()
	if ac == nil {
		return config.UserConfig{}, nil, perr.Wrap(perr.SeverityFatal, perr.CodeInvalidAuth, fmt.Sprintf("no such user %q for pool %q", user, database), perr.ErrAuthFailed)
	}

	cred, err := ac.Lookup(ctx, user)
	if err != nil || !cred.Found {
		return config.UserConfig{}, nil, perr.Wrap(perr.SeverityFatal, perr.CodeInvalidAuth, fmt.Sprintf("password lookup failed for user %q", user), perr.ErrAuthQueryFailed)
	}
	if cred.Verifier != nil {
		return config.UserConfig{AuthMethod: "scram-sha-256"}, cred.Verifier, nil
	}
	return config.UserConfig{Password: cred.Password, AuthMethod: "md5"}, nil, nil
}

func (s *Session) handleAdminStartup(ctx context.Context, user string) error {
	if s.deps.Admin == nil {
		return perr.New(perr.SeverityFatal, perr.CodeInvalidCatalogName, "admin database not available")
	}
	// Admin logins are trust-only: the listener is expected to be bound
	// to a loopback/unix socket or otherwise access-controlled.
	_ = user
	s.id = nextSessionID()
	s.secret = synthSecret()
	if err := s.sendBackendGreeting(false); err != nil {
		return err
	}
	s.state = stateIdle
	s.poolName = s.deps.Registry.Listen().AdminDatabase
	return nil
}

// sendBackendGreeting emits the synthetic ParameterStatus/BackendKeyData
// /ReadyForQuery sequence every successfully-authenticated client
// receives, built from typed pgproto3 messages rather than raw wire
// bytes. alreadyAuthed is true when the auth exchange itself
// already sent AuthenticationOk (SCRAM), so it isn't sent twice.
func (s *Session) sendBackendGreeting(alreadyAuthed bool) error {
	var msgs []pgproto3.BackendMessage
	if !alreadyAuthed {
		msgs = append(msgs, &pgproto3.AuthenticationOk{})
	}
	msgs = append(msgs,
		&pgproto3.ParameterStatus{Name: "server_version", Value: "16.0 (doorman)"},
		&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"},
		&pgproto3.BackendKeyData{ProcessID: uint32(s.id), SecretKey: s.secret},
		&pgproto3.ReadyForQuery{TxStatus: byte(backend.TxIdle)},
	)
	for _, m := range msgs {
		s.client.Send(m)
	}
	return s.client.Flush()
}

func (s *Session) sendFatal(err error) {
	pg := perr.AsPG(err)
	s.client.Send(&pgproto3.ErrorResponse{
		Severity: string(pg.Severity),
		Code:     pg.Code,
		Message:  pg.Message,
	})
	s.client.Flush()
}

// loop is the main Idle/Attached dispatch, run until Closing.
func (s *Session) loop(ctx context.Context) {
	for s.state != stateClosing {
		msg, err := s.client.Receive()
		if err != nil {
			return
		}
		if err := s.dispatch(ctx, msg); err != nil {
			if errors.Is(err, errSessionClosing) {
				return
			}
			slog.Debug("session: dispatch error", "pool", s.poolName, "err", err)
			return
		}
	}
}

var errSessionClosing = errors.New("session: closing")

func (s *Session) dispatch(ctx context.Context, msg pgproto3.FrontendMessage) error {
	switch m := msg.(type) {
	case *pgproto3.Query:
		return s.handleSimpleQuery(ctx, m)
	case *pgproto3.Parse:
		return s.handleParse(ctx, m)
	case *pgproto3.Bind:
		return s.handleBind(ctx, m)
	case *pgproto3.Describe:
		return s.handleDescribe(ctx, m)
	case *pgproto3.Execute:
		return s.handleExecute(ctx, m)
	case *pgproto3.Close:
		return s.handleClose(ctx, m)
	case *pgproto3.Sync:
		return s.handleSync(ctx)
	case *pgproto3.Flush:
		return s.forwardFlush(ctx)
	case *pgproto3.CopyData, *pgproto3.CopyDone, *pgproto3.CopyFail:
		return s.handleCopyFromIdle(ctx, msg)
	case *pgproto3.Terminate:
		s.state = stateClosing
		return errSessionClosing
	default:
		return fmt.Errorf("unsupported client message %T", m)
	}
}

// CancelTarget reports where a CancelRequest naming this session's
// synthetic (pid, secret) should actually be forwarded: the real
// PostgreSQL backend key of the currently attached Server Connection, if
// any. Clients only ever see doorman's synthetic BackendKeyData,
// so a CancelRequest must be translated to the real key before it means
// anything to the server.
func (s *Session) CancelTarget() (host string, port int, pid, secret uint32, ok bool) {
	if s.server == nil {
		return "", 0, 0, 0, false
	}
	pid, secret = s.server.BackendKey()
	return s.poolCfg.ServerHost, s.poolCfg.ServerPort, pid, secret, true
}

// cleanup releases any held Server Connection and unregisters the
// session from the cancel registry. Always safe to call more than once.
func (s *Session) cleanup() {
	if s.deps.Cancel != nil && s.id != 0 {
		s.deps.Cancel.Unregister(uint32(s.id), s.secret)
	}
	if s.server != nil {
		if s.server.TxStatus() != backend.TxIdle && s.deps.Metrics != nil {
			s.deps.Metrics.DirtyDisconnect(s.poolName)
		}
		s.releaseServer(context.Background(), true)
	}
	s.conn.Close()
}

// synthSecret returns a pseudo-random secret key for the backend greeting.
// Not security-sensitive beyond the narrow cancel-auth window it guards;
// a process-wide counter would leak ordering, so it's derived from the
// clock instead of crypto/rand to avoid blocking on entropy for a value
// with no confidentiality requirement.
func synthSecret() uint32 {
	return uint32(time.Now().UnixNano())
}
