// Package backend implements the Server Connection: a single TCP/TLS
// socket to a PostgreSQL backend, its startup/auth handshake, and the
// recycle() contract the pool runs before handing it to a new client.
package backend

import (
	"container/list"
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/doorman/doorman/internal/auth"
	"github.com/doorman/doorman/internal/perr"
)

// TxStatus mirrors the ReadyForQuery transaction indicator byte.
type TxStatus byte

const (
	TxIdle   TxStatus = 'I'
	TxActive TxStatus = 'T'
	TxFailed TxStatus = 'E'
)

// Config is the subset of pool configuration a Server Connection needs to
// dial and authenticate against its backend.
type Config struct {
	ServerHost       string
	ServerPort       int
	ServerDatabase   string
	User             string
	Password         string
	AuthMethod       string // trust | md5 | scram-sha-256
	ApplicationName  string
	ConnectTimeout   time.Duration
	ServerLifetime   time.Duration
	IdleCheckTimeout time.Duration
	TLSConfig        *tls.Config

	// SCRAMPassthrough, when non-nil, supplies the client-derived key
	// material so the server auth exchange re-signs with the client's
	// own proof instead of a pooler-stored password.
	SCRAMPassthrough *auth.ClientKeyMaterial
}

// Conn is a single backend connection plus all of the bookkeeping the
// spec's Server Connection data model requires: installed-statement LRU,
// last-seen transaction indicator, birth/last-used timestamps, and the
// backend key needed to relay a CancelRequest.
type Conn struct {
	mu sync.Mutex

	netConn  net.Conn
	frontend *pgproto3.Frontend

	cfg Config

	// startup parameters the connection was opened with.
	startupParams map[string]string

	// ParameterStatus values observed from the backend after startup,
	// replayed synthetically to clients on attachment.
	serverParams map[string]string

	backendPID    uint32
	backendSecret uint32

	txStatus TxStatus

	birth    time.Time
	lastUsed time.Time

	// installed is the bounded LRU of pooler_internal_name currently
	// known Parsed on this backend.
	installed    *list.List
	installedSet map[string]*list.Element
	maxInstalled int

	closed bool
}

// Dial opens a new Server Connection: TCP connect, optional TLS, startup
// message, and the auth exchange for cfg.AuthMethod, supporting the three
// server-side auth methods and SCRAM passthrough.
func Dial(ctx context.Context, cfg Config, maxInstalled int) (*Conn, error) {
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, perr.Wrap(perr.SeverityFatal, perr.CodeConnectionFailure, "dial backend failed", err)
	}

	var netConn net.Conn = raw
	if cfg.TLSConfig != nil {
		if err := negotiateTLS(raw, cfg.TLSConfig); err != nil {
			raw.Close()
			return nil, fmt.Errorf("backend TLS negotiation: %w", err)
		}
		netConn = tls.Client(raw, cfg.TLSConfig)
	}

	c := &Conn{
		netConn:       netConn,
		frontend:      pgproto3.NewFrontend(netConn, netConn),
		cfg:           cfg,
		startupParams: map[string]string{},
		serverParams:  map[string]string{},
		txStatus:      TxIdle,
		birth:         time.Now(),
		lastUsed:      time.Now(),
		installed:     list.New(),
		installedSet:  map[string]*list.Element{},
		maxInstalled:  maxInstalled,
	}

	params := map[string]string{
		"user":     cfg.User,
		"database": cfg.ServerDatabase,
	}
	if cfg.ApplicationName != "" {
		params["application_name"] = cfg.ApplicationName
	}
	for k, v := range params {
		c.startupParams[k] = v
	}

	if err := c.startupAndAuth(ctx, params); err != nil {
		netConn.Close()
		return nil, err
	}
	return c, nil
}

// NewTestConn builds a Conn around an already-established net.Conn
// without running the dial/startup/auth handshake, for pool and session
// tests that inject a net.Pipe in place of a live backend.
func NewTestConn(netConn net.Conn, cfg Config, maxInstalled int) *Conn {
	return &Conn{
		netConn:       netConn,
		frontend:      pgproto3.NewFrontend(netConn, netConn),
		cfg:           cfg,
		startupParams: map[string]string{},
		serverParams:  map[string]string{},
		txStatus:      TxIdle,
		birth:         time.Now(),
		lastUsed:      time.Now(),
		installed:     list.New(),
		installedSet:  map[string]*list.Element{},
		maxInstalled:  maxInstalled,
	}
}

// negotiateTLS sends an SSLRequest and expects 'S' before the caller
// wraps the connection in a TLS client.
func negotiateTLS(conn net.Conn, _ *tls.Config) error {
	req := make([]byte, 8)
	req[0], req[1], req[2], req[3] = 0, 0, 0, 8
	req[4], req[5], req[6], req[7] = 4, 210, 22, 47 // 80877103 big-endian
	if _, err := conn.Write(req); err != nil {
		return err
	}
	resp := make([]byte, 1)
	if _, err := conn.Read(resp); err != nil {
		return err
	}
	if resp[0] != 'S' {
		return fmt.Errorf("backend refused SSLRequest")
	}
	return nil
}

// writeMsg encodes msg and writes it straight to the socket, the
// convention for everything sent in the Frontend role in this codebase.
func (c *Conn) writeMsg(msg pgproto3.FrontendMessage) error {
	buf, err := msg.Encode(nil)
	if err != nil {
		return err
	}
	_, err = c.netConn.Write(buf)
	return err
}

func (c *Conn) startupAndAuth(ctx context.Context, params map[string]string) error {
	startup := &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      params,
	}
	if err := c.writeMsg(startup); err != nil {
		return perr.Wrap(perr.SeverityFatal, perr.CodeConnectionFailure, "write startup message", err)
	}

	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			return perr.Wrap(perr.SeverityFatal, perr.CodeConnectionFailure, "backend startup handshake", err)
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk:
			// fall through to the post-auth startup stream
		case *pgproto3.AuthenticationCleartextPassword:
			if err := c.writeMsg(&pgproto3.PasswordMessage{Password: c.cfg.Password}); err != nil {
				return perr.Wrap(perr.SeverityFatal, perr.CodeConnectionFailure, "write cleartext password", err)
			}
		case *pgproto3.AuthenticationMD5Password:
			hashed := auth.MD5Password(c.cfg.User, c.cfg.Password, m.Salt)
			if err := c.writeMsg(&pgproto3.PasswordMessage{Password: hashed}); err != nil {
				return perr.Wrap(perr.SeverityFatal, perr.CodeConnectionFailure, "write md5 password", err)
			}
		case *pgproto3.AuthenticationSASL:
			if err := auth.ScramClientExchange(ctx, c.netConn, c.frontend, c.cfg.User, c.cfg.Password, c.cfg.SCRAMPassthrough); err != nil {
				return perr.Wrap(perr.SeverityFatal, perr.CodeInvalidAuth, "SCRAM exchange with backend failed", err)
			}
		case *pgproto3.ParameterStatus:
			c.serverParams[m.Name] = m.Value
		case *pgproto3.BackendKeyData:
			c.backendPID = m.ProcessID
			c.backendSecret = m.SecretKey
		case *pgproto3.ReadyForQuery:
			c.txStatus = TxStatus(m.TxStatus)
			return nil
		case *pgproto3.ErrorResponse:
			return perr.Wrap(perr.SeverityFatal, perr.CodeInvalidAuth, "backend rejected startup: "+m.Message, nil)
		default:
			// NoticeResponse and similar are ignored during startup.
		}
	}
}

// Frontend exposes the typed pgproto3.Frontend for the session layer to
// forward Parse/Bind/Execute/Sync traffic through.
func (c *Conn) Frontend() *pgproto3.Frontend { return c.frontend }

// NetConn exposes the raw socket, needed for streaming large DataRow /
// CopyData payloads without going through typed decode.
func (c *Conn) NetConn() net.Conn { return c.netConn }

func (c *Conn) BackendKey() (pid, secret uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backendPID, c.backendSecret
}

func (c *Conn) ServerParams() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.serverParams))
	for k, v := range c.serverParams {
		out[k] = v
	}
	return out
}

func (c *Conn) SetTxStatus(s TxStatus) {
	c.mu.Lock()
	c.txStatus = s
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *Conn) TxStatus() TxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txStatus
}

func (c *Conn) Birth() time.Time { return c.birth }

func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// HasInstalled reports whether pooler_internal_name is believed installed
// on this backend and bumps its LRU recency.
func (c *Conn) HasInstalled(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.installedSet[name]
	if ok {
		c.installed.MoveToFront(el)
	}
	return ok
}

// PlanInstall records that pooler_internal_name is about to be Parsed on
// this backend, evicting the LRU-oldest installed names if the bound is
// exceeded. The evicted names are returned so the caller can issue a
// Close(statement) for each — without it the backend would accumulate
// statements far past the cache bound, since forgetting a name here only
// forgets that re-Parsing is skippable.
func (c *Conn) PlanInstall(name string) (toClose []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.installedSet[name]; ok {
		c.installed.MoveToFront(el)
		return nil
	}
	el := c.installed.PushFront(name)
	c.installedSet[name] = el
	if c.maxInstalled > 0 {
		for c.installed.Len() > c.maxInstalled {
			oldest := c.installed.Back()
			if oldest == nil {
				break
			}
			c.installed.Remove(oldest)
			old := oldest.Value.(string)
			delete(c.installedSet, old)
			toClose = append(toClose, old)
		}
	}
	return toClose
}

// MarkInstalled is PlanInstall for callers that have no way to Close the
// evicted names (tests, opportunistic bookkeeping); evictions are
// dropped.
func (c *Conn) MarkInstalled(name string) {
	c.PlanInstall(name)
}

// Uninstall forgets name, used when its Parse errored after PlanInstall
// already recorded it — the installed-set must stay a subset of what the
// backend really has.
func (c *Conn) Uninstall(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.installedSet[name]; ok {
		c.installed.Remove(el)
		delete(c.installedSet, name)
	}
}

// ClearInstalled wipes the installed-name set, called when a
// "DEALLOCATE ALL"/"DISCARD ALL" CommandComplete tag is observed flowing
// through this connection.
func (c *Conn) ClearInstalled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installed.Init()
	c.installedSet = map[string]*list.Element{}
}

// ObserveCommandTag inspects a CommandComplete tag for the server-side
// resets that must invalidate our installed-name belief.
func (c *Conn) ObserveCommandTag(tag string) {
	switch tag {
	case "DEALLOCATE ALL", "DISCARD ALL":
		c.ClearInstalled()
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.netConn.Close()
}

// RecycleResult is the outcome of recycle().
type RecycleResult int

const (
	RecycleOK RecycleResult = iota
	RecycleExpired
	RecycleDead
	RecycleDirty
)

func (r RecycleResult) String() string {
	switch r {
	case RecycleOK:
		return "ok"
	case RecycleExpired:
		return "expired"
	case RecycleDead:
		return "dead"
	case RecycleDirty:
		return "dirty"
	default:
		return "unknown"
	}
}

// jitteredLifetime applies a ±20% jitter to avoid
// synchronized reconnection storms.
func jitteredLifetime(lifetime time.Duration) time.Duration {
	if lifetime <= 0 {
		return 0
	}
	jitter := 0.8 + rand.Float64()*0.4 // [0.8, 1.2)
	return time.Duration(float64(lifetime) * jitter)
}

// Recycle runs the four-step reset contract before a slot may be
// attached to a new Client Task. desiredParams is the next client's
// touched-GUC view, consulted only when syncParams is true.
func (c *Conn) Recycle(ctx context.Context, syncParams bool, desiredParams map[string]string) RecycleResult {
	c.mu.Lock()
	birth := c.birth
	lifetime := c.cfg.ServerLifetime
	idleCheck := c.cfg.IdleCheckTimeout
	lastUsed := c.lastUsed
	status := c.txStatus
	c.mu.Unlock()

	if lifetime > 0 && time.Now().After(birth.Add(jitteredLifetime(lifetime))) {
		return RecycleExpired
	}

	if idleCheck > 0 && time.Since(lastUsed) > idleCheck {
		if err := c.probe(); err != nil {
			return RecycleDead
		}
	}

	if status != TxIdle {
		if err := c.rollback(ctx); err != nil {
			return RecycleDirty
		}
	}

	if syncParams {
		if err := c.syncParams(ctx, desiredParams); err != nil {
			return RecycleDirty
		}
	}

	c.Touch()
	return RecycleOK
}

// probe issues a minimal ';' simple query and waits for ReadyForQuery,
// issued before the connection is handed back to the idle pool.
func (c *Conn) probe() error {
	if err := c.writeMsg(&pgproto3.Query{String: ";"}); err != nil {
		return err
	}
	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			return err
		}
		if rfq, ok := msg.(*pgproto3.ReadyForQuery); ok {
			c.SetTxStatus(TxStatus(rfq.TxStatus))
			return nil
		}
		if _, ok := msg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("probe returned error")
		}
	}
}

// rollback attempts to return a dirty transaction to Idle with a single
// ROLLBACK.
func (c *Conn) rollback(_ context.Context) error {
	if err := c.writeMsg(&pgproto3.Query{String: "ROLLBACK"}); err != nil {
		return err
	}
	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *pgproto3.ReadyForQuery:
			c.SetTxStatus(TxStatus(m.TxStatus))
			if TxStatus(m.TxStatus) != TxIdle {
				return fmt.Errorf("rollback did not return to idle")
			}
			return nil
		case *pgproto3.CommandComplete:
			c.ObserveCommandTag(string(m.CommandTag))
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("rollback failed: %s", m.Message)
		}
	}
}

// syncParams reconciles any touched GUC whose desired value diverges
// from the server's last-observed ParameterStatus.
func (c *Conn) syncParams(_ context.Context, desired map[string]string) error {
	for k, v := range desired {
		if c.serverParams[k] == v {
			continue
		}
		if err := c.writeMsg(&pgproto3.Query{String: fmt.Sprintf("SET %s = %s", k, quoteGUCValue(v))}); err != nil {
			return err
		}
		for {
			msg, err := c.frontend.Receive()
			if err != nil {
				return err
			}
			if rfq, ok := msg.(*pgproto3.ReadyForQuery); ok {
				c.SetTxStatus(TxStatus(rfq.TxStatus))
				break
			}
			if errResp, ok := msg.(*pgproto3.ErrorResponse); ok {
				return fmt.Errorf("SET %s failed: %s", k, errResp.Message)
			}
		}
		c.mu.Lock()
		c.serverParams[k] = v
		c.mu.Unlock()
	}
	return nil
}

func quoteGUCValue(v string) string {
	return "'" + v + "'"
}
