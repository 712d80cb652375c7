// Package server owns the client-facing listener: accepting TCP
// connections, negotiating SSLRequest/GSSEncRequest ahead of the real
// startup message, and handing each connection off to its own
// internal/session.Session. Runs an accept-loop-per-protocol structure narrowed
// to PostgreSQL only (see DESIGN.md on dropped protocol support)
// and with SSL negotiation factored out of the per-protocol
// handler into a shared step ahead of session construction.
package server

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/doorman/doorman/internal/cancel"
	"github.com/doorman/doorman/internal/metrics"
	"github.com/doorman/doorman/internal/pool"
	"github.com/doorman/doorman/internal/registry"
	"github.com/doorman/doorman/internal/session"
	"github.com/doorman/doorman/internal/wire"
)

const (
	sslRequestCode    = 80877103
	gssEncRequestCode = 80877104
	maxSSLAttempts    = 3
)

// Server is the client-facing PostgreSQL listener.
type Server struct {
	Registry *registry.Registry
	Pools    *pool.Manager
	Metrics  *metrics.Collector
	Admin    session.AdminHandler
	Cancel   *cancel.Registry
	Budget   *wire.MemoryBudget

	tlsConfig *tls.Config

	ln net.Listener
	wg sync.WaitGroup

	ctx      context.Context
	cancelFn context.CancelFunc
}

// New builds a Server. tlsConfig is nil when the listener has no
// certificate configured or failed to load one (allow/disable modes).
// budget is the process-wide max_memory_usage cap shared by every
// session this Server accepts; nil disables accounting.
func New(reg *registry.Registry, pools *pool.Manager, m *metrics.Collector, admin session.AdminHandler, cancelReg *cancel.Registry, budget *wire.MemoryBudget) *Server {
	ctx, cancelFn := context.WithCancel(context.Background())
	s := &Server{
		Registry: reg,
		Pools:    pools,
		Metrics:  m,
		Admin:    admin,
		Cancel:   cancelReg,
		Budget:   budget,
		ctx:      ctx,
		cancelFn: cancelFn,
	}

	lc := reg.Listen()
	if lc.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
		if err != nil {
			slog.Warn("server: failed to load TLS cert/key, TLS disabled", "err", err)
		} else {
			s.tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}
	}
	return s
}

// Listen opens a fresh client-facing socket (SO_REUSEPORT set) and
// starts accepting.
func (s *Server) Listen() error {
	lc := s.Registry.Listen()
	addr := fmt.Sprintf("%s:%d", lc.Host, lc.Port)

	ln, err := listen(addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	slog.Info("server: listening", "addr", addr)
	return s.ListenOn(ln)
}

// ListenOn starts accepting on an already-open listener, used when a
// freshly exec'd binary inherits its predecessor's socket via
// --inherit-fd during a graceful binary upgrade.
func (s *Server) ListenOn(ln net.Listener) error {
	s.ln = ln
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// ListenerFile returns a duplicate, exec-inheritable *os.File backing the
// active listener, for handing off to a freshly spawned replacement
// binary during a graceful binary upgrade. The duplicate is independent
// of the listener itself: closing one never affects the other.
func (s *Server) ListenerFile() (*os.File, error) {
	tl, ok := s.ln.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("server: active listener is not a *net.TCPListener")
	}
	return tl.File()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("server: accept error", "err", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	conn, ok := s.negotiateTLS(conn)
	if !ok {
		conn.Close()
		return
	}

	deps := session.Deps{
		Registry: s.Registry,
		Pools:    s.Pools,
		Metrics:  s.Metrics,
		Admin:    s.Admin,
		Budget:   s.Budget,
	}
	// Assign the interface field only from a live registry: a typed nil
	// would defeat the session's Cancel != nil guards.
	if s.Cancel != nil {
		deps.Cancel = s.Cancel
	}
	sess := session.New(conn, deps)
	sess.Run(s.ctx)
}

// negotiateTLS loops over SSLRequest/GSSEncRequest the way a startup
// reader normally does — both are exactly 8 bytes on the wire, so a
// non-8 length means the client has skipped straight to its real
// StartupMessage/CancelRequest, which is handed to the session unchanged
// via prefixConn so the already-read length bytes aren't lost.
func (s *Server) negotiateTLS(conn net.Conn) (net.Conn, bool) {
	for attempt := 0; attempt < maxSSLAttempts; attempt++ {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return conn, false
		}
		msgLen := binary.BigEndian.Uint32(lenBuf)
		if msgLen != 8 {
			return &prefixConn{prefix: lenBuf, Conn: conn}, true
		}

		codeBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, codeBuf); err != nil {
			return conn, false
		}

		switch binary.BigEndian.Uint32(codeBuf) {
		case sslRequestCode:
			if s.tlsConfig != nil {
				if _, err := conn.Write([]byte{'S'}); err != nil {
					return conn, false
				}
				tlsConn := tls.Server(conn, s.tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					slog.Debug("server: TLS handshake failed", "err", err)
					return conn, false
				}
				conn = tlsConn
			} else if _, err := conn.Write([]byte{'N'}); err != nil {
				return conn, false
			}
		case gssEncRequestCode:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return conn, false
			}
		default:
			// A real 8-byte startup packet cannot happen — every other
			// StartupMessage carries at least one parameter pair.
			return conn, false
		}
	}
	return conn, false
}

// prefixConn replays bytes already consumed during SSL negotiation
// before resuming normal reads from the wrapped connection.
type prefixConn struct {
	prefix []byte
	net.Conn
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// Stop closes the listener and waits (bounded by ctx) for in-flight
// connections to finish.
func (s *Server) Stop(ctx context.Context) {
	s.cancelFn()
	if s.ln != nil {
		s.ln.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
