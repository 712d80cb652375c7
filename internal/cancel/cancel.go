// Package cancel implements the synthetic-key cancellation scheme:
// doorman hands every client its own (pid, secret) at
// login rather than the real PostgreSQL backend key, so a CancelRequest
// must be translated to the Server Connection's real key before it means
// anything to the actual database. Dials a raw 16-byte CancelRequest
// directly against the backend (no pooling, fire-and-forget), with the
// target server address looked up per pool through the registered
// Session rather than a single fixed backend.
package cancel

import (
	"encoding/binary"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/doorman/doorman/internal/session"
)

const dialTimeout = 5 * time.Second

type key struct{ pid, secret uint32 }

// Registry tracks every live session by the synthetic backend key it
// handed its client, and translates an incoming CancelRequest into a
// genuine one against the session's currently attached server.
type Registry struct {
	mu       sync.Mutex
	sessions map[key]*session.Session
}

func New() *Registry {
	return &Registry{sessions: make(map[key]*session.Session)}
}

func (r *Registry) Register(pid, secret uint32, s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[key{pid, secret}] = s
}

func (r *Registry) Unregister(pid, secret uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key{pid, secret})
}

// Handle looks up the session owning (pid, secret) and, if it currently
// holds an attached Server Connection, forwards a real CancelRequest to
// that connection's backend. Best-effort: PostgreSQL's own cancel
// protocol gives no acknowledgement, and an unknown or idle target is
// silently ignored, matching real server behavior for a stale key.
func (r *Registry) Handle(pid, secret uint32) {
	r.mu.Lock()
	s, ok := r.sessions[key{pid, secret}]
	r.mu.Unlock()
	if !ok {
		return
	}

	host, port, realPID, realSecret, ok := s.CancelTarget()
	if !ok {
		return
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), dialTimeout)
	if err != nil {
		slog.Debug("cancel: dialing backend failed", "host", host, "port", port, "err", err)
		return
	}
	defer conn.Close()

	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 16)
	binary.BigEndian.PutUint32(buf[4:8], 80877102)
	binary.BigEndian.PutUint32(buf[8:12], realPID)
	binary.BigEndian.PutUint32(buf[12:16], realSecret)

	if _, err := conn.Write(buf); err != nil {
		slog.Debug("cancel: writing CancelRequest failed", "err", err)
	}
}
