package session

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// pipeCopyIn forwards CopyData/CopyDone/CopyFail from the client to the
// attached server until the client ends the COPY: bytes are piped in the
// specified direction until CopyDone/CopyFail or peer disconnect, with no
// release of the Server Connection during COPY. The caller resumes its
// normal response relay once this returns nil (the server will still
// answer with CommandComplete + ReadyForQuery, or ErrorResponse on
// CopyFail).
func (s *Session) pipeCopyIn(ctx context.Context) error {
	timeout := s.poolCfg.ProxyCopyDataTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	for {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
		msg, err := s.client.Receive()
		s.conn.SetReadDeadline(time.Time{})
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *pgproto3.CopyData:
			if err := s.sendToServer(m); err != nil {
				return err
			}
		case *pgproto3.CopyDone:
			return s.sendToServer(m)
		case *pgproto3.CopyFail:
			return s.sendToServer(m)
		default:
			// Any other message mid-COPY is a protocol violation from a
			// well-behaved client; forward as CopyFail so the backend
			// unwinds cleanly instead of hanging.
			return s.sendToServer(&pgproto3.CopyFail{Message: "unexpected message during COPY IN"})
		}
	}
}

// handleCopyFromIdle covers the (abnormal) case of a stray CopyData/
// CopyDone/CopyFail arriving while the Client Task isn't inside a COPY
// relay, e.g. after a prior COPY's server-side error response. Nothing
// to forward to — there is no attached server expecting it.
func (s *Session) handleCopyFromIdle(_ context.Context, _ pgproto3.FrontendMessage) error {
	return nil
}
