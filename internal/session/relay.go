package session

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/doorman/doorman/internal/backend"
	"github.com/doorman/doorman/internal/wire"
)

// relayUntilReadyForQuery pumps backend messages to the client until a
// ReadyForQuery is observed, updating the tracked transaction indicator
// and the Server Connection's installed-statement bookkeeping along the
// way. If the client stream errors mid-relay (an abrupt disconnect), it
// keeps draining from the server — discarding further writes — bounded
// by shutdown_timeout so the next client to receive this slot never
// reads a stray reply.
//
// Unlike the rest of the session package, this loop reads and writes raw
// frames through internal/wire rather than decoding full pgproto3
// messages: it is the hot path for bulk result sets, and a DataRow or
// CopyData over message_size_to_be_stream is relayed straight through in
// bounded chunks (wire.StreamMessage) instead of being buffered whole.
// Every other message type is still forwarded as an opaque frame; only
// the handful of types the session state machine actually consults
// (ReadyForQuery, CommandComplete, CopyInResponse) are peeked at.
//
// Reports whether the underlying Server Connection must be destroyed
// rather than recycled (drain exceeded its deadline, or the server
// itself errored).
func (s *Session) relayUntilReadyForQuery(ctx context.Context) (destroy bool, err error) {
	serverConn := s.server.NetConn()
	discarding := false

	listen := s.deps.Registry.Listen()
	maxMessageSize := listen.MaxMessageSize
	if maxMessageSize <= 0 {
		maxMessageSize = 64 << 20
	}
	streamThreshold := listen.MessageSizeToStream

	startDiscarding := func() {
		discarding = true
		timeout := s.poolCfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		serverConn.SetReadDeadline(time.Now().Add(timeout))
	}

	for {
		msgType, length, peekErr := wire.PeekHeader(serverConn, maxMessageSize)
		if peekErr != nil {
			return true, peekErr
		}

		if wire.ShouldStream(msgType, length, streamThreshold) {
			if discarding {
				if _, discardErr := io.CopyN(io.Discard, serverConn, int64(length)-4); discardErr != nil {
					return true, discardErr
				}
				continue
			}
			if streamErr := wire.StreamMessage(s.conn, serverConn, msgType, length); streamErr != nil {
				startDiscarding()
			}
			continue
		}

		payload := make([]byte, length-4)
		if _, readErr := io.ReadFull(serverConn, payload); readErr != nil {
			return true, readErr
		}

		if s.deps.Budget != nil {
			if budgetErr := s.deps.Budget.Reserve(len(payload)); budgetErr != nil {
				return true, budgetErr
			}
		}

		if !discarding {
			if sendErr := wire.WriteMessage(s.conn, msgType, payload); sendErr != nil {
				startDiscarding()
			}
		}

		if s.deps.Budget != nil {
			s.deps.Budget.Release(len(payload))
		}

		switch msgType {
		case 'Z':
			txStatus := backend.TxStatus(payload[0])
			s.txStatus = txStatus
			s.server.SetTxStatus(txStatus)
			if discarding {
				serverConn.SetReadDeadline(time.Time{})
				return true, nil
			}
			return false, nil
		case 'C':
			tag := payload
			if i := bytes.IndexByte(tag, 0); i >= 0 {
				tag = tag[:i]
			}
			s.server.ObserveCommandTag(string(tag))
		case 'G':
			if discarding {
				continue
			}
			if pipeErr := s.pipeCopyIn(ctx); pipeErr != nil {
				startDiscarding()
			}
		}
	}
}

// sendToServer encodes msg and writes it directly to the Server
// Connection's socket, matching internal/backend's convention of raw
// Encode+Write for everything sent in the Frontend role (frontend.Send's
// buffering is reserved for the client-facing Backend role in this
// codebase).
func (s *Session) sendToServer(msg pgproto3.FrontendMessage) error {
	buf, err := msg.Encode(nil)
	if err != nil {
		return err
	}
	_, err = s.server.NetConn().Write(buf)
	return err
}

// forwardSimple sends a raw simple-query string to the attached server
// and relays its response through to completion.
func (s *Session) forwardSimple(ctx context.Context, query string) error {
	if err := s.sendToServer(&pgproto3.Query{String: query}); err != nil {
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
