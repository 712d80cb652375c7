package session

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/doorman/doorman/internal/perr"
)

// sendQueryError reports err to the client as an ErrorResponse followed
// by ReadyForQuery, the simple-query convention: one failed statement
// ends the current exchange but the session itself stays open.
func (s *Session) sendQueryError(err error) error {
	pg := perr.AsPG(err)
	s.client.Send(&pgproto3.ErrorResponse{Severity: string(pg.Severity), Code: pg.Code, Message: pg.Message})
	s.client.Send(&pgproto3.ReadyForQuery{TxStatus: byte(s.txStatus)})
	return s.client.Flush()
}

// sendExtendedError reports err to the client as a bare ErrorResponse
// (no ReadyForQuery — that waits for Sync) and puts the pipeline into
// its error-skip state per the extended query protocol.
func (s *Session) sendExtendedError(err error) error {
	pg := perr.AsPG(err)
	s.client.Send(&pgproto3.ErrorResponse{Severity: string(pg.Severity), Code: pg.Code, Message: pg.Message})
	s.pipelineErrored = true
	return s.client.Flush()
}

func errUndefinedStatement(name string) error {
	return perr.New(perr.SeverityError, perr.CodeUndefinedObject, fmt.Sprintf("prepared statement %q does not exist", name))
}
