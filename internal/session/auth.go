package session

import (
	"crypto/rand"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/doorman/doorman/internal/auth"
	"github.com/doorman/doorman/internal/config"
	"github.com/doorman/doorman/internal/perr"
)

// authenticateClient runs doorman's server-role authentication exchange
// against the connecting client. verifier, when non-nil, is a SCRAM
// verifier fetched via auth_query and takes precedence over deriving one
// from the stored plaintext password. On success, for
// scram-sha-256 it stashes the client's proved ClientKeyMaterial in
// s.passthrough so a subsequent backend dial can re-sign with the same
// identity instead of a pooler-stored password (SCRAM passthrough).
func (s *Session) authenticateClient(user string, u config.UserConfig, verifier *auth.Verifier) error {
	switch u.AuthMethod {
	case "", "trust":
		return nil

	case "md5":
		var salt [4]byte
		if _, err := rand.Read(salt[:]); err != nil {
			return perr.Wrap(perr.SeverityFatal, perr.CodeInternalError, "generating md5 salt", err)
		}
		s.client.Send(&pgproto3.AuthenticationMD5Password{Salt: salt})
		if err := s.client.Flush(); err != nil {
			return err
		}
		if err := s.client.SetAuthType(pgproto3.AuthTypeMD5Password); err != nil {
			return err
		}
		msg, err := s.client.Receive()
		if err != nil {
			return err
		}
		pw, ok := msg.(*pgproto3.PasswordMessage)
		if !ok {
			return perr.Wrap(perr.SeverityFatal, perr.CodeProtocolViolation, "expected PasswordMessage", perr.ErrProtocolViolation)
		}
		expected := auth.MD5Password(user, u.Password, salt)
		if pw.Password != expected {
			return perr.Wrap(perr.SeverityFatal, perr.CodeInvalidAuth, "password authentication failed", perr.ErrAuthFailed)
		}
		return nil

	case "scram-sha-256":
		if verifier == nil {
			derived, err := auth.DeriveVerifier(u.Password)
			if err != nil {
				return perr.Wrap(perr.SeverityFatal, perr.CodeInternalError, "deriving scram verifier", err)
			}
			verifier = derived
		}
		ck, err := auth.ScramServerExchange(s.client, s.conn, user, verifier)
		if err != nil {
			return perr.Wrap(perr.SeverityFatal, perr.CodeInvalidAuth, "scram authentication failed", err)
		}
		s.passthrough = ck
		return nil

	default:
		return perr.New(perr.SeverityFatal, perr.CodeFeatureNotSupported, "unsupported client auth_method "+u.AuthMethod)
	}
}
