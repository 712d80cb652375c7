package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"golang.org/x/crypto/pbkdf2"
)

const defaultIterations = 4096

// Verifier is a SCRAM-SHA-256 verifier: everything needed to act as the
// SCRAM server for a given user without ever holding their plaintext
// password. When auth_query is configured this is parsed straight out of
// pg_shadow's rolpassword column; otherwise it is derived once from a
// pooler-stored plaintext password.
type Verifier struct {
	Iterations int
	Salt       []byte
	StoredKey  []byte
	ServerKey  []byte
}

// ClientKeyMaterial is what SCRAM passthrough carries from a client's
// authentication exchange to the backend's: the ClientKey the client
// proved possession of, plus the StoredKey it was checked against. With
// both in hand, doorman can produce a valid ClientProof for a brand new
// AuthMessage (a different nonce, a different server) without ever
// having seen the plaintext password.
type ClientKeyMaterial struct {
	ClientKey []byte
	StoredKey []byte
}

// DeriveVerifier builds a self-issued SCRAM verifier from a plaintext
// password, used when the pool stores credentials directly rather than
// via auth_query.
func DeriveVerifier(password string) (*Verifier, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	saltedPassword := pbkdf2.Key([]byte(password), salt, defaultIterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	return &Verifier{Iterations: defaultIterations, Salt: salt, StoredKey: storedKey, ServerKey: serverKey}, nil
}

// ParseVerifierString parses PostgreSQL's pg_shadow verifier format,
// "SCRAM-SHA-256$<iterations>:<salt-b64>$<storedkey-b64>:<serverkey-b64>",
// as returned by an auth_query lookup.
func ParseVerifierString(s string) (*Verifier, error) {
	const prefix = "SCRAM-SHA-256$"
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("not a SCRAM-SHA-256 verifier")
	}
	s = s[len(prefix):]
	parts := strings.SplitN(s, "$", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed SCRAM verifier")
	}
	iterSalt := strings.SplitN(parts[0], ":", 2)
	if len(iterSalt) != 2 {
		return nil, fmt.Errorf("malformed SCRAM verifier iteration/salt")
	}
	keys := strings.SplitN(parts[1], ":", 2)
	if len(keys) != 2 {
		return nil, fmt.Errorf("malformed SCRAM verifier keys")
	}
	iterations, err := strconv.Atoi(iterSalt[0])
	if err != nil {
		return nil, fmt.Errorf("parsing iterations: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(iterSalt[1])
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}
	storedKey, err := base64.StdEncoding.DecodeString(keys[0])
	if err != nil {
		return nil, fmt.Errorf("decoding stored key: %w", err)
	}
	serverKey, err := base64.StdEncoding.DecodeString(keys[1])
	if err != nil {
		return nil, fmt.Errorf("decoding server key: %w", err)
	}
	return &Verifier{Iterations: iterations, Salt: salt, StoredKey: storedKey, ServerKey: serverKey}, nil
}

// ScramServerExchange runs doorman's SCRAM-server role against an
// incoming client: it issues the AuthenticationSASL challenge, verifies
// the client's proof against v, and returns the ClientKeyMaterial needed
// to pass the same identity through to the backend.
func ScramServerExchange(backend *pgproto3.Backend, conn net.Conn, user string, v *Verifier) (*ClientKeyMaterial, error) {
	backend.Send(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}})
	if err := backend.Flush(); err != nil {
		return nil, err
	}
	if err := backend.SetAuthType(pgproto3.AuthTypeSASL); err != nil {
		return nil, err
	}

	initial, err := backend.Receive()
	if err != nil {
		return nil, fmt.Errorf("reading SASLInitialResponse: %w", err)
	}
	pw, ok := initial.(*pgproto3.SASLInitialResponse)
	if !ok {
		return nil, fmt.Errorf("expected SASLInitialResponse, got %T", initial)
	}
	if pw.AuthMechanism != "SCRAM-SHA-256" {
		return nil, fmt.Errorf("unsupported SASL mechanism %q", pw.AuthMechanism)
	}

	clientFirstBare, clientNonce, err := parseClientFirst(string(pw.Data))
	if err != nil {
		return nil, err
	}
	_ = user // the bare username in client-first is not trusted; startup already carried it

	serverNonceBytes := make([]byte, 18)
	if _, err := rand.Read(serverNonceBytes); err != nil {
		return nil, err
	}
	serverNonce := clientNonce + base64.StdEncoding.EncodeToString(serverNonceBytes)

	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d", serverNonce, base64.StdEncoding.EncodeToString(v.Salt), v.Iterations)
	backend.Send(&pgproto3.AuthenticationSASLContinue{Data: []byte(serverFirst)})
	if err := backend.Flush(); err != nil {
		return nil, err
	}
	if err := backend.SetAuthType(pgproto3.AuthTypeSASLContinue); err != nil {
		return nil, err
	}

	final, err := backend.Receive()
	if err != nil {
		return nil, fmt.Errorf("reading SASLResponse: %w", err)
	}
	resp, ok := final.(*pgproto3.SASLResponse)
	if !ok {
		return nil, fmt.Errorf("expected SASLResponse, got %T", final)
	}

	clientFinalWithoutProof, proof, err := parseClientFinal(string(resp.Data))
	if err != nil {
		return nil, err
	}

	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof
	clientSignature := hmacSHA256(v.StoredKey, []byte(authMessage))
	clientKey := xorBytes(proof, clientSignature)
	if !hmac.Equal(sha256Sum(clientKey), v.StoredKey) {
		// send server-final with an error, matching real PG behavior of
		// a plain auth failure rather than a SASL-layer protocol error.
		backend.Send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: "28P01", Message: "password authentication failed"})
		backend.Flush()
		return nil, fmt.Errorf("client proof verification failed")
	}

	serverSignature := hmacSHA256(v.ServerKey, []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSignature)
	backend.Send(&pgproto3.AuthenticationSASLFinal{Data: []byte(serverFinal)})
	backend.Send(&pgproto3.AuthenticationOk{})
	if err := backend.Flush(); err != nil {
		return nil, err
	}

	return &ClientKeyMaterial{ClientKey: clientKey, StoredKey: v.StoredKey}, nil
}

// ScramClientExchange runs doorman's SCRAM-client role against the
// backend. When passthrough is non-nil the ClientKey is reused directly
// instead of derived from password, implementing SCRAM passthrough;
// otherwise password is PBKDF2-derived against the server's own salt, as
// a normal SCRAM client would.
func ScramClientExchange(ctx context.Context, conn net.Conn, frontend *pgproto3.Frontend, user, password string, passthrough *ClientKeyMaterial) error {
	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	gs2Header := "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", saslEscapeUsername(user), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	init := &pgproto3.SASLInitialResponse{AuthMechanism: "SCRAM-SHA-256", Data: []byte(clientFirstMsg)}
	buf, err := init.Encode(nil)
	if err != nil {
		return fmt.Errorf("encoding SASLInitialResponse: %w", err)
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("sending SASLInitialResponse: %w", err)
	}

	msg, err := frontend.Receive()
	if err != nil {
		return fmt.Errorf("reading server-first-message: %w", err)
	}
	contMsg, ok := msg.(*pgproto3.AuthenticationSASLContinue)
	if !ok {
		return fmt.Errorf("expected AuthenticationSASLContinue, got %T", msg)
	}

	serverNonce, salt, iterations, err := parseServerFirst(string(contMsg.Data))
	if err != nil {
		return fmt.Errorf("parsing server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("server nonce does not start with client nonce")
	}

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + string(contMsg.Data) + "," + clientFinalWithoutProof

	var clientKey, storedKey []byte
	if passthrough != nil {
		clientKey = passthrough.ClientKey
		storedKey = passthrough.StoredKey
	} else {
		saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
		clientKey = hmacSHA256(saltedPassword, []byte("Client Key"))
		storedKey = sha256Sum(clientKey)
	}

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)
	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	resp := &pgproto3.SASLResponse{Data: []byte(clientFinalMsg)}
	buf, err = resp.Encode(nil)
	if err != nil {
		return fmt.Errorf("encoding SASLResponse: %w", err)
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("sending SASLResponse: %w", err)
	}

	msg, err = frontend.Receive()
	if err != nil {
		return fmt.Errorf("reading server-final-message: %w", err)
	}
	switch m := msg.(type) {
	case *pgproto3.AuthenticationSASLFinal:
		// verification of the server signature is skipped when the
		// password wasn't supplied locally (passthrough trusts the
		// backend the same way the client already did); otherwise
		// verify to catch a misconfigured stored password early.
		if passthrough == nil {
			saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
			serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
			expected := "v=" + base64.StdEncoding.EncodeToString(hmacSHA256(serverKey, []byte(authMessage)))
			if string(m.Data) != expected {
				return fmt.Errorf("server signature mismatch")
			}
		}
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("backend rejected SCRAM auth: %s", m.Message)
	default:
		return fmt.Errorf("unexpected message %T awaiting SASLFinal", msg)
	}

	// Drain the trailing AuthenticationOk.
	msg, err = frontend.Receive()
	if err != nil {
		return err
	}
	if _, ok := msg.(*pgproto3.AuthenticationOk); !ok {
		return fmt.Errorf("expected AuthenticationOk, got %T", msg)
	}
	return nil
}

func parseClientFirst(msg string) (bare, nonce string, err error) {
	idx := strings.Index(msg, "n=")
	if idx < 0 {
		return "", "", fmt.Errorf("malformed client-first-message")
	}
	bare = msg[idx:]
	for _, part := range strings.Split(bare, ",") {
		if strings.HasPrefix(part, "r=") {
			nonce = part[2:]
		}
	}
	if nonce == "" {
		return "", "", fmt.Errorf("missing client nonce")
	}
	return bare, nonce, nil
}

func parseClientFinal(msg string) (withoutProof string, proof []byte, err error) {
	idx := strings.LastIndex(msg, ",p=")
	if idx < 0 {
		return "", nil, fmt.Errorf("malformed client-final-message")
	}
	withoutProof = msg[:idx]
	proof, err = base64.StdEncoding.DecodeString(msg[idx+3:])
	if err != nil {
		return "", nil, fmt.Errorf("decoding client proof: %w", err)
	}
	return withoutProof, proof, nil
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	parts := strings.Split(msg, ",")
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("parsing iterations: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	result := make([]byte, n)
	for i := 0; i < n; i++ {
		result[i] = a[i] ^ b[i]
	}
	return result
}
