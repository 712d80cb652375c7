package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

func TestParseSetRecognizesToAndEqualsForms(t *testing.T) {
	cases := []struct {
		query     string
		wantName  string
		wantValue string
		wantOK    bool
	}{
		{"SET statement_timeout TO 5000", "statement_timeout", "5000", true},
		{"SET statement_timeout = 5000", "statement_timeout", "5000", true},
		{"set statement_timeout=5000", "statement_timeout", "5000", true},
		{"SET TimeZone TO 'UTC'", "timezone", "UTC", true},
		{"SET SESSION search_path TO public", "search_path", "public", true},
		{"SET LOCAL statement_timeout TO 1000", "", "", false},
		{"SELECT 1", "", "", false},
		{"SET", "", "", false},
	}
	for _, c := range cases {
		name, value, ok := parseSet(c.query)
		if ok != c.wantOK {
			t.Errorf("parseSet(%q): ok = %v, want %v", c.query, ok, c.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if name != c.wantName || value != c.wantValue {
			t.Errorf("parseSet(%q) = (%q, %q), want (%q, %q)", c.query, name, value, c.wantName, c.wantValue)
		}
	}
}

func TestParseResetOneAndResetAll(t *testing.T) {
	if name, ok := parseResetOne("RESET statement_timeout"); !ok || name != "statement_timeout" {
		t.Errorf("parseResetOne(RESET statement_timeout) = (%q, %v), want (statement_timeout, true)", name, ok)
	}
	if _, ok := parseResetOne("RESET ALL"); ok {
		t.Error("expected parseResetOne to decline RESET ALL")
	}
	if !isResetAll("RESET ALL") {
		t.Error("expected isResetAll to recognize RESET ALL")
	}
	if isResetAll("RESET statement_timeout") {
		t.Error("expected isResetAll to reject a single-GUC RESET")
	}
}

func TestHandleSimpleQueryTracksAndClearsTouchedGUCs(t *testing.T) {
	fb := newFakeBackend(t, func(b *pgproto3.Backend, conn net.Conn) {
		for {
			msg, err := b.Receive()
			if err != nil {
				return
			}
			if q, ok := msg.(*pgproto3.Query); ok {
				b.Send(&pgproto3.CommandComplete{CommandTag: []byte("SET")})
				b.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
				if err := b.Flush(); err != nil {
					return
				}
				_ = q
			}
		}
	})
	defer fb.close()

	host, port := fb.hostPort()
	s, fc, _ := newTestSession(t, testPoolConfig(host, port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	fc.startup(t, "testdb", "alice")
	fc.expectReadyForQuery(t)

	fc.send(t, &pgproto3.Query{String: "SET statement_timeout TO 5000"})
	fc.expectReadyForQuery(t)

	if got := s.touchedGUCs["statement_timeout"]; got != "5000" {
		t.Fatalf("expected touchedGUCs[statement_timeout] = 5000, got %q", got)
	}

	fc.send(t, &pgproto3.Query{String: "RESET ALL"})
	fc.expectReadyForQuery(t)

	if s.touchedGUCs != nil {
		t.Errorf("expected RESET ALL to clear touchedGUCs, got %v", s.touchedGUCs)
	}

	fc.send(t, &pgproto3.Terminate{})
	time.Sleep(10 * time.Millisecond)
}
