package server

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/doorman/doorman/internal/config"
	"github.com/doorman/doorman/internal/metrics"
	"github.com/doorman/doorman/internal/pool"
	"github.com/doorman/doorman/internal/registry"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{Listen: config.ListenConfig{Host: "127.0.0.1", Port: 0}}
	reg := registry.New(cfg)
	return New(reg, pool.NewManager(), metrics.New(), nil, nil, nil)
}

func TestNegotiateTLSPassesThroughRealStartupMessage(t *testing.T) {
	s := testServer(t)
	client, conn := net.Pipe()
	defer client.Close()
	defer conn.Close()

	startup := []byte{0, 0, 0, 19, 0, 3, 0, 0, 'u', 's', 'e', 'r', 0, 'a', 0, 'd', 'b', 0, 0}
	go func() { client.Write(startup) }()

	wrapped, ok := s.negotiateTLS(conn)
	if !ok {
		t.Fatal("expected negotiateTLS to succeed for a real startup message")
	}

	got := make([]byte, len(startup))
	n, err := readFull(wrapped, got)
	if err != nil {
		t.Fatalf("reading passed-through startup message: %v", err)
	}
	if n != len(startup) {
		t.Fatalf("expected %d bytes, got %d", len(startup), n)
	}
	for i := range startup {
		if got[i] != startup[i] {
			t.Fatalf("byte %d mismatch: want %x got %x", i, startup[i], got[i])
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestNegotiateTLSDeclinesSSLRequestWithoutCert(t *testing.T) {
	s := testServer(t)
	client, conn := net.Pipe()
	defer client.Close()
	defer conn.Close()

	sslRequest := make([]byte, 8)
	binary.BigEndian.PutUint32(sslRequest[0:4], 8)
	binary.BigEndian.PutUint32(sslRequest[4:8], sslRequestCode)

	respCh := make(chan byte, 1)
	go func() {
		client.Write(sslRequest)
		resp := make([]byte, 1)
		client.Read(resp)
		respCh <- resp[0]

		startup := []byte{0, 0, 0, 19, 0, 3, 0, 0, 'u', 's', 'e', 'r', 0, 'a', 0, 'd', 'b', 0, 0}
		client.Write(startup)
	}()

	wrapped, ok := s.negotiateTLS(conn)
	if !ok {
		t.Fatal("expected negotiateTLS to continue after declining SSL")
	}
	if resp := <-respCh; resp != 'N' {
		t.Errorf("expected 'N' (SSL declined), got %q", resp)
	}
	_ = wrapped
}

func TestStopClosesListenerAndWaits(t *testing.T) {
	s := testServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := s.ListenOn(ln); err != nil {
		t.Fatalf("ListenOn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	if _, err := net.Dial("tcp", ln.Addr().String()); err == nil {
		t.Error("expected listener to be closed after Stop")
	}
}
