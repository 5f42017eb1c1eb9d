package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nyxcore/acpd/internal/acp"
	"github.com/nyxcore/acpd/internal/server"
)

func startServer(t *testing.T, configure func(*server.Server)) (addr string, stop func()) {
	t.Helper()

	verifier, err := acp.GenerateVerifier("testpass")
	if err != nil {
		t.Fatalf("GenerateVerifier: %v", err)
	}

	srv := server.New("127.0.0.1:0", server.NewMemoryStore(), server.StaticVerifier{
		Username: "admin",
		Verifier: verifier,
	}, nil, nil)
	if configure != nil {
		configure(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr = ln.Addr().String()
	ln.Close()
	srv.Addr = addr

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()

	for i := 0; i < 100; i++ {
		if conn, err := net.DialTimeout("tcp", addr, 10*time.Millisecond); err == nil {
			conn.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return addr, cancel
}

func TestServeRejectsUnauthenticatedGetProperty(t *testing.T) {
	t.Parallel()

	addr, stop := startServer(t, nil)
	defer stop()

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	session := acp.NewSession(host, port)
	if err := session.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	name, err := acp.PropertyName("dbug")
	if err != nil {
		t.Fatalf("PropertyName: %v", err)
	}
	body := append(acp.ComposeElement(acp.Property{Name: name}), acp.SentinelElement()...)
	err = session.Send(acp.Message{
		Version: acp.VersionCurrent,
		Command: acp.CommandGetProperty,
		Key:     acp.GenerateHeaderKey("testpass"),
		Body:    body,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	resp, err := session.ReceiveMessage(time.Second)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if resp.ErrorCode != acp.CodeInvalidKey {
		t.Fatalf("ErrorCode = %d, want CodeInvalidKey (%d)", resp.ErrorCode, acp.CodeInvalidKey)
	}
}

func TestServeDisconnectsOnStreamingRequest(t *testing.T) {
	t.Parallel()

	addr, stop := startServer(t, nil)
	defer stop()

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	session := acp.NewSession(host, port)
	if err := session.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	err = session.Send(acp.Message{
		Version:   acp.VersionCurrent,
		Command:   acp.CommandGetFeatures,
		Key:       acp.GenerateHeaderKey(""),
		Streaming: true,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-session.Done():
	case <-time.After(time.Second):
		t.Fatal("server did not close the connection after a streaming request")
	}
}

func TestServeShutsDownOnContextCancel(t *testing.T) {
	t.Parallel()

	addr, stop := startServer(t, nil)
	stop()

	// Give Serve a moment to tear down its listener, then confirm new
	// connections are refused.
	time.Sleep(50 * time.Millisecond)
	if conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		conn.Close()
		t.Fatal("dial succeeded after server shutdown")
	}
}
