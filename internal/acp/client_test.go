package acp_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nyxcore/acpd/internal/acp"
	"github.com/nyxcore/acpd/internal/server"
)

// startTestServer brings up a real server.Server on a loopback port with
// password "testpass" and returns its address; the server is stopped by
// t.Cleanup when the test ends.
func startTestServer(t *testing.T, configure func(*server.Server)) string {
	t.Helper()

	verifier, err := acp.GenerateVerifier("testpass")
	if err != nil {
		t.Fatalf("GenerateVerifier: %v", err)
	}

	srv := server.New("127.0.0.1:0", server.NewMemoryStore(), server.StaticVerifier{
		Username: "admin",
		Verifier: verifier,
	}, nil, nil)
	srv.Features = []any{"get_property", "set_property", "rpc"}
	if configure != nil {
		configure(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	srv.Addr = addr

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()

	// Poll until the listener is actually up; Serve dials its own
	// net.ListenConfig internally on a goroutine, so there's a small
	// window before it starts accepting.
	for i := 0; i < 100; i++ {
		if conn, err := net.DialTimeout("tcp", addr, 10*time.Millisecond); err == nil {
			conn.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(cancel)
	return addr
}

func dialTestClient(t *testing.T, addr, password string) *acp.Client {
	t.Helper()

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	client := acp.NewClient(host, port, password)

	var connectErr error
	for i := 0; i < 50; i++ {
		connectErr = client.Connect(context.Background())
		if connectErr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if connectErr != nil {
		t.Fatalf("Connect: %v", connectErr)
	}
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func TestClientAuthenticate(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t, nil)
	client := dialTestClient(t, addr, "testpass")

	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestClientAuthenticateWrongPassword(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t, nil)
	client := dialTestClient(t, addr, "wrong-password")

	if err := client.Authenticate(context.Background()); err == nil {
		t.Fatal("Authenticate with wrong password: want error, got nil")
	}
}

func TestClientSetAndGetProperty(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t, nil)
	client := dialTestClient(t, addr, "testpass")

	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	name, err := acp.PropertyName("dbug")
	if err != nil {
		t.Fatalf("PropertyName: %v", err)
	}
	raw, err := acp.EncodeValue(acp.KindU32, uint32(0x42))
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}

	if err := client.SetProperties(context.Background(), []acp.Property{{Name: name, Kind: acp.KindU32, Raw: raw}}); err != nil {
		t.Fatalf("SetProperties: %v", err)
	}

	got, err := client.GetProperty(context.Background(), "dbug")
	if err != nil {
		t.Fatalf("GetProperty: %v", err)
	}
	v, err := acp.DecodeValue(acp.KindU32, got.Raw)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if v.(uint32) != 0x42 {
		t.Fatalf("GetProperty(dbug) = %#x, want 0x42", v)
	}
}

func TestClientGetPropertyUnset(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t, nil)
	client := dialTestClient(t, addr, "testpass")

	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if _, err := client.GetProperty(context.Background(), "acRB"); err == nil {
		t.Fatal("GetProperty on unset property: want error, got nil")
	}
}

func TestClientRPC(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t, func(srv *server.Server) {
		srv.RPCFuncs = server.RPCRegistry{
			"double": func(inputs map[string]any) (map[string]any, error) {
				n, _ := inputs["n"].(uint64)
				return map[string]any{"result": n * 2}, nil
			},
		}
	})
	client := dialTestClient(t, addr, "testpass")

	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	outputs, err := client.RPC(context.Background(), "double", map[string]any{"n": uint64(21)})
	if err != nil {
		t.Fatalf("RPC: %v", err)
	}
	if outputs["result"] != uint64(42) {
		t.Fatalf("RPC(double, 21) = %v, want result=42", outputs)
	}
}

func TestClientRPCUnknownFunction(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t, nil)
	client := dialTestClient(t, addr, "testpass")

	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if _, err := client.RPC(context.Background(), "does-not-exist", nil); err == nil {
		t.Fatal("RPC on unknown function: want error, got nil")
	}
}

func TestClientGetFeatures(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t, nil)
	client := dialTestClient(t, addr, "testpass")

	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	features, err := client.GetFeatures(context.Background())
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	if len(features) != 3 {
		t.Fatalf("GetFeatures() = %v, want 3 entries", features)
	}
}

func TestClientUnauthenticatedRequestRejected(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t, nil)
	client := dialTestClient(t, addr, "testpass")

	if _, err := client.GetProperty(context.Background(), "dbug"); err == nil {
		t.Fatal("GetProperty before Authenticate: want error, got nil")
	}
}

func TestClientReboot(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t, nil)
	client := dialTestClient(t, addr, "testpass")

	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := client.Reboot(context.Background()); err != nil {
		t.Fatalf("Reboot: %v", err)
	}

	got, err := client.GetProperty(context.Background(), "acRB")
	if err != nil {
		t.Fatalf("GetProperty(acRB): %v", err)
	}
	v, err := acp.DecodeValue(acp.KindU32, got.Raw)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if v.(uint32) != 0 {
		t.Fatalf("acRB = %v, want 0", v)
	}
}
