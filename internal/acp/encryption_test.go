package acp_test

import (
	"bytes"
	"crypto/aes"
	"testing"

	"github.com/nyxcore/acpd/internal/acp"
)

func TestEncryptionContextClientServerRoundTrip(t *testing.T) {
	t.Parallel()

	key := []byte("shared-secret-from-srp-exchange-")
	clientIV := bytes.Repeat([]byte{0x11}, aes.BlockSize)
	serverIV := bytes.Repeat([]byte{0x22}, aes.BlockSize)

	client, err := acp.NewEncryptionContext(key, clientIV, serverIV)
	if err != nil {
		t.Fatalf("NewEncryptionContext (client side): %v", err)
	}
	server, err := acp.NewEncryptionContext(key, clientIV, serverIV)
	if err != nil {
		t.Fatalf("NewEncryptionContext (server side): %v", err)
	}

	plain := []byte("GET_PROPERTY dbug")
	wire := client.ClientEncrypt(plain)
	if bytes.Equal(wire, plain) {
		t.Fatal("ClientEncrypt produced plaintext unchanged")
	}
	got := server.ServerDecrypt(wire)
	if !bytes.Equal(got, plain) {
		t.Fatalf("ServerDecrypt(ClientEncrypt(p)) = %q, want %q", got, plain)
	}

	reply := []byte("OK")
	wireReply := server.ServerEncrypt(reply)
	gotReply := client.ClientDecrypt(wireReply)
	if !bytes.Equal(gotReply, reply) {
		t.Fatalf("ClientDecrypt(ServerEncrypt(p)) = %q, want %q", gotReply, reply)
	}
}

func TestEncryptionContextStreamsAreIndependent(t *testing.T) {
	t.Parallel()

	key := []byte("shared-secret")
	clientIV := bytes.Repeat([]byte{0x01}, aes.BlockSize)
	serverIV := bytes.Repeat([]byte{0x02}, aes.BlockSize)

	ctx, err := acp.NewEncryptionContext(key, clientIV, serverIV)
	if err != nil {
		t.Fatalf("NewEncryptionContext: %v", err)
	}

	msg := bytes.Repeat([]byte{0x00}, 32)
	c2s := ctx.ClientEncrypt(msg)
	s2c := ctx.ServerEncrypt(msg)
	if bytes.Equal(c2s, s2c) {
		t.Fatal("c2s and s2c keystreams produced identical ciphertext for identical plaintext")
	}
}

func TestEncryptionContextAdvancesMonotonically(t *testing.T) {
	t.Parallel()

	key := []byte("shared-secret")
	clientIV := bytes.Repeat([]byte{0x03}, aes.BlockSize)
	serverIV := bytes.Repeat([]byte{0x04}, aes.BlockSize)

	ctx, err := acp.NewEncryptionContext(key, clientIV, serverIV)
	if err != nil {
		t.Fatalf("NewEncryptionContext: %v", err)
	}

	plain := bytes.Repeat([]byte{0xaa}, 16)
	first := ctx.ClientEncrypt(plain)
	second := ctx.ClientEncrypt(plain)
	if bytes.Equal(first, second) {
		t.Fatal("encrypting the same plaintext twice produced identical ciphertext; stream did not advance")
	}
}

func TestEncryptionContextRejectsShortIV(t *testing.T) {
	t.Parallel()

	key := []byte("shared-secret")
	if _, err := acp.NewEncryptionContext(key, []byte{0x01}, bytes.Repeat([]byte{0x02}, aes.BlockSize)); err == nil {
		t.Fatal("NewEncryptionContext with short client IV: want error, got nil")
	}
	if _, err := acp.NewEncryptionContext(key, bytes.Repeat([]byte{0x01}, aes.BlockSize), []byte{0x02}); err == nil {
		t.Fatal("NewEncryptionContext with short server IV: want error, got nil")
	}
}
