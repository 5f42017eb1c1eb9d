package acp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Session encryption (spec section 4.6): two independent AES-128-CTR
// streams, one per direction, derived from the SRP shared key via
// PBKDF2-HMAC-SHA1. Installed once, after a successful SRP exchange;
// never rekeyed.

// Fixed PBKDF2 parameters (spec section 3, "EncryptionContext").
var (
	clientKeySalt = mustHexBytes("F072FA3F66B410A135FAE8E6D1D43D5F")
	serverKeySalt = mustHexBytes("BD0682C9FE79325BC73655F4174B996C")
)

const (
	clientKeyIterations = 5
	serverKeyIterations = 7
	derivedKeyLen       = 16 // AES-128
)

func mustHexBytes(s string) []byte {
	out, err := hex.DecodeString(s)
	if err != nil {
		panic("acp: invalid encryption salt constant")
	}
	return out
}

// EncryptionContext holds the two AES-128-CTR streams installed on a
// Session once SRP authentication completes (spec section 3,
// "EncryptionContext"). Once built it is install-once: both streams
// advance monotonically and are never rewound or rekeyed.
type EncryptionContext struct {
	c2s cipher.Stream // client-to-server
	s2c cipher.Stream // server-to-client
}

// NewEncryptionContext derives derived_client_key and derived_server_key
// from the SRP shared key and builds both CTR streams from (key, IV)
// pairs negotiated during authentication.
func NewEncryptionContext(key, clientIV, serverIV []byte) (*EncryptionContext, error) {
	if len(clientIV) != aes.BlockSize || len(serverIV) != aes.BlockSize {
		return nil, fmt.Errorf("acp: encryption context: IVs must be %d bytes", aes.BlockSize)
	}

	clientKey := pbkdf2.Key(key, clientKeySalt, clientKeyIterations, derivedKeyLen, sha1.New)
	serverKey := pbkdf2.Key(key, serverKeySalt, serverKeyIterations, derivedKeyLen, sha1.New)

	c2sBlock, err := aes.NewCipher(clientKey)
	if err != nil {
		return nil, fmt.Errorf("acp: encryption context: %w", err)
	}
	s2cBlock, err := aes.NewCipher(serverKey)
	if err != nil {
		return nil, fmt.Errorf("acp: encryption context: %w", err)
	}

	return &EncryptionContext{
		c2s: cipher.NewCTR(c2sBlock, clientIV),
		s2c: cipher.NewCTR(s2cBlock, serverIV),
	}, nil
}

// encryptClientToServer XORs src with the c2s stream into dst: it encrypts
// bytes a client writes and decrypts bytes a server reads.
// encryptServerToClient does the same with the s2c stream.
func (e *EncryptionContext) encryptClientToServer(dst, src []byte) {
	e.c2s.XORKeyStream(dst, src)
}

func (e *EncryptionContext) encryptServerToClient(dst, src []byte) {
	e.s2c.XORKeyStream(dst, src)
}

// ClientEncrypt wraps outbound bytes for a client connection (c2s).
func (e *EncryptionContext) ClientEncrypt(p []byte) []byte {
	out := make([]byte, len(p))
	e.encryptClientToServer(out, p)
	return out
}

// ClientDecrypt unwraps inbound bytes for a client connection (s2c).
func (e *EncryptionContext) ClientDecrypt(p []byte) []byte {
	out := make([]byte, len(p))
	e.encryptServerToClient(out, p)
	return out
}

// ServerEncrypt wraps outbound bytes for a server connection (s2c).
func (e *EncryptionContext) ServerEncrypt(p []byte) []byte {
	out := make([]byte, len(p))
	e.encryptServerToClient(out, p)
	return out
}

// ServerDecrypt unwraps inbound bytes for a server connection (c2s).
func (e *EncryptionContext) ServerDecrypt(p []byte) []byte {
	out := make([]byte, len(p))
	e.encryptClientToServer(out, p)
	return out
}
