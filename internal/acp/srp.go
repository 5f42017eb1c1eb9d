package acp

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// SRP-6a authenticator (spec section 4.7): mutual authentication over the
// well-known 1536-bit group with SHA-1, carried inside AUTHENTICATE
// messages whose body is a CFLBinaryPList dict. The arithmetic here
// follows the structure of a published SRP-6a implementation (group
// table, k = H(N, PAD(g)), PAD(A)/PAD(B) before hashing) adapted to this
// protocol's four concrete wire messages instead of an opaque credential
// string API.

// srpUsername is fixed for every exchange (spec section 4.7: "Username is
// fixed to 'admin'").
const srpUsername = "admin"

// group1536N is the RFC 5054 1536-bit SRP modulus (spec GLOSSARY:
// "SRP-1536: SRP-6a parameter group with 1536-bit modulus and SHA-1 hash,
// standard constants").
const group1536NHex = "9DEF3CAFB939277AB1F12A8617A47BBBDBA51DF499AC4C80BEEEA9614B19CC4" +
	"D5F4F5F556E27CBDE51C6A94BE4607A291558903BA0D0F84380B655BB9A22E8" +
	"DCDF028A7CEC67F0D08134B1C8B97989149B609E0BE3BAB63D47548381DBC5B" +
	"1FC764E3F4B53DD9DA1158BFD3E2B9C8CF56EDF019539349627DB2FD53D24B7" +
	"C48665772E437D6C7F8CE442734AF7CCB7AE837C264AE3A9BEB87F8A2FE9B8B" +
	"5292E5A021FFF5E91479E8CE7A28C2442C6F315180F93499A234DCF76E3FED1" +
	"35F9BB"

var (
	group1536N    = mustBigIntFromHex(group1536NHex)
	group1536G    = big.NewInt(2)
	group1536Size = (group1536N.BitLen() + 7) / 8 // 192 bytes
)

func mustBigIntFromHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("acp: invalid SRP group constant")
	}
	return n
}

// pad returns x's big-endian bytes left-padded with zeros to exactly n
// bytes. Per spec section 9 ("Open question — SRP params buffers"), this
// package always emits the trimmed (big.Int.Bytes) form on the wire and
// pads only for the internal hash inputs that require fixed width.
func pad(x *big.Int, n int) []byte {
	b := x.Bytes()
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

func sha1Sum(parts ...[]byte) []byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func sha1Int(parts ...[]byte) *big.Int {
	return new(big.Int).SetBytes(sha1Sum(parts...))
}

// srpK is the SRP-6a multiplier, k = H(N, PAD(g)).
func srpK() *big.Int {
	return sha1Int(group1536N.Bytes(), pad(group1536G, group1536Size))
}

// computeX is the RFC 5054 private-key derivation x = H(s, H(I ":" P)).
func computeX(username, password string, salt []byte) *big.Int {
	inner := sha1Sum([]byte(username + ":" + password))
	return sha1Int(salt, inner)
}

// randomExponent returns a random value in [1, N).
func randomExponent() (*big.Int, error) {
	max := new(big.Int).Sub(group1536N, big.NewInt(1))
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("acp: srp random exponent: %w", err)
	}
	return n.Add(n, big.NewInt(1)), nil
}

// -------------------------------------------------------------------------
// Verifier generation (server-side enrollment; cmd/acpd derives the admin
// verifier from the configured password at startup)
// -------------------------------------------------------------------------

// SRPVerifier is the durable per-account record an SRP server needs to
// authenticate a client without ever storing the cleartext password
// (spec section 4.7's server path assumes this already exists, keyed by
// username; production storage of it is out of scope here).
type SRPVerifier struct {
	Salt     []byte
	Verifier *big.Int
}

// GenerateVerifier derives a fresh random salt and password verifier
// v = g^x mod N for password, following the same x = H(s, H(I:P))
// derivation the authentication exchange uses.
func GenerateVerifier(password string) (*SRPVerifier, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("acp: generate verifier: %w", err)
	}
	x := computeX(srpUsername, password, salt)
	v := new(big.Int).Exp(group1536G, x, group1536N)
	return &SRPVerifier{Salt: salt, Verifier: v}, nil
}

// -------------------------------------------------------------------------
// Client state machine
// -------------------------------------------------------------------------

// SRPClientState carries one in-progress client-side SRP exchange across
// its four messages (spec section 4.7 client state machine).
type SRPClientState struct {
	password string

	a  *big.Int // private ephemeral
	pA *big.Int // public ephemeral A = g^a mod N

	salt []byte
	pB   *big.Int

	sharedKey []byte // K
	proofM1   []byte // M1, retained to validate the server's M2
}

// NewSRPClient begins a client exchange, generating the private/public
// ephemeral pair sent in stage 3.
func NewSRPClient(password string) (*SRPClientState, error) {
	a, err := randomExponent()
	if err != nil {
		return nil, err
	}
	pA := new(big.Int).Exp(group1536G, a, group1536N)
	return &SRPClientState{password: password, a: a, pA: pA}, nil
}

// PublicKey returns A's trimmed big-endian bytes, as sent in stage 3's
// "publicKey" field.
func (c *SRPClientState) PublicKey() []byte {
	return c.pA.Bytes()
}

// ReceiveParams consumes stage 2 (salt, generator, publicKey B, modulus)
// and computes the shared key and client proof M1 for stage 3.
//
// Per spec section 9's open question on SRP parameter buffers, generator
// and modulus are accepted in either trimmed or zero-padded form; only
// the group-matching generator (2) and this package's known 1536-bit
// modulus are supported.
func (c *SRPClientState) ReceiveParams(salt, generator, publicKeyB, modulus []byte) error {
	g := new(big.Int).SetBytes(generator)
	n := new(big.Int).SetBytes(modulus)
	if g.Cmp(group1536G) != 0 || n.Cmp(group1536N) != 0 {
		return fmt.Errorf("acp: srp: unrecognized group parameters")
	}

	B := new(big.Int).SetBytes(publicKeyB)
	if new(big.Int).Mod(B, group1536N).Sign() == 0 {
		return fmt.Errorf("acp: srp: server public key is 0 mod N")
	}

	c.salt = append([]byte(nil), salt...)
	c.pB = B

	u := sha1Int(pad(c.pA, group1536Size), pad(B, group1536Size))
	if u.Sign() == 0 {
		return fmt.Errorf("acp: srp: scrambling parameter u is 0")
	}

	x := computeX(srpUsername, c.password, c.salt)
	k := srpK()

	// S = (B - k*g^x) ^ (a + u*x) mod N
	t0 := new(big.Int).Exp(group1536G, x, group1536N)
	t0.Mul(t0, k)
	base := new(big.Int).Sub(B, t0)
	base.Mod(base, group1536N)
	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)
	S := new(big.Int).Exp(base, exp, group1536N)

	c.sharedKey = sha1Sum(S.Bytes())
	c.proofM1 = sha1Sum(c.sharedKey, c.pA.Bytes(), B.Bytes(), []byte(srpUsername), c.salt, group1536N.Bytes(), group1536G.Bytes())
	return nil
}

// ProofM1 returns the client's proof of the shared key, sent as stage 3's
// "response" field.
func (c *SRPClientState) ProofM1() []byte {
	return c.proofM1
}

// VerifyServerProof checks stage 4's "response" (M2) against the
// server's expected value; failure is ProofMismatch and is fatal to the
// session (spec section 4.7, "Failure semantics").
func (c *SRPClientState) VerifyServerProof(m2 []byte) error {
	want := sha1Sum(c.proofM1, c.sharedKey)
	if subtle.ConstantTimeCompare(want, m2) != 1 {
		return ErrProofMismatch
	}
	return nil
}

// SharedKey returns K, the byte string installed as the session
// encryption key once both proofs have checked out.
func (c *SRPClientState) SharedKey() []byte {
	return c.sharedKey
}

// -------------------------------------------------------------------------
// Server state machine
// -------------------------------------------------------------------------

// SRPServerState carries one in-progress server-side SRP exchange.
type SRPServerState struct {
	verifier *SRPVerifier

	b  *big.Int
	pB *big.Int

	sharedKey []byte
	expectM1  []byte
}

// NewSRPServer begins a server exchange against an already-enrolled
// verifier (looked up by username in response to stage 1; a fresh random
// verifier should be substituted for unknown usernames so the protocol
// does not reveal account existence).
func NewSRPServer(v *SRPVerifier) (*SRPServerState, error) {
	b, err := randomExponent()
	if err != nil {
		return nil, err
	}
	k := srpK()
	t0 := new(big.Int).Mul(k, v.Verifier)
	t0.Add(t0, new(big.Int).Exp(group1536G, b, group1536N))
	B := t0.Mod(t0, group1536N)

	return &SRPServerState{verifier: v, b: b, pB: B}, nil
}

// Params returns the (salt, generator, publicKey B, modulus) stage 2
// sends to the client, all in trimmed big-endian form.
func (s *SRPServerState) Params() (salt, generator, publicKeyB, modulus []byte) {
	return s.verifier.Salt, group1536G.Bytes(), s.pB.Bytes(), group1536N.Bytes()
}

// VerifyClientProof consumes stage 3's (publicKeyA, M1), computes the
// shared key, and checks M1 against the value this side derives from the
// verifier. A mismatch means the client's password was wrong; the caller
// should reply with CodeIncorrectPassword and allow a retry (spec section
// 4.7) rather than tearing down the connection.
func (s *SRPServerState) VerifyClientProof(publicKeyA, m1 []byte) error {
	A := new(big.Int).SetBytes(publicKeyA)
	if new(big.Int).Mod(A, group1536N).Sign() == 0 {
		return fmt.Errorf("acp: srp: client public key is 0 mod N")
	}

	u := sha1Int(pad(A, group1536Size), pad(s.pB, group1536Size))
	if u.Sign() == 0 {
		return fmt.Errorf("acp: srp: scrambling parameter u is 0")
	}

	// S = (A * v^u) ^ b mod N
	t0 := new(big.Int).Exp(s.verifier.Verifier, u, group1536N)
	t0.Mul(t0, A)
	S := new(big.Int).Exp(t0, s.b, group1536N)

	s.sharedKey = sha1Sum(S.Bytes())
	s.expectM1 = sha1Sum(s.sharedKey, A.Bytes(), s.pB.Bytes(), []byte(srpUsername), s.verifier.Salt, group1536N.Bytes(), group1536G.Bytes())

	if subtle.ConstantTimeCompare(s.expectM1, m1) != 1 {
		return ErrIncorrectPassword
	}
	return nil
}

// ProofM2 returns the server's proof of the shared key, sent as stage 4's
// "response" field. Only meaningful after VerifyClientProof succeeds.
func (s *SRPServerState) ProofM2() []byte {
	return sha1Sum(s.expectM1, s.sharedKey)
}

// SharedKey returns K, valid after VerifyClientProof succeeds.
func (s *SRPServerState) SharedKey() []byte {
	return s.sharedKey
}
