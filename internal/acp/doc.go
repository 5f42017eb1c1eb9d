// Package acp implements the ACP wire protocol: message framing, the
// property element codec, the CFLBinaryPList payload format, SRP-6a mutual
// authentication, session-level AES-128-CTR encryption, and the session
// transport and client facade built on top of them.
//
// ACP is a single long-lived TCP connection (default port 5009) carrying
// typed configuration properties, remote procedure calls, change
// monitoring, and firmware flashing for a family of wireless base
// stations. See the package-level files for the wire formats:
// message.go (Message/Header), property.go (Property elements),
// plist.go (CFLBinaryPList), srp.go (authentication), encryption.go
// (post-auth stream cipher), session.go (transport), client.go (facade).
package acp
