// Package server implements the ACP daemon side: an accept loop over the
// protocol's TCP listener (spec section 6, "TCP port. Default 5009") and a
// per-connection dispatch loop driving SRP authentication and the
// GET_PROPERTY/SET_PROPERTY/MONITOR/RPC exchanges (spec section 4.8's
// client-facing operations, mirrored server-side).
//
// The accept loop follows the same net.ListenConfig/Accept shape the
// teacher's HAProxy agent-check bridge uses, generalized from a
// fire-and-forget response to a stateful, authenticated session.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/netutil"

	"github.com/nyxcore/acpd/internal/acp"
	acpmetrics "github.com/nyxcore/acpd/internal/metrics"
)

// VerifierStore resolves a username to its enrolled SRP verifier (spec
// section 4.7's server path). Username is always "admin" on this
// protocol, so a real deployment's VerifierStore is effectively a
// single-slot store; it is kept pluggable so a different verifier source
// can be swapped in without changing this package.
type VerifierStore interface {
	Verifier(username string) (*acp.SRPVerifier, error)
}

// StaticVerifier is a VerifierStore wrapping one pre-generated verifier,
// sufficient for a single-admin-account deployment.
type StaticVerifier struct {
	Username string
	Verifier *acp.SRPVerifier
}

// Verifier returns the wrapped verifier if username matches and a verifier
// is set, or ErrUnknownUser otherwise.
func (s StaticVerifier) Verifier(username string) (*acp.SRPVerifier, error) {
	if username != s.Username || s.Verifier == nil {
		return nil, ErrUnknownUser
	}
	return s.Verifier, nil
}

// ErrUnknownUser indicates an AUTHENTICATE stage 1 request named a
// username with no enrolled verifier.
var ErrUnknownUser = errors.New("acpd: unknown SRP username")

// Server accepts ACP connections and dispatches each to its own session
// loop (spec section 4.5's Session, used here with NewServerSession).
type Server struct {
	Addr           string
	MaxConnections int
	Store          PropertyStore
	Catalog        acp.PropertyCatalog
	Verifiers      VerifierStore
	RPCFuncs       RPCRegistry
	Features       []any
	Events         MonitorSource
	Firmware       FirmwareSink
	Metrics        *acpmetrics.Collector
	Logger         *slog.Logger
}

// idleReadTimeout bounds how long handleConn's dispatch loop waits for the
// next request on an otherwise-idle connection. It is deliberately much
// larger than DefaultTimeout (which governs individual client exchanges):
// a server has no request of its own in flight and should simply wait for
// the peer's next message, not time out a quiet connection.
const idleReadTimeout = 24 * time.Hour

// New constructs a Server with the given listen address and collaborators.
// A nil Catalog falls back to acp.NewBuiltinCatalog(); a nil Logger falls
// back to slog.Default().
func New(addr string, store PropertyStore, verifiers VerifierStore, metrics *acpmetrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Addr:      addr,
		Store:     store,
		Catalog:   acp.NewBuiltinCatalog(),
		Verifiers: verifiers,
		RPCFuncs:  RPCRegistry{},
		Metrics:   metrics,
		Logger:    logger,
	}
}

// Serve listens on s.Addr and accepts connections until ctx is canceled,
// dispatching each to its own goroutine (spec section 4.5: one Session per
// TCP connection). It returns nil on a context-triggered shutdown and a
// non-nil error on any other listener failure.
func (s *Server) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("acpd: listen on %s: %w", s.Addr, err)
	}

	if s.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.MaxConnections)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		if cErr := ln.Close(); cErr != nil {
			s.Logger.Debug("listener close error", slog.String("error", cErr.Error()))
		}
	}()

	s.Logger.Info("acp listener started", slog.String("addr", s.Addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.Logger.Warn("accept error", slog.String("error", err.Error()))
			continue
		}

		go s.handleConn(ctx, conn)
	}
}

// handleConn runs one connection's dispatch loop until it closes or errors
// (spec section 4.5's receiveMessage/parse cycle, server side).
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	if s.Metrics != nil {
		s.Metrics.RegisterSession()
		defer s.Metrics.UnregisterSession()
	}

	session := acp.NewServerSession(conn)
	defer session.Close()

	c := &connState{
		server:  s,
		session: session,
		remote:  remote,
	}

	s.Logger.Info("session accepted", slog.String("remote", remote))
	for {
		msg, err := session.ReceiveMessage(idleReadTimeout)
		if err != nil {
			if !errors.Is(err, acp.ErrCanceled) && !errors.Is(err, acp.ErrTimeout) {
				s.Logger.Info("session ended", slog.String("remote", remote), slog.String("error", err.Error()))
			}
			return
		}
		if msg.Streaming {
			s.Logger.Warn("rejecting streaming request", slog.String("remote", remote))
			return
		}

		if s.Metrics != nil {
			s.Metrics.IncMessagesReceived(commandName(msg.Command))
		}

		if err := c.dispatch(ctx, msg); err != nil {
			s.Logger.Warn("dispatch error",
				slog.String("remote", remote),
				slog.String("command", commandName(msg.Command)),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// connState carries the per-connection data a dispatch needs beyond the
// Session itself: the state of the most recent SRP exchange and whether
// authentication has completed.
type connState struct {
	server  *Server
	session *acp.Session
	remote  string

	srp           *acp.SRPServerState
	authenticated bool
}

// authRequired lists every command that may only be dispatched after a
// successful AUTHENTICATE exchange (spec section 4.7: "production accounts
// always require authentication before any other exchange").
func authRequired(c acp.Command) bool {
	switch c {
	case acp.CommandGetProperty, acp.CommandSetProperty, acp.CommandRPC,
		acp.CommandMonitor, acp.CommandFlashPrimary, acp.CommandFlashSecondary,
		acp.CommandFlashBootloader:
		return true
	default:
		return false
	}
}

func (c *connState) dispatch(ctx context.Context, msg acp.Message) error {
	if authRequired(msg.Command) && !c.authenticated {
		return c.reply(msg.Command, nil, acp.CodeInvalidKey)
	}

	switch msg.Command {
	case acp.CommandAuthenticate:
		return c.handleAuthenticate(msg)
	case acp.CommandGetProperty:
		return c.handleGetProperty(msg)
	case acp.CommandSetProperty:
		return c.handleSetProperty(msg)
	case acp.CommandGetFeatures:
		return c.handleGetFeatures(msg)
	case acp.CommandRPC:
		return c.handleRPC(msg)
	case acp.CommandMonitor:
		return c.handleMonitor(msg)
	case acp.CommandFlashPrimary:
		return c.handleFlashPrimary(msg)
	default:
		return c.reply(msg.Command, nil, acp.CodeNotAvailable)
	}
}

func (c *connState) reply(command acp.Command, body []byte, errorCode int32) error {
	if c.server.Metrics != nil {
		c.server.Metrics.IncMessagesSent(commandName(command))
	}
	return c.session.Send(acp.Message{
		Version:   acp.VersionCurrent,
		Command:   command,
		ErrorCode: errorCode,
		Body:      body,
	})
}

func commandName(c acp.Command) string {
	switch c {
	case acp.CommandEcho:
		return "ECHO"
	case acp.CommandFlashPrimary:
		return "FLASH_PRIMARY"
	case acp.CommandFlashSecondary:
		return "FLASH_SECONDARY"
	case acp.CommandFlashBootloader:
		return "FLASH_BOOTLOADER"
	case acp.CommandGetProperty:
		return "GET_PROPERTY"
	case acp.CommandSetProperty:
		return "SET_PROPERTY"
	case acp.CommandPerform:
		return "PERFORM"
	case acp.CommandMonitor:
		return "MONITOR"
	case acp.CommandRPC:
		return "RPC"
	case acp.CommandAuthenticate:
		return "AUTHENTICATE"
	case acp.CommandGetFeatures:
		return "GET_FEATURES"
	default:
		return fmt.Sprintf("0x%x", int32(c))
	}
}
