package acp

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// Session transport (spec section 4.5): owns one TCP socket, serializes
// request/response exchanges through a FIFO queue, and reassembles
// length-prefixed reads out of a receive buffer fed by a background
// reader goroutine.
//
// sessionState below records whether the session has entered monitor
// push mode (stateIdle / stateMonitoring; stateReading is declared but not
// set). Reads in progress are tracked separately by the reentrancy
// counter, which keeps the monitor dispatcher off the receive buffer
// while a Receive call is active.

// DefaultTimeout is the per-call read/connect timeout used when a caller
// does not supply one (spec section 4.5, "Cancellation & timeouts").
const DefaultTimeout = 10 * time.Second

// monitorMagic is the 2-byte prefix on unsolicited monitor push frames
// (spec GLOSSARY, "Monitor frame").
var monitorMagic = [2]byte{'X', 'E'}

// monitorFrameHeaderSize is magic(2) + 2 unused header bytes + body
// size(4) preceding a monitor frame's CFLBinaryPList body.
const monitorFrameHeaderSize = 8

type sessionState int

const (
	stateIdle sessionState = iota
	stateReading
	stateMonitoring
)

// MonitorHandler receives each unsolicited monitor event body, decoded
// from CFLBinaryPList, as it is dispatched off the receive buffer.
type MonitorHandler func(event any)

// Session is one ACP connection. It is safe for concurrent use: callers
// serialize exchanges through Queue, and Session itself serializes reads
// against the background reader goroutine.
type Session struct {
	host, port string
	asServer   bool // true on the server side of a connection

	mu         sync.Mutex
	notify     chan struct{} // closed and replaced under mu to broadcast buffer/state changes
	conn       net.Conn
	recvBuf    []byte
	state      sessionState
	reentrancy int
	enc        *EncryptionContext
	closed     bool
	closedCh   chan struct{}
	readErr    error

	monitorHandler MonitorHandler

	queueSem chan struct{}
}

// NewSession constructs a Session for a client dialing (host, port).
func NewSession(host, port string) *Session {
	return &Session{
		host:     host,
		port:     port,
		notify:   make(chan struct{}),
		closedCh: make(chan struct{}),
		queueSem: make(chan struct{}, 1),
	}
}

// NewServerSession wraps an already-accepted connection as the server
// side of an ACP session.
func NewServerSession(conn net.Conn) *Session {
	s := &Session{
		asServer: true,
		conn:     conn,
		notify:   make(chan struct{}),
		closedCh: make(chan struct{}),
		queueSem: make(chan struct{}, 1),
	}
	go s.readPump()
	return s
}

// broadcastLocked wakes every goroutine currently waiting in Receive.
// Must be called with s.mu held.
func (s *Session) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Connect dials the session's host/port (spec section 4.5, "connect").
func (s *Session) Connect(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(s.host, s.port))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("acp: connect: %w", ErrTimeout)
		}
		return fmt.Errorf("acp: connect: %w: %v", ErrConnectFailed, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readPump()
	return nil
}

// Done returns a channel closed once the session has been closed, either
// by an explicit Close call or by a read error on the underlying
// connection.
func (s *Session) Done() <-chan struct{} {
	return s.closedCh
}

// Close initiates a graceful close, aborting every pending Receive and
// Queue waiter with Canceled (spec section 4.5, "close").
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.enc = nil
	conn := s.conn
	close(s.closedCh)
	s.broadcastLocked()
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// readPump is the background reader: it continuously fills recvBuf and,
// when no explicit Receive call is pending, scans for unsolicited
// monitor frames (spec section 4.5, "Algorithm — receive reassembly").
func (s *Session) readPump() {
	buf := make([]byte, 32*1024)
	for {
		s.mu.Lock()
		conn := s.conn
		closed := s.closed
		s.mu.Unlock()
		if closed || conn == nil {
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)

			s.mu.Lock()
			if s.enc != nil {
				if s.asServer {
					chunk = s.enc.ServerDecrypt(chunk)
				} else {
					chunk = s.enc.ClientDecrypt(chunk)
				}
			}
			s.recvBuf = append(s.recvBuf, chunk...)
			s.dispatchUnsolicitedLocked()
			s.broadcastLocked()
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.readErr = err
				s.closed = true
				close(s.closedCh)
				s.broadcastLocked()
			}
			s.mu.Unlock()
			return
		}
	}
}

// dispatchUnsolicitedLocked inspects the front of recvBuf for a complete
// monitor frame when no explicit reader is waiting. Must be called with
// s.mu held.
func (s *Session) dispatchUnsolicitedLocked() {
	for s.reentrancy == 0 && s.monitorHandler != nil {
		if len(s.recvBuf) < monitorFrameHeaderSize {
			return
		}
		if !bytes.Equal(s.recvBuf[0:2], monitorMagic[:]) {
			return
		}
		bodySize := binary.BigEndian.Uint32(s.recvBuf[4:8])
		total := monitorFrameHeaderSize + int(bodySize)
		if len(s.recvBuf) < total {
			return
		}

		body := append([]byte(nil), s.recvBuf[monitorFrameHeaderSize:total]...)
		s.recvBuf = s.recvBuf[total:]

		handler := s.monitorHandler
		s.mu.Unlock()
		event, err := PListUnmarshal(body)
		if err == nil {
			handler(event)
		}
		s.mu.Lock()
	}
}

// SetMonitorHandler installs the callback used to dispatch unsolicited
// monitor push frames once the session has entered push mode (spec
// section 4.8, "Monitor protocol"). Monitor push mode is one-way: a
// session already monitoring rejects a second MONITOR exchange rather
// than replacing the handler.
func (s *Session) SetMonitorHandler(h MonitorHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateMonitoring {
		return ErrAlreadyMonitoring
	}
	s.monitorHandler = h
	s.state = stateMonitoring
	return nil
}

// Send serializes msg (encrypting it if a context is installed) and
// writes it to the socket (spec section 4.5, "send").
func (s *Session) Send(msg Message) error {
	raw, err := Compose(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	enc := s.enc
	asServer := s.asServer
	s.mu.Unlock()

	if closed || conn == nil {
		return ErrNotConnected
	}

	if enc != nil {
		if asServer {
			raw = enc.ServerEncrypt(raw)
		} else {
			raw = enc.ClientEncrypt(raw)
		}
	}

	_, err = conn.Write(raw)
	return err
}

// SendMonitorFrame pushes one unsolicited monitor event to the peer: a
// CFLBinaryPList-encoded body prefixed with the monitor frame header (spec
// GLOSSARY, "Monitor frame"). It is the server-side counterpart of the
// client's dispatchUnsolicitedLocked handling of inbound monitor frames.
func (s *Session) SendMonitorFrame(event any) error {
	payload, err := PListMarshal(event)
	if err != nil {
		return err
	}

	frame := make([]byte, monitorFrameHeaderSize+len(payload))
	copy(frame[0:2], monitorMagic[:])
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[monitorFrameHeaderSize:], payload)

	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	enc := s.enc
	asServer := s.asServer
	s.mu.Unlock()

	if closed || conn == nil {
		return ErrNotConnected
	}
	if enc != nil {
		if asServer {
			frame = enc.ServerEncrypt(frame)
		} else {
			frame = enc.ClientEncrypt(frame)
		}
	}

	_, err = conn.Write(frame)
	return err
}

// Receive returns exactly n bytes from the inbound stream, blocking
// until they are available or timeout elapses (spec section 4.5,
// "receive"). The deadline is refreshed whenever new bytes arrive.
func (s *Session) Receive(n int, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	s.reentrancy++
	defer func() {
		s.mu.Lock()
		s.reentrancy--
		s.mu.Unlock()
	}()

	for len(s.recvBuf) < n {
		if s.closed {
			defer s.mu.Unlock()
			if s.readErr != nil {
				return nil, fmt.Errorf("acp: receive: %w", s.readErr)
			}
			return nil, ErrCanceled
		}

		ch := s.notify
		before := len(s.recvBuf)
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.mu.Unlock()
			return nil, ErrTimeout
		}
		s.mu.Unlock()

		select {
		case <-ch:
		case <-time.After(remaining):
		case <-s.closedCh:
		}

		s.mu.Lock()
		// Refresh the deadline only when new bytes actually arrived this
		// cycle (spec section 4.5, "the deadline is refreshed whenever new
		// bytes arrive") — a buffer that was already non-empty but stalled
		// (a partial frame with no further data) must still time out.
		if len(s.recvBuf) > before {
			deadline = time.Now().Add(timeout)
		}
	}

	out := append([]byte(nil), s.recvBuf[:n]...)
	s.recvBuf = s.recvBuf[n:]
	s.mu.Unlock()
	return out, nil
}

// ReceiveMessage reads one framed Message: 128 header bytes, parsed to
// learn body_size, then that many body bytes, with checksum validation
// performed by Parse (spec section 4.5, "receiveMessage").
func (s *Session) ReceiveMessage(timeout time.Duration) (Message, error) {
	header, err := s.Receive(HeaderSize, timeout)
	if err != nil {
		return Message{}, err
	}

	bodySize, streaming, err := peekBodySize(header)
	if err != nil {
		return Message{}, err
	}
	if streaming {
		msg, _, err := Parse(header)
		if err != nil {
			return Message{}, fmt.Errorf("acp: receiveMessage: %w", err)
		}
		return msg, nil
	}

	body, err := s.Receive(bodySize, timeout)
	if err != nil {
		return Message{}, err
	}

	full := append(append([]byte(nil), header...), body...)
	msg, _, err := Parse(full)
	if err != nil {
		return Message{}, fmt.Errorf("acp: receiveMessage: %w", err)
	}
	return msg, nil
}

// peekBodySize decodes only the body_size field (and whether it is the
// streaming sentinel) out of a raw 128-byte header, without the rest of
// Parse's validation.
func peekBodySize(header []byte) (size int, streaming bool, err error) {
	if len(header) < HeaderSize {
		return 0, false, fmt.Errorf("acp: peekBodySize: %w", ErrShortHeader)
	}
	bs := int32(binary.BigEndian.Uint32(header[16:20]))
	if bs == streamingBodySize {
		return 0, true, nil
	}
	if bs < 0 {
		return 0, false, fmt.Errorf("acp: peekBodySize: %w", ErrBodyLengthMismatch)
	}
	return int(bs), false, nil
}

// Queue runs job with exclusive access to the session, serializing
// concurrent callers through a FIFO (spec section 4.5, "queue"). If the
// connection drops before job starts, the waiting caller is aborted with
// Canceled.
func (s *Session) Queue(ctx context.Context, job func(ctx context.Context) error) error {
	select {
	case s.queueSem <- struct{}{}:
	case <-s.closedCh:
		return ErrCanceled
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.queueSem }()

	select {
	case <-s.closedCh:
		return ErrCanceled
	default:
	}

	return job(ctx)
}

// EnableEncryption installs a client-role encryption context: outbound
// bytes are wrapped with the client-to-server stream, inbound bytes are
// unwrapped with the server-to-client stream (spec section 4.5,
// "enableEncryption").
func (s *Session) EnableEncryption(key, clientIV, serverIV []byte) error {
	return s.installEncryption(key, clientIV, serverIV, false)
}

// EnableServerEncryption installs a server-role encryption context: the
// roles of the two streams are reversed relative to EnableEncryption
// (spec section 4.5, "enableServerEncryption").
func (s *Session) EnableServerEncryption(key, clientIV, serverIV []byte) error {
	return s.installEncryption(key, clientIV, serverIV, true)
}

func (s *Session) installEncryption(key, clientIV, serverIV []byte, asServer bool) error {
	ctx, err := NewEncryptionContext(key, clientIV, serverIV)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc != nil {
		return ErrEncryptionAlreadyEnabled
	}
	s.enc = ctx
	s.asServer = asServer
	return nil
}
