package acp

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Framing errors (spec section 7, "Framing")
// -------------------------------------------------------------------------

// Sentinel errors returned by Parse and Compose (message.go).
var (
	// ErrBadMagic indicates the header's 4-byte magic is not "acpp".
	ErrBadMagic = errors.New("acp: bad header magic")

	// ErrUnknownVersion indicates the header version is neither
	// VersionLegacy nor VersionCurrent.
	ErrUnknownVersion = errors.New("acp: unknown protocol version")

	// ErrHeaderChecksum indicates the header Adler-32 checksum did not
	// match the recomputed value.
	ErrHeaderChecksum = errors.New("acp: header checksum mismatch")

	// ErrBodyChecksum indicates the body Adler-32 checksum did not match
	// the recomputed value.
	ErrBodyChecksum = errors.New("acp: body checksum mismatch")

	// ErrBodyLengthMismatch indicates the body's byte length did not
	// equal the header's body_size field.
	ErrBodyLengthMismatch = errors.New("acp: body length does not match body_size")

	// ErrUnknownCommand indicates the header's command field is not a
	// recognized Command value.
	ErrUnknownCommand = errors.New("acp: unknown command")

	// ErrStreamHeaderWithBody indicates body_size == -1 (streaming) but
	// body bytes were present in the buffer handed to Parse.
	ErrStreamHeaderWithBody = errors.New("acp: streaming header carries a body")

	// ErrShortHeader indicates fewer than HeaderSize bytes were available
	// to Parse.
	ErrShortHeader = errors.New("acp: buffer shorter than header size")

	// ErrShortBody indicates fewer bytes were available than body_size
	// declared.
	ErrShortBody = errors.New("acp: buffer shorter than declared body size")
)

// -------------------------------------------------------------------------
// Property errors (spec section 7, "Property")
// -------------------------------------------------------------------------

var (
	// ErrUnknownProperty indicates a property name absent from the
	// catalogue in use.
	ErrUnknownProperty = errors.New("acp: unknown property")

	// ErrNegativeElementSize indicates a property element header declared
	// a negative size.
	ErrNegativeElementSize = errors.New("acp: property element size is negative")

	// ErrShortElement indicates fewer bytes were available than an
	// element's declared size.
	ErrShortElement = errors.New("acp: buffer shorter than declared element size")
)

// InvalidValueError reports that a native value could not be coerced to or
// from a Property's declared ValueKind.
type InvalidValueError struct {
	Kind  ValueKind
	Value any
}

// ErrInvalidValue is the sentinel InvalidValueError wraps, so callers can
// use errors.Is(err, ErrInvalidValue) without matching the payload.
var ErrInvalidValue = errors.New("acp: invalid property value")

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("acp: invalid value %v for type %s", e.Value, e.Kind)
}

// Unwrap lets errors.Is(err, ErrInvalidValue) succeed.
func (e *InvalidValueError) Unwrap() error { return ErrInvalidValue }

// PropertyServerError reports a per-property error code returned by a peer
// in a GET_PROPERTY or SET_PROPERTY response element.
type PropertyServerError struct {
	Name string
	Code int32
}

// ErrPropertyServerError is the sentinel PropertyServerError wraps.
var ErrPropertyServerError = errors.New("acp: property server error")

func (e *PropertyServerError) Error() string {
	return fmt.Sprintf("acp: property %s server error %d", e.Name, e.Code)
}

// Unwrap lets errors.Is(err, ErrPropertyServerError) succeed.
func (e *PropertyServerError) Unwrap() error { return ErrPropertyServerError }

// Known property response error codes (spec section 4.8).
const (
	CodeNotAvailable      int32 = -10
	CodeInvalidKey        int32 = -16
	CodeUnknownNeg6772    int32 = -6772
	CodeIncorrectPassword int32 = -6754
)

// -------------------------------------------------------------------------
// Payload (CFLBinaryPList) errors (spec section 7, "Payload")
// -------------------------------------------------------------------------

var (
	// ErrUnsupportedPListType indicates a marker byte whose high nibble
	// names a type this codec does not decode (date, UID, set variants).
	ErrUnsupportedPListType = errors.New("acp: unsupported CFLBinaryPList type")

	// ErrMaxDepthExceeded indicates a nested array/dict exceeded the
	// maximum parse depth of 10.
	ErrMaxDepthExceeded = errors.New("acp: CFLBinaryPList nesting exceeds max depth")

	// ErrTrailingGarbage indicates bytes remained after the "END!" footer.
	ErrTrailingGarbage = errors.New("acp: trailing bytes after CFLBinaryPList footer")

	// ErrBadFooter indicates the trailing 4 bytes were not "END!".
	ErrBadFooter = errors.New("acp: missing CFLBinaryPList END! footer")

	// ErrBadMagicPList indicates the leading 4 bytes were not "CFB0".
	ErrBadMagicPList = errors.New("acp: missing CFLBinaryPList CFB0 magic")

	// ErrTruncatedPList indicates the buffer ended before a value's
	// payload was fully read.
	ErrTruncatedPList = errors.New("acp: truncated CFLBinaryPList value")
)

// -------------------------------------------------------------------------
// Session errors (spec section 7, "Session")
// -------------------------------------------------------------------------

var (
	// ErrNotConnected indicates an operation was attempted on a Session
	// with no live socket.
	ErrNotConnected = errors.New("acp: session not connected")

	// ErrTimeout indicates a Receive or Connect call exceeded its deadline.
	ErrTimeout = errors.New("acp: timed out")

	// ErrCanceled indicates a pending queue job or read was aborted
	// because the session closed.
	ErrCanceled = errors.New("acp: canceled")

	// ErrConnectFailed indicates the TCP dial failed.
	ErrConnectFailed = errors.New("acp: connect failed")

	// ErrAlreadyMonitoring indicates SetMonitorHandler was called on a
	// session that is already in monitor push mode.
	ErrAlreadyMonitoring = errors.New("acp: session is in monitor push mode")
)

// -------------------------------------------------------------------------
// Auth errors (spec section 7, "Auth")
// -------------------------------------------------------------------------

var (
	// ErrProofMismatch indicates the server's stage-4 proof M2 did not
	// match the value the client computed (SRPClientState.VerifyServerProof).
	ErrProofMismatch = errors.New("acp: SRP proof mismatch")

	// ErrIncorrectPassword indicates the server rejected the client's M1
	// with error code CodeIncorrectPassword.
	ErrIncorrectPassword = errors.New("acp: incorrect password")

	// ErrEncryptionAlreadyEnabled indicates EnableEncryption was called
	// twice on the same Session.
	ErrEncryptionAlreadyEnabled = errors.New("acp: session encryption already enabled")

	// ErrUnexpectedAuthStage indicates an AUTHENTICATE message arrived
	// with a "state" field the state machine did not expect.
	ErrUnexpectedAuthStage = errors.New("acp: unexpected SRP stage")
)

// -------------------------------------------------------------------------
// RPC errors (spec section 7, "RPC")
// -------------------------------------------------------------------------

// RPCFailedError reports a non-zero "status" field in an RPC response.
type RPCFailedError struct {
	Status int64
}

// ErrRPCFailed is the sentinel RPCFailedError wraps.
var ErrRPCFailed = errors.New("acp: rpc failed")

func (e *RPCFailedError) Error() string {
	return fmt.Sprintf("acp: rpc failed with status %d", e.Status)
}

// Unwrap lets errors.Is(err, ErrRPCFailed) succeed.
func (e *RPCFailedError) Unwrap() error { return ErrRPCFailed }

// ErrInvalidResponse indicates an RPC or monitor response body was missing
// a required CFLBinaryPList key.
var ErrInvalidResponse = errors.New("acp: invalid response payload")

// Firmware image errors (spec section 4.10) live in internal/firmware,
// which has no dependency on this package: ErrUnknownModel, ErrBadChecksum,
// and ErrNotEnoughData there are package-local and unrelated to this one.
