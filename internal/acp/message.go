package acp

import (
	"encoding/binary"
	"fmt"
	"hash/adler32"
)

// Message framing (spec section 4.3): a fixed 128-byte header followed by
// a variable-length body, both independently Adler-32 checksummed.
//
// Adler-32 is computed with the standard library's hash/adler32 — the
// wire format names the standard algorithm by name, so there is no
// third-party checksum package to reach for here.

// HeaderSize is the fixed width of a Message header on the wire.
const HeaderSize = 128

const headerMagic = "acpp"

// Protocol versions this package understands (spec section 3).
const (
	VersionLegacy  uint32 = 0x00000001
	VersionCurrent uint32 = 0x00030001
)

// streamingBodySize is the header's body_size sentinel meaning "no
// precomputed body length; the body is streamed out-of-band".
const streamingBodySize int32 = -1

// Command identifies a Message's operation (spec section 3, Message
// invariant (d)).
type Command int32

// Known commands. Names follow spec section 3's enumeration; the two
// numeric gaps (4, 0x17) are real wire values with no documented mnemonic.
const (
	CommandEcho            Command = 1
	CommandFlashPrimary    Command = 3
	CommandUnknown4        Command = 4
	CommandFlashSecondary  Command = 5
	CommandFlashBootloader Command = 6
	CommandGetProperty     Command = 0x14
	CommandSetProperty     Command = 0x15
	CommandPerform         Command = 0x16
	CommandUnknown17       Command = 0x17
	CommandMonitor         Command = 0x18
	CommandRPC             Command = 0x19
	CommandAuthenticate    Command = 0x1a
	CommandGetFeatures     Command = 0x1b
)

func (c Command) known() bool {
	switch c {
	case CommandEcho, CommandFlashPrimary, CommandUnknown4, CommandFlashSecondary,
		CommandFlashBootloader, CommandGetProperty, CommandSetProperty, CommandPerform,
		CommandUnknown17, CommandMonitor, CommandRPC, CommandAuthenticate, CommandGetFeatures:
		return true
	default:
		return false
	}
}

// Message is a unit of protocol exchange (spec section 3, "Message").
type Message struct {
	Version      uint32
	Flags        int32
	Unused       int32
	Command      Command
	ErrorCode    int32
	Key          [32]byte
	Body         []byte
	Streaming    bool   // body_size == -1: body is absent, carried out-of-band
	BodyChecksum uint32 // populated by Parse; recomputed by Compose
}

// headerFields is the literal, uninterpreted set of values that fill a
// 128-byte header. packHeaderBytes is a pure serializer with no checksum
// logic of its own, so the exact test vectors in spec section 8 (which
// pack a header with an explicit, not-yet-computed checksum of 0) can be
// exercised directly against it.
type headerFields struct {
	version        uint32
	headerChecksum uint32
	bodyChecksum   uint32
	bodySize       int32
	flags          int32
	unused         int32
	command        int32
	errorCode      int32
	key            [32]byte
}

func packHeaderBytes(f headerFields) []byte {
	out := make([]byte, HeaderSize)
	copy(out[0:4], headerMagic)
	binary.BigEndian.PutUint32(out[4:8], f.version)
	binary.BigEndian.PutUint32(out[8:12], f.headerChecksum)
	binary.BigEndian.PutUint32(out[12:16], f.bodyChecksum)
	binary.BigEndian.PutUint32(out[16:20], uint32(f.bodySize))
	binary.BigEndian.PutUint32(out[20:24], uint32(f.flags))
	binary.BigEndian.PutUint32(out[24:28], uint32(f.unused))
	binary.BigEndian.PutUint32(out[28:32], uint32(f.command))
	binary.BigEndian.PutUint32(out[32:36], uint32(f.errorCode))
	// out[36:48] pad1, out[80:128] pad2 stay zero.
	copy(out[48:80], f.key[:])
	return out
}

// Compose assembles msg into its 128-byte header and body, computing both
// checksums (spec section 4.3, "compose"). msg.Key must already be set by
// one of the composeXxxCommand constructors (or directly, for tests).
func Compose(msg Message) ([]byte, error) {
	if !msg.Command.known() {
		return nil, fmt.Errorf("compose: command %d: %w", msg.Command, ErrUnknownCommand)
	}

	f := headerFields{
		version:   msg.Version,
		flags:     msg.Flags,
		unused:    msg.Unused,
		command:   int32(msg.Command),
		errorCode: msg.ErrorCode,
		key:       msg.Key,
	}

	if msg.Streaming {
		f.bodySize = streamingBodySize
		f.bodyChecksum = 0
	} else {
		f.bodySize = int32(len(msg.Body))
		f.bodyChecksum = adler32.Checksum(msg.Body)
	}

	zeroed := packHeaderBytes(f)
	f.headerChecksum = adler32.Checksum(zeroed)
	header := packHeaderBytes(f)

	out := make([]byte, 0, HeaderSize+len(msg.Body))
	out = append(out, header...)
	if !msg.Streaming {
		out = append(out, msg.Body...)
	}
	return out, nil
}

// Parse decodes one Message from the front of buf and reports how many
// bytes it consumed, so callers may either discard the remainder or feed
// it back in as the head of the next Parse call (spec section 4.3,
// "parse").
func Parse(buf []byte) (msg Message, consumed int, err error) {
	if len(buf) < HeaderSize {
		return Message{}, 0, fmt.Errorf("parse: %w", ErrShortHeader)
	}
	header := buf[:HeaderSize]

	if string(header[0:4]) != headerMagic {
		return Message{}, 0, fmt.Errorf("parse: %w", ErrBadMagic)
	}

	version := binary.BigEndian.Uint32(header[4:8])
	if version != VersionLegacy && version != VersionCurrent {
		return Message{}, 0, fmt.Errorf("parse: version 0x%x: %w", version, ErrUnknownVersion)
	}

	wantChecksum := binary.BigEndian.Uint32(header[8:12])
	zeroed := append([]byte(nil), header...)
	binary.BigEndian.PutUint32(zeroed[8:12], 0)
	if got := adler32.Checksum(zeroed); got != wantChecksum {
		return Message{}, 0, fmt.Errorf("parse: %w", ErrHeaderChecksum)
	}

	bodyChecksumField := binary.BigEndian.Uint32(header[12:16])
	bodySize := int32(binary.BigEndian.Uint32(header[16:20]))
	flags := int32(binary.BigEndian.Uint32(header[20:24]))
	unused := int32(binary.BigEndian.Uint32(header[24:28]))
	command := Command(int32(binary.BigEndian.Uint32(header[28:32])))
	errorCode := int32(binary.BigEndian.Uint32(header[32:36]))
	var key [32]byte
	copy(key[:], header[48:80])

	if !command.known() {
		return Message{}, 0, fmt.Errorf("parse: command %d: %w", command, ErrUnknownCommand)
	}

	msg = Message{
		Version:   version,
		Flags:     flags,
		Unused:    unused,
		Command:   command,
		ErrorCode: errorCode,
		Key:       key,
	}

	if bodySize == streamingBodySize {
		if len(buf) > HeaderSize {
			return Message{}, 0, fmt.Errorf("parse: %w", ErrStreamHeaderWithBody)
		}
		msg.Streaming = true
		return msg, HeaderSize, nil
	}

	if bodySize < 0 {
		return Message{}, 0, fmt.Errorf("parse: negative body size %d: %w", bodySize, ErrBodyLengthMismatch)
	}

	rest := buf[HeaderSize:]
	if len(rest) < int(bodySize) {
		return Message{}, 0, fmt.Errorf("parse: %w", ErrShortBody)
	}
	body := rest[:bodySize]

	if got := adler32.Checksum(body); got != bodyChecksumField {
		return Message{}, 0, fmt.Errorf("parse: %w", ErrBodyChecksum)
	}

	msg.Body = append([]byte(nil), body...)
	msg.BodyChecksum = bodyChecksumField
	return msg, HeaderSize + int(bodySize), nil
}

// -------------------------------------------------------------------------
// Command-specific constructors (spec section 4.3, "compose")
// -------------------------------------------------------------------------

// newMessage builds a Message with the fields every composeXxxCommand
// constructor shares: version fixed to VersionCurrent, unused fixed to 0,
// and key derived from password (or the empty-password key, when
// encryption is already active and password is absent).
func newMessage(password string, flags, errorCode int32, command Command, body []byte, streaming bool) Message {
	return Message{
		Version:   VersionCurrent,
		Flags:     flags,
		Unused:    0,
		Command:   command,
		ErrorCode: errorCode,
		Key:       GenerateHeaderKey(password),
		Body:      body,
		Streaming: streaming,
	}
}

func composeGetPropCommand(password string, flags int32, body []byte) Message {
	return newMessage(password, flags, 0, CommandGetProperty, body, false)
}

func composeSetPropCommand(password string, flags int32, body []byte) Message {
	return newMessage(password, flags, 0, CommandSetProperty, body, false)
}

func composeMonitorCommand(password string, flags int32, body []byte) Message {
	return newMessage(password, flags, 0, CommandMonitor, body, false)
}

func composeRPCCommand(password string, flags int32, body []byte) Message {
	return newMessage(password, flags, 0, CommandRPC, body, false)
}

// composeAuthCommand always uses the empty-password key: AUTHENTICATE is
// one of the two commands that must run before a password is known (spec
// section 4.3).
func composeAuthCommand(flags int32, body []byte) Message {
	return newMessage("", flags, 0, CommandAuthenticate, body, false)
}

// composeFeatCommand always uses the empty-password key, for the same
// reason as composeAuthCommand. The request body is empty but present
// (body_size == 0), not streaming: GET_FEATURES has nothing to send, but
// streaming (body_size == -1, section 3) means a body carried
// out-of-band, which does not apply here.
func composeFeatCommand(flags int32) Message {
	return newMessage("", flags, 0, CommandGetFeatures, nil, false)
}

func composeFlashPrimaryCommand(password string, flags int32, body []byte) Message {
	return newMessage(password, flags, 0, CommandFlashPrimary, body, false)
}

func composeFlashSecondaryCommand(password string, flags int32, body []byte) Message {
	return newMessage(password, flags, 0, CommandFlashSecondary, body, false)
}

func composeFlashBootloaderCommand(password string, flags int32, body []byte) Message {
	return newMessage(password, flags, 0, CommandFlashBootloader, body, false)
}

func composeEchoCommand(password string, flags int32, body []byte) Message {
	return newMessage(password, flags, 0, CommandEcho, body, false)
}

func composePerformCommand(password string, flags int32, body []byte) Message {
	return newMessage(password, flags, 0, CommandPerform, body, false)
}
