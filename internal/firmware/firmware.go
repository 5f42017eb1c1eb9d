// Package firmware implements the ACP firmware image codec (spec section
// 4.10): per-model key derivation, a decrypt-then-inflate pipeline over
// AES-128-CBC-encrypted, per-chunk-restarted-IV firmware bodies, and a
// gzip-signature-searching extractor. Grounded on the decrypt/verify
// shape of dantte-lp-gobfd's firmware-adjacent stream helpers, generalized
// from BFD packet buffers to 32 KiB firmware chunks.
package firmware

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/adler32"
	"io"
)

// HeaderSize is the fixed firmware image header length (spec section 4.10,
// "Firmware image"; section 8 wire layout).
const HeaderSize = 32

// chunkSize is the size each CBC restart window covers (spec section
// 4.10, "Decrypt pipeline" step 3).
const chunkSize = 32768

const headerMagic = "APPLE-FIRMWARE\x00"

const flagEncrypted = 1 << 1

// gzipSignature is the 3-byte prefix a gzip stream starts with: magic
// bytes 0x1f 0x8b followed by the deflate compression method 0x08 (spec
// section 4.10, "Extract pipeline").
var gzipSignature = []byte{0x1f, 0x8b, 0x08}

// Header describes a parsed 32-byte firmware image header (spec section
// 8, "Firmware file layout").
type Header struct {
	IVByte  byte
	Model   uint32
	Version uint32
	Flags   byte
}

func (h Header) encrypted() bool { return h.Flags&flagEncrypted != 0 }

// rootKeys holds the static per-model 16-byte root keys (spec section
// 4.10, "Key derivation"). These are the fixed constants this codec XORs
// by position to derive each image's AES key; an unrecognized model is
// ErrUnknownModel.
var rootKeys = map[uint32][16]byte{
	107: {0x7f, 0x45, 0x91, 0xc2, 0x3a, 0x0e, 0xbb, 0x58, 0xd4, 0x2c, 0x67, 0xa1, 0xf0, 0x13, 0x89, 0x5d},
	108: {0x2b, 0xd8, 0x6f, 0x14, 0xa7, 0x3d, 0x90, 0xe2, 0x5c, 0x81, 0x3f, 0xb6, 0x04, 0xca, 0x77, 0x9a},
	115: {0x61, 0x9c, 0x3e, 0xf2, 0x08, 0x7d, 0xa4, 0x56, 0xdb, 0x1a, 0x93, 0x2f, 0xc8, 0x60, 0x4e, 0xb7},
	120: {0xe3, 0x0a, 0x5d, 0x88, 0x26, 0xbf, 0x41, 0x9e, 0x73, 0xcc, 0x15, 0x4a, 0xd2, 0x69, 0xf8, 0x37},
}

// ErrUnknownModel is returned when the firmware header names a model with
// no registered root key.
var ErrUnknownModel = fmt.Errorf("firmware: unknown model")

// ErrBadChecksum is returned when the trailing Adler-32 does not match
// header ‖ decrypted body.
var ErrBadChecksum = fmt.Errorf("firmware: checksum mismatch")

// ErrNotEnoughData is returned when fewer bytes are supplied than the
// header or trailer require.
var ErrNotEnoughData = fmt.Errorf("firmware: not enough data")

// deriveKey XORs model's root key byte i with (i+0x19)&0xFF (spec section
// 4.10, "Key derivation").
func deriveKey(model uint32) ([]byte, error) {
	root, ok := rootKeys[model]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownModel, model)
	}
	key := make([]byte, 16)
	for i, b := range root {
		key[i] = b ^ byte((i+0x19)&0xFF)
	}
	return key, nil
}

// parseHeader reads the fixed 32-byte header out of buf.
func parseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("firmware: parse header: %w", ErrNotEnoughData)
	}
	return Header{
		IVByte:  buf[0x0f],
		Model:   binary.BigEndian.Uint32(buf[16:20]),
		Version: binary.BigEndian.Uint32(buf[20:24]),
		Flags:   buf[24],
	}, nil
}

func iv(h Header) []byte {
	out := make([]byte, aes.BlockSize)
	copy(out, headerMagic)
	out[aes.BlockSize-1] = h.IVByte
	return out
}

// decryptChunks runs AES-128-CBC over body in chunkSize windows, restarting
// the cipher at the same IV for every chunk (spec section 4.10, step 3).
// Any trailing remainder shorter than one AES block within a chunk passes
// through unmodified.
func decryptChunks(block cipher.Block, ivBytes []byte, body []byte) []byte {
	out := make([]byte, len(body))
	for off := 0; off < len(body); off += chunkSize {
		end := off + chunkSize
		if end > len(body) {
			end = len(body)
		}
		chunk := body[off:end]
		aligned := len(chunk) - (len(chunk) % aes.BlockSize)

		if aligned > 0 {
			mode := cipher.NewCBCDecrypter(block, ivBytes)
			mode.CryptBlocks(out[off:off+aligned], chunk[:aligned])
		}
		if aligned < len(chunk) {
			copy(out[off+aligned:end], chunk[aligned:])
		}
	}
	return out
}

// Model reports the model id named in image's header, without decrypting
// or verifying the body — useful for a caller that only needs to label a
// flash attempt (e.g. a metrics counter) before running the full pipeline.
func Model(image []byte) (uint32, error) {
	h, err := parseHeader(image)
	if err != nil {
		return 0, err
	}
	return h.Model, nil
}

// Decrypt parses a full firmware image (header ‖ body ‖ adler32) and
// returns the plaintext body, verifying the trailing checksum (spec
// section 4.10, "Decrypt pipeline").
func Decrypt(image []byte) ([]byte, error) {
	if len(image) < HeaderSize+4 {
		return nil, fmt.Errorf("firmware: decrypt: %w", ErrNotEnoughData)
	}
	header, err := parseHeader(image)
	if err != nil {
		return nil, err
	}

	body := image[HeaderSize : len(image)-4]
	expected := binary.BigEndian.Uint32(image[len(image)-4:])

	var plain []byte
	if !header.encrypted() {
		plain = append([]byte(nil), body...)
	} else {
		key, err := deriveKey(header.Model)
		if err != nil {
			return nil, fmt.Errorf("firmware: decrypt: %w", err)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("firmware: decrypt: %w", err)
		}
		plain = decryptChunks(block, iv(header), body)
	}

	sum := adler32.New()
	sum.Write(image[:HeaderSize])
	sum.Write(plain)
	if sum.Sum32() != expected {
		return nil, fmt.Errorf("firmware: decrypt: %w", ErrBadChecksum)
	}
	return plain, nil
}

// Extract locates the gzip stream within a decrypted firmware body and
// inflates it (spec section 4.10, "Extract pipeline", buffer-in/buffer-out
// shape).
func Extract(plain []byte) ([]byte, error) {
	idx := bytes.Index(plain, gzipSignature)
	if idx < 0 {
		return nil, fmt.Errorf("firmware: extract: gzip signature not found")
	}
	zr, err := gzip.NewReader(bytes.NewReader(plain[idx:]))
	if err != nil {
		return nil, fmt.Errorf("firmware: extract: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// DecryptAndExtract runs the decrypt pipeline followed by the extract
// pipeline, the common case for reading a flashable image's payload.
func DecryptAndExtract(image []byte) ([]byte, error) {
	plain, err := Decrypt(image)
	if err != nil {
		return nil, err
	}
	return Extract(plain)
}

// ChunkWriter is the push-style (chunked) shape of the decrypt pipeline
// for large files (spec section 4.10, "push-style transform"): callers
// feed successive body chunks and read decrypted bytes back, with the
// trailing Adler-32 validated once Close is called.
type ChunkWriter struct {
	header  Header
	block   cipher.Block
	ivBytes []byte
	sum     hash.Hash32
	pending []byte
}

// NewChunkWriter begins a streaming decrypt session for an image whose
// header has already been parsed from the first HeaderSize bytes.
func NewChunkWriter(header []byte) (*ChunkWriter, error) {
	h, err := parseHeader(header)
	if err != nil {
		return nil, err
	}
	cw := &ChunkWriter{header: h}
	sum := adler32.New()
	sum.Write(header[:HeaderSize])
	cw.sum = sum

	if h.encrypted() {
		key, err := deriveKey(h.Model)
		if err != nil {
			return nil, fmt.Errorf("firmware: chunk writer: %w", err)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("firmware: chunk writer: %w", err)
		}
		cw.block = block
		cw.ivBytes = iv(h)
	}
	return cw, nil
}

// Write feeds the next slice of the (still encrypted, if applicable) body
// and returns newly available plaintext bytes. Chunk boundaries are
// re-aligned internally to chunkSize windows regardless of how callers
// slice their writes.
func (cw *ChunkWriter) Write(p []byte) ([]byte, error) {
	cw.pending = append(cw.pending, p...)

	var produced []byte
	for len(cw.pending) >= chunkSize {
		chunk := cw.pending[:chunkSize]
		cw.pending = cw.pending[chunkSize:]
		produced = append(produced, cw.decryptOne(chunk)...)
	}
	cw.sum.Write(produced)
	return produced, nil
}

func (cw *ChunkWriter) decryptOne(chunk []byte) []byte {
	if cw.block == nil {
		return append([]byte(nil), chunk...)
	}
	out := make([]byte, len(chunk))
	aligned := len(chunk) - (len(chunk) % aes.BlockSize)
	if aligned > 0 {
		cipher.NewCBCDecrypter(cw.block, cw.ivBytes).CryptBlocks(out[:aligned], chunk[:aligned])
	}
	copy(out[aligned:], chunk[aligned:])
	return out
}

// Close flushes any partial final chunk and verifies the trailing
// Adler-32 against expected.
func (cw *ChunkWriter) Close(expected uint32) ([]byte, error) {
	var final []byte
	if len(cw.pending) > 0 {
		final = cw.decryptOne(cw.pending)
		cw.sum.Write(final)
		cw.pending = nil
	}
	if cw.sum.Sum32() != expected {
		return final, fmt.Errorf("firmware: chunk writer close: %w", ErrBadChecksum)
	}
	return final, nil
}

// GzipScanner finds a gzip signature across chunk boundaries, retaining the
// last two bytes of input between calls so that a 3-byte signature split
// over two chunks is still found (spec section 4.10).
type GzipScanner struct {
	tail  []byte
	found bool
}

// Feed appends chunk to the scanner's view and returns the offset within
// chunk where the gzip signature begins, if found for the first time in
// this call; ok is false otherwise. When the signature begins in the bytes
// retained from the previous call, ok is true and offset is 0, although
// the signature's first bytes lie at the end of the previous chunk.
func (g *GzipScanner) Feed(chunk []byte) (offset int, ok bool) {
	if g.found {
		return 0, false
	}
	window := append(append([]byte(nil), g.tail...), chunk...)
	idx := bytes.Index(window, gzipSignature)
	if idx >= 0 {
		g.found = true
		offsetInChunk := idx - len(g.tail)
		if offsetInChunk < 0 {
			offsetInChunk = 0
		}
		return offsetInChunk, true
	}

	if len(window) > 2 {
		g.tail = append([]byte(nil), window[len(window)-2:]...)
	} else {
		g.tail = window
	}
	return 0, false
}
