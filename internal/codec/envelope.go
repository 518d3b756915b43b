// Package codec turns messages into wire envelopes and back.
//
// An envelope is a fixed 9-byte header followed by a protobuf-wire payload:
//
//	[4-byte marker "VFLW"][1-byte flags][4-byte big-endian payload length][payload]
//
// Flag bit 0 marks a multipart part that is followed by more parts. Payloads
// larger than one transport frame are split with Split and rebuilt with an
// Assembler; Decode only accepts complete envelopes.
package codec

import (
	"encoding/binary"
	"fmt"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
)

const (
	HeaderLen = 9

	flagContinued byte = 1 << 0
)

// Marker opens every envelope.
var Marker = [4]byte{'V', 'F', 'L', 'W'}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ferrors.ErrCorruptEnvelope, fmt.Sprintf(format, args...))
}

func appendHeader(dst []byte, flags byte, payloadLen int) []byte {
	dst = append(dst, Marker[:]...)
	dst = append(dst, flags)
	return binary.BigEndian.AppendUint32(dst, uint32(payloadLen))
}

// readHeader validates marker and length and returns flags and payload.
func readHeader(env []byte) (byte, []byte, error) {
	if len(env) < HeaderLen {
		return 0, nil, corrupt("envelope of %d bytes is shorter than the header", len(env))
	}
	if [4]byte(env[:4]) != Marker {
		return 0, nil, corrupt("bad marker %q", env[:4])
	}
	flags := env[4]
	n := binary.BigEndian.Uint32(env[5:HeaderLen])
	if uint64(n) != uint64(len(env)-HeaderLen) {
		return 0, nil, corrupt("length field %d does not match payload of %d bytes", n, len(env)-HeaderLen)
	}
	return flags, env[HeaderLen:], nil
}

// IsEnvelope reports whether b starts with the envelope marker.
func IsEnvelope(b []byte) bool {
	return len(b) >= 4 && [4]byte(b[:4]) == Marker
}

// PartLen returns the length of the part that starts b, header included,
// so parts stored back to back can be cut apart.
func PartLen(b []byte) (int, error) {
	if len(b) < HeaderLen {
		return 0, corrupt("part of %d bytes is shorter than the header", len(b))
	}
	if !IsEnvelope(b) {
		return 0, corrupt("bad marker %q", b[:4])
	}
	n := HeaderLen + int(binary.BigEndian.Uint32(b[5:HeaderLen]))
	if n > len(b) {
		return 0, corrupt("part of %d bytes is truncated to %d", n, len(b))
	}
	return n, nil
}

// Split cuts env into parts of at most maxPart bytes each, headers included.
// Every part but the last carries the continuation flag. An envelope that
// already fits, or a maxPart of zero, yields env unchanged.
func Split(env []byte, maxPart int) ([][]byte, error) {
	if maxPart <= 0 || len(env) <= maxPart {
		return [][]byte{env}, nil
	}
	if maxPart <= HeaderLen {
		return nil, fmt.Errorf("codec: part size %d leaves no room for payload", maxPart)
	}
	flags, payload, err := readHeader(env)
	if err != nil {
		return nil, err
	}
	if flags&flagContinued != 0 {
		return nil, corrupt("cannot split a continuation part")
	}

	chunk := maxPart - HeaderLen
	parts := make([][]byte, 0, (len(payload)+chunk-1)/chunk)
	for len(payload) > 0 {
		n := min(chunk, len(payload))
		var f byte
		if n < len(payload) {
			f = flagContinued
		}
		part := appendHeader(make([]byte, 0, HeaderLen+n), f, n)
		parts = append(parts, append(part, payload[:n]...))
		payload = payload[n:]
	}
	return parts, nil
}

// Assembler rebuilds envelopes from parts delivered in order. It is not safe
// for concurrent use; keep one per ordered source.
type Assembler struct {
	// MaxSize caps a reassembled payload. Zero means unlimited.
	MaxSize int

	buf     []byte
	pending bool
}

// Add consumes one part. It returns the complete envelope and true once the
// final part arrives. A malformed part resets the assembler.
func (a *Assembler) Add(part []byte) ([]byte, bool, error) {
	flags, payload, err := readHeader(part)
	if err != nil {
		a.Reset()
		return nil, false, err
	}
	if !a.pending && flags&flagContinued == 0 {
		return part, true, nil
	}
	if a.MaxSize > 0 && len(a.buf)+len(payload) > a.MaxSize {
		a.Reset()
		return nil, false, corrupt("multipart payload exceeds %d bytes", a.MaxSize)
	}
	a.buf = append(a.buf, payload...)
	a.pending = true
	if flags&flagContinued != 0 {
		return nil, false, nil
	}

	env := appendHeader(make([]byte, 0, HeaderLen+len(a.buf)), 0, len(a.buf))
	env = append(env, a.buf...)
	a.Reset()
	return env, true, nil
}

// Pending reports whether a multipart envelope is partially assembled.
func (a *Assembler) Pending() bool { return a.pending }

func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.pending = false
}
