package protocol

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Frame size limits.
const (
	// MaxControlPayload is the largest payload a control frame may carry.
	MaxControlPayload = 125
	// DefaultMaxPayload bounds a single frame when no explicit limit is given.
	DefaultMaxPayload = 16 << 20
)

var (
	// ErrNeedMoreData means the buffer holds only a prefix of a frame.
	// The caller keeps the bytes and retries after the next read.
	ErrNeedMoreData = errors.New("protocol: need more data")

	// ErrMalformedFrame means the header is internally inconsistent and
	// no amount of additional data can make it decodable.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
)

// FrameError describes why a header was rejected. It unwraps to
// ErrMalformedFrame.
type FrameError struct {
	Opcode Opcode
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed %s frame: %s", e.Opcode, e.Reason)
}

func (e *FrameError) Unwrap() error { return ErrMalformedFrame }

// Frame is one decoded unit of the framing protocol.
type Frame struct {
	Fin           bool
	Opcode        Opcode
	Masked        bool
	PayloadLength uint64
	MaskKey       [4]byte // zero unless Masked
	Payload       []byte
}

// Encode builds an unmasked, final (FIN=1) server-to-client frame.
func Encode(payload []byte, opcode Opcode) []byte {
	frame := make([]byte, 0, 10+len(payload))
	frame = appendHeader(frame, opcode, len(payload), 0)
	return append(frame, payload...)
}

// EncodeMasked builds a final client-to-server frame masked with key.
func EncodeMasked(payload []byte, opcode Opcode, key [4]byte) []byte {
	frame := make([]byte, 0, 14+len(payload))
	frame = appendHeader(frame, opcode, len(payload), 0x80)
	frame = append(frame, key[:]...)

	// Mask inline into the same allocation
	off := len(frame)
	frame = frame[:off+len(payload)]
	for i, b := range payload {
		frame[off+i] = b ^ key[i&3]
	}
	return frame
}

func appendHeader(frame []byte, opcode Opcode, length int, maskBit byte) []byte {
	frame = append(frame, 0x80|byte(opcode))

	switch {
	case length < 126:
		frame = append(frame, byte(length)|maskBit)
	case length < 65536:
		frame = append(frame, 126|maskBit)
		frame = binary.BigEndian.AppendUint16(frame, uint16(length))
	default:
		frame = append(frame, 127|maskBit)
		frame = binary.BigEndian.AppendUint64(frame, uint64(length))
	}
	return frame
}

// Decode extracts the first frame from buf using DefaultMaxPayload.
// See DecodeLimit.
func Decode(buf []byte) (Frame, int, error) {
	return DecodeLimit(buf, DefaultMaxPayload)
}

// DecodeLimit extracts the first frame from buf. It returns the frame and
// the number of bytes it occupied so the caller can drain exactly that
// much and keep any trailing bytes. A maxPayload of 0 disables the size
// check. The payload is copied, so buf may be reused afterwards.
func DecodeLimit(buf []byte, maxPayload uint64) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrNeedMoreData
	}

	b0, b1 := buf[0], buf[1]
	f := Frame{
		Fin:    b0&0x80 != 0,
		Opcode: Opcode(b0 & 0x0F),
		Masked: b1&0x80 != 0,
	}

	if b0&0x70 != 0 {
		return Frame{}, 0, &FrameError{Opcode: f.Opcode, Reason: "reserved bits set"}
	}
	if !f.Opcode.IsValid() {
		return Frame{}, 0, &FrameError{Opcode: f.Opcode, Reason: "unknown opcode"}
	}

	marker := b1 & 0x7F
	if f.Opcode.IsControl() {
		if !f.Fin {
			return Frame{}, 0, &FrameError{Opcode: f.Opcode, Reason: "fragmented control frame"}
		}
		if marker > MaxControlPayload {
			return Frame{}, 0, &FrameError{Opcode: f.Opcode, Reason: "control payload too long"}
		}
	}

	length := uint64(marker)
	off := 2
	switch marker {
	case 126:
		if len(buf) < off+2 {
			return Frame{}, 0, ErrNeedMoreData
		}
		length = uint64(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		if length < 126 {
			return Frame{}, 0, &FrameError{Opcode: f.Opcode, Reason: "non-minimal 16-bit length"}
		}
	case 127:
		if len(buf) < off+8 {
			return Frame{}, 0, ErrNeedMoreData
		}
		length = binary.BigEndian.Uint64(buf[off:])
		off += 8
		if length>>63 != 0 {
			return Frame{}, 0, &FrameError{Opcode: f.Opcode, Reason: "64-bit length has most significant bit set"}
		}
		if length < 65536 {
			return Frame{}, 0, &FrameError{Opcode: f.Opcode, Reason: "non-minimal 64-bit length"}
		}
	}

	if maxPayload > 0 && length > maxPayload {
		return Frame{}, 0, &FrameError{Opcode: f.Opcode, Reason: fmt.Sprintf("payload of %d bytes exceeds limit %d", length, maxPayload)}
	}
	if length > uint64(math.MaxInt-off-4) {
		return Frame{}, 0, &FrameError{Opcode: f.Opcode, Reason: "payload length overflows"}
	}

	if f.Masked {
		if len(buf) < off+4 {
			return Frame{}, 0, ErrNeedMoreData
		}
		copy(f.MaskKey[:], buf[off:off+4])
		off += 4
	}

	end := off + int(length)
	if len(buf) < end {
		return Frame{}, 0, ErrNeedMoreData
	}

	f.PayloadLength = length
	f.Payload = make([]byte, length)
	copy(f.Payload, buf[off:end])
	if f.Masked {
		for i := range f.Payload {
			f.Payload[i] ^= f.MaskKey[i%4]
		}
	}

	return f, end, nil
}

// frameSize returns how many bytes the frame starting at buf needs in
// total, as far as the header bytes present so far can tell.
func frameSize(buf []byte) int {
	need := 2
	if len(buf) < need {
		return need
	}
	marker := buf[1] & 0x7F
	switch marker {
	case 126:
		need += 2
	case 127:
		need += 8
	}
	if buf[1]&0x80 != 0 {
		need += 4
	}
	if len(buf) < need {
		return need
	}
	switch marker {
	case 126:
		return need + int(binary.BigEndian.Uint16(buf[2:]))
	case 127:
		return need + int(binary.BigEndian.Uint64(buf[2:]))
	default:
		return need + int(marker)
	}
}

// ReadFrame reads exactly one frame from r, blocking until it is complete.
// It applies the same header validation as DecodeLimit.
func ReadFrame(r *bufio.Reader, maxPayload uint64) (Frame, error) {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}

	buf := make([]byte, 0, 14)
	for {
		f, _, err := DecodeLimit(buf, maxPayload)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return Frame{}, err
		}

		// DecodeLimit has already bounded the declared length once the
		// header is complete, so frameSize cannot run away here.
		need := frameSize(buf)
		start := len(buf)
		buf = append(buf, make([]byte, need-start)...)
		if _, err := io.ReadFull(r, buf[start:]); err != nil {
			return Frame{}, err
		}
	}
}

// WriteServerFrame writes an unmasked frame (server → client).
func WriteServerFrame(w io.Writer, opcode Opcode, payload []byte) error {
	_, err := w.Write(Encode(payload, opcode))
	return err
}

// WriteClientFrame writes a frame masked with a fresh random key
// (client → server).
func WriteClientFrame(w io.Writer, opcode Opcode, payload []byte) error {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("mask key: %w", err)
	}
	_, err := w.Write(EncodeMasked(payload, opcode, key))
	return err
}
