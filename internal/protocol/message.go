// Package protocol implements the RFC 6455 wire layer used between the
// server and browser clients: frame encoding and decoding, masking, and
// the opening handshake.
package protocol

import "fmt"

// Opcode identifies the purpose of a frame.
type Opcode byte

// WebSocket opcodes per RFC 6455.
const (
	OpContinue Opcode = 0x0
	OpText     Opcode = 0x1
	OpBinary   Opcode = 0x2
	OpClose    Opcode = 0x8
	OpPing     Opcode = 0x9
	OpPong     Opcode = 0xA
)

// Close status codes used by the server.
const (
	CloseNormal        uint16 = 1000
	CloseGoingAway     uint16 = 1001
	CloseProtocolError  uint16 = 1002
	CloseInvalidPayload uint16 = 1007
	CloseTooLarge       uint16 = 1009
	CloseInternalError  uint16 = 1011
)

// ValidCloseCode reports whether code may be sent in a CLOSE frame.
// 1005, 1006 and 1015 are reserved for local use and never appear on the
// wire; 3000-4999 are for libraries and applications.
func ValidCloseCode(code uint16) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

// IsValid reports whether o is one of the six defined opcodes.
func (o Opcode) IsValid() bool {
	switch o {
	case OpContinue, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// IsControl reports whether o is a control opcode (close, ping, pong).
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

func (o Opcode) String() string {
	switch o {
	case OpContinue:
		return "CONTINUATION"
	case OpText:
		return "TEXT"
	case OpBinary:
		return "BINARY"
	case OpClose:
		return "CLOSE"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	default:
		return fmt.Sprintf("OPCODE(%#x)", byte(o))
	}
}

// ClosePayload builds the body of a CLOSE frame: a big-endian status code
// followed by an optional UTF-8 reason, truncated to fit a control frame.
func ClosePayload(code uint16, reason string) []byte {
	if len(reason) > MaxControlPayload-2 {
		reason = reason[:MaxControlPayload-2]
	}
	b := make([]byte, 2, 2+len(reason))
	b[0] = byte(code >> 8)
	b[1] = byte(code)
	return append(b, reason...)
}
