package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

/*
  0                   1                   2                   3
  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
 +-+-+-+-+-------+-+-------------+-------------------------------+
 |F|R|R|R| opcode|M| Payload len |    Extended payload length    |
 |I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
 |N|V|V|V|       |S|             |   (if payload len==126/127)   |
 | |1|2|3|       |K|             |                               |
 +-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
 |     Extended payload length continued, if payload len == 127  |
 + - - - - - - - - - - - - - - - +-------------------------------+
 |                               |Masking-key, if MASK set to 1  |
 +-------------------------------+-------------------------------+
 | Masking-key (continued)       |          Payload Data         |
 +-------------------------------- - - - - - - - - - - - - - - - +
 :                     Payload Data continued ...                :
 + - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - - +
 |                     Payload Data continued ...                |
 +---------------------------------------------------------------+
*/

var (
	// ErrNeedMoreData is returned by DecodeHeader when buf ends before the
	// header does. It is not a failure: call again once more bytes arrived.
	ErrNeedMoreData = errors.New("need more data")

	ErrProtocol = errors.New("protocol error")
)

const (
	// MaxControlPayload is the largest payload a Close, Ping or Pong frame may carry.
	MaxControlPayload = 125

	// MaxHeaderSize is 2 fixed bytes, 8 bytes of extended length and 4 bytes of masking key.
	MaxHeaderSize = 14

	lengthCode16 = 126
	lengthCode64 = 127
)

// Header is everything in a frame that precedes the payload.
type Header struct {
	// 1 bit, is the final fragment in a message
	Fin bool
	// 1 bit, set on the first frame of a compressed message
	Rsv1 bool
	// 1 bit
	Rsv2 bool
	// 1 bit
	Rsv3 bool
	// 4 bits
	Opcode Opcode
	// 1 bit
	Masked bool
	// 0 or 4 bytes
	MaskKey [4]byte
	// 7 bits, 7+16 bits, or 7+64 bits
	Length uint64
}

// Role is the side of the connection an endpoint plays.
// The zero value means the role is not known.
type Role uint8

const (
	RoleServer Role = iota + 1
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// MasksOutgoing reports whether frames sent by r must be masked.
func (r Role) MasksOutgoing() bool {
	return r == RoleClient
}

// ValidateOptions configures the checks applied to received headers.
type ValidateOptions struct {
	// Receiver is the role of the endpoint reading the frame. Servers only
	// accept masked frames and clients only unmasked ones. Zero skips the check.
	Receiver Role
	// Compression allows RSV1, it must only be set once permessage-deflate was negotiated.
	Compression bool
}

// Validate checks h against the framing rules of RFC 6455 section 5.
// It only looks at the first two bytes worth of information, so it may be
// called before the extended length was read: a 7-bit length code of 126 or
// 127 is already larger than any control frame may be.
func (h Header) Validate(opts ValidateOptions) error {
	if h.Rsv2 || h.Rsv3 {
		return fmt.Errorf("%w: RSV2 and RSV3 must be 0 as no extension defines them", ErrProtocol)
	}
	if h.Rsv1 && !opts.Compression {
		return fmt.Errorf("%w: RSV1 must be 0 as compression was not negotiated", ErrProtocol)
	}
	if h.Opcode.IsReserved() {
		return fmt.Errorf("%w: opcode %X must not be one of reserved values", ErrProtocol, uint8(h.Opcode))
	}
	if h.Opcode.IsControl() {
		if !h.Fin {
			return fmt.Errorf("%w: control frames must not be fragmented", ErrProtocol)
		}
		if h.Length > MaxControlPayload {
			return fmt.Errorf("%w: control frames must have a payload length of 125 bytes or less", ErrProtocol)
		}
		if h.Rsv1 {
			return fmt.Errorf("%w: control frames must not be compressed", ErrProtocol)
		}
	}
	if h.Rsv1 && h.Opcode == OpcodeContinuation {
		return fmt.Errorf("%w: RSV1 must only be set on the first frame of a message", ErrProtocol)
	}

	switch opts.Receiver {
	case RoleServer:
		if !h.Masked {
			return fmt.Errorf("%w: received unmasked frame on the server", ErrProtocol)
		}
	case RoleClient:
		if h.Masked {
			return fmt.Errorf("%w: received masked frame on the client", ErrProtocol)
		}
	}

	return nil
}

// ParsePrefix decodes the two fixed header bytes. The returned header's
// Length holds the 7-bit length code, which is final only when below 126.
func ParsePrefix(b0, b1 byte) Header {
	return Header{
		Fin:    b0&0b1_000_0000 != 0,
		Rsv1:   b0&0b0_100_0000 != 0,
		Rsv2:   b0&0b0_010_0000 != 0,
		Rsv3:   b0&0b0_001_0000 != 0,
		Opcode: Opcode(b0 & 0b0_000_1111),
		Masked: b1&0b1_0000000 != 0,
		Length: uint64(b1 & 0b0_1111111),
	}
}

// ExtendedLengthSize returns how many bytes follow the fixed header to
// encode the length announced by the 7-bit code.
func ExtendedLengthSize(code uint64) int {
	switch code {
	case lengthCode16:
		return 2
	case lengthCode64:
		return 8
	default:
		return 0
	}
}

// ParseLength16 decodes a 16-bit extended payload length.
func ParseLength16(b []byte) uint64 {
	return uint64(binary.BigEndian.Uint16(b))
}

// ParseLength64 decodes a 64-bit extended payload length.
func ParseLength64(b []byte) (uint64, error) {
	l := binary.BigEndian.Uint64(b)
	if l > math.MaxInt64 {
		return 0, fmt.Errorf("%w: most significant bit of 64-bit payload length must be 0", ErrProtocol)
	}
	return l, nil
}

// DecodeHeader decodes the header at the start of buf and reports how many
// bytes it occupied. It returns ErrNeedMoreData if buf is too short and an
// error wrapping ErrProtocol if the header breaks a framing rule.
// The payload is not touched.
func DecodeHeader(buf []byte, opts ValidateOptions) (Header, int, error) {
	if len(buf) < 2 {
		return Header{}, 0, ErrNeedMoreData
	}

	h := ParsePrefix(buf[0], buf[1])
	if err := h.Validate(opts); err != nil {
		return Header{}, 0, err
	}
	n := 2

	extra := ExtendedLengthSize(h.Length)
	if len(buf) < n+extra {
		return Header{}, 0, ErrNeedMoreData
	}
	switch extra {
	case 2:
		h.Length = ParseLength16(buf[n:])
	case 8:
		l, err := ParseLength64(buf[n:])
		if err != nil {
			return Header{}, 0, err
		}
		h.Length = l
	}
	n += extra

	if h.Masked {
		if len(buf) < n+4 {
			return Header{}, 0, ErrNeedMoreData
		}
		copy(h.MaskKey[:], buf[n:n+4])
		n += 4
	}

	return h, n, nil
}

// HeaderSize returns the encoded size of a header announcing length bytes.
func HeaderSize(length uint64, masked bool) int {
	n := 2
	if length > math.MaxUint16 {
		n += 8
	} else if length > MaxControlPayload {
		n += 2
	}
	if masked {
		n += 4
	}
	return n
}

// AppendHeader appends the wire encoding of h to dst.
// The shortest length encoding is always chosen.
func AppendHeader(dst []byte, h Header) []byte {
	var b0, b1 byte

	if h.Fin {
		b0 |= 0b1_000_0000
	}
	if h.Rsv1 {
		b0 |= 0b0_100_0000
	}
	if h.Rsv2 {
		b0 |= 0b0_010_0000
	}
	if h.Rsv3 {
		b0 |= 0b0_001_0000
	}
	b0 |= byte(h.Opcode) & 0b0_000_1111

	if h.Masked {
		b1 |= 0b1_0000000
	}

	switch {
	case h.Length <= MaxControlPayload:
		dst = append(dst, b0, b1|byte(h.Length))
	case h.Length <= math.MaxUint16:
		dst = append(dst, b0, b1|lengthCode16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(h.Length))
	default:
		dst = append(dst, b0, b1|lengthCode64)
		dst = binary.BigEndian.AppendUint64(dst, h.Length)
	}

	if h.Masked {
		dst = append(dst, h.MaskKey[:]...)
	}

	return dst
}

// AppendFrame appends a complete frame carrying payload to dst. h.Length is
// overwritten with len(payload). When h.Masked is set the appended copy of
// the payload is masked, payload itself is left untouched.
func AppendFrame(dst []byte, h Header, payload []byte) []byte {
	h.Length = uint64(len(payload))
	dst = AppendHeader(dst, h)

	start := len(dst)
	dst = append(dst, payload...)
	if h.Masked {
		Mask(dst[start:], h.MaskKey)
	}

	return dst
}

// EncodeFrame returns a complete frame carrying payload.
func EncodeFrame(h Header, payload []byte) []byte {
	buf := make([]byte, 0, HeaderSize(uint64(len(payload)), h.Masked)+len(payload))
	return AppendFrame(buf, h, payload)
}
