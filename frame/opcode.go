package frame

import "strconv"

type Opcode uint8

const (
	OpcodeContinuation Opcode = iota
	OpcodeText
	OpcodeBinary
	OpcodeNonControl3
	OpcodeNonControl4
	OpcodeNonControl5
	OpcodeNonControl6
	OpcodeNonControl7
	OpcodeClose
	OpcodePing
	OpcodePong
	OpcodeControlB
	OpcodeControlC
	OpcodeControlD
	OpcodeControlE
	OpcodeControlF
)

func (c Opcode) IsControl() bool {
	return c == OpcodeClose || c == OpcodePing || c == OpcodePong
}

func (c Opcode) IsData() bool {
	return c == OpcodeContinuation || c == OpcodeText || c == OpcodeBinary
}

func (c Opcode) IsReserved() bool {
	return !c.IsControl() && !c.IsData()
}

func (c Opcode) String() string {
	switch c {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return "reserved(0x" + strconv.FormatUint(uint64(c), 16) + ")"
	}
}
