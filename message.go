package websocket

import (
	"github.com/wmdanor/websocket/frame"
)

type MessageType uint8

const (
	// Non-control
	TextMessage   MessageType = MessageType(frame.OpcodeText)
	BinaryMessage MessageType = MessageType(frame.OpcodeBinary)

	// Control
	CloseMessage MessageType = MessageType(frame.OpcodeClose)
	PingMessage  MessageType = MessageType(frame.OpcodePing)
	PongMessage  MessageType = MessageType(frame.OpcodePong)
)

func (mt MessageType) opcode() frame.Opcode {
	return frame.Opcode(mt)
}

func (mt MessageType) isData() bool {
	return mt == TextMessage || mt == BinaryMessage
}

func (mt MessageType) String() string {
	return mt.opcode().String()
}
