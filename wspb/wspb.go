// Package wspb provides helpers for reading and writing protobuf messages
// as binary WebSocket messages.
package wspb

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/wmdanor/websocket"
)

// Read reads the next message from c into v. A text message, or one that
// does not unmarshal, closes the connection.
func Read(c *websocket.Conn, v proto.Message) error {
	mt, data, err := c.NextMessage()
	if err != nil {
		return fmt.Errorf("failed to read protobuf message: [%w]", err)
	}

	if mt != websocket.BinaryMessage {
		_ = c.CloseWithCode(websocket.CloseUnsupportedData, "expected binary message")
		return fmt.Errorf("expected binary message for protobuf but got: %v", mt)
	}

	if err := proto.Unmarshal(data, v); err != nil {
		_ = c.CloseWithCode(websocket.CloseInvalidFramePayloadData, "failed to unmarshal protobuf")
		return fmt.Errorf("failed to unmarshal protobuf: [%w]", err)
	}

	return nil
}

// Write writes the protobuf message v to c as a binary message.
func Write(ctx context.Context, c *websocket.Conn, v proto.Message) error {
	data, err := proto.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal protobuf: [%w]", err)
	}

	if err := c.WriteMessageContext(ctx, websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to write protobuf message: [%w]", err)
	}

	return nil
}
