package websocket

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/wmdanor/websocket/frame"
)

// NextMessage reads the next text or binary message. Ping, Pong and Close
// frames received meanwhile are handled on the way: pings are answered
// and a Close is echoed.
//
// Once the peer closed the connection the error is a *CloseError with the
// peer's code, errors.Is(err, ErrConnectionClosed) == true.
func (c *Conn) NextMessage() (MessageType, []byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	return c.nextMessage()
}

// NextReader is NextMessage returning the payload as a reader. The
// message is reassembled before NextReader returns.
func (c *Conn) NextReader() (MessageType, io.Reader, error) {
	mt, data, err := c.NextMessage()
	if err != nil {
		return MessageType(0), nil, err
	}
	return mt, bytes.NewReader(data), nil
}

func (c *Conn) nextMessage() (MessageType, []byte, error) {
	for {
		if c.readErr != nil {
			return MessageType(0), nil, c.readErr
		}

		ev, err := c.r.Next()
		if errors.Is(err, frame.ErrNeedMoreData) {
			if c.pendingErr != nil {
				c.readFailed(c.pendingErr)
				continue
			}
			c.fill()
			continue
		}
		if err != nil {
			return MessageType(0), nil, c.fatal(err)
		}

		switch ev := ev.(type) {
		case EventMessage:
			return ev.Type, ev.Payload, nil
		case EventControl:
			if err := c.handleControl(ev); err != nil {
				return MessageType(0), nil, err
			}
		}
	}
}

// fill reads once from the socket into the Receiver. A read error is kept
// until the bytes returned along with it are decoded.
func (c *Conn) fill() {
	n, err := c.conn.Read(c.readBuf)
	c.r.Feed(c.readBuf[:n])
	if err != nil {
		c.pendingErr = err
	}
}

func (c *Conn) readFailed(err error) {
	if c.State() == StateClosed {
		c.readErr = ErrConnectionClosed
		return
	}

	c.l.Debugw("failed to read from connection", "err", err)
	c.readErr = &CloseError{
		Code: CloseAbnormalClosure,
		Err:  fmt.Errorf("failed to read from connection: [%w]", err),
	}
	c.release()
}

func (c *Conn) handleControl(ev EventControl) error {
	switch ev.Type {
	case PingMessage:
		c.l.Debugw("received ping message", "data.len", len(ev.Payload))
		err := c.WriteControl(PongMessage, ev.Payload)
		if err != nil && !errors.Is(err, ErrConnectionClosing) && !errors.Is(err, ErrConnectionClosed) {
			return fmt.Errorf("failed to write pong message: [%w]", err)
		}
		if err := c.handlePing(ev.Payload); err != nil {
			return fmt.Errorf("failed to handle ping frame: [%w]", err)
		}
	case PongMessage:
		if err := c.handlePong(ev.Payload); err != nil {
			return fmt.Errorf("failed to handle pong frame: [%w]", err)
		}
	case CloseMessage:
		code, reason, err := parseCloseMessageData(ev.Payload, false)
		if err != nil {
			return c.fatal(err)
		}
		return c.closeReceived(code, reason)
	}

	return nil
}
