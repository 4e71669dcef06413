package websocket

import (
	"context"
	"fmt"
	"io"
	"time"
)

const (
	// frame payload size of NextWriter when Config.FragmentSize is not set
	defaultWriterFrameSize = 4096
)

// WriteMessage sends a text or binary message, compressed when
// permessage-deflate was negotiated and the message reaches the threshold.
func (c *Conn) WriteMessage(messageType MessageType, data []byte) error {
	return c.writeMessage(context.Background(), messageType, data, true)
}

// WriteMessageContext is WriteMessage bounded by ctx: it waits for the write
// rate limit and the deadline of ctx applies to the socket write.
func (c *Conn) WriteMessageContext(ctx context.Context, messageType MessageType, data []byte) error {
	return c.writeMessage(ctx, messageType, data, true)
}

// WriteCompressed sends a message, compress chooses per message whether
// permessage-deflate is applied.
func (c *Conn) WriteCompressed(messageType MessageType, data []byte, compress bool) error {
	return c.writeMessage(context.Background(), messageType, data, compress)
}

func (c *Conn) writeMessage(ctx context.Context, messageType MessageType, data []byte, compress bool) error {
	if !messageType.isData() {
		return fmt.Errorf("message type must be text or binary")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("failed to wait for write rate limit: [%w]", err)
		}
	}

	c.msgMu.Lock()
	defer c.msgMu.Unlock()

	c.l.Debugw("writing message", "messageType", messageType, "data.len", len(data), "compress", compress)
	return c.send(ctx, func(s *Sender, done func(error)) error {
		return s.SendMessage(messageType, data, compress, done)
	})
}

// NextWriter returns a writer for a message whose payload is sent in
// frames as it is written. The message is never compressed. Other data
// messages wait until the writer is closed, control frames do not.
func (c *Conn) NextWriter(messageType MessageType) (io.WriteCloser, error) {
	if !messageType.isData() {
		return nil, fmt.Errorf("message type must be text or binary")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to wait for write rate limit: [%w]", err)
		}
	}

	c.msgMu.Lock()

	c.wmu.Lock()
	err := c.s.checkState()
	c.wmu.Unlock()
	if err != nil {
		c.msgMu.Unlock()
		return nil, err
	}

	size := int(c.cfg.FragmentSize)
	if size <= 0 {
		size = defaultWriterFrameSize
	}

	c.l.Debugw("creating new writer", "messageType", messageType, "frameSize", size)

	return &messageWriter{
		c:           c,
		messageType: messageType,
		buf:         make([]byte, 0, size),
		isFirst:     true,
	}, nil
}

type messageWriter struct {
	c *Conn

	messageType MessageType

	buf []byte

	isFirst bool
	closed  bool
	err     error
}

func (w *messageWriter) Write(p []byte) (n int, err error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	if w.err != nil {
		return 0, w.err
	}

	for len(p) != 0 {
		if len(w.buf) == cap(w.buf) {
			if err := w.writeFrame(false); err != nil {
				w.err = err
				return n, fmt.Errorf("failed to write frame: [%w]", err)
			}
		}

		toCopy := min(len(p), cap(w.buf)-len(w.buf))
		w.buf = append(w.buf, p[:toCopy]...)
		p = p[toCopy:]
		n += toCopy
	}

	return n, nil
}

// Close sends the final frame and lets other messages through.
func (w *messageWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.c.msgMu.Unlock()

	if w.err != nil {
		return w.err
	}
	return w.writeFrame(true)
}

func (w *messageWriter) writeFrame(fin bool) error {
	isFirst := w.isFirst
	w.isFirst = false
	defer func() { w.buf = w.buf[:0] }()

	return w.c.send(context.Background(), func(s *Sender, done func(error)) error {
		return s.SendFragment(w.messageType, w.buf, isFirst, fin, done)
	})
}

// WriteControl sends a Ping, Pong or Close frame. Close data must be a
// valid Close payload, see CloseMessageData.
func (c *Conn) WriteControl(messageType MessageType, data []byte) error {
	switch messageType {
	case CloseMessage:
		code, reason, err := parseCloseMessageData(data, true)
		if err != nil {
			return fmt.Errorf("invalid close message data: [%w]", err)
		}
		return c.WriteClose(code, reason)
	case PingMessage, PongMessage:
		c.l.Debugw("writing control frame", "messageType", messageType)
		return c.send(context.Background(), func(s *Sender, done func(error)) error {
			return s.SendControl(messageType, data, done)
		})
	default:
		return fmt.Errorf("message type must be close, ping or pong")
	}
}

func (c *Conn) Ping(data []byte) error {
	return c.WriteControl(PingMessage, data)
}

// WriteClose sends a Close frame without waiting for the answer. Messages
// cannot be sent afterwards. When the peer's Close was already received the
// connection is released.
func (c *Conn) WriteClose(code CloseCode, message string) error {
	err := c.writeClose(code, message)
	if err != nil {
		return err
	}

	if c.recvClose.Load() {
		c.release()
	}
	return nil
}

func (c *Conn) writeClose(code CloseCode, message string) error {
	c.l.Debugw("writing close message", "code", code, "data", message)

	ctx := context.Background()
	if c.cfg.CloseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CloseTimeout)
		defer cancel()
	}

	return c.send(ctx, func(s *Sender, done func(error)) error {
		if err := s.Close(code, message, done); err != nil {
			return err
		}
		c.setState(StateClosing)
		return nil
	})
}

// send queues an operation and flushes the queue. Errors from the socket
// release the connection.
func (c *Conn) send(ctx context.Context, enqueue func(s *Sender, done func(error)) error) error {
	var result error

	c.wmu.Lock()
	if err := enqueue(c.s, func(err error) { result = err }); err != nil {
		c.wmu.Unlock()
		return err
	}
	err := c.flush(ctx)
	c.wmu.Unlock()

	if err != nil {
		c.l.Debugw("failed to write frames", "err", err)
		c.release()
		return err
	}

	return result
}

func (c *Conn) flush(ctx context.Context) error {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: [%w]", err)
	}
	defer c.conn.SetWriteDeadline(time.Time{})

	if _, err := c.s.WriteTo(c.bw); err != nil {
		return err
	}
	if err := c.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush frames: [%w]", err)
	}

	return nil
}
