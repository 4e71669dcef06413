package websocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"go.uber.org/multierr"
)

type CloseCode uint16

// Close codes defined in RFC 6455, section 11.7.
const (
	CloseNormalClosure           CloseCode = 1000
	CloseGoingAway               CloseCode = 1001
	CloseProtocolError           CloseCode = 1002
	CloseUnsupportedData         CloseCode = 1003
	CloseNoStatusReceived        CloseCode = 1005
	CloseAbnormalClosure         CloseCode = 1006
	CloseInvalidFramePayloadData CloseCode = 1007
	ClosePolicyViolation         CloseCode = 1008
	CloseMessageTooBig           CloseCode = 1009
	CloseMandatoryExtension      CloseCode = 1010
	CloseInternalServerErr       CloseCode = 1011
	CloseServiceRestart          CloseCode = 1012
	CloseTryAgainLater           CloseCode = 1013
	CloseBadGateway              CloseCode = 1014
	CloseTLSHandshake            CloseCode = 1015
)

var (
	// 1005, 1006 and 1015 are only ever reported locally, never sent.
	validCloseCodes []CloseCode = []CloseCode{
		CloseNormalClosure,
		CloseGoingAway,
		CloseProtocolError,
		CloseUnsupportedData,
		CloseInvalidFramePayloadData,
		ClosePolicyViolation,
		CloseMessageTooBig,
		CloseMandatoryExtension,
		CloseInternalServerErr,
		CloseServiceRestart,
		CloseTryAgainLater,
		CloseBadGateway,
	}
)

func (c CloseCode) U() uint16 {
	return uint16(c)
}

func NewCloseCode(code uint16) (c CloseCode, ok bool) {
	c = CloseCode(code)
	ok = c.IsValid()
	return
}

// IsValid reports whether c may appear in a Close frame.
func (c CloseCode) IsValid() bool {
	defined := slices.Contains(validCloseCodes, c)

	range3k4k := false
	if c >= 3000 && c <= 4999 {
		range3k4k = true
	}

	return defined || range3k4k
}

// CloseMessageData builds the payload of a Close frame.
// CloseNoStatusReceived produces an empty payload.
func CloseMessageData(code CloseCode, message string) []byte {
	if code == CloseNoStatusReceived {
		return []byte{}
	}

	b := make([]byte, 2+len(message))
	binary.BigEndian.PutUint16(b, code.U())
	copy(b[2:], message)

	return b
}

func validateCloseMessage(code CloseCode, message string) error {
	if code == CloseNoStatusReceived {
		if message != "" {
			return fmt.Errorf("close message without status code must not have a reason")
		}
		return nil
	}
	if !code.IsValid() {
		return fmt.Errorf("close code %d must not be sent", code)
	}
	if len(message) > maxCloseReason {
		return fmt.Errorf("close reason must not exceed %d bytes, actual %d", maxCloseReason, len(message))
	}
	if !utf8.ValidString(message) {
		return fmt.Errorf("close reason must be valid UTF-8")
	}
	return nil
}

// parseCloseMessageData decodes a received Close payload. An empty payload
// is reported as CloseNoStatusReceived.
func parseCloseMessageData(b []byte, validateUTF8 bool) (CloseCode, string, error) {
	switch len(b) {
	case 0:
		return CloseNoStatusReceived, "", nil
	case 1:
		return 0, "", fmt.Errorf("%w: close frame must either have 0 or 2+ payload length, but received 1", ErrProtocol)
	}

	code, ok := NewCloseCode(binary.BigEndian.Uint16(b))
	if !ok {
		return 0, "", fmt.Errorf("%w: received invalid close code: %d", ErrProtocol, code)
	}

	reason := b[2:]
	if validateUTF8 && !utf8.Valid(reason) {
		return 0, "", fmt.Errorf("%w: close frame reason must be valid UTF-8 encoded string", ErrInvalidUTF8)
	}

	return code, string(reason), nil
}

// Close starts the closing handshake with CloseNormalClosure, waits for the
// peer's Close and releases the connection.
func (c *Conn) Close() error {
	return c.CloseWithCode(CloseNormalClosure, "")
}

// CloseWithCode sends a Close frame, waits up to Config.CloseTimeout for the
// peer to answer it and releases the connection.
func (c *Conn) CloseWithCode(code CloseCode, reason string) error {
	if c.State() == StateClosed {
		c.l.Debugw("connection is already closed, skipping")
		return nil
	}

	c.l.Debugw("closing websocket connection", "code", code, "reason", reason)

	err := c.WriteClose(code, reason)
	if err != nil && !errors.Is(err, ErrConnectionClosing) {
		c.l.Debugw("failed to send close frame", "err", err)
		c.release()
		if errors.Is(err, ErrConnectionClosed) {
			return nil
		}
		return multierr.Append(err, c.releaseErr)
	}

	err = c.waitCloseFrame()
	if err != nil {
		c.l.Debugw("failed to receive close frame", "err", err)
	}
	c.release()

	return multierr.Append(err, c.releaseErr)
}

// Terminate releases the connection without a closing handshake.
func (c *Conn) Terminate() error {
	c.release()
	return c.releaseErr
}

// fatal sends a Close frame with the code matching err and releases the
// connection. The returned error joins err and the close error, callers
// are not supposed to inspect it beyond errors.Is and errors.As.
func (c *Conn) fatal(err error) error {
	ce := newFatalError(err)
	c.l.Debugw("connection fatal error, closing connection", "err", err, "code", ce.Code)
	c.readErr = ce

	werr := c.writeClose(ce.Code, ce.Reason)
	if errors.Is(werr, ErrConnectionClosing) || errors.Is(werr, ErrConnectionClosed) {
		werr = nil
	}
	c.release()

	return multierr.Append(ce, werr)
}

// closeReceived answers a Close frame from the peer.
func (c *Conn) closeReceived(code CloseCode, reason string) error {
	c.l.Debugw("received close message", "code", code, "reason", reason)
	c.recvClose.Store(true)
	c.setState(StateClosing)

	herr := c.handleClose(code, reason)
	if herr != nil {
		herr = fmt.Errorf("failed to handle close frame: [%w]", herr)
	}

	echo := reason
	if validateCloseMessage(code, echo) != nil {
		// only reachable with SkipUTF8Validation
		echo = ""
	}
	werr := c.writeClose(code, echo)
	if errors.Is(werr, ErrConnectionClosing) || errors.Is(werr, ErrConnectionClosed) {
		werr = nil
	}
	c.release()

	c.readErr = &CloseError{Code: code, Reason: reason, Err: ErrConnectionClosed}

	return multierr.Combine(c.readErr, herr, werr)
}

// waitCloseFrame reads until the peer's Close arrived. When another
// goroutine is reading it only waits for that reader to see the Close.
func (c *Conn) waitCloseFrame() error {
	if c.State() == StateClosed {
		c.l.Debugw("close frame already received, skipping")
		return nil
	}

	timeout := c.cfg.CloseTimeout

	if !c.rmu.TryLock() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-c.closed:
			return nil
		case <-timer.C:
			return fmt.Errorf("reached wait for close frame deadline")
		}
	}
	defer c.rmu.Unlock()

	err := c.conn.SetReadDeadline(time.Now().Add(timeout))
	if err != nil {
		return fmt.Errorf("failed to set timeout for socket read: [%w]", err)
	}

	for {
		c.l.Debugw("waiting for close frame")
		_, _, err := c.nextMessage()
		if err == nil {
			c.l.Debugw("received non-close frame")
			continue
		}
		if errors.Is(err, ErrConnectionClosed) {
			return nil
		}
		return fmt.Errorf("failed to read frame while waiting for close frame: [%w]", err)
	}
}

// release closes the socket and discards everything still queued.
func (c *Conn) release() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.releaseErr = c.conn.Close()

		c.wmu.Lock()
		c.s.Discard(ErrConnectionClosed)
		c.wmu.Unlock()

		close(c.closed)

		if c.registry != nil {
			c.registry.Remove(c)
		}

		c.l.Debugw("websocket connection closed", "err", c.releaseErr)
	})
}
