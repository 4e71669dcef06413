package websocket

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/wmdanor/websocket/frame"
)

var (
	ErrProtocol          = frame.ErrProtocol
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrInvalidUTF8       = errors.New("invalid UTF-8")
	ErrCompression       = errors.New("failed to decompress message")
	ErrConnectionClosing = errors.New("connection is closing")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrWriterClosed      = errors.New("message writer closed")

	ErrInvalidHandshakeRequest = errors.New("invalid handshake request")
	ErrHandshakeFailure        = errors.New("handshake failure")
)

// maxCloseReason is what is left of a control payload after the status code.
const maxCloseReason = frame.MaxControlPayload - 2

// CloseError carries the status code of a connection that was closed,
// either by the peer or locally because of Err.
type CloseError struct {
	Code   CloseCode
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("websocket closed with code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("websocket closed with code %d (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// newFatalError maps a failure to the close code that must be sent for it.
func newFatalError(err error) *CloseError {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce
	}

	code := CloseInternalServerErr
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		code = CloseMessageTooBig
	case errors.Is(err, ErrInvalidUTF8), errors.Is(err, ErrCompression):
		code = CloseInvalidFramePayloadData
	case errors.Is(err, ErrProtocol):
		code = CloseProtocolError
	}

	return &CloseError{
		Code:   code,
		Reason: truncateReason(err.Error()),
		Err:    err,
	}
}

// truncateReason shortens s to fit a close frame without splitting a rune.
func truncateReason(s string) string {
	if len(s) <= maxCloseReason {
		return s
	}
	s = s[:maxCloseReason]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
