package websocket

import (
	"errors"
	"fmt"
	"iter"
	"unicode/utf8"

	"github.com/wmdanor/websocket/deflate"
	"github.com/wmdanor/websocket/frame"
)

// Event is produced by a Receiver: EventMessage, EventControl or EventError.
type Event interface {
	isEvent()
}

// EventMessage is a complete, reassembled and decompressed data message.
type EventMessage struct {
	Type    MessageType
	Payload []byte
}

// EventControl is a received Ping, Pong or Close frame.
type EventControl struct {
	Type    MessageType
	Payload []byte
}

// EventError carries the fatal error that stopped a Receiver.
type EventError struct {
	Err error
}

func (EventMessage) isEvent() {}
func (EventControl) isEvent() {}
func (EventError) isEvent()   {}

type receiverState uint8

const (
	stateHeader receiverState = iota
	stateLength16
	stateLength64
	stateMaskKey
	statePayload
	stateDispatch
)

type ReceiverConfig struct {
	// Role of the local endpoint, decides which mask bit is accepted.
	Role frame.Role
	// MaxPayload bounds the size of a message. Zero means no limit.
	MaxPayload int
	// SkipUTF8Validation disables the UTF-8 check of text messages and close reasons.
	SkipUTF8Validation bool
	// Decompressor is set when permessage-deflate was negotiated.
	Decompressor *deflate.Decompressor
}

// Receiver turns a stream of bytes into frames and messages. Bytes are
// pushed with Feed and events pulled with Next, neither ever blocks.
// A Receiver is not safe for concurrent use.
type Receiver struct {
	cfg ReceiverConfig

	buf   []byte
	state receiverState

	header    frame.Header
	remaining uint64
	offset    int

	control []byte

	// message in progress
	inMessage   bool
	messageType MessageType
	compressed  bool
	fragments   []byte

	err error
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	return &Receiver{cfg: cfg}
}

// Feed appends p to the bytes waiting to be decoded. p is copied.
func (r *Receiver) Feed(p []byte) {
	if r.err != nil || len(p) == 0 {
		return
	}
	if len(r.buf) == 0 {
		r.buf = append(r.buf[:0], p...)
		return
	}
	r.buf = append(r.buf, p...)
}

// Buffered returns the number of fed bytes not decoded yet.
func (r *Receiver) Buffered() int {
	return len(r.buf)
}

// Next decodes the next event. It returns frame.ErrNeedMoreData when the
// buffered bytes end before an event is complete. Any other error is fatal
// and returned by every later call too. Fatal errors are *CloseError values
// carrying the code to close the connection with.
func (r *Receiver) Next() (Event, error) {
	if r.err != nil {
		return nil, r.err
	}

	for {
		switch r.state {
		case stateHeader:
			if len(r.buf) < 2 {
				return nil, frame.ErrNeedMoreData
			}

			h := frame.ParsePrefix(r.buf[0], r.buf[1])
			if err := h.Validate(r.validateOptions()); err != nil {
				return r.fail(err)
			}
			if err := r.checkSequence(h); err != nil {
				return r.fail(err)
			}
			r.consume(2)
			r.header = h

			switch frame.ExtendedLengthSize(h.Length) {
			case 2:
				r.state = stateLength16
			case 8:
				r.state = stateLength64
			default:
				if err := r.startPayload(); err != nil {
					return r.fail(err)
				}
			}

		case stateLength16:
			if len(r.buf) < 2 {
				return nil, frame.ErrNeedMoreData
			}
			r.header.Length = frame.ParseLength16(r.buf)
			r.consume(2)
			if err := r.startPayload(); err != nil {
				return r.fail(err)
			}

		case stateLength64:
			if len(r.buf) < 8 {
				return nil, frame.ErrNeedMoreData
			}
			l, err := frame.ParseLength64(r.buf)
			if err != nil {
				return r.fail(err)
			}
			r.header.Length = l
			r.consume(8)
			if err := r.startPayload(); err != nil {
				return r.fail(err)
			}

		case stateMaskKey:
			if len(r.buf) < 4 {
				return nil, frame.ErrNeedMoreData
			}
			copy(r.header.MaskKey[:], r.buf)
			r.consume(4)
			r.state = statePayload

		case statePayload:
			if r.remaining > 0 {
				if len(r.buf) == 0 {
					return nil, frame.ErrNeedMoreData
				}
				r.readPayload()
				if r.remaining > 0 {
					return nil, frame.ErrNeedMoreData
				}
			}
			r.state = stateDispatch

		case stateDispatch:
			r.state = stateHeader
			ev, err := r.dispatch()
			if err != nil {
				return r.fail(err)
			}
			if ev != nil {
				return ev, nil
			}
		}
	}
}

// Events returns every event decodable from the bytes fed so far.
// A fatal error is yielded as EventError and ends the sequence.
func (r *Receiver) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, err := r.Next()
			if errors.Is(err, frame.ErrNeedMoreData) {
				return
			}
			if err != nil {
				yield(EventError{Err: err})
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

func (r *Receiver) validateOptions() frame.ValidateOptions {
	return frame.ValidateOptions{
		Receiver:    r.cfg.Role,
		Compression: r.cfg.Decompressor != nil,
	}
}

func (r *Receiver) checkSequence(h frame.Header) error {
	switch {
	case h.IsControl():
		return nil
	case (h.IsMiddleFragment() || h.IsFinalFragment()) && !r.inMessage:
		return fmt.Errorf("%w: continuation frame without a message in progress", ErrProtocol)
	case (h.IsUnfragmented() || h.IsFirstFragment()) && r.inMessage:
		return fmt.Errorf("%w: new %v message while a fragmented message is in progress", ErrProtocol, h.Opcode)
	}

	if h.IsUnfragmented() || h.IsFirstFragment() {
		r.inMessage = true
		r.messageType = MessageType(h.Opcode)
		r.compressed = h.Rsv1
		r.fragments = r.fragments[:0]
	}
	return nil
}

// startPayload runs once the full length is known, before any payload
// byte is buffered for the frame.
func (r *Receiver) startPayload() error {
	h := r.header

	if !h.IsControl() && r.cfg.MaxPayload > 0 &&
		uint64(len(r.fragments))+h.Length > uint64(r.cfg.MaxPayload) {
		return fmt.Errorf("%w: message exceeds %d bytes", ErrPayloadTooLarge, r.cfg.MaxPayload)
	}

	r.remaining = h.Length
	r.offset = 0
	if h.IsControl() {
		r.control = make([]byte, 0, h.Length)
	}

	if h.Masked {
		r.state = stateMaskKey
	} else {
		r.state = statePayload
	}
	return nil
}

func (r *Receiver) readPayload() {
	n := int(min(uint64(len(r.buf)), r.remaining))

	var dst []byte
	if r.header.IsControl() {
		r.control = append(r.control, r.buf[:n]...)
		dst = r.control[len(r.control)-n:]
	} else {
		r.fragments = append(r.fragments, r.buf[:n]...)
		dst = r.fragments[len(r.fragments)-n:]
	}
	if r.header.Masked {
		frame.MaskOffset(dst, r.header.MaskKey, r.offset)
	}

	r.offset += n
	r.remaining -= uint64(n)
	r.consume(n)
}

// dispatch handles a completely received frame. It returns nil when the
// frame does not complete an event.
func (r *Receiver) dispatch() (Event, error) {
	h := r.header

	if h.IsControl() {
		payload := r.control
		r.control = nil

		if h.Opcode == frame.OpcodeClose {
			if _, _, err := parseCloseMessageData(payload, !r.cfg.SkipUTF8Validation); err != nil {
				return nil, err
			}
		}
		return EventControl{Type: MessageType(h.Opcode), Payload: payload}, nil
	}

	if h.IsFirstFragment() || h.IsMiddleFragment() {
		return nil, nil
	}

	payload := r.fragments
	r.fragments = nil

	if r.compressed {
		out, err := r.cfg.Decompressor.Decompress(payload, r.cfg.MaxPayload)
		if errors.Is(err, deflate.ErrTooLarge) {
			return nil, fmt.Errorf("%w: [%w]", ErrPayloadTooLarge, err)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: [%w]", ErrCompression, err)
		}
		r.fragments = payload[:0]
		payload = out
	}

	if r.messageType == TextMessage && !r.cfg.SkipUTF8Validation && !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: text message is not valid UTF-8", ErrInvalidUTF8)
	}

	r.inMessage = false
	r.compressed = false

	if payload == nil {
		payload = []byte{}
	}
	return EventMessage{Type: r.messageType, Payload: payload}, nil
}

func (r *Receiver) consume(n int) {
	r.buf = r.buf[n:]
}

func (r *Receiver) fail(err error) (Event, error) {
	r.err = newFatalError(err)

	r.buf = nil
	r.fragments = nil
	r.control = nil
	r.inMessage = false

	return nil, r.err
}
