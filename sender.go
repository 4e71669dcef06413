package websocket

import (
	"crypto/rand"
	"fmt"
	"io"
	"net"

	"github.com/wmdanor/websocket/deflate"
	"github.com/wmdanor/websocket/frame"
)

type SenderConfig struct {
	// Role of the local endpoint, clients mask every frame.
	Role frame.Role
	// FragmentSize is the largest payload of a single data frame.
	// Zero sends every message as one frame.
	FragmentSize int
	// Compressor is set when permessage-deflate was negotiated.
	Compressor *deflate.Compressor
	// Threshold is the smallest payload that gets compressed.
	Threshold int
	// MaskKeySource provides masking keys, crypto/rand by default.
	MaskKeySource io.Reader
}

type pendingFrame struct {
	buf []byte
	// done is only set on the last frame of an operation
	done func(error)
}

func (f *pendingFrame) notify(err error) {
	if f.done != nil {
		f.done(err)
	}
}

// Sender encodes messages into frames and queues them until WriteTo.
// Control frames are written ahead of queued data frames, but only between
// two frames, so the frames of one message are never split.
// A Sender is not safe for concurrent use.
type Sender struct {
	cfg SenderConfig

	control []*pendingFrame
	data    []*pendingFrame

	buffered int

	// a message sent with SendFragment is not finished yet
	fragmenting bool

	closing bool
	err     error
}

func NewSender(cfg SenderConfig) *Sender {
	if cfg.MaskKeySource == nil {
		cfg.MaskKeySource = rand.Reader
	}
	return &Sender{cfg: cfg}
}

// SendMessage queues a data message. compress asks for permessage-deflate,
// it is ignored when the extension was not negotiated or the payload is
// below the threshold. done, if not nil, is called once the last frame was
// written or the message was discarded. It is not called when SendMessage
// returns an error.
func (s *Sender) SendMessage(mt MessageType, payload []byte, compress bool, done func(error)) error {
	if !mt.isData() {
		return fmt.Errorf("message type must be text or binary, actual %v", mt)
	}
	if err := s.checkState(); err != nil {
		return err
	}
	if s.fragmenting {
		return fmt.Errorf("a fragmented message is in progress")
	}

	rsv1 := false
	if compress && s.cfg.Compressor != nil && len(payload) >= s.cfg.Threshold {
		compressed, err := s.cfg.Compressor.Compress(payload)
		if err != nil {
			return fmt.Errorf("failed to compress message: [%w]", err)
		}
		payload = compressed
		rsv1 = true
	}

	fragmentSize := s.cfg.FragmentSize
	if fragmentSize <= 0 {
		fragmentSize = len(payload)
	}

	var frames []*pendingFrame
	opcode := mt.opcode()
	for first := true; first || len(payload) > 0; first = false {
		n := min(len(payload), fragmentSize)
		h := frame.Header{
			Fin:    n == len(payload),
			Rsv1:   rsv1 && first,
			Opcode: opcode,
		}
		buf, err := s.encode(h, payload[:n])
		if err != nil {
			return err
		}
		frames = append(frames, &pendingFrame{buf: buf})

		payload = payload[n:]
		opcode = frame.OpcodeContinuation
	}
	frames[len(frames)-1].done = done

	for _, f := range frames {
		s.data = append(s.data, f)
		s.buffered += len(f.buf)
	}

	return nil
}

// SendFragment queues one frame of a message whose payload is not known
// up front. first selects the message opcode, later frames are
// Continuation frames, fin ends the message. No other data message may be
// queued in between. Fragments are never compressed.
func (s *Sender) SendFragment(mt MessageType, payload []byte, first, fin bool, done func(error)) error {
	if !mt.isData() {
		return fmt.Errorf("message type must be text or binary, actual %v", mt)
	}
	if err := s.checkState(); err != nil {
		return err
	}
	if first == s.fragmenting {
		if first {
			return fmt.Errorf("a fragmented message is in progress")
		}
		return fmt.Errorf("continuation fragment without a message in progress")
	}

	opcode := frame.OpcodeContinuation
	if first {
		opcode = mt.opcode()
	}
	buf, err := s.encode(frame.Header{Fin: fin, Opcode: opcode}, payload)
	if err != nil {
		return err
	}
	s.data = append(s.data, &pendingFrame{buf: buf, done: done})
	s.buffered += len(buf)
	s.fragmenting = !fin

	return nil
}

// SendControl queues a Ping or Pong ahead of every queued data frame.
func (s *Sender) SendControl(mt MessageType, payload []byte, done func(error)) error {
	if mt != PingMessage && mt != PongMessage {
		return fmt.Errorf("message type must be ping or pong, actual %v", mt)
	}
	if len(payload) > frame.MaxControlPayload {
		return fmt.Errorf("control frame data must not exceed %d bytes, received: %d", frame.MaxControlPayload, len(payload))
	}
	if err := s.checkState(); err != nil {
		return err
	}

	buf, err := s.encode(frame.Header{Fin: true, Opcode: mt.opcode()}, payload)
	if err != nil {
		return err
	}
	s.control = append(s.control, &pendingFrame{buf: buf, done: done})
	s.buffered += len(buf)

	return nil
}

// Close queues a Close frame behind the data already queued, so messages
// sent before it are still delivered. Afterwards every Send fails with
// ErrConnectionClosing.
func (s *Sender) Close(code CloseCode, reason string, done func(error)) error {
	if err := validateCloseMessage(code, reason); err != nil {
		return err
	}
	if err := s.checkState(); err != nil {
		return err
	}

	buf, err := s.encode(frame.Header{Fin: true, Opcode: frame.OpcodeClose}, CloseMessageData(code, reason))
	if err != nil {
		return err
	}
	s.data = append(s.data, &pendingFrame{buf: buf, done: done})
	s.buffered += len(buf)
	s.closing = true

	return nil
}

// WriteTo writes every queued frame to w, control frames first, and
// notifies the callbacks of the operations that completed. Frames that
// could not be written are notified with the returned error.
func (s *Sender) WriteTo(w io.Writer) (int64, error) {
	queue := append(s.control, s.data...)
	s.control = nil
	s.data = nil
	s.buffered = 0

	if len(queue) == 0 {
		return 0, nil
	}

	bufs := make(net.Buffers, len(queue))
	for i, f := range queue {
		bufs[i] = f.buf
	}

	n, err := bufs.WriteTo(w)
	if err != nil {
		err = fmt.Errorf("failed to write frames: [%w]", err)
	}

	written := n
	for _, f := range queue {
		if written >= int64(len(f.buf)) {
			written -= int64(len(f.buf))
			f.notify(nil)
			continue
		}
		written = 0
		f.notify(err)
	}

	return n, err
}

// Discard drops every queued frame, notifying pending operations with err.
// Every later Send fails with ErrConnectionClosed.
func (s *Sender) Discard(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}

	queue := append(s.control, s.data...)
	s.control = nil
	s.data = nil
	s.buffered = 0
	s.err = ErrConnectionClosed

	for _, f := range queue {
		f.notify(err)
	}
}

// Buffered returns the number of queued bytes not written yet.
func (s *Sender) Buffered() int {
	return s.buffered
}

func (s *Sender) checkState() error {
	if s.err != nil {
		return s.err
	}
	if s.closing {
		return ErrConnectionClosing
	}
	return nil
}

func (s *Sender) encode(h frame.Header, payload []byte) ([]byte, error) {
	if s.cfg.Role.MasksOutgoing() {
		key, err := frame.NewMaskKey(s.cfg.MaskKeySource)
		if err != nil {
			return nil, err
		}
		h.Masked = true
		h.MaskKey = key
	}
	return frame.EncodeFrame(h, payload), nil
}
