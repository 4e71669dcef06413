package deflate

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/wmdanor/websocket/frame"
)

var (
	ErrTooLarge = errors.New("decompressed message exceeds limit")
	ErrCorrupt  = errors.New("corrupt deflate data")
)

var (
	// syncTail ends every block flushed with Z_SYNC_FLUSH, senders strip it.
	syncTail = []byte{0x00, 0x00, 0xff, 0xff}

	// inflateTail restores syncTail and adds an empty final block so the
	// reader reports io.EOF at the end of the message.
	inflateTail = []byte{0x00, 0x00, 0xff, 0xff, 0x01, 0x00, 0x00, 0xff, 0xff}
)

// Compressor deflates outgoing messages of one connection.
// It is not safe for concurrent use.
type Compressor struct {
	w   *flate.Writer
	buf bytes.Buffer

	noContextTakeover bool
}

func NewCompressor(level int, noContextTakeover bool) (*Compressor, error) {
	c := &Compressor{noContextTakeover: noContextTakeover}

	w, err := flate.NewWriter(&c.buf, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create flate writer: [%w]", err)
	}
	c.w = w

	return c, nil
}

// Compress returns the compressed payload of a whole message.
func (c *Compressor) Compress(p []byte) ([]byte, error) {
	c.buf.Reset()

	if _, err := c.w.Write(p); err != nil {
		return nil, fmt.Errorf("failed to deflate message: [%w]", err)
	}
	if err := c.w.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush deflate writer: [%w]", err)
	}

	out := bytes.Clone(bytes.TrimSuffix(c.buf.Bytes(), syncTail))

	if c.noContextTakeover {
		c.w.Reset(&c.buf)
	}

	return out, nil
}

// Decompressor inflates incoming messages of one connection. With context
// takeover the last 32 KiB of inflated output prime the next message.
// It is not safe for concurrent use.
type Decompressor struct {
	r io.ReadCloser

	window []byte

	noContextTakeover bool
}

// historySize is the largest window any peer may reference. The history is
// not cut to the negotiated window bits: zlib raises 8 bits to 9.
const historySize = 1 << MaxWindowBits

func NewDecompressor(noContextTakeover bool) *Decompressor {
	return &Decompressor{noContextTakeover: noContextTakeover}
}

// Decompress inflates the payload of a whole message. A positive limit bounds
// the inflated size, exceeding it returns ErrTooLarge.
func (d *Decompressor) Decompress(p []byte, limit int) ([]byte, error) {
	src := io.MultiReader(bytes.NewReader(p), bytes.NewReader(inflateTail))

	var dict []byte
	if !d.noContextTakeover {
		dict = d.window
	}

	if d.r == nil {
		d.r = flate.NewReaderDict(src, dict)
	} else if err := d.r.(flate.Resetter).Reset(src, dict); err != nil {
		return nil, fmt.Errorf("%w: failed to reset flate reader: [%w]", ErrCorrupt, err)
	}

	var r io.Reader = d.r
	if limit > 0 {
		r = io.LimitReader(d.r, int64(limit)+1)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: [%w]", ErrCorrupt, err)
	}
	if limit > 0 && len(out) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}

	if !d.noContextTakeover {
		d.remember(out)
	}

	return out, nil
}

func (d *Decompressor) remember(out []byte) {
	if len(out) >= historySize {
		d.window = append(d.window[:0], out[len(out)-historySize:]...)
		return
	}

	d.window = append(d.window, out...)
	if excess := len(d.window) - historySize; excess > 0 {
		d.window = append(d.window[:0], d.window[excess:]...)
	}
}

// NewCompressor returns the Compressor for messages sent by role.
func (p Params) NewCompressor(role frame.Role, level int) (*Compressor, error) {
	noContextTakeover := p.ClientNoContextTakeover
	if role == frame.RoleServer {
		noContextTakeover = p.ServerNoContextTakeover
	}
	return NewCompressor(level, noContextTakeover)
}

// NewDecompressor returns the Decompressor for messages received by role.
func (p Params) NewDecompressor(role frame.Role) *Decompressor {
	if role == frame.RoleServer {
		return NewDecompressor(p.ClientNoContextTakeover)
	}
	return NewDecompressor(p.ServerNoContextTakeover)
}
