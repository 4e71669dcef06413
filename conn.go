package websocket

import (
	"bufio"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wmdanor/websocket/deflate"
	"github.com/wmdanor/websocket/frame"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is a WebSocket connection after a successful opening handshake.
// One goroutine may read messages while others write.
type Conn struct {
	id string
	l  *zap.SugaredLogger

	conn net.Conn
	role frame.Role
	cfg  Config

	subprotocol string
	params      *deflate.Params

	state atomic.Int32

	// read side
	rmu     sync.Mutex
	r       *Receiver
	readBuf []byte
	readErr error
	// socket error not reported until the buffered bytes are decoded
	pendingErr error

	// write side
	// msgMu is held for a whole data message, NextWriter keeps it until
	// the writer is closed
	msgMu   sync.Mutex
	wmu     sync.Mutex
	s       *Sender
	bw      *bufio.Writer
	limiter *rate.Limiter

	recvClose  atomic.Bool
	closeOnce  sync.Once
	closed     chan struct{}
	releaseErr error

	registry *Registry

	handleClose func(code CloseCode, reason string) error
	handlePing  func(appData []byte) error
	handlePong  func(appData []byte) error
}

type connOptions struct {
	role        frame.Role
	cfg         Config
	subprotocol string
	params      *deflate.Params
	logger      *zap.SugaredLogger
	registry    *Registry
	// bytes read past the handshake
	buffered []byte
}

const (
	// min size to be able to store control messages data
	minWriteBufSize = 4096
)

func newConn(netConn net.Conn, opts connOptions) (*Conn, error) {
	cfg := opts.cfg
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	id := uuid.NewString()

	c := &Conn{
		id:          id,
		l:           opts.logger.With("conn", id, "role", opts.role.String()),
		conn:        netConn,
		role:        opts.role,
		cfg:         cfg,
		subprotocol: opts.subprotocol,
		params:      opts.params,
		readBuf:     make([]byte, cfg.ReadBufferSize),
		bw:          bufio.NewWriterSize(netConn, minWriteBufSize),
		closed:      make(chan struct{}),
		registry:    opts.registry,
	}
	c.state.Store(int32(StateConnecting))

	receiverCfg := ReceiverConfig{
		Role:               opts.role,
		MaxPayload:         cfg.maxPayload(),
		SkipUTF8Validation: cfg.SkipUTF8Validation,
	}
	senderCfg := SenderConfig{
		Role:          opts.role,
		FragmentSize:  int(cfg.FragmentSize),
		MaskKeySource: cfg.MaskKeySource,
	}

	if opts.params != nil {
		pmd := deflate.Options{}
		if cfg.PerMessageDeflate != nil {
			pmd = *cfg.PerMessageDeflate
		}

		compressor, err := opts.params.NewCompressor(opts.role, pmd.CompressionLevel())
		if err != nil {
			return nil, fmt.Errorf("failed to create compressor: [%w]", err)
		}
		senderCfg.Compressor = compressor
		senderCfg.Threshold = pmd.CompressionThreshold()
		receiverCfg.Decompressor = opts.params.NewDecompressor(opts.role)
	}

	c.r = NewReceiver(receiverCfg)
	c.r.Feed(opts.buffered)
	c.s = NewSender(senderCfg)

	if cfg.WriteRateLimit > 0 {
		burst := max(1, int(math.Ceil(cfg.WriteRateLimit)))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.WriteRateLimit), burst)
	}

	c.SetCloseHandler(nil)
	c.SetPingHandler(nil)
	c.SetPongHandler(nil)

	if c.registry != nil {
		c.registry.Add(c)
	}

	c.state.Store(int32(StateOpen))
	c.l.Debugw("websocket connection opened",
		"subprotocol", c.subprotocol, "extensions", c.Extensions(), "buffered", len(opts.buffered))

	return c, nil
}

// ID is a unique identifier of the connection.
func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// Subprotocol returns the negotiated subprotocol, empty if none.
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

// Extensions returns the negotiated Sec-WebSocket-Extensions value, empty if none.
func (c *Conn) Extensions() string {
	if c.params == nil {
		return ""
	}
	return c.params.String()
}

// BufferedAmount returns the number of bytes queued but not written yet.
func (c *Conn) BufferedAmount() int {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.s.Buffered()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

func (c *Conn) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) >= s {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}
