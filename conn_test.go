package websocket

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/wmdanor/websocket/frame"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CloseTimeout = time.Second
	return cfg
}

func newTestConn(t *testing.T, netConn net.Conn, role frame.Role, cfg Config) *Conn {
	t.Helper()

	l := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)).Sugar()
	c, err := newConn(netConn, connOptions{role: role, cfg: cfg, logger: l})
	if err != nil {
		t.Fatalf("newConn() error: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate() })

	return c
}

func newTestConnPair(t *testing.T, cfg Config) (server, client *Conn) {
	t.Helper()

	a, b := net.Pipe()
	return newTestConn(t, a, frame.RoleServer, cfg), newTestConn(t, b, frame.RoleClient, cfg)
}

type readResult struct {
	mt   MessageType
	data []byte
	err  error
}

func readAsync(c *Conn) <-chan readResult {
	ch := make(chan readResult, 1)
	go func() {
		mt, data, err := c.NextMessage()
		ch <- readResult{mt, data, err}
	}()
	return ch
}

func TestConnEcho(t *testing.T) {
	server, client := newTestConnPair(t, testConfig())

	if server.State() != StateOpen || client.State() != StateOpen {
		t.Fatalf("states = %v/%v, expected open", server.State(), client.State())
	}

	serverRead := readAsync(server)
	if err := client.WriteMessage(TextMessage, []byte("Hello")); err != nil {
		t.Fatalf("client WriteMessage() error: %v", err)
	}

	res := <-serverRead
	if res.err != nil || res.mt != TextMessage || string(res.data) != "Hello" {
		t.Fatalf("server NextMessage() = %v %q %v, expected text Hello", res.mt, res.data, res.err)
	}

	clientRead := readAsync(client)
	if err := server.WriteMessage(BinaryMessage, res.data); err != nil {
		t.Fatalf("server WriteMessage() error: %v", err)
	}

	res = <-clientRead
	if res.err != nil || res.mt != BinaryMessage || string(res.data) != "Hello" {
		t.Errorf("client NextMessage() = %v %q %v, expected binary Hello", res.mt, res.data, res.err)
	} else {
		t.Logf("echo OK")
	}
}

func TestConnFragmentedEcho(t *testing.T) {
	cfg := testConfig()
	cfg.FragmentSize = 3

	server, client := newTestConnPair(t, cfg)

	serverRead := readAsync(server)
	if err := client.WriteMessage(TextMessage, []byte("fragmented message")); err != nil {
		t.Fatalf("WriteMessage() error: %v", err)
	}

	res := <-serverRead
	if res.err != nil || string(res.data) != "fragmented message" {
		t.Errorf("NextMessage() = %q %v, expected %q", res.data, res.err, "fragmented message")
	}
}

func TestConnPingPong(t *testing.T) {
	server, client := newTestConnPair(t, testConfig())

	pinged := make(chan string, 1)
	server.SetPingHandler(func(appData []byte) error {
		pinged <- string(appData)
		return nil
	})
	ponged := make(chan string, 1)
	client.SetPongHandler(func(appData []byte) error {
		ponged <- string(appData)
		return nil
	})

	serverRead := readAsync(server)
	clientRead := readAsync(client)

	if err := client.Ping([]byte("heartbeat")); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}

	if p := <-pinged; p != "heartbeat" {
		t.Errorf("ping handler got %q, expected %q", p, "heartbeat")
	}
	if p := <-ponged; p != "heartbeat" {
		t.Errorf("pong handler got %q, expected %q", p, "heartbeat")
	}

	if err := client.WriteMessage(TextMessage, []byte("done")); err != nil {
		t.Fatalf("WriteMessage() error: %v", err)
	}
	if res := <-serverRead; string(res.data) != "done" {
		t.Errorf("server NextMessage() = %q %v, expected done", res.data, res.err)
	}

	if err := server.WriteMessage(TextMessage, []byte("done")); err != nil {
		t.Fatalf("WriteMessage() error: %v", err)
	}
	if res := <-clientRead; string(res.data) != "done" {
		t.Errorf("client NextMessage() = %q %v, expected done", res.data, res.err)
	}
}

func TestConnCloseHandshake(t *testing.T) {
	server, client := newTestConnPair(t, testConfig())

	type closeArgs struct {
		code   CloseCode
		reason string
	}
	closed := make(chan closeArgs, 1)
	server.SetCloseHandler(func(code CloseCode, reason string) error {
		closed <- closeArgs{code, reason}
		return nil
	})

	serverRead := readAsync(server)

	if err := client.CloseWithCode(CloseGoingAway, "shutting down"); err != nil {
		t.Fatalf("CloseWithCode() error: %v", err)
	}

	res := <-serverRead
	var ce *CloseError
	if !errors.As(res.err, &ce) {
		t.Fatalf("server NextMessage() = %v, expected *CloseError", res.err)
	}
	if ce.Code != CloseGoingAway || ce.Reason != "shutting down" {
		t.Errorf("server close error = %d %q, expected %d %q", ce.Code, ce.Reason, CloseGoingAway, "shutting down")
	}
	if !errors.Is(res.err, ErrConnectionClosed) {
		t.Errorf("server NextMessage() = %v, expected ErrConnectionClosed", res.err)
	}

	if args := <-closed; args.code != CloseGoingAway {
		t.Errorf("close handler got %d, expected %d", args.code, CloseGoingAway)
	}

	if server.State() != StateClosed || client.State() != StateClosed {
		t.Errorf("states = %v/%v, expected closed", server.State(), client.State())
	}

	if err := client.WriteMessage(TextMessage, []byte("late")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("WriteMessage() after close = %v, expected ErrConnectionClosed", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() = %v, expected nil", err)
	}
}

func TestConnCloseWhileReading(t *testing.T) {
	server, client := newTestConnPair(t, testConfig())

	serverRead := readAsync(server)
	clientRead := readAsync(client)

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	for name, ch := range map[string]<-chan readResult{"server": serverRead, "client": clientRead} {
		res := <-ch
		if !errors.Is(res.err, ErrConnectionClosed) {
			t.Errorf("%s NextMessage() = %v, expected ErrConnectionClosed", name, res.err)
		}
	}
}

func TestConnProtocolErrorClosesWithCode(t *testing.T) {
	serverSide, raw := net.Pipe()
	server := newTestConn(t, serverSide, frame.RoleServer, testConfig())

	serverRead := readAsync(server)

	go func() {
		// unmasked frames are not allowed from a client
		_, _ = raw.Write(frame.EncodeFrame(frame.Header{Fin: true, Opcode: frame.OpcodeText}, []byte("x")))
	}()

	header := make([]byte, 2)
	if _, err := io.ReadFull(raw, header); err != nil {
		t.Fatalf("failed to read close frame: %v", err)
	}
	if header[0] != 0x88 {
		t.Fatalf("received first byte %X, expected close frame", header[0])
	}
	payload := make([]byte, header[1])
	if _, err := io.ReadFull(raw, payload); err != nil {
		t.Fatalf("failed to read close payload: %v", err)
	}

	code, _, err := parseCloseMessageData(payload, true)
	if err != nil || code != CloseProtocolError {
		t.Errorf("received close code %d (%v), expected %d", code, err, CloseProtocolError)
	}

	res := <-serverRead
	var ce *CloseError
	if !errors.As(res.err, &ce) || ce.Code != CloseProtocolError || !errors.Is(res.err, ErrProtocol) {
		t.Errorf("NextMessage() = %v, expected protocol close error", res.err)
	}
	if server.State() != StateClosed {
		t.Errorf("State() = %v, expected closed", server.State())
	}

	if _, _, again := server.NextMessage(); !errors.As(again, &ce) {
		t.Errorf("NextMessage() after fatal error = %v, expected the close error", again)
	}
}

func TestConnAbnormalClosure(t *testing.T) {
	serverSide, raw := net.Pipe()
	server := newTestConn(t, serverSide, frame.RoleServer, testConfig())

	serverRead := readAsync(server)
	_ = raw.Close()

	res := <-serverRead
	var ce *CloseError
	if !errors.As(res.err, &ce) || ce.Code != CloseAbnormalClosure {
		t.Errorf("NextMessage() = %v, expected close code %d", res.err, CloseAbnormalClosure)
	}
	if server.State() != StateClosed {
		t.Errorf("State() = %v, expected closed", server.State())
	}
}

func TestConnWriteRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.WriteRateLimit = 0.001

	serverSide, raw := net.Pipe()
	server := newTestConn(t, serverSide, frame.RoleServer, cfg)
	go func() { _, _ = io.Copy(io.Discard, raw) }()

	if err := server.WriteMessage(TextMessage, []byte("first")); err != nil {
		t.Fatalf("first WriteMessage() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := server.WriteMessageContext(ctx, TextMessage, []byte("second")); err == nil {
		t.Errorf("second WriteMessageContext() succeeded, expected rate limit error")
	}
}

func TestConnWriteControlValidation(t *testing.T) {
	server, _ := newTestConnPair(t, testConfig())

	if err := server.WriteControl(TextMessage, nil); err == nil {
		t.Errorf("WriteControl(TextMessage) succeeded, expected error")
	}
	if err := server.WriteControl(CloseMessage, []byte{0x03}); err == nil {
		t.Errorf("WriteControl() with 1 byte close succeeded, expected error")
	}
	if err := server.WriteMessage(PingMessage, nil); err == nil {
		t.Errorf("WriteMessage(PingMessage) succeeded, expected error")
	}
	if server.BufferedAmount() != 0 {
		t.Errorf("BufferedAmount() = %d, expected 0", server.BufferedAmount())
	}
}

func TestConnTerminate(t *testing.T) {
	server, client := newTestConnPair(t, testConfig())

	clientRead := readAsync(client)
	if err := server.Terminate(); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}

	res := <-clientRead
	var ce *CloseError
	if !errors.As(res.err, &ce) || ce.Code != CloseAbnormalClosure {
		t.Errorf("client NextMessage() = %v, expected abnormal closure", res.err)
	}
	if _, _, err := server.NextMessage(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("NextMessage() after Terminate = %v, expected ErrConnectionClosed", err)
	}
}

func TestStateString(t *testing.T) {
	testCases := map[State]string{
		StateConnecting: "connecting",
		StateOpen:       "open",
		StateClosing:    "closing",
		StateClosed:     "closed",
	}
	for s, expected := range testCases {
		if s.String() != expected {
			t.Errorf("State(%d).String() = %q, expected %q", s, s.String(), expected)
		}
	}
}

func TestConnCloseTimeout(t *testing.T) {
	testCases := []struct {
		name string
		peer func(raw net.Conn)
	}{
		{
			name: "peer does not read",
			peer: func(raw net.Conn) {},
		},
		{
			name: "peer does not answer close",
			peer: func(raw net.Conn) { go func() { _, _ = io.Copy(io.Discard, raw) }() },
		},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.CloseTimeout = 200 * time.Millisecond

			serverSide, raw := net.Pipe()
			defer raw.Close()
			server := newTestConn(t, serverSide, frame.RoleServer, cfg)
			tt.peer(raw)

			closed := make(chan error, 1)
			go func() { closed <- server.Close() }()

			select {
			case err := <-closed:
				t.Logf("Close() = %v", err)
			case <-time.After(3 * time.Second):
				t.Fatalf("Close() still blocked after 3s with CloseTimeout=%v, state=%v", cfg.CloseTimeout, server.State())
			}

			if server.State() != StateClosed {
				t.Errorf("State() = %v, expected closed", server.State())
			}
		})
	}
}

// chunkConn returns all of data together with io.EOF from a single Read.
type chunkConn struct {
	net.Conn
	data []byte
}

func (c *chunkConn) Read(p []byte) (int, error) {
	n := copy(p, c.data)
	c.data = c.data[n:]
	return n, io.EOF
}

func TestConnReadErrorAfterData(t *testing.T) {
	serverSide, raw := net.Pipe()
	defer raw.Close()

	conn := &chunkConn{
		Conn: serverSide,
		data: clientFrame(frame.Header{Fin: true, Opcode: frame.OpcodeText}, []byte("last words")),
	}
	server := newTestConn(t, conn, frame.RoleServer, testConfig())

	mt, data, err := server.NextMessage()
	if err != nil || mt != TextMessage || string(data) != "last words" {
		t.Fatalf("NextMessage() = %v %q %v, expected text %q", mt, data, err, "last words")
	}

	_, _, err = server.NextMessage()
	var ce *CloseError
	if !errors.As(err, &ce) || ce.Code != CloseAbnormalClosure || !errors.Is(err, io.EOF) {
		t.Errorf("second NextMessage() = %v, expected abnormal closure wrapping EOF", err)
	}
	if server.State() != StateClosed {
		t.Errorf("State() = %v, expected closed", server.State())
	}
}

func TestConnEchoesCloseWithInvalidReason(t *testing.T) {
	cfg := testConfig()
	cfg.SkipUTF8Validation = true

	serverSide, raw := net.Pipe()
	defer raw.Close()
	server := newTestConn(t, serverSide, frame.RoleServer, cfg)

	serverRead := readAsync(server)
	go func() {
		_, _ = raw.Write(clientFrame(frame.Header{Fin: true, Opcode: frame.OpcodeClose}, []byte{0x03, 0xe8, 0xff}))
	}()

	echo := make([]byte, 4)
	if _, err := io.ReadFull(raw, echo); err != nil {
		t.Fatalf("failed to read close frame: %v", err)
	}
	expected := []byte{0x88, 0x02, 0x03, 0xe8}
	if string(echo) != string(expected) {
		t.Errorf("received % X, expected % X", echo, expected)
	}

	res := <-serverRead
	var ce *CloseError
	if !errors.As(res.err, &ce) || ce.Code != CloseNormalClosure {
		t.Errorf("NextMessage() = %v, expected close code %d", res.err, CloseNormalClosure)
	}
}

func TestConnAnswersPingFirst(t *testing.T) {
	serverSide, raw := net.Pipe()
	defer raw.Close()
	server := newTestConn(t, serverSide, frame.RoleServer, testConfig())

	serverRead := readAsync(server)
	go func() {
		_, _ = raw.Write(clientFrame(frame.Header{Fin: true, Opcode: frame.OpcodePing}, []byte{0xde, 0xad, 0xbe, 0xef}))
		_, _ = raw.Write(clientFrame(frame.Header{Fin: true, Opcode: frame.OpcodeText}, []byte("after")))
	}()

	pong := make([]byte, 6)
	if _, err := io.ReadFull(raw, pong); err != nil {
		t.Fatalf("failed to read pong frame: %v", err)
	}
	expected := []byte{0x8a, 0x04, 0xde, 0xad, 0xbe, 0xef}
	if string(pong) != string(expected) {
		t.Errorf("first frame written % X, expected % X", pong, expected)
	}

	if res := <-serverRead; res.err != nil || string(res.data) != "after" {
		t.Errorf("NextMessage() = %q %v, expected %q", res.data, res.err, "after")
	}
}

func TestConnNextWriter(t *testing.T) {
	cfg := testConfig()
	cfg.FragmentSize = 4

	server, client := newTestConnPair(t, cfg)

	type readerResult struct {
		mt   MessageType
		data string
		err  error
	}
	results := make(chan readerResult, 2)
	go func() {
		for i := 0; i < 2; i++ {
			mt, r, err := server.NextReader()
			if err != nil {
				results <- readerResult{err: err}
				return
			}
			data, err := io.ReadAll(r)
			results <- readerResult{mt, string(data), err}
		}
	}()

	w, err := client.NextWriter(TextMessage)
	if err != nil {
		t.Fatalf("NextWriter() error: %v", err)
	}

	other := make(chan error, 1)
	go func() { other <- client.WriteMessage(BinaryMessage, []byte("other")) }()

	for _, chunk := range []string{"hel", "lo wor", "ld"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write(%q) error: %v", chunk, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := w.Write([]byte("late")); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Write() after Close = %v, expected ErrWriterClosed", err)
	}

	first := <-results
	if first.err != nil || first.mt != TextMessage || first.data != "hello world" {
		t.Errorf("first NextReader() = %v %q %v, expected text %q", first.mt, first.data, first.err, "hello world")
	}
	second := <-results
	if second.err != nil || second.mt != BinaryMessage || second.data != "other" {
		t.Errorf("second NextReader() = %v %q %v, expected binary %q", second.mt, second.data, second.err, "other")
	}
	if err := <-other; err != nil {
		t.Errorf("WriteMessage() error: %v", err)
	}
}

func TestConnNextWriterValidation(t *testing.T) {
	server, client := newTestConnPair(t, testConfig())
	go func() { _, _, _ = client.NextMessage() }()

	if _, err := server.NextWriter(PingMessage); err == nil {
		t.Errorf("NextWriter(PingMessage) succeeded, expected error")
	}

	if err := server.WriteClose(CloseNormalClosure, ""); err != nil {
		t.Fatalf("WriteClose() error: %v", err)
	}
	if _, err := server.NextWriter(TextMessage); !errors.Is(err, ErrConnectionClosing) {
		t.Errorf("NextWriter() after WriteClose = %v, expected ErrConnectionClosing", err)
	}
}
