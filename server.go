package websocket

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wmdanor/websocket/deflate"
	"github.com/wmdanor/websocket/frame"
)

// Upgrader upgrades HTTP requests to WebSocket connections.
type Upgrader struct {
	// Config applies to every accepted connection, DefaultConfig if nil.
	Config *Config

	// CheckOrigin returns true if the request Origin is acceptable.
	// If nil, requests with an Origin header are only accepted when it
	// matches the Host header.
	CheckOrigin func(r *http.Request) bool

	// Registry, if set, tracks every accepted connection until it is closed.
	Registry *Registry

	Logger *zap.Logger
}

// Upgrade performs the opening handshake on a server. On a request that is
// not a valid upgrade it responds with an HTTP error and returns an error
// wrapping ErrInvalidHandshakeRequest.
func (u *Upgrader) Upgrade(w http.ResponseWriter, req *http.Request) (*Conn, error) {
	l, err := loggerOrDefault(u.Logger)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if u.Config != nil {
		cfg = *u.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: [%w]", err)
	}

	l.Debugw("opening new websocket connection", "remote", req.RemoteAddr)

	if err := validateOpenHandshake(req); err != nil {
		l.Debugw("failed to open websocket connection", "err", err)
		if req.Header.Get(headerSecWsVersion) != headerSecWsVersionExpected {
			w.Header().Set(headerSecWsVersion, headerSecWsVersionExpected)
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}

	checkOrigin := u.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = checkSameOrigin
	}
	if !checkOrigin(req) {
		err := fmt.Errorf("%w: origin %q not allowed", ErrInvalidHandshakeRequest, req.Header.Get(headerOrigin))
		l.Debugw("failed to open websocket connection", "err", err)
		http.Error(w, err.Error(), http.StatusForbidden)
		return nil, err
	}

	subprotocol := selectSubprotocol(subprotocols(req.Header), cfg.Subprotocols)

	var params *deflate.Params
	if cfg.PerMessageDeflate != nil {
		// A declined offer is not an error, the connection runs uncompressed.
		params, _ = deflate.Negotiate(strings.Join(req.Header.Values(headerSecWsExt), ", "),
			frame.RoleServer, *cfg.PerMessageDeflate)
	}

	netConn, rw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		l.Debugw("failed to open websocket connection: couldn't hijack TCP connection", "err", err)
		return nil, fmt.Errorf("failed to hijack net.Conn: [%w]", err)
	}

	var buffered []byte
	if n := rw.Reader.Buffered(); n > 0 {
		buffered, _ = rw.Reader.Peek(n)
	}

	response := switchingProtocolsResponse(req.Header.Get(headerSecWsKey), subprotocol, params)

	if cfg.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}
	if _, err := netConn.Write(response); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("failed to write handshake response: [%w]", err)
	}
	_ = netConn.SetDeadline(time.Time{})

	conn, err := newConn(netConn, connOptions{
		role:        frame.RoleServer,
		cfg:         cfg,
		subprotocol: subprotocol,
		params:      params,
		logger:      l,
		registry:    u.Registry,
		buffered:    buffered,
	})
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	return conn, nil
}

func validateOpenHandshake(req *http.Request) error {
	if req.Method != http.MethodGet {
		return fmt.Errorf("%w: method must be GET, actual %q",
			ErrInvalidHandshakeRequest, req.Method)
	}

	if !req.ProtoAtLeast(1, 1) {
		return fmt.Errorf("%w: HTTP version must be at least 1.1, actual %q",
			ErrInvalidHandshakeRequest, req.Proto)
	}

	actual, ok := headerContainsToken(req.Header, headerUpgrade, headerUpgradeExpected)
	if !ok {
		return fmt.Errorf(`%w: %q header must be %q, actual %q`,
			ErrInvalidHandshakeRequest, headerUpgrade, headerUpgradeExpected, actual)
	}

	actual, ok = headerContainsToken(req.Header, headerConn, headerConnExpected)
	if !ok {
		return fmt.Errorf(`%w: %q header must contain %q, actual: %q`,
			ErrInvalidHandshakeRequest, headerConn, headerConnExpected, actual)
	}

	actual, ok = headerEquals(req.Header, headerSecWsVersion, headerSecWsVersionExpected)
	if !ok {
		return fmt.Errorf(`%w: %q header must be %q, received: %q`,
			ErrInvalidHandshakeRequest, headerSecWsVersion, headerSecWsVersionExpected, actual)
	}

	if err := validateSecWsKey(req.Header.Get(headerSecWsKey)); err != nil {
		return fmt.Errorf("%w: [%w]", ErrInvalidHandshakeRequest, err)
	}

	for _, p := range subprotocols(req.Header) {
		if !isToken(p) {
			return fmt.Errorf("%w: invalid subprotocol %q", ErrInvalidHandshakeRequest, p)
		}
	}

	return nil
}

// selectSubprotocol picks the first protocol requested by the client that
// the server supports.
func selectSubprotocol(requested, supported []string) string {
	for _, p := range requested {
		if slices.Contains(supported, p) {
			return p
		}
	}
	return ""
}

func checkSameOrigin(req *http.Request) bool {
	origin := req.Header.Get(headerOrigin)
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, req.Host)
}

func switchingProtocolsResponse(secWsKey, subprotocol string, params *deflate.Params) []byte {
	var b strings.Builder

	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString(headerUpgrade + ": " + headerUpgradeExpected + "\r\n")
	b.WriteString(headerConn + ": " + headerConnExpected + "\r\n")
	b.WriteString(headerSecWsAccept + ": " + newSecWebsocketAccept(secWsKey).String() + "\r\n")
	if subprotocol != "" {
		b.WriteString(headerSecWsProto + ": " + subprotocol + "\r\n")
	}
	if params != nil {
		b.WriteString(headerSecWsExt + ": " + params.String() + "\r\n")
	}
	b.WriteString("\r\n")

	return []byte(b.String())
}

// IsUpgradeRequest reports whether req asks for a WebSocket upgrade.
func IsUpgradeRequest(req *http.Request) bool {
	_, upgrade := headerContainsToken(req.Header, headerUpgrade, headerUpgradeExpected)
	_, conn := headerContainsToken(req.Header, headerConn, headerConnExpected)
	return upgrade && conn
}
