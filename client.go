package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wmdanor/websocket/deflate"
	"github.com/wmdanor/websocket/frame"
)

type Dialer struct {
	// Config applies to the dialed connection, DefaultConfig if nil.
	// Config.Subprotocols are offered in order.
	Config *Config

	// TLSConfig is used for wss URLs.
	TLSConfig *tls.Config

	Logger *zap.Logger
}

// Dial opens a connection to a ws:// or wss:// URL and performs the client
// side of the opening handshake. Failures of the handshake itself wrap
// ErrHandshakeFailure.
func (d *Dialer) Dial(ctx context.Context, urlStr string, header http.Header) (*Conn, error) {
	l, err := loggerOrDefault(d.Logger)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if d.Config != nil {
		cfg = *d.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: [%w]", err)
	}

	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse url: [%w]", ErrHandshakeFailure, err)
	}

	useTLS := false
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
		useTLS = true
	default:
		return nil, fmt.Errorf("url schema must be ws or wss, actual %q", u.Scheme)
	}

	dialAddr := u.Host
	if u.Port() == "" {
		if useTLS {
			dialAddr = net.JoinHostPort(u.Hostname(), "443")
		} else {
			dialAddr = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	l.Debugw("dialing websocket server", "addr", dialAddr)

	var netDialer net.Dialer
	netConn, err := netDialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial remote address %q: [%w]", dialAddr, err)
	}
	defer func() {
		if netConn != nil {
			_ = netConn.Close()
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		if err := netConn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to set handshake deadline: [%w]", err)
		}
	}

	if useTLS {
		tlsCfg := d.TLSConfig.Clone()
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = u.Hostname()
		}
		tlsConn := tls.Client(netConn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("failed TLS handshake: [%w]", err)
		}
		netConn = tlsConn
	}

	req := http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Host:       u.Host,
		Header:     make(http.Header),
	}

	for hk, hv := range header {
		req.Header[hk] = slices.Clone(hv)
	}

	req.Header[headerUpgrade] = []string{headerUpgradeExpected}
	req.Header[headerConn] = []string{headerConnExpected}
	req.Header[headerSecWsVersion] = []string{headerSecWsVersionExpected}

	if len(cfg.Subprotocols) > 0 {
		req.Header[headerSecWsProto] = []string{strings.Join(cfg.Subprotocols, ", ")}
	}
	if cfg.PerMessageDeflate != nil {
		req.Header[headerSecWsExt] = []string{cfg.PerMessageDeflate.Offer()}
	}

	secWsKey, err := newSecWsKey()
	if err != nil {
		return nil, err
	}
	expectedSecWsAccept := newSecWebsocketAccept(secWsKey).String()

	req.Header[headerSecWsKey] = []string{secWsKey}

	err = req.Write(netConn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to write request: [%w]", ErrHandshakeFailure, err)
	}

	bufReader := bufio.NewReaderSize(netConn, int(cfg.ReadBufferSize))

	res, err := http.ReadResponse(bufReader, &req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: [%w]", ErrHandshakeFailure, err)
	}
	res.Body = io.NopCloser(strings.NewReader(""))

	subprotocol, params, err := validateHandshakeResponse(res, expectedSecWsAccept, cfg)
	if err != nil {
		return nil, err
	}

	var buffered []byte
	if n := bufReader.Buffered(); n > 0 {
		buffered, _ = bufReader.Peek(n)
	}

	if err := netConn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("failed to clear handshake deadline: [%w]", err)
	}

	c, err := newConn(netConn, connOptions{
		role:        frame.RoleClient,
		cfg:         cfg,
		subprotocol: subprotocol,
		params:      params,
		logger:      l,
		buffered:    buffered,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conn object: [%w]", err)
	}

	netConn = nil

	return c, nil
}

func validateHandshakeResponse(res *http.Response, expectedSecWsAccept string, cfg Config) (string, *deflate.Params, error) {
	if res.StatusCode != http.StatusSwitchingProtocols {
		return "", nil, fmt.Errorf(`%w: status code must be %d, actual %d`,
			ErrHandshakeFailure, http.StatusSwitchingProtocols, res.StatusCode)
	}

	actual, ok := headerContainsToken(res.Header, headerUpgrade, headerUpgradeExpected)
	if !ok {
		return "", nil, fmt.Errorf(`%w: %q header must be %q, actual %q`,
			ErrHandshakeFailure, headerUpgrade, headerUpgradeExpected, actual)
	}

	actual, ok = headerContainsToken(res.Header, headerConn, headerConnExpected)
	if !ok {
		return "", nil, fmt.Errorf(`%w: %q header must contain %q, actual %q`,
			ErrHandshakeFailure, headerConn, headerConnExpected, actual)
	}

	secWsAccept := res.Header.Get(headerSecWsAccept)
	if len(secWsAccept) == 0 {
		return "", nil, fmt.Errorf("%w: missing %q header", ErrHandshakeFailure, headerSecWsAccept)
	} else if secWsAccept != expectedSecWsAccept {
		return "", nil, fmt.Errorf("%w: %q header does not equal expected value", ErrHandshakeFailure, headerSecWsAccept)
	}

	subprotocol := res.Header.Get(headerSecWsProto)
	if subprotocol != "" && !slices.Contains(cfg.Subprotocols, subprotocol) {
		return "", nil, fmt.Errorf("%w: server selected subprotocol %q that was not offered",
			ErrHandshakeFailure, subprotocol)
	}

	extensions := strings.Join(res.Header.Values(headerSecWsExt), ", ")
	if extensions == "" {
		return subprotocol, nil, nil
	}
	if cfg.PerMessageDeflate == nil {
		return "", nil, fmt.Errorf("%w: server accepted extensions %q that were not offered",
			ErrHandshakeFailure, extensions)
	}

	params, err := deflate.Negotiate(extensions, frame.RoleClient, *cfg.PerMessageDeflate)
	if err != nil {
		return "", nil, fmt.Errorf("%w: [%w]", ErrHandshakeFailure, err)
	}

	return subprotocol, params, nil
}
