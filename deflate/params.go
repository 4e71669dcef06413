// Package deflate implements the permessage-deflate extension (RFC 7692):
// negotiation of its parameters during the opening handshake and the
// per-direction compression contexts used once it was agreed on.
package deflate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/wmdanor/websocket/frame"
)

const (
	ExtensionName = "permessage-deflate"

	paramServerNoContextTakeover = "server_no_context_takeover"
	paramClientNoContextTakeover = "client_no_context_takeover"
	paramServerMaxWindowBits     = "server_max_window_bits"
	paramClientMaxWindowBits     = "client_max_window_bits"

	MinWindowBits = 8
	MaxWindowBits = 15

	// DefaultThreshold is the payload size below which messages are sent
	// uncompressed.
	DefaultThreshold = 1024
)

var (
	ErrNegotiation = errors.New("permessage-deflate negotiation failed")
)

// Options are the locally configured preferences for permessage-deflate.
type Options struct {
	// ServerNoContextTakeover asks (client) or forces (server) the server to
	// reset its compression context after every message.
	ServerNoContextTakeover bool `yaml:"server_no_context_takeover"`
	// ClientNoContextTakeover asks (server) or forces (client) the client to
	// reset its compression context after every message.
	ClientNoContextTakeover bool `yaml:"client_no_context_takeover"`
	// ServerMaxWindowBits is offered by a client to bound the server's
	// window. A server never limits its own window as the flate writer always
	// uses 32 KiB, so it declines offers asking for less.
	ServerMaxWindowBits int `yaml:"server_max_window_bits"`
	// ClientMaxWindowBits is sent by a server to bound the client's window
	// when the client offered to accept it.
	ClientMaxWindowBits int `yaml:"client_max_window_bits"`
	// Level is a compress/flate level, zero selects flate.DefaultCompression.
	Level int `yaml:"level"`
	// Threshold is the payload size below which messages are not compressed,
	// zero selects DefaultThreshold.
	Threshold int `yaml:"threshold"`
}

func (o Options) Validate() error {
	if err := validateWindowBits(paramServerMaxWindowBits, o.ServerMaxWindowBits, true); err != nil {
		return err
	}
	if err := validateWindowBits(paramClientMaxWindowBits, o.ClientMaxWindowBits, true); err != nil {
		return err
	}
	if o.Level < flate.HuffmanOnly || o.Level > flate.BestCompression {
		return fmt.Errorf("compression level must be between %d and %d, actual %d",
			flate.HuffmanOnly, flate.BestCompression, o.Level)
	}
	if o.Threshold < 0 {
		return fmt.Errorf("compression threshold must not be negative, actual %d", o.Threshold)
	}
	return nil
}

func validateWindowBits(name string, bits int, allowZero bool) error {
	if allowZero && bits == 0 {
		return nil
	}
	if bits < MinWindowBits || bits > MaxWindowBits {
		return fmt.Errorf("%s must be between %d and %d, actual %d",
			name, MinWindowBits, MaxWindowBits, bits)
	}
	return nil
}

// CompressionLevel returns the flate level to compress with.
func (o Options) CompressionLevel() int {
	if o.Level == 0 {
		return flate.DefaultCompression
	}
	return o.Level
}

// CompressionThreshold returns the smallest payload that gets compressed.
func (o Options) CompressionThreshold() int {
	if o.Threshold == 0 {
		return DefaultThreshold
	}
	return o.Threshold
}

// Offer returns the Sec-WebSocket-Extensions value a client sends.
// client_max_window_bits is never offered: the flate writer cannot be
// limited to a smaller window.
func (o Options) Offer() string {
	parts := []string{ExtensionName}
	if o.ServerNoContextTakeover {
		parts = append(parts, paramServerNoContextTakeover)
	}
	if o.ClientNoContextTakeover {
		parts = append(parts, paramClientNoContextTakeover)
	}
	if o.ServerMaxWindowBits != 0 {
		parts = append(parts, paramServerMaxWindowBits+"="+strconv.Itoa(o.ServerMaxWindowBits))
	}
	return strings.Join(parts, "; ")
}

// Params are the negotiated permessage-deflate parameters, fixed for the
// lifetime of a connection. Zero window bits mean the parameter was absent.
type Params struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     int
	ClientMaxWindowBits     int
}

// String returns the extension as it appears in Sec-WebSocket-Extensions.
func (p Params) String() string {
	parts := []string{ExtensionName}
	if p.ServerNoContextTakeover {
		parts = append(parts, paramServerNoContextTakeover)
	}
	if p.ClientNoContextTakeover {
		parts = append(parts, paramClientNoContextTakeover)
	}
	if p.ServerMaxWindowBits != 0 {
		parts = append(parts, paramServerMaxWindowBits+"="+strconv.Itoa(p.ServerMaxWindowBits))
	}
	if p.ClientMaxWindowBits != 0 {
		parts = append(parts, paramClientMaxWindowBits+"="+strconv.Itoa(p.ClientMaxWindowBits))
	}
	return strings.Join(parts, "; ")
}

// Negotiate processes a Sec-WebSocket-Extensions header value for the given
// role.
//
// As a server, value is the client's offer list. Offers are tried in order
// and the first acceptable permessage-deflate offer wins. An offer with
// unknown, duplicated or malformed parameters is declined as a whole. When
// nothing is acceptable Negotiate returns nil params and no error, the
// connection then runs without compression.
//
// As a client, value is the server's response to our Offer. Any deviation
// from what was offered fails with an error wrapping ErrNegotiation. An empty
// response returns nil params.
func Negotiate(value string, role frame.Role, opts Options) (*Params, error) {
	exts, err := ParseExtensions(value)
	if err != nil {
		if role == frame.RoleServer {
			return nil, nil
		}
		return nil, err
	}

	switch role {
	case frame.RoleServer:
		for _, ext := range exts {
			if !strings.EqualFold(ext.Name, ExtensionName) {
				continue
			}
			if p, ok := acceptOffer(ext.Params, opts); ok {
				return p, nil
			}
		}
		return nil, nil
	case frame.RoleClient:
		return acceptResponse(exts, opts)
	default:
		return nil, fmt.Errorf("%w: unknown role %v", ErrNegotiation, role)
	}
}

// acceptOffer applies a single client offer on the server.
func acceptOffer(params []Param, opts Options) (*Params, bool) {
	p := Params{
		ServerNoContextTakeover: opts.ServerNoContextTakeover,
		ClientNoContextTakeover: opts.ClientNoContextTakeover,
	}

	seen := make(map[string]bool, len(params))
	clientWindowOffered := false
	clientWindowBits := MaxWindowBits

	for _, param := range params {
		name := strings.ToLower(param.Name)
		if seen[name] {
			return nil, false
		}
		seen[name] = true

		switch name {
		case paramServerNoContextTakeover:
			if param.HasValue {
				return nil, false
			}
			p.ServerNoContextTakeover = true
		case paramClientNoContextTakeover:
			if param.HasValue {
				return nil, false
			}
			p.ClientNoContextTakeover = true
		case paramServerMaxWindowBits:
			bits, err := parseWindowBits(param)
			if err != nil || !param.HasValue {
				return nil, false
			}
			if bits < MaxWindowBits {
				return nil, false
			}
			p.ServerMaxWindowBits = bits
		case paramClientMaxWindowBits:
			clientWindowOffered = true
			if param.HasValue {
				bits, err := parseWindowBits(param)
				if err != nil {
					return nil, false
				}
				clientWindowBits = bits
				p.ClientMaxWindowBits = bits
			}
		default:
			return nil, false
		}
	}

	if clientWindowOffered && opts.ClientMaxWindowBits != 0 {
		p.ClientMaxWindowBits = min(clientWindowBits, opts.ClientMaxWindowBits)
	}

	return &p, true
}

// acceptResponse checks a server response on the client.
func acceptResponse(exts []Extension, opts Options) (*Params, error) {
	if len(exts) == 0 {
		return nil, nil
	}
	if len(exts) > 1 {
		return nil, fmt.Errorf("%w: server accepted %d extensions, only %s was offered",
			ErrNegotiation, len(exts), ExtensionName)
	}

	ext := exts[0]
	if !strings.EqualFold(ext.Name, ExtensionName) {
		return nil, fmt.Errorf("%w: server accepted extension %q that was not offered", ErrNegotiation, ext.Name)
	}

	p := Params{ClientNoContextTakeover: opts.ClientNoContextTakeover}
	seen := make(map[string]bool, len(ext.Params))

	for _, param := range ext.Params {
		name := strings.ToLower(param.Name)
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate parameter %q", ErrNegotiation, param.Name)
		}
		seen[name] = true

		switch name {
		case paramServerNoContextTakeover:
			if param.HasValue {
				return nil, fmt.Errorf("%w: %q must not have a value", ErrNegotiation, param.Name)
			}
			p.ServerNoContextTakeover = true
		case paramClientNoContextTakeover:
			if param.HasValue {
				return nil, fmt.Errorf("%w: %q must not have a value", ErrNegotiation, param.Name)
			}
			p.ClientNoContextTakeover = true
		case paramServerMaxWindowBits:
			bits, err := parseWindowBits(param)
			if err != nil {
				return nil, err
			}
			if !param.HasValue {
				return nil, fmt.Errorf("%w: %q must have a value", ErrNegotiation, param.Name)
			}
			if opts.ServerMaxWindowBits != 0 && bits > opts.ServerMaxWindowBits {
				return nil, fmt.Errorf("%w: %q is %d, offered %d",
					ErrNegotiation, param.Name, bits, opts.ServerMaxWindowBits)
			}
			p.ServerMaxWindowBits = bits
		case paramClientMaxWindowBits:
			return nil, fmt.Errorf("%w: %q was not offered", ErrNegotiation, param.Name)
		default:
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrNegotiation, param.Name)
		}
	}

	return &p, nil
}

func parseWindowBits(param Param) (int, error) {
	if !param.HasValue {
		return 0, nil
	}
	bits, err := strconv.Atoi(param.Value)
	if err != nil || strconv.Itoa(bits) != param.Value {
		return 0, fmt.Errorf("%w: %q has invalid value %q", ErrNegotiation, param.Name, param.Value)
	}
	if err := validateWindowBits(param.Name, bits, false); err != nil {
		return 0, fmt.Errorf("%w: [%w]", ErrNegotiation, err)
	}
	return bits, nil
}
