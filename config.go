package websocket

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	units "github.com/docker/go-units"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/wmdanor/websocket/deflate"
)

// ByteSize is a size in bytes that reads from YAML either as an integer or
// as a human readable string such as "16MiB" or "64k".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}

	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("failed to decode byte size: [%w]", err)
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return fmt.Errorf("failed to parse byte size %q: [%w]", s, err)
	}
	*b = ByteSize(n)

	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

type Config struct {
	// MaxPayload bounds the size of a received message, after decompression.
	// Zero means no limit.
	MaxPayload ByteSize `yaml:"max_payload"`
	// FragmentSize splits sent messages into frames of at most this many
	// payload bytes. Zero sends every message as a single frame.
	FragmentSize ByteSize `yaml:"fragment_size"`
	// ReadBufferSize is the size of a single read from the network.
	ReadBufferSize ByteSize `yaml:"read_buffer_size"`
	// SkipUTF8Validation disables the UTF-8 check of text messages and close reasons.
	SkipUTF8Validation bool `yaml:"skip_utf8_validation"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// CloseTimeout bounds writing the Close frame and then waiting for the
	// peer's Close, after it the connection is closed regardless.
	CloseTimeout time.Duration `yaml:"close_timeout"`

	// Subprotocols are the supported subprotocols in order of preference.
	Subprotocols []string `yaml:"subprotocols"`

	// WriteRateLimit paces sent data messages, in messages per second.
	// Zero means no limit.
	WriteRateLimit float64 `yaml:"write_rate_limit"`

	// PerMessageDeflate enables permessage-deflate when not nil.
	PerMessageDeflate *deflate.Options `yaml:"per_message_deflate"`

	// MaskKeySource provides masking keys on the client, crypto/rand by default.
	MaskKeySource io.Reader `yaml:"-"`
}

const (
	defaultMaxPayload       = 100 * units.MiB
	defaultReadBufferSize   = 4096
	defaultHandshakeTimeout = 10 * time.Second
	defaultCloseTimeout     = 15 * time.Second
)

func DefaultConfig() Config {
	return Config{
		MaxPayload:       defaultMaxPayload,
		ReadBufferSize:   defaultReadBufferSize,
		HandshakeTimeout: defaultHandshakeTimeout,
		CloseTimeout:     defaultCloseTimeout,
	}
}

// Validate rejects invalid or conflicting values.
func (c Config) Validate() error {
	var err error

	if c.MaxPayload < 0 {
		err = multierr.Append(err, fmt.Errorf("max_payload must not be negative, actual %d", c.MaxPayload))
	}
	if c.FragmentSize < 0 {
		err = multierr.Append(err, fmt.Errorf("fragment_size must not be negative, actual %d", c.FragmentSize))
	}
	if c.MaxPayload > 0 && c.FragmentSize > c.MaxPayload {
		err = multierr.Append(err, fmt.Errorf("fragment_size (%v) must not exceed max_payload (%v)", c.FragmentSize, c.MaxPayload))
	}
	if c.ReadBufferSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("read_buffer_size must be positive, actual %d", c.ReadBufferSize))
	}
	if c.HandshakeTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("handshake_timeout must not be negative, actual %v", c.HandshakeTimeout))
	}
	if c.CloseTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("close_timeout must not be negative, actual %v", c.CloseTimeout))
	}
	if c.WriteRateLimit < 0 {
		err = multierr.Append(err, fmt.Errorf("write_rate_limit must not be negative, actual %v", c.WriteRateLimit))
	}

	seen := make(map[string]bool, len(c.Subprotocols))
	for _, p := range c.Subprotocols {
		if !isToken(p) {
			err = multierr.Append(err, fmt.Errorf("subprotocol %q is not a valid token", p))
		}
		if seen[p] {
			err = multierr.Append(err, fmt.Errorf("subprotocol %q is listed twice", p))
		}
		seen[p] = true
	}

	if c.PerMessageDeflate != nil {
		if pmdErr := c.PerMessageDeflate.Validate(); pmdErr != nil {
			err = multierr.Append(err, fmt.Errorf("invalid per_message_deflate: [%w]", pmdErr))
		}
	}

	return err
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
// Unknown fields are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config file: [%w]", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to decode config file %q: [%w]", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config file %q: [%w]", path, err)
	}

	return cfg, nil
}

func (c Config) maxPayload() int {
	return int(c.MaxPayload)
}
