package websocket

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wmdanor/websocket/deflate"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "websocket.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
max_payload: 16MiB
fragment_size: 4096
close_timeout: 3s
subprotocols: [chat, superchat]
write_rate_limit: 50
per_message_deflate:
  client_no_context_takeover: true
  server_max_window_bits: 15
  level: 6
  threshold: 256
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.MaxPayload != 16<<20 {
		t.Errorf("MaxPayload = %d, expected %d", cfg.MaxPayload, 16<<20)
	}
	if cfg.FragmentSize != 4096 {
		t.Errorf("FragmentSize = %d, expected 4096", cfg.FragmentSize)
	}
	if cfg.CloseTimeout != 3*time.Second {
		t.Errorf("CloseTimeout = %v, expected 3s", cfg.CloseTimeout)
	}
	if cfg.HandshakeTimeout != defaultHandshakeTimeout {
		t.Errorf("HandshakeTimeout = %v, expected default %v", cfg.HandshakeTimeout, defaultHandshakeTimeout)
	}
	if cfg.ReadBufferSize != defaultReadBufferSize {
		t.Errorf("ReadBufferSize = %d, expected default %d", cfg.ReadBufferSize, defaultReadBufferSize)
	}
	if strings.Join(cfg.Subprotocols, ",") != "chat,superchat" {
		t.Errorf("Subprotocols = %q", cfg.Subprotocols)
	}

	expectedPMD := deflate.Options{ClientNoContextTakeover: true, ServerMaxWindowBits: 15, Level: 6, Threshold: 256}
	if cfg.PerMessageDeflate == nil || *cfg.PerMessageDeflate != expectedPMD {
		t.Errorf("PerMessageDeflate = %+v, expected %+v", cfg.PerMessageDeflate, expectedPMD)
	} else {
		t.Logf("LoadConfig() OK")
	}
}

func TestLoadConfigErrors(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{"unknown field", "max_payload: 1024\nmystery: true\n"},
		{"bad size", "max_payload: lots\n"},
		{"negative", "close_timeout: -1s\n"},
		{"fragment above max", "max_payload: 1KiB\nfragment_size: 2KiB\n"},
		{"bad subprotocol", "subprotocols: [\"two words\"]\n"},
		{"bad window bits", "per_message_deflate:\n  client_max_window_bits: 7\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfigFile(t, tc.content)); err == nil {
				t.Errorf("LoadConfig() succeeded, expected error")
			} else {
				t.Logf("LoadConfig() = %v, OK", err)
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("LoadConfig() of a missing file succeeded, expected error")
	}
}

func TestLoadConfigEmpty(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, ""))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.MaxPayload != defaultMaxPayload || cfg.PerMessageDeflate != nil {
		t.Errorf("LoadConfig() = %+v, expected defaults", cfg)
	}
}

func TestConfigValidateJoinsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPayload = -1
	cfg.ReadBufferSize = 0
	cfg.Subprotocols = []string{"chat", "chat"}

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("Validate() succeeded, expected error")
	}
	for _, s := range []string{"max_payload", "read_buffer_size", "listed twice"} {
		if !strings.Contains(err.Error(), s) {
			t.Errorf("Validate() = %q, expected it to mention %q", err, s)
		}
	}
}

func TestByteSizeYAML(t *testing.T) {
	var v struct {
		Size ByteSize `yaml:"size"`
	}

	testCases := []struct {
		in       string
		expected ByteSize
	}{
		{"size: 1024", 1024},
		{"size: 64k", 64 << 10},
		{"size: 1MiB", 1 << 20},
		{"size: 2g", 2 << 30},
	}

	for _, tc := range testCases {
		if err := yaml.Unmarshal([]byte(tc.in), &v); err != nil {
			t.Errorf("Unmarshal(%q) error: %v", tc.in, err)
			continue
		}
		if v.Size != tc.expected {
			t.Errorf("Unmarshal(%q) = %d, expected %d", tc.in, v.Size, tc.expected)
		}
	}

	out, err := yaml.Marshal(struct {
		Size ByteSize `yaml:"size"`
	}{Size: 1 << 20})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if strings.TrimSpace(string(out)) != "size: 1MiB" {
		t.Errorf("Marshal() = %q, expected %q", out, "size: 1MiB")
	}
}
