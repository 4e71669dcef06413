package websocket

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

const (
	headerUpgrade      = "Upgrade"
	headerConn         = "Connection"
	headerOrigin       = "Origin"
	headerSecWsVersion = "Sec-WebSocket-Version"
	headerSecWsProto   = "Sec-WebSocket-Protocol"
	headerSecWsExt     = "Sec-WebSocket-Extensions"
	headerSecWsKey     = "Sec-WebSocket-Key"
	headerSecWsAccept  = "Sec-WebSocket-Accept"

	headerUpgradeExpected      = "websocket"
	headerConnExpected         = "Upgrade"
	headerSecWsVersionExpected = "13"

	wsGuid = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	secWsKeyLen = 16
)

func newSecWsKey() (string, error) {
	nonce := [secWsKeyLen]byte{}

	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate %s: [%w]", headerSecWsKey, err)
	}

	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

func validateSecWsKey(secWsKey string) error {
	if len(secWsKey) == 0 {
		return fmt.Errorf("missing %q header", headerSecWsKey)
	}

	decoded, err := base64.StdEncoding.DecodeString(secWsKey)
	if err != nil {
		return fmt.Errorf("failed to base64 decode %q header: [%w]", headerSecWsKey, err)
	}
	if len(decoded) != secWsKeyLen {
		return fmt.Errorf("decoded value of %q must be %d bytes, received %d bytes",
			headerSecWsKey, secWsKeyLen, len(decoded))
	}

	return nil
}

type secWebsocketAccept string

func newSecWebsocketAccept(secWebSocketKey string) secWebsocketAccept {
	concat := secWebSocketKey + wsGuid

	hasher := sha1.New()
	hasher.Write([]byte(concat))

	bytes := hasher.Sum(nil)
	b64 := base64.StdEncoding.EncodeToString(bytes)

	return secWebsocketAccept(b64)
}

func (a secWebsocketAccept) String() string {
	return string(a)
}

// Checks if header equals expected value (case insensitive)
// If yes - returns `"", true`
// If no - returns `"<actual_value>", false`
func headerEquals(h http.Header, header, expectedValue string) (string, bool) {
	actualValue := h.Get(header)
	if strings.EqualFold(expectedValue, actualValue) {
		return "", true
	} else {
		return actualValue, false
	}
}

// Checks if comma separated header contains the token (case insensitive),
// e.g. `Connection: keep-alive, Upgrade`.
// If yes - returns `"", true`
// If no - returns `"<actual_value>", false`
func headerContainsToken(h http.Header, header, token string) (string, bool) {
	for _, v := range h.Values(header) {
		for _, t := range headerList(v) {
			if strings.EqualFold(t, token) {
				return "", true
			}
		}
	}
	return strings.Join(h.Values(header), ", "), false
}

// headerList splits a comma separated header value, skipping empty elements.
func headerList(v string) []string {
	var list []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			list = append(list, t)
		}
	}
	return list
}

// subprotocols returns the values of every Sec-WebSocket-Protocol header.
func subprotocols(h http.Header) []string {
	var protocols []string
	for _, v := range h.Values(headerSecWsProto) {
		protocols = append(protocols, headerList(v)...)
	}
	return protocols
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
