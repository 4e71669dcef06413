package deflate

import (
	"bytes"
	"fmt"

	"github.com/gobwas/httphead"
)

// Extension is one element of a Sec-WebSocket-Extensions list.
type Extension struct {
	Name   string
	Params []Param
}

type Param struct {
	Name     string
	Value    string
	HasValue bool
}

// ParseExtensions parses a Sec-WebSocket-Extensions header value:
//
//	extension-list = 1#extension
//	extension      = token *( ";" param )
//	param          = token [ "=" ( token / quoted-string ) ]
//
// Empty list elements are skipped. Errors wrap ErrNegotiation.
func ParseExtensions(value string) ([]Extension, error) {
	data := []byte(value)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var (
		exts   []Extension
		index  = -1
		badVal []byte
	)
	ok := httphead.ScanOptions(data, func(i int, option, attribute, val []byte) httphead.Control {
		if i != index {
			index = i
			exts = append(exts, Extension{Name: string(option)})
		}
		if attribute == nil {
			return httphead.ControlContinue
		}
		// RFC 7692 requires quoted values to still be valid tokens.
		if val != nil && !isToken(val) {
			badVal = val
			return httphead.ControlBreak
		}

		ext := &exts[len(exts)-1]
		ext.Params = append(ext.Params, Param{
			Name:     string(attribute),
			Value:    string(val),
			HasValue: val != nil,
		})
		return httphead.ControlContinue
	})
	if badVal != nil {
		return nil, fmt.Errorf("%w: parameter value %q is not a token", ErrNegotiation, badVal)
	}
	if !ok {
		return nil, fmt.Errorf("%w: malformed extension header %q", ErrNegotiation, value)
	}

	return exts, nil
}

func isToken(b []byte) bool {
	n, t := httphead.ScanToken(b)
	return t == httphead.ItemToken && n == len(b)
}
