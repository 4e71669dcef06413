package frame

import (
	"fmt"
	"io"
)

// Mask XORs every byte of b with the masking key, in place.
// Applying it twice with the same key restores the input.
func Mask(b []byte, key [4]byte) {
	MaskOffset(b, key, 0)
}

// MaskOffset masks b as if it started offset bytes into the payload.
func MaskOffset(b []byte, key [4]byte, offset int) {
	for i := range b {
		b[i] ^= key[(i+offset)%4]
	}
}

// NewMaskKey reads a fresh masking key from src.
func NewMaskKey(src io.Reader) ([4]byte, error) {
	var key [4]byte
	if _, err := io.ReadFull(src, key[:]); err != nil {
		return key, fmt.Errorf("failed to read masking key: [%w]", err)
	}
	return key, nil
}
