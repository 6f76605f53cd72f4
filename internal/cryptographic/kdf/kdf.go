package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer with HKDF-SHA256 output keyed by secret and domain
// separated by info.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// Derive returns size bytes of HKDF-SHA256 output for secret under info,
// using a fixed salt so the result is deterministic.
func Derive(secret []byte, salt, info string, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := HKDF(secret, []byte(salt), []byte(info), out); err != nil {
		return nil, err
	}
	return out, nil
}
