package cryptoutils

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands secret into n bytes with HKDF-SHA256.
func DeriveKey(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// DeriveKeyInto fills dst, which is usually a locked buffer.
func DeriveKeyInto(dst, secret, salt, info []byte) error {
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), dst); err != nil {
		return fmt.Errorf("hkdf: %w", err)
	}
	return nil
}
