package kms

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ruteri/tee-enclave-boundary/common"
	"golang.org/x/crypto/argon2"
)

const placeholderLabel = "tee-enclave-boundary/placeholder-root/v1"

// PlaceholderRoot derives a fixed, publicly known root. Anything sealed under
// it is readable by anyone running the same measurement; it exists so the
// simulated enclave works with zero setup.
type PlaceholderRoot struct {
	log  *slog.Logger
	once sync.Once
	root []byte
}

func NewPlaceholderRoot(log *slog.Logger) *PlaceholderRoot {
	return &PlaceholderRoot{log: common.LoggerOrDiscard(log)}
}

func (*PlaceholderRoot) Name() string   { return SourcePlaceholder }
func (*PlaceholderRoot) Insecure() bool { return true }

func (p *PlaceholderRoot) Root(ctx context.Context) ([]byte, error) {
	p.once.Do(func() {
		// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
		p.root = argon2.IDKey([]byte(placeholderLabel), []byte("INSECURE-PLACEHOLDER-SALT"), 1, 64*1024, 4, RootSecretSize)
	})
	p.log.Warn("Using the insecure placeholder root secret, sealed data is not confidential")
	out := make([]byte, len(p.root))
	copy(out, p.root)
	return out, nil
}
