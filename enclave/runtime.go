package enclave

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// Runtime is one platform implementation of an enclave.
type Runtime interface {
	Platform() string
	// Measurement loads and measures the enclave image.
	Measurement(ctx context.Context) (interfaces.Measurement, error)
	// Attester returns the evidence provider. Simulated runtimes derive their
	// signing key from root; hardware runtimes ignore it.
	Attester(root []byte, measurement interfaces.Measurement, arena *SecureArena) (cryptoutils.AttestationProvider, error)
	// Entropy is the randomness source for key material.
	Entropy() io.Reader
	// Echo returns nonce after a round trip through the platform.
	Echo(ctx context.Context, nonce []byte) ([]byte, error)
	Close() error
}

// RuntimeFactory creates the runtime for a configuration.
type RuntimeFactory func(ctx context.Context, cfg Config, log *slog.Logger) (Runtime, error)

// DefaultRuntimeFactory selects the runtime by mode and platform.
func DefaultRuntimeFactory(ctx context.Context, cfg Config, log *slog.Logger) (Runtime, error) {
	switch cfg.platform() {
	case PlatformSimulated:
		return newSimulatedRuntime(cfg), nil
	case PlatformNitro:
		return newNitroRuntime(log)
	case PlatformTDX:
		return newTDXRuntime(cfg, log)
	default:
		return nil, fmt.Errorf("%w: unknown platform %q", interfaces.ErrInvalidArgument, cfg.Platform)
	}
}

// failClosedReader reports any read failure or short read of the wrapped
// source as ErrEntropySourceUnavailable, so callers never fall back to a
// weaker source.
type failClosedReader struct {
	source string
	r      io.Reader
}

func (f *failClosedReader) Read(p []byte) (int, error) {
	if f.r == nil {
		return 0, fmt.Errorf("%w: %s not available", interfaces.ErrEntropySourceUnavailable, f.source)
	}
	n, err := io.ReadFull(f.r, p)
	if err != nil {
		return n, fmt.Errorf("%w: %s: %v", interfaces.ErrEntropySourceUnavailable, f.source, err)
	}
	return n, nil
}
