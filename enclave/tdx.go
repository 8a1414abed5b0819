package enclave

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

const defaultRNGDevice = "/dev/hwrng"

// tdxRuntime runs inside a TDX trust domain. The measurement is MRTD, read
// from a quote over an all-zero report.
type tdxRuntime struct {
	log      *slog.Logger
	provider cryptoutils.AttestationProvider

	rngPath string
	rngOnce sync.Once
	rng     *os.File
	rngErr  error
}

func newTDXRuntime(cfg Config, log *slog.Logger) (*tdxRuntime, error) {
	var provider cryptoutils.AttestationProvider = cryptoutils.DCAPAttestationProvider{}
	if cfg.QuoteProviderURL != "" {
		provider = &cryptoutils.RemoteAttestationProvider{Address: cfg.QuoteProviderURL}
	}
	rngPath := cfg.RNGDevice
	if rngPath == "" {
		rngPath = defaultRNGDevice
	}
	return &tdxRuntime{log: common.LoggerOrDiscard(log), provider: provider, rngPath: rngPath}, nil
}

func (*tdxRuntime) Platform() string { return PlatformTDX }

func (r *tdxRuntime) Measurement(ctx context.Context) (interfaces.Measurement, error) {
	var zero [64]byte
	quote, err := r.provider.Attest(zero)
	if err != nil {
		return nil, fmt.Errorf("self quote: %w", err)
	}
	return cryptoutils.QuoteMeasurement(quote)
}

func (r *tdxRuntime) Attester([]byte, interfaces.Measurement, *SecureArena) (cryptoutils.AttestationProvider, error) {
	return r.provider, nil
}

// Entropy reads the hardware RNG device, opened on first use.
func (r *tdxRuntime) Entropy() io.Reader {
	r.rngOnce.Do(func() {
		r.rng, r.rngErr = os.Open(r.rngPath)
		if r.rngErr != nil {
			r.log.Error("Hardware RNG unavailable", slog.String("device", r.rngPath), "err", r.rngErr)
		}
	})
	if r.rngErr != nil {
		return &failClosedReader{source: r.rngPath}
	}
	return &failClosedReader{source: r.rngPath, r: r.rng}
}

func (r *tdxRuntime) Echo(ctx context.Context, nonce []byte) ([]byte, error) {
	// The trust domain is this process; the only platform dependency that can
	// hang is the quote provider, which Measurement already exercised.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := make([]byte, len(nonce))
	copy(reply, nonce)
	return reply, nil
}

func (r *tdxRuntime) Close() error {
	if r.rng != nil {
		return r.rng.Close()
	}
	return nil
}
