package enclave

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

const simulatedAttestationInfo = "tee-sim-attest/v1"

type simulatedRuntime struct {
	cfg Config
}

func newSimulatedRuntime(cfg Config) *simulatedRuntime {
	return &simulatedRuntime{cfg: cfg}
}

func (*simulatedRuntime) Platform() string { return PlatformSimulated }

// SimulatedMeasurement computes sha256("MRENCLAVE" || image), the measurement
// of a simulated enclave.
func SimulatedMeasurement(image []byte) interfaces.Measurement {
	h := sha256.New()
	h.Write([]byte("MRENCLAVE"))
	h.Write(image)
	return interfaces.Measurement(h.Sum(nil))
}

func (r *simulatedRuntime) Measurement(ctx context.Context) (interfaces.Measurement, error) {
	if r.cfg.ImagePath == "" {
		return SimulatedMeasurement([]byte(r.cfg.EnclaveID)), nil
	}
	image, err := os.ReadFile(r.cfg.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("loading enclave image: %w", err)
	}
	return SimulatedMeasurement(image), nil
}

// SimulatedAttestationKey derives the ed25519 key a simulated enclave signs
// evidence with. Remote verifiers that share the root use the public half as
// their trust anchor.
func SimulatedAttestationKey(root []byte, measurement interfaces.Measurement) (ed25519.PrivateKey, error) {
	seed, err := cryptoutils.DeriveKey(root, measurement, []byte(simulatedAttestationInfo), ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(seed)
	return ed25519.NewKeyFromSeed(seed), nil
}

func (r *simulatedRuntime) Attester(root []byte, measurement interfaces.Measurement, arena *SecureArena) (cryptoutils.AttestationProvider, error) {
	key, err := SimulatedAttestationKey(root, measurement)
	if err != nil {
		return nil, err
	}
	locked, err := arena.FromBytes(key)
	if err != nil {
		return nil, err
	}
	return cryptoutils.SimulatedAttestationProvider{
		Key:         ed25519.PrivateKey(locked.Bytes()),
		Measurement: measurement,
	}, nil
}

func (*simulatedRuntime) Entropy() io.Reader {
	return &failClosedReader{source: "crypto/rand", r: rand.Reader}
}

func (*simulatedRuntime) Echo(ctx context.Context, nonce []byte) ([]byte, error) {
	out := make(chan []byte, 1)
	go func() {
		reply := make([]byte, len(nonce))
		copy(reply, nonce)
		out <- reply
	}()
	select {
	case reply := <-out:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (*simulatedRuntime) Close() error { return nil }
