package enclave

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// Evidence is platform evidence produced without a running instance.
type Evidence struct {
	Type        string
	Measurement interfaces.Measurement
	Evidence    []byte
	// SimulationKey verifies simulated evidence; nil on hardware.
	SimulationKey ed25519.PublicKey
}

// AttestBootstrap attests the platform before the root secret is available,
// so administrators can check what they are about to unlock. It runs a
// short-lived runtime for cfg. Hardware evidence is the same as for a running
// instance; simulated evidence is signed with a throwaway key and proves
// nothing beyond being marked simulated.
func (m *Manager) AttestBootstrap(ctx context.Context, cfg Config, binding [64]byte) (*Evidence, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runtime, err := m.factory(ctx, cfg, m.log)
	if err != nil {
		return nil, fmt.Errorf("%w: starting %s runtime: %v", interfaces.ErrAttestationUnavailable, cfg.platform(), err)
	}
	defer runtime.Close()

	measurement, err := runtime.Measurement(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: measuring enclave: %v", interfaces.ErrAttestationUnavailable, err)
	}

	arena := NewSecureArena()
	defer arena.WipeAll()

	var (
		attester cryptoutils.AttestationProvider
		simKey   ed25519.PublicKey
	)
	if runtime.Platform() == PlatformSimulated {
		pub, priv, err := ed25519.GenerateKey(runtime.Entropy())
		if err != nil {
			return nil, err
		}
		locked, err := arena.FromBytes(priv)
		if err != nil {
			return nil, err
		}
		attester = cryptoutils.SimulatedAttestationProvider{Key: ed25519.PrivateKey(locked.Bytes()), Measurement: measurement}
		simKey = pub
	} else {
		attester, err = runtime.Attester(nil, measurement, arena)
		if err != nil {
			return nil, fmt.Errorf("%w: preparing attestation: %v", interfaces.ErrAttestationUnavailable, err)
		}
	}

	evidence, err := attester.Attest(binding)
	if err != nil {
		m.log.Error("Bootstrap attestation failed", slog.String("platform", runtime.Platform()), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAttestationUnavailable, err)
	}
	return &Evidence{
		Type:          attester.AttestationType().StringID,
		Measurement:   measurement,
		Evidence:      evidence,
		SimulationKey: simKey,
	}, nil
}
