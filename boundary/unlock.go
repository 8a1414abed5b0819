package boundary

import (
	"crypto/ecdh"
	"fmt"

	"github.com/ruteri/tee-enclave-boundary/attestation"
	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/ruteri/tee-enclave-boundary/kms"
)

const (
	MinUnlockNonceSize = 16
	MaxUnlockNonceSize = 64
)

// VerifyUnlockReport checks that r attests an enclave allowed by policy and
// that its share key answers nonce. It returns the key shares are to be
// encrypted to. Simulated reports are verified with the key the enclave
// supplied and are only as trustworthy as the host relaying them, so they
// pass only when policy.AcceptSimulation is set.
func VerifyUnlockReport(r *UnlockReport, nonce []byte, policy attestation.VerificationPolicy) (*ecdh.PublicKey, *interfaces.VerificationOutcome, error) {
	if r == nil || r.Report == nil || len(r.ShareKey) == 0 {
		return nil, nil, fmt.Errorf("%w: incomplete unlock report", interfaces.ErrInvalidArgument)
	}
	policy.ExpectedReportData = kms.UnlockReportData(nonce, r.ShareKey)

	outcome, err := attestation.Verify(r.Report, policy, attestation.TrustAnchor{SimulationKey: r.SimulationKey})
	if err != nil {
		return nil, nil, err
	}
	key, err := ecdh.P256().NewPublicKey(r.ShareKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: share key: %v", interfaces.ErrSignatureInvalid, err)
	}
	return key, &outcome, nil
}

// EncryptShare encrypts share to a share key returned by VerifyUnlockReport.
func EncryptShare(key *ecdh.PublicKey, share []byte) ([]byte, error) {
	return cryptoutils.EncryptP256(key, share)
}
