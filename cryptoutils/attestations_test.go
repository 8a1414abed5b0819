package cryptoutils

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/stretchr/testify/require"
)

func TestSimulatedAttestationRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	measurement := interfaces.Measurement(make([]byte, 32))
	measurement[0] = 0xaa
	provider := SimulatedAttestationProvider{Key: priv, Measurement: measurement}
	require.Equal(t, SimulatedAttestation, provider.AttestationType())

	var reportData [64]byte
	copy(reportData[:], "nonce")
	evidence, err := provider.Attest(reportData)
	require.NoError(t, err)

	got, err := VerifySimulatedAttestation(pub, reportData, evidence)
	require.NoError(t, err)
	require.True(t, measurement.Equal(got))

	t.Run("Different report data", func(t *testing.T) {
		var other [64]byte
		copy(other[:], "other")
		_, err := VerifySimulatedAttestation(pub, other, evidence)
		require.ErrorIs(t, err, interfaces.ErrSignatureInvalid)
	})

	t.Run("Wrong anchor", func(t *testing.T) {
		otherPub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		_, err = VerifySimulatedAttestation(otherPub, reportData, evidence)
		require.ErrorIs(t, err, interfaces.ErrSignatureInvalid)
	})

	t.Run("Edited statement", func(t *testing.T) {
		var ev SimulatedEvidence
		require.NoError(t, json.Unmarshal(evidence, &ev))
		var st SimulatedStatement
		require.NoError(t, json.Unmarshal(ev.Statement, &st))
		st.Measurement = interfaces.Measurement(make([]byte, 32))
		ev.Statement, err = json.Marshal(st)
		require.NoError(t, err)
		edited, err := json.Marshal(ev)
		require.NoError(t, err)

		_, err = VerifySimulatedAttestation(pub, reportData, edited)
		require.ErrorIs(t, err, interfaces.ErrSignatureInvalid)
	})
}

func TestHardwareVerifiersRejectGarbage(t *testing.T) {
	var reportData [64]byte
	_, err := VerifyNitroAttestation(reportData, []byte("not a cose document"))
	require.ErrorIs(t, err, interfaces.ErrSignatureInvalid)

	_, err = VerifyDCAPAttestation(reportData, []byte("not a quote"), nil)
	require.ErrorIs(t, err, interfaces.ErrSignatureInvalid)
}

func TestAttestationTypeFromString(t *testing.T) {
	for _, at := range []AttestationType{DCAPAttestation, NitroAttestation, SimulatedAttestation} {
		got, err := AttestationTypeFromString(at.StringID)
		require.NoError(t, err)
		require.Equal(t, at, got)
	}
	_, err := AttestationTypeFromString("azure-tdx")
	require.Error(t, err)
}
