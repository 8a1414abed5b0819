// Package cryptoutils provides the cryptographic building blocks shared by
// the enclave components.
//
// # Attestation
//
// AttestationProvider implementations produce platform evidence over a
// 64-byte report binding:
//
//   - DCAPAttestationProvider: TDX quotes via configfs-tsm or /dev/tdx_guest
//   - RemoteAttestationProvider: TDX quotes from a co-located quote service
//   - NitroAttestationProvider: NSM attestation documents
//   - SimulatedAttestationProvider: ed25519-signed statements, always marked simulated
//
// VerifyDCAPAttestation, VerifyNitroAttestation and VerifySimulatedAttestation
// check the evidence signature and that it covers the expected binding, and
// return the attested measurement. Failures wrap interfaces.ErrSignatureInvalid.
//
// # Encryption
//
// EncryptP256 / DecryptP256 implement ECIES over P-256:
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// The shared secret is SHA-256 of the ECDH output and the payload is sealed
// with AES-256-GCM.
//
// # Helpers
//
// PublicKeyPEM / PrivateKeyPEM wrap PEM-encoded admin keys (ECDSA P-256 or
// ed25519). Wipe zeroes buffers holding secrets and ConstantTimeEqual compares
// MACs and key material.
package cryptoutils
