package boundary

import (
	"crypto/ed25519"
	"time"

	"github.com/ruteri/tee-enclave-boundary/attestation"
	"github.com/ruteri/tee-enclave-boundary/executor"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// InitializeRequest overrides the configured enclave parameters for one
// InitializeEnclave call. Empty fields keep the configured values. The mode
// must match the configured one; EnclaveID and ImagePath may only be
// changed on simulated enclaves.
type InitializeRequest struct {
	Mode      interfaces.Mode `json:"mode,omitempty"`
	EnclaveID string          `json:"enclave_id,omitempty"`
	ImagePath string          `json:"image_path,omitempty"`
}

// EnclaveInfo describes the current enclave instance.
type EnclaveInfo struct {
	EnclaveID   string                 `json:"enclave_id,omitempty"`
	State       string                 `json:"state"`
	Mode        interfaces.Mode        `json:"mode,omitempty"`
	Platform    string                 `json:"platform,omitempty"`
	Measurement interfaces.Measurement `json:"measurement,omitempty"`
	CreatedAt   *time.Time             `json:"created_at,omitempty"`
	Insecure    bool                   `json:"insecure_root,omitempty"`
	RootShares  *RootShareStatus       `json:"root_shares,omitempty"`
}

type GenerateAttestationRequest struct {
	ReportData []byte `json:"report_data,omitempty"`
}

// VerifyAttestationRequest verifies a report inside the enclave. Simulated
// reports are checked against SimulationKey, or against the running
// enclave's own simulation key when SimulationKey is empty. A missing Policy
// falls back to the enclave's configured default policy.
type VerifyAttestationRequest struct {
	Report        *interfaces.AttestationReport   `json:"report"`
	Policy        *attestation.VerificationPolicy `json:"policy,omitempty"`
	SimulationKey []byte                          `json:"simulation_key,omitempty"`
}

// SealRequest seals Plaintext under Context. When StorageKey is set the
// envelope is also written to the blob store.
type SealRequest struct {
	Context    string `json:"context"`
	Plaintext  []byte `json:"plaintext"`
	StorageKey string `json:"storage_key,omitempty"`
}

type SealResponse struct {
	Blob       []byte `json:"blob"`
	StorageKey string `json:"storage_key,omitempty"`
}

// UnsealRequest carries either an encoded envelope or the storage key it
// was stored under.
type UnsealRequest struct {
	Blob       []byte `json:"blob,omitempty"`
	StorageKey string `json:"storage_key,omitempty"`
}

type UnsealResponse struct {
	Plaintext []byte `json:"plaintext"`
	Context   string `json:"context"`
}

type GenerateKeyRequest struct {
	KeyID       string                  `json:"key_id"`
	Algorithm   interfaces.KeyAlgorithm `json:"algorithm"`
	Usage       interfaces.KeyUsage     `json:"usage"`
	Exportable  bool                    `json:"exportable,omitempty"`
	Description string                  `json:"description,omitempty"`
}

type KeyRequest struct {
	KeyID string `json:"key_id"`
}

type SignRequest struct {
	KeyID   string `json:"key_id"`
	Message []byte `json:"message"`
}

type SignResponse struct {
	Signature []byte `json:"signature"`
}

type VerifyRequest struct {
	KeyID     string `json:"key_id"`
	Message   []byte `json:"message"`
	Signature []byte `json:"signature"`
}

type VerifyResponse struct {
	Valid bool `json:"valid"`
}

type EncryptRequest struct {
	KeyID     string `json:"key_id"`
	Plaintext []byte `json:"plaintext"`
}

type EncryptResponse struct {
	Ciphertext []byte `json:"ciphertext"`
}

type DecryptRequest struct {
	KeyID      string `json:"key_id"`
	Ciphertext []byte `json:"ciphertext"`
}

type DecryptResponse struct {
	Plaintext []byte `json:"plaintext"`
}

// DeriveKeyRequest derives Length bytes from a key and returns them sealed
// under OutputContext.
type DeriveKeyRequest struct {
	KeyID         string `json:"key_id"`
	Info          []byte `json:"info,omitempty"`
	Length        int    `json:"length"`
	OutputContext string `json:"output_context"`
}

type DeriveKeyResponse struct {
	Blob []byte `json:"blob"`
}

type ListKeysResponse struct {
	Keys []interfaces.KeyRecord `json:"keys"`
}

// GenerateRandomRequest asks for Length random bytes, or for a uniform
// integer in [Min, Max] when Range is set.
type GenerateRandomRequest struct {
	Length int   `json:"length,omitempty"`
	Range  bool  `json:"range,omitempty"`
	Min    int64 `json:"min,omitempty"`
	Max    int64 `json:"max,omitempty"`
}

type GenerateRandomResponse struct {
	Bytes []byte `json:"bytes,omitempty"`
	Value *int64 `json:"value,omitempty"`
}

type JobRequest struct {
	JobID string `json:"job_id"`
}

type ListJobsRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type ListJobsResponse struct {
	Jobs  []executor.Job `json:"jobs"`
	Total int            `json:"total"`
}

// SubmitRootShareRequest carries one administrator share of a
// Shamir-split root secret, encrypted to the share key of an UnlockReport.
// Signature is the administrator's signature over the plaintext share.
type SubmitRootShareRequest struct {
	Index          int    `json:"index"`
	EncryptedShare []byte `json:"encrypted_share"`
	Signature      []byte `json:"signature"`
	AdminPubKey    []byte `json:"admin_pubkey"`
}

// UnlockReportRequest asks a locked enclave to attest its share key.
type UnlockReportRequest struct {
	Nonce []byte `json:"nonce"`
}

// UnlockReport attests the share key of a locked enclave. The report data is
// kms.UnlockReportData(nonce, ShareKey). SimulationKey verifies simulated
// reports only and is supplied by the enclave itself.
type UnlockReport struct {
	Report        *interfaces.AttestationReport `json:"report"`
	ShareKey      []byte                        `json:"share_key"`
	SimulationKey ed25519.PublicKey             `json:"simulation_key,omitempty"`
}

type RootShareStatus struct {
	Received  int  `json:"received"`
	Threshold int  `json:"threshold"`
	Unlocked  bool `json:"unlocked"`
}

type empty struct{}
