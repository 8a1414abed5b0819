// Package interfaces defines the core contracts and types of the enclave
// boundary, separating interface definitions from implementations.
//
// # Data model
//
//   - Measurement: digest of the code loaded into an enclave, compared in constant time
//   - AttestationReport / VerificationOutcome: evidence produced and checked by the attestation engine
//   - SealedBlob: measurement-bound ciphertext envelope safe for untrusted storage
//   - KeyRecord / KeyUsage / KeyAlgorithm: metadata of keys managed inside the enclave
//   - ComputationRequest / ComputationResult: sandboxed script executions
//
// # Contracts
//
//   - Transport: moves serialized operations across the trust boundary
//   - BlobStore: persistent storage for sealed blobs (file, S3, Vault, IPFS, pogreb, SQLite)
//   - Sink: receives operation events for metrics and logs
//
// # Errors
//
// Every failure surfaced by the boundary belongs to a fixed taxonomy of
// ErrorKind values. Sentinel errors (ErrEnclaveNotReady, ErrIntegrityCheckFailed,
// ...) work with errors.Is, and EnclaveError carries the kind, the failing
// operation and an optional correlation id:
//
//	if errors.Is(err, interfaces.ErrIntegrityCheckFailed) {
//	    // security event, do not retry
//	}
//
// Only the kind and correlation id cross the boundary; error messages stay
// inside the enclave.
package interfaces
