// Package attestation generates attestation reports inside the enclave and
// verifies them anywhere.
//
// A report carries platform evidence (a Nitro attestation document, a TDX
// quote, or an ed25519 statement from a simulated enclave) over a binding of
// the caller's report data and the issue time. Verify needs no enclave and
// is the entry point for remote verifiers.
package attestation
