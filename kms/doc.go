// Package kms provides the sources of the enclave root secret.
//
// The root secret is the input keying material for every key the enclave
// derives: sealing keys (bound to the measurement and a context) and the
// simulated attestation key. Three sources exist:
//
//   - PlaceholderRoot: a fixed, publicly derivable root for zero-setup
//     simulation. Refused when the enclave runs on hardware.
//   - FileRoot: 32 random bytes generated on first use and kept in a 0600
//     file. Survives restarts, but anyone reading the file derives every
//     sealing key, so it is insecure and refused on hardware.
//   - ShamirRoot: the root is split among administrators with Shamir Secret
//     Sharing and reconstructed in memory once a threshold of signed shares
//     arrives. Root blocks until then.
//
// Bootstrap a Shamir deployment with Split, hand one share to each
// administrator, and discard the root. While locked, a ShamirRoot holds an
// ephemeral P-256 share key. Administrators fetch an attestation report whose
// report data is UnlockReportData(nonce, share key), verify it, sign their
// share with SignShare, encrypt it to the share key and submit it through
// the SubmitRootShare operation.
package kms
