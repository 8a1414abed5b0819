// Package enclave manages the lifecycle of a single enclave instance.
//
// A Manager initializes a runtime for the configured platform (simulated,
// AWS Nitro or Intel TDX), measures it, obtains the root secret from a
// kms.RootSource and hands out a Handle. Components borrow the handle with
// Acquire / Release; Destroy waits for borrowed operations to finish and
// then wipes every buffer the instance allocated from its SecureArena.
package enclave
