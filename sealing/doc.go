// Package sealing encrypts data so that only an enclave with the same
// measurement (or one explicitly authorized to migrate it) can read it back,
// and persists the resulting envelopes in an untrusted blob store.
package sealing
