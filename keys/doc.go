// Package keys is the enclave's key service. Keys are generated from the
// enclave's entropy source, persisted only as sealed records, and used
// through operations that are checked against each key's usage flags.
package keys
