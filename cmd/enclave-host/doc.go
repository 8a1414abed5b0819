// Package main (cmd/enclave-host) is the untrusted host shell. It connects to
// the enclave over the configured transport, bounds concurrent calls with a
// slot pool, and exposes the boundary over HTTP together with health,
// readiness, metrics and the Shamir admin API.
//
// Example usage:
//
//	enclave-host --config=enclave.yaml --listen-addr=:8080 --metrics-addr=:8090 \
//	  --admin-keys-file=admins.json
package main
