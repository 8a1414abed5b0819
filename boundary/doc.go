// Package boundary defines the operations that cross the enclave boundary.
//
// Dispatcher runs inside the enclave and routes each operation id to the
// lifecycle manager, attestation engine, sealing engine, key service or
// executor. Client is its host-side counterpart and works over any
// interfaces.Transport. Payloads are JSON; errors cross only as a kind and
// an optional correlation id.
package boundary
