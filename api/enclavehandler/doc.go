// Package enclavehandler exposes the enclave boundary over HTTP on the host
// shell. Each request carries one frame for POST /api/enclave/invoke/{op},
// which is forwarded unchanged through an interfaces.Transport. The
// matching client is transport.RemoteTransport.
package enclavehandler
