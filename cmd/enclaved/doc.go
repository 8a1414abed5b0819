// Package main (cmd/enclaved) runs the enclave side of the boundary. It
// builds the enclave components from a configuration file and serves framed
// boundary requests on a vsock port, or a TCP address during development.
//
// With a Shamir root source the enclave starts locked and initializes once
// the host relays enough administrator shares.
package main
