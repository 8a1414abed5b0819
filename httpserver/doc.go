// Package httpserver is the host shell: the HTTP server running outside the
// enclave. It serves the boundary invoke endpoint, health and drain
// endpoints, the admin API for unlocking a Shamir-split root secret, and
// prometheus metrics on a separate listener.
//
// The shell holds no secrets. Everything it forwards is authenticated again
// inside the enclave.
package httpserver
