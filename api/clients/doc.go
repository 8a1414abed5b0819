// Package clients contains HTTP clients for host shell APIs that are not
// boundary operations. Boundary operations go through boundary.Client over a
// transport.RemoteTransport.
package clients
