// Package instanceutils holds helpers used by clients and host shells to
// find each other.
//
// # Subpackages
//
// - serviceresolver: discovers host shell endpoints from DNS SRV records
package instanceutils
