// Package serviceresolver discovers host shell endpoints through DNS SRV
// records.
//
// Remote clients resolve a service name such as _enclave._tcp.example.com to
// the set of host shells fronting enclaves and try them in priority order:
//
//	r := &serviceresolver.Resolver{Server: "10.0.0.2:53"}
//	endpoints, err := r.ResolveEndpoints(ctx, "_enclave._tcp.example.com")
package serviceresolver
