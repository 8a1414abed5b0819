// Package api groups the HTTP surfaces of the host shell.
//
//   - enclavehandler serves POST /api/enclave/invoke/{op}, forwarding boundary
//     frames to the enclave transport unchanged
//   - clients holds the admin client for unlocking a Shamir-split root
//
// The health, drain and admin endpoints live in the httpserver package.
package api
