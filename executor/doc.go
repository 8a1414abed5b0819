// Package executor runs caller-supplied JavaScript inside the enclave under
// time and memory limits and a capability policy, optionally signing the
// result with a managed key. Every execution is recorded in a bounded job
// registry that supports status queries and cancellation.
package executor
