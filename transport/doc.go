// Package transport moves serialized requests between the host and the
// enclave. Implementations only carry bytes: the simulated transport calls
// an in-process handler, the stream transport speaks length-prefixed frames
// over vsock, and the remote transport posts the same frames to a host
// shell over HTTP. Wrappers add bounded concurrency (SlotPool) and logging
// with metrics (Observed).
package transport
