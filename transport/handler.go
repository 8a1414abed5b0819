package transport

import (
	"context"

	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// Handler serves operations on the enclave side of the boundary. Returned
// errors must already be sanitized: only their kind and correlation id cross.
type Handler interface {
	Handle(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error) {
	return f(ctx, op, payload)
}

func payloadLimit(max int) int {
	if max <= 0 {
		return interfaces.DefaultMaxPayloadBytes
	}
	return max
}
