package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"go.uber.org/atomic"
)

// SimulatedTransport calls an in-process Handler. Requests and responses
// still go through the frame codec, so errors reach the caller exactly as
// they would over vsock: as kinds with an optional correlation id.
type SimulatedTransport struct {
	log        *slog.Logger
	handler    Handler
	maxPayload int
	closed     atomic.Bool
}

func NewSimulatedTransport(handler Handler, maxPayload int, log *slog.Logger) *SimulatedTransport {
	return &SimulatedTransport{
		log:        common.LoggerOrDiscard(log),
		handler:    handler,
		maxPayload: payloadLimit(maxPayload),
	}
}

func (t *SimulatedTransport) Invoke(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("%w: transport closed", interfaces.ErrTransportUnavailable)
	}
	if !op.IsValid() {
		return nil, fmt.Errorf("%w: unknown operation %q", interfaces.ErrInvalidArgument, op)
	}

	var wire bytes.Buffer
	if err := WriteFrame(&wire, &Frame{Op: op, Payload: payload}, t.maxPayload); err != nil {
		return nil, err
	}
	req, err := ReadFrame(&wire, t.maxPayload)
	if err != nil {
		return nil, err
	}

	type reply struct {
		frame *Frame
		err   error
	}
	done := make(chan reply, 1)
	go func() {
		resp := &Frame{Op: req.Op}
		out, err := t.handler.Handle(ctx, req.Op, req.Payload)
		if err != nil {
			resp.Error = NewErrorFrame(err)
		} else {
			resp.Payload = out
		}
		var wire bytes.Buffer
		if err := WriteFrame(&wire, resp, t.maxPayload); err != nil {
			done <- reply{err: err}
			return
		}
		f, err := ReadFrame(&wire, t.maxPayload)
		done <- reply{frame: f, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if err := r.frame.Err(); err != nil {
			return nil, err
		}
		return r.frame.Payload, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrTimeout, op, ctx.Err())
	}
}

func (t *SimulatedTransport) Close() error {
	t.closed.Store(true)
	return nil
}
