package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// ObservedTransport logs every call and reports it to a Sink. Payload
// contents are never logged, only their sizes.
type ObservedTransport struct {
	log   *slog.Logger
	inner interfaces.Transport
	sink  interfaces.Sink
	mode  interfaces.Mode
}

func Observed(inner interfaces.Transport, sink interfaces.Sink, mode interfaces.Mode, log *slog.Logger) *ObservedTransport {
	return &ObservedTransport{
		log:   common.LoggerOrDiscard(log),
		inner: inner,
		sink:  sink,
		mode:  mode,
	}
}

func (t *ObservedTransport) Invoke(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error) {
	start := time.Now()
	out, err := t.inner.Invoke(ctx, op, payload)

	ev := interfaces.Event{
		Operation: string(op),
		Duration:  time.Since(start),
		Outcome:   interfaces.OutcomeSuccess,
		Mode:      t.mode,
		BytesIn:   len(payload),
		BytesOut:  len(out),
	}
	attrs := []any{
		slog.String("op", ev.Operation),
		slog.Duration("duration", ev.Duration),
		slog.Int("bytesIn", ev.BytesIn),
		slog.Int("bytesOut", ev.BytesOut),
	}
	if err != nil {
		ev.Outcome = interfaces.OutcomeFailure
		ev.Kind = interfaces.KindOf(err)
		t.log.Warn("Enclave call failed", append(attrs, slog.String("kind", string(ev.Kind)), "err", err)...)
	} else {
		t.log.Debug("Enclave call", attrs...)
	}
	if t.sink != nil {
		t.sink.Observe(ev)
	}
	return out, err
}

func (t *ObservedTransport) Close() error {
	return t.inner.Close()
}
