package enclavehandler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/ruteri/tee-enclave-boundary/transport"
)

// Handler forwards boundary frames received over HTTP to the enclave
// transport. It never looks inside payloads.
type Handler struct {
	transport  interfaces.Transport
	maxPayload int
	timeout    time.Duration
	log        *slog.Logger
}

// Option customizes a Handler.
type Option func(*Handler)

// WithCallTimeout bounds every forwarded call. Callers may still cancel
// earlier by closing the request.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// NewHandler creates a handler forwarding to t. maxPayload bounds request
// and response payloads; zero means the default.
func NewHandler(t interfaces.Transport, maxPayload int, log *slog.Logger, opts ...Option) *Handler {
	if maxPayload <= 0 {
		maxPayload = interfaces.DefaultMaxPayloadBytes
	}
	h := &Handler{
		transport:  t,
		maxPayload: maxPayload,
		log:        common.LoggerOrDiscard(log),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(transport.InvokePath+"{op}", h.HandleInvoke)
}

// HandleInvoke processes one boundary call.
//
// URL format: POST /api/enclave/invoke/{op}
// Request body: a frame envelope {"op", "payload"} as JSON.
// Response body: a frame envelope carrying the result payload, or an error
// frame with the kind and correlation id; the status code reflects the kind.
func (h *Handler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	op := interfaces.OperationID(chi.URLParam(r, "op"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(transport.MaxFrameSize(h.maxPayload))))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, op, interfaces.ErrPayloadTooLarge)
			return
		}
		h.writeError(w, op, interfaces.ErrInvalidArgument)
		return
	}

	req, err := transport.DecodeFrame(body, h.maxPayload)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	if req.Op != op || !op.IsValid() {
		h.writeError(w, op, interfaces.ErrInvalidArgument)
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	out, err := h.transport.Invoke(ctx, op, req.Payload)
	if err != nil {
		h.writeError(w, op, err)
		return
	}
	h.writeFrame(w, http.StatusOK, &transport.Frame{Op: op, Payload: out})
}

func (h *Handler) writeError(w http.ResponseWriter, op interfaces.OperationID, err error) {
	frame := transport.NewErrorFrame(err)
	status := StatusForKind(frame.Kind)
	if status >= http.StatusInternalServerError {
		h.log.Warn("Enclave call failed", slog.String("op", string(op)), slog.String("kind", string(frame.Kind)), slog.String("correlationId", frame.CorrelationID))
	}
	h.writeFrame(w, status, &transport.Frame{Op: op, Error: frame})
}

func (h *Handler) writeFrame(w http.ResponseWriter, status int, f *transport.Frame) {
	body, err := transport.EncodeFrame(f, h.maxPayload)
	if err != nil {
		f = &transport.Frame{Op: f.Op, Error: transport.NewErrorFrame(err)}
		status = StatusForKind(f.Error.Kind)
		body, _ = transport.EncodeFrame(f, h.maxPayload)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.log.Debug("Writing response failed", "err", err)
	}
}

// StatusForKind maps an error kind to the HTTP status of its error frame.
func StatusForKind(kind interfaces.ErrorKind) int {
	switch kind {
	case interfaces.KindInvalidArgument:
		return http.StatusBadRequest
	case interfaces.KindUsageNotPermitted, interfaces.KindCapabilityDenied:
		return http.StatusForbidden
	case interfaces.KindKeyNotFound:
		return http.StatusNotFound
	case interfaces.KindKeyExists, interfaces.KindAlreadyInitialized:
		return http.StatusConflict
	case interfaces.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case interfaces.KindSignatureInvalid, interfaces.KindMeasurementMismatch, interfaces.KindStale,
		interfaces.KindAttestationUnavailable, interfaces.KindIntegrityCheckFailed,
		interfaces.KindTimeExceeded, interfaces.KindMemoryExceeded:
		return http.StatusUnprocessableEntity
	case interfaces.KindEnclaveNotReady, interfaces.KindTransportUnavailable, interfaces.KindEntropySourceUnavailable:
		return http.StatusServiceUnavailable
	case interfaces.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
