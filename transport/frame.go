package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// frameOverhead covers the JSON envelope around a base64 payload.
const frameOverhead = 4096

// ErrorFrame is the only part of a failure that crosses the boundary.
type ErrorFrame struct {
	Kind          interfaces.ErrorKind `json:"kind"`
	Message       string               `json:"message,omitempty"`
	CorrelationID string               `json:"correlation_id,omitempty"`
}

// Frame is one request or response on the wire: a 4-byte big-endian length
// followed by this envelope as JSON.
type Frame struct {
	Op      interfaces.OperationID `json:"op"`
	Payload []byte                 `json:"payload,omitempty"`
	Error   *ErrorFrame            `json:"error,omitempty"`
}

// MaxFrameSize is the largest encoded frame carrying maxPayload bytes.
func MaxFrameSize(maxPayload int) int {
	return (maxPayload+2)/3*4 + frameOverhead
}

// NewErrorFrame reduces err to its kind and correlation id. The message is
// the generic text of the kind, never the wrapped cause.
func NewErrorFrame(err error) *ErrorFrame {
	kind := interfaces.KindOf(err)
	f := &ErrorFrame{Kind: kind, Message: kind.Sentinel().Error()}
	var ee *interfaces.EnclaveError
	if errors.As(err, &ee) {
		f.CorrelationID = ee.CorrelationID
	}
	return f
}

// Err rehydrates the typed error carried by f, or returns nil.
func (f *Frame) Err() error {
	if f.Error == nil {
		return nil
	}
	kind := f.Error.Kind
	if !kind.IsValid() {
		kind = interfaces.KindInternalEnclaveFault
	}
	return interfaces.ErrorFromKind(kind, string(f.Op), f.Error.CorrelationID)
}

// WriteFrame encodes f to w. Payloads above maxPayload are refused before
// anything is written.
func WriteFrame(w io.Writer, f *Frame, maxPayload int) error {
	body, err := EncodeFrame(f, maxPayload)
	if err != nil {
		return err
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: writing frame: %v", interfaces.ErrTransportUnavailable, err)
	}
	return nil
}

// ReadFrame decodes one frame from r, refusing frames whose declared length
// or decoded payload exceeds the limit.
func ReadFrame(r io.Reader, maxPayload int) (*Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("%w: reading frame length: %w", interfaces.ErrTransportUnavailable, err)
	}
	n := int(binary.BigEndian.Uint32(prefix[:]))
	if n > MaxFrameSize(maxPayload) {
		return nil, fmt.Errorf("%w: frame is %d bytes", interfaces.ErrPayloadTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: reading frame body: %w", interfaces.ErrTransportUnavailable, err)
	}
	return DecodeFrame(body, maxPayload)
}

// DecodeFrame parses an envelope without its length prefix.
func DecodeFrame(body []byte, maxPayload int) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", interfaces.ErrInvalidArgument, err)
	}
	if len(f.Payload) > maxPayload {
		return nil, fmt.Errorf("%w: payload is %d bytes, at most %d allowed", interfaces.ErrPayloadTooLarge, len(f.Payload), maxPayload)
	}
	return &f, nil
}

// EncodeFrame marshals an envelope without its length prefix.
func EncodeFrame(f *Frame, maxPayload int) ([]byte, error) {
	if len(f.Payload) > maxPayload {
		return nil, fmt.Errorf("%w: payload is %d bytes, at most %d allowed", interfaces.ErrPayloadTooLarge, len(f.Payload), maxPayload)
	}
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding frame: %v", interfaces.ErrInvalidArgument, err)
	}
	return body, nil
}
