package interfaces

import (
	"errors"
	"fmt"
)

// ErrorKind names an error category that survives the trust boundary.
// Only the kind (and an optional correlation id) crosses from the enclave to
// the host; messages and wrapped causes stay inside.
type ErrorKind string

const (
	KindEnclaveNotReady      ErrorKind = "EnclaveNotReady"
	KindAlreadyInitialized   ErrorKind = "AlreadyInitialized"
	KindInitializationFailed ErrorKind = "InitializationFailed"

	KindAttestationUnavailable ErrorKind = "AttestationUnavailable"
	KindSignatureInvalid       ErrorKind = "SignatureInvalid"
	KindMeasurementMismatch    ErrorKind = "MeasurementMismatch"
	KindStale                  ErrorKind = "Stale"

	KindIntegrityCheckFailed ErrorKind = "IntegrityCheckFailed"

	KindTimeExceeded             ErrorKind = "TimeExceeded"
	KindMemoryExceeded           ErrorKind = "MemoryExceeded"
	KindCapabilityDenied         ErrorKind = "CapabilityDenied"
	KindPayloadTooLarge          ErrorKind = "PayloadTooLarge"
	KindEntropySourceUnavailable ErrorKind = "EntropySourceUnavailable"

	KindUsageNotPermitted ErrorKind = "UsageNotPermitted"
	KindKeyNotFound       ErrorKind = "KeyNotFound"
	KindKeyExists         ErrorKind = "KeyExists"
	KindInvalidArgument   ErrorKind = "InvalidArgument"

	KindTransportUnavailable ErrorKind = "TransportUnavailable"
	KindTimeout              ErrorKind = "Timeout"

	KindInternalEnclaveFault ErrorKind = "InternalEnclaveFault"
)

var (
	// ErrEnclaveNotReady is returned for any operation attempted on an enclave
	// that is not in the Ready state.
	ErrEnclaveNotReady = errors.New("enclave not ready")
	// ErrAlreadyInitialized is returned when Initialize is called on a Ready enclave.
	ErrAlreadyInitialized = errors.New("enclave already initialized")
	// ErrInitializationFailed is fatal: retrying with the same configuration
	// requires investigation first.
	ErrInitializationFailed = errors.New("enclave initialization failed")

	ErrAttestationUnavailable = errors.New("attestation unavailable")
	ErrSignatureInvalid       = errors.New("attestation signature invalid")
	ErrMeasurementMismatch    = errors.New("measurement mismatch")
	ErrStale                  = errors.New("attestation stale")

	// ErrIntegrityCheckFailed is a security event. It must not be retried blindly.
	ErrIntegrityCheckFailed = errors.New("integrity check failed")

	ErrTimeExceeded             = errors.New("time limit exceeded")
	ErrMemoryExceeded           = errors.New("memory limit exceeded")
	ErrCapabilityDenied         = errors.New("capability denied")
	ErrPayloadTooLarge          = errors.New("payload too large")
	ErrEntropySourceUnavailable = errors.New("entropy source unavailable")

	ErrUsageNotPermitted = errors.New("key usage not permitted")
	ErrKeyNotFound       = errors.New("key not found")
	ErrKeyExists         = errors.New("key already exists")
	ErrInvalidArgument   = errors.New("invalid argument")

	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrTimeout              = errors.New("timeout")

	ErrInternalEnclaveFault = errors.New("internal enclave fault")
)

var kindSentinels = map[ErrorKind]error{
	KindEnclaveNotReady:          ErrEnclaveNotReady,
	KindAlreadyInitialized:       ErrAlreadyInitialized,
	KindInitializationFailed:     ErrInitializationFailed,
	KindAttestationUnavailable:   ErrAttestationUnavailable,
	KindSignatureInvalid:         ErrSignatureInvalid,
	KindMeasurementMismatch:      ErrMeasurementMismatch,
	KindStale:                    ErrStale,
	KindIntegrityCheckFailed:     ErrIntegrityCheckFailed,
	KindTimeExceeded:             ErrTimeExceeded,
	KindMemoryExceeded:           ErrMemoryExceeded,
	KindCapabilityDenied:         ErrCapabilityDenied,
	KindPayloadTooLarge:          ErrPayloadTooLarge,
	KindEntropySourceUnavailable: ErrEntropySourceUnavailable,
	KindUsageNotPermitted:        ErrUsageNotPermitted,
	KindKeyNotFound:              ErrKeyNotFound,
	KindKeyExists:                ErrKeyExists,
	KindInvalidArgument:          ErrInvalidArgument,
	KindTransportUnavailable:     ErrTransportUnavailable,
	KindTimeout:                  ErrTimeout,
	KindInternalEnclaveFault:     ErrInternalEnclaveFault,
}

// kindOrder fixes the lookup order for KindOf so that an error wrapping
// several sentinels resolves deterministically. Transport kinds go last:
// a timeout wrapping a more specific cause reports the cause.
var kindOrder = []ErrorKind{
	KindInternalEnclaveFault,
	KindIntegrityCheckFailed,
	KindEnclaveNotReady,
	KindAlreadyInitialized,
	KindInitializationFailed,
	KindAttestationUnavailable,
	KindSignatureInvalid,
	KindMeasurementMismatch,
	KindStale,
	KindTimeExceeded,
	KindMemoryExceeded,
	KindCapabilityDenied,
	KindPayloadTooLarge,
	KindEntropySourceUnavailable,
	KindUsageNotPermitted,
	KindKeyNotFound,
	KindKeyExists,
	KindInvalidArgument,
	KindTransportUnavailable,
	KindTimeout,
}

// Category groups kinds the way callers decide between retry, abort and alert.
func (k ErrorKind) Category() string {
	switch k {
	case KindEnclaveNotReady, KindAlreadyInitialized, KindInitializationFailed:
		return "lifecycle"
	case KindAttestationUnavailable, KindSignatureInvalid, KindMeasurementMismatch, KindStale:
		return "trust"
	case KindIntegrityCheckFailed:
		return "integrity"
	case KindTimeExceeded, KindMemoryExceeded, KindCapabilityDenied, KindPayloadTooLarge, KindEntropySourceUnavailable:
		return "resource"
	case KindUsageNotPermitted, KindKeyNotFound, KindKeyExists, KindInvalidArgument:
		return "usage"
	case KindTransportUnavailable, KindTimeout:
		return "transport"
	default:
		return "internal"
	}
}

// Sentinel returns the sentinel error for a kind, or ErrInternalEnclaveFault
// for unknown kinds.
func (k ErrorKind) Sentinel() error {
	if err, ok := kindSentinels[k]; ok {
		return err
	}
	return ErrInternalEnclaveFault
}

// IsValid reports whether k is part of the taxonomy.
func (k ErrorKind) IsValid() bool {
	_, ok := kindSentinels[k]
	return ok
}

// EnclaveError is the structured error returned across the boundary.
// errors.Is matches both the kind's sentinel and the wrapped cause.
type EnclaveError struct {
	Kind          ErrorKind
	Op            string
	CorrelationID string
	Err           error
}

// NewEnclaveError wraps err with a kind and the failing operation.
func NewEnclaveError(kind ErrorKind, op string, err error) *EnclaveError {
	return &EnclaveError{Kind: kind, Op: op, Err: err}
}

// ErrorFromKind rehydrates an error received from the other side of the
// boundary. The message is deliberately generic.
func ErrorFromKind(kind ErrorKind, op, correlationID string) error {
	return &EnclaveError{Kind: kind, Op: op, CorrelationID: correlationID}
}

func (e *EnclaveError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.CorrelationID != "" {
		msg += fmt.Sprintf(" (correlation id %s)", e.CorrelationID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EnclaveError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.Sentinel()}
	}
	return []error{e.Kind.Sentinel(), e.Err}
}

// KindOf classifies any error into the taxonomy. Errors that match no
// sentinel are internal faults.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ee *EnclaveError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	for _, kind := range kindOrder {
		if errors.Is(err, kindSentinels[kind]) {
			return kind
		}
	}
	return KindInternalEnclaveFault
}

// CorrelationIDOf returns the correlation id carried by err, if any.
func CorrelationIDOf(err error) string {
	var ee *EnclaveError
	if errors.As(err, &ee) {
		return ee.CorrelationID
	}
	return ""
}

// IsKnown reports whether err belongs to the taxonomy (including explicit
// internal faults).
func IsKnown(err error) bool {
	var ee *EnclaveError
	if errors.As(err, &ee) {
		return true
	}
	for _, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// IsRetryable is true only for transport errors, which may reflect transient
// contention for an enclave slot.
func IsRetryable(err error) bool {
	return KindOf(err).Category() == "transport"
}
