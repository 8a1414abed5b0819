package interfaces

import (
	"context"
	"time"
)

// OperationID names an operation exposed across the trust boundary.
type OperationID string

const (
	OpInitializeEnclave   OperationID = "InitializeEnclave"
	OpDestroyEnclave      OperationID = "DestroyEnclave"
	OpProbe               OperationID = "Probe"
	OpGenerateAttestation OperationID = "GenerateAttestation"
	OpVerifyAttestation   OperationID = "VerifyAttestation"
	OpSeal                OperationID = "Seal"
	OpUnseal              OperationID = "Unseal"
	OpGenerateKey         OperationID = "GenerateKey"
	OpSign                OperationID = "Sign"
	OpVerify              OperationID = "Verify"
	OpEncrypt             OperationID = "Encrypt"
	OpDecrypt             OperationID = "Decrypt"
	OpDeriveKey           OperationID = "DeriveKey"
	OpDeleteKey           OperationID = "DeleteKey"
	OpListKeys            OperationID = "ListKeys"
	OpGetKeyMetadata      OperationID = "GetKeyMetadata"
	OpGenerateRandom      OperationID = "GenerateRandom"
	OpExecuteComputation  OperationID = "ExecuteComputation"
	OpGetJob              OperationID = "GetJob"
	OpCancelJob           OperationID = "CancelJob"
	OpListJobs            OperationID = "ListJobs"
	OpSubmitRootShare     OperationID = "SubmitRootShare"
	OpGetUnlockReport     OperationID = "GetUnlockReport"
)

// AllOperations lists every operation id the boundary accepts.
var AllOperations = []OperationID{
	OpInitializeEnclave, OpDestroyEnclave, OpProbe,
	OpGenerateAttestation, OpVerifyAttestation,
	OpSeal, OpUnseal,
	OpGenerateKey, OpSign, OpVerify, OpEncrypt, OpDecrypt, OpDeriveKey, OpDeleteKey, OpListKeys, OpGetKeyMetadata, OpGenerateRandom,
	OpExecuteComputation, OpGetJob, OpCancelJob, OpListJobs,
	OpSubmitRootShare, OpGetUnlockReport,
}

// IsValid reports whether op is a known operation id.
func (op OperationID) IsValid() bool {
	for _, known := range AllOperations {
		if op == known {
			return true
		}
	}
	return false
}

// DefaultMaxPayloadBytes is the default bound on a single request or response.
const DefaultMaxPayloadBytes = 4 << 20

// Transport carries serialized requests across the trust boundary.
// Implementations only move bytes; they never interpret payloads.
type Transport interface {
	Invoke(ctx context.Context, op OperationID, payload []byte) ([]byte, error)
	Close() error
}

// Outcome of an observed operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is a single observation reported to a Sink.
type Event struct {
	Operation string
	Duration  time.Duration
	Outcome   Outcome
	// Kind is set on failure.
	Kind     ErrorKind
	Mode     Mode
	BytesIn  int
	BytesOut int
}

// Sink receives operation events. Implementations must be safe for
// concurrent use and must not block.
type Sink interface {
	Observe(Event)
}
