package attestation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// MaxEncodedReportSize bounds a serialized report. TDX quotes with embedded
// certificate chains are the largest evidence, around 10 KiB.
const MaxEncodedReportSize = 256 << 10

// EncodeReport serializes a report for transport to a remote verifier.
func EncodeReport(report *interfaces.AttestationReport) ([]byte, error) {
	return json.Marshal(report)
}

// DecodeReport parses a serialized report. Unknown fields are rejected.
func DecodeReport(data []byte) (*interfaces.AttestationReport, error) {
	if len(data) > MaxEncodedReportSize {
		return nil, fmt.Errorf("%w: encoded report is %d bytes", interfaces.ErrPayloadTooLarge, len(data))
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var report interfaces.AttestationReport
	if err := dec.Decode(&report); err != nil {
		return nil, fmt.Errorf("%w: malformed attestation report: %v", interfaces.ErrInvalidArgument, err)
	}
	return &report, nil
}
