package interfaces

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Mode selects the enclave implementation at startup.
type Mode string

const (
	ModeHardware  Mode = "hardware"
	ModeSimulated Mode = "simulated"
)

// ParseMode accepts the configuration spellings of a mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hardware", "hw":
		return ModeHardware, nil
	case "simulated", "simulation", "sim":
		return ModeSimulated, nil
	default:
		return "", fmt.Errorf("%w: unknown enclave mode %q", ErrInvalidArgument, s)
	}
}

// EnclaveState is the lifecycle state of an enclave instance.
type EnclaveState int32

const (
	StateUninitialized EnclaveState = iota
	StateInitializing
	StateReady
	StateDestroyed
)

func (s EnclaveState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializing:
		return "Initializing"
	case StateReady:
		return "Ready"
	case StateDestroyed:
		return "Destroyed"
	default:
		return fmt.Sprintf("EnclaveState(%d)", int32(s))
	}
}

// Measurement is the digest of the code and data loaded into an enclave.
// Its length depends on the platform (32 bytes simulated, 48 bytes for
// Nitro PCR0 and TDX MRTD).
type Measurement []byte

// NewMeasurementFromHex parses a hex measurement, with or without 0x prefix.
func NewMeasurementFromHex(s string) (Measurement, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid measurement hex: %v", ErrInvalidArgument, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty measurement", ErrInvalidArgument)
	}
	return Measurement(raw), nil
}

// String returns hex representation.
func (m Measurement) String() string {
	return hex.EncodeToString(m)
}

// Equal compares two measurements in constant time.
func (m Measurement) Equal(other Measurement) bool {
	if len(m) != len(other) || len(m) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(m, other) == 1
}

// In reports whether m is one of candidates.
func (m Measurement) In(candidates []Measurement) bool {
	found := false
	for _, c := range candidates {
		// No early exit, the scan time is independent of the match position.
		if m.Equal(c) {
			found = true
		}
	}
	return found
}

func (m Measurement) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Measurement) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*m = nil
		return nil
	}
	parsed, err := NewMeasurementFromHex(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// KeyAlgorithm names the algorithms the key service can generate.
type KeyAlgorithm string

const (
	AlgorithmAES256GCM KeyAlgorithm = "AES-256-GCM"
	AlgorithmSecp256k1 KeyAlgorithm = "secp256k1"
	AlgorithmEd25519   KeyAlgorithm = "ed25519"
	AlgorithmP256      KeyAlgorithm = "P-256"
)

// AllKeyAlgorithms lists every supported algorithm.
var AllKeyAlgorithms = []KeyAlgorithm{AlgorithmAES256GCM, AlgorithmSecp256k1, AlgorithmEd25519, AlgorithmP256}

// ParseKeyAlgorithm accepts case-insensitive algorithm names.
func ParseKeyAlgorithm(s string) (KeyAlgorithm, error) {
	for _, alg := range AllKeyAlgorithms {
		if strings.EqualFold(string(alg), s) {
			return alg, nil
		}
	}
	switch strings.ToLower(s) {
	case "aes", "aes-gcm", "aes256gcm":
		return AlgorithmAES256GCM, nil
	case "p256", "secp256r1", "ecdsa-p256":
		return AlgorithmP256, nil
	}
	return "", fmt.Errorf("%w: unsupported key algorithm %q", ErrInvalidArgument, s)
}

// IsAsymmetric reports whether the algorithm has a public half.
func (a KeyAlgorithm) IsAsymmetric() bool {
	return a != AlgorithmAES256GCM
}

// KeyUsage is a set of flags enforced on every key operation.
type KeyUsage uint8

const (
	UsageSign KeyUsage = 1 << iota
	UsageEncrypt
	UsageDecrypt
	UsageDerive
)

var usageNames = []struct {
	flag KeyUsage
	name string
}{
	{UsageSign, "sign"},
	{UsageEncrypt, "encrypt"},
	{UsageDecrypt, "decrypt"},
	{UsageDerive, "derive"},
}

// Has reports whether all flags in f are set.
func (u KeyUsage) Has(f KeyUsage) bool {
	return f != 0 && u&f == f
}

func (u KeyUsage) String() string {
	var parts []string
	for _, n := range usageNames {
		if u&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseKeyUsage parses "sign|encrypt" or "sign,encrypt".
func ParseKeyUsage(s string) (KeyUsage, error) {
	var u KeyUsage
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' || r == ' ' }) {
		matched := false
		for _, n := range usageNames {
			if strings.EqualFold(part, n.name) {
				u |= n.flag
				matched = true
			}
		}
		if !matched {
			return 0, fmt.Errorf("%w: unknown key usage %q", ErrInvalidArgument, part)
		}
	}
	return u, nil
}

func (u KeyUsage) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *KeyUsage) UnmarshalText(text []byte) error {
	parsed, err := ParseKeyUsage(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// KeyRecord is the metadata of a managed key. Secret material never appears here.
type KeyRecord struct {
	KeyID       string       `json:"key_id"`
	Algorithm   KeyAlgorithm `json:"algorithm"`
	Usage       KeyUsage     `json:"usage"`
	Exportable  bool         `json:"exportable"`
	CreatedAt   time.Time    `json:"created_at"`
	Description string       `json:"description,omitempty"`
	PublicKey   []byte       `json:"public_key,omitempty"`
}

// AttestationReport is produced per request and never persisted by the boundary.
type AttestationReport struct {
	// Type identifies the evidence format and its issuer chain
	// ("aws-nitro", "qemu-tdx", "simulated").
	Type        string      `json:"type"`
	Measurement Measurement `json:"measurement"`
	ReportData  []byte      `json:"report_data"`
	Evidence    []byte      `json:"evidence"`
	IssuedAt    time.Time   `json:"issued_at"`
	Simulated   bool        `json:"simulated"`
}

// MaxReportDataSize bounds the caller-supplied report data.
const MaxReportDataSize = 64

// ReportBinding computes the value attested by the platform: the caller's
// report data together with the issue time, so neither can be swapped.
func ReportBinding(reportData []byte, issuedAt time.Time) [64]byte {
	h := sha512.New()
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(issuedAt.UnixNano()))
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(reportData)))
	h.Write([]byte("tee-report-binding/v1"))
	h.Write(l[:])
	h.Write(reportData)
	h.Write(ts[:])
	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Binding returns ReportBinding for this report.
func (r *AttestationReport) Binding() [64]byte {
	return ReportBinding(r.ReportData, r.IssuedAt)
}

// VerificationOutcome is the result of a successful verification.
type VerificationOutcome struct {
	Verified    bool        `json:"verified"`
	Type        string      `json:"type"`
	Measurement Measurement `json:"measurement"`
	Simulated   bool        `json:"simulated"`
	IssuedAt    time.Time   `json:"issued_at"`
}

// Capability is a host facility a script may be granted.
type Capability string

const (
	CapabilityFS          Capability = "fs"
	CapabilityNet         Capability = "net"
	CapabilityProcess     Capability = "process"
	CapabilityCrypto      Capability = "crypto"
	CapabilityRandom      Capability = "random"
	CapabilityLog         Capability = "log"
	CapabilityDynamicCode Capability = "dynamic-code"
)

// ParseCapability validates a capability name.
func ParseCapability(s string) (Capability, error) {
	switch c := Capability(strings.ToLower(strings.TrimSpace(s))); c {
	case CapabilityFS, CapabilityNet, CapabilityProcess, CapabilityCrypto, CapabilityRandom, CapabilityLog, CapabilityDynamicCode:
		return c, nil
	default:
		return "", fmt.Errorf("%w: unknown capability %q", ErrInvalidArgument, s)
	}
}

// ComputationLimits bounds a single execution. Zero values take configured defaults.
type ComputationLimits struct {
	MaxExecutionTimeMs int64  `json:"max_execution_time_ms,omitempty"`
	MaxMemoryBytes     uint64 `json:"max_memory_bytes,omitempty"`
}

// MaxExecutionTime returns the time limit as a duration.
func (l ComputationLimits) MaxExecutionTime() time.Duration {
	return time.Duration(l.MaxExecutionTimeMs) * time.Millisecond
}

// ComputationRequest carries caller-supplied script logic.
type ComputationRequest struct {
	Script       string            `json:"script"`
	Args         json.RawMessage   `json:"args,omitempty"`
	Limits       ComputationLimits `json:"limits"`
	Capabilities []Capability      `json:"capabilities,omitempty"`
	// SigningKeyID, when set, makes the executor sign the result with that key.
	SigningKeyID string `json:"signing_key_id,omitempty"`
	// OutputSchema is an optional JSON schema the output must satisfy.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// CanonicalCapabilities returns the sorted, deduplicated capability list.
func (r *ComputationRequest) CanonicalCapabilities() []Capability {
	seen := map[Capability]struct{}{}
	out := make([]Capability, 0, len(r.Capabilities))
	for _, c := range r.Capabilities {
		c = Capability(strings.ToLower(strings.TrimSpace(string(c))))
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ComputationFailure is a structured failure reason.
type ComputationFailure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

// ResourceUsage reports what an execution actually consumed.
type ResourceUsage struct {
	WallTimeMs  int64  `json:"wall_time_ms"`
	MemoryBytes uint64 `json:"memory_bytes"`
}

// ComputationResult holds either an output or a failure, never both.
type ComputationResult struct {
	JobID            string              `json:"job_id"`
	Output           json.RawMessage     `json:"output,omitempty"`
	Failure          *ComputationFailure `json:"failure,omitempty"`
	Usage            ResourceUsage       `json:"usage"`
	RequestHash      []byte              `json:"request_hash"`
	Signature        []byte              `json:"signature,omitempty"`
	SignerKeyID      string              `json:"signer_key_id,omitempty"`
	SecurityFindings []string            `json:"security_findings,omitempty"`
}

// Err returns the failure as a taxonomy error, or nil on success.
func (r *ComputationResult) Err() error {
	if r == nil || r.Failure == nil {
		return nil
	}
	return &EnclaveError{Kind: r.Failure.Kind, Op: "ExecuteComputation", Err: fmt.Errorf("%s", r.Failure.Message)}
}
