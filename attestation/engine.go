package attestation

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/enclave"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// MaxFutureSkew is how far in the future a report's issue time may be.
const MaxFutureSkew = time.Minute

// VerificationPolicy states what a verifier requires of a report.
type VerificationPolicy struct {
	// ExpectedMeasurements is the allow-list of acceptable measurements. An
	// empty list accepts nothing.
	ExpectedMeasurements []interfaces.Measurement `json:"expected_measurements"`
	// AcceptSimulation admits reports from simulated enclaves.
	AcceptSimulation bool `json:"accept_simulation"`
	// MaxAge bounds now - IssuedAt when positive.
	MaxAge time.Duration `json:"max_age,omitempty"`
	// ExpectedReportData, when set, must equal the report data.
	ExpectedReportData []byte `json:"expected_report_data,omitempty"`
}

// TrustAnchor holds the roots evidence is verified against. Nitro documents
// are always checked against the AWS root embedded in the verifier.
type TrustAnchor struct {
	// SimulationKey verifies simulated evidence.
	SimulationKey ed25519.PublicKey
	// TDXRoots overrides the Intel SGX root certificate pool.
	TDXRoots *x509.CertPool
}

// Engine produces and checks attestation reports.
type Engine struct {
	log *slog.Logger
	now func() time.Time
}

func NewEngine(log *slog.Logger) *Engine {
	return &Engine{log: common.LoggerOrDiscard(log), now: time.Now}
}

// GenerateReport asks the enclave platform for evidence over reportData. The
// platform attests interfaces.ReportBinding(reportData, issuedAt), so the
// evidence covers both the caller's context and the issue time.
func (e *Engine) GenerateReport(ctx context.Context, h *enclave.Handle, reportData []byte) (*interfaces.AttestationReport, error) {
	if len(reportData) > interfaces.MaxReportDataSize {
		return nil, fmt.Errorf("%w: report data is %d bytes, at most %d allowed", interfaces.ErrInvalidArgument, len(reportData), interfaces.MaxReportDataSize)
	}
	if err := h.Acquire(); err != nil {
		return nil, err
	}
	defer h.Release()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTimeout, err)
	}

	issuedAt := e.now().UTC()
	data := make([]byte, len(reportData))
	copy(data, reportData)

	typeID, evidence, err := h.Attest(interfaces.ReportBinding(data, issuedAt))
	if err != nil {
		h.Log().Error("Attestation failed", slog.String("platform", h.Platform()), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAttestationUnavailable, err)
	}

	return &interfaces.AttestationReport{
		Type:        typeID,
		Measurement: h.Measurement(),
		ReportData:  data,
		Evidence:    evidence,
		IssuedAt:    issuedAt,
		Simulated:   typeID == cryptoutils.SimulatedAttestation.StringID,
	}, nil
}

// GenerateBootstrapReport attests the enclave configured by cfg before it is
// initialized, binding reportData as GenerateReport does. The returned anchor
// verifies simulated evidence.
func (e *Engine) GenerateBootstrapReport(ctx context.Context, m *enclave.Manager, cfg enclave.Config, reportData []byte) (*interfaces.AttestationReport, TrustAnchor, error) {
	if len(reportData) > interfaces.MaxReportDataSize {
		return nil, TrustAnchor{}, fmt.Errorf("%w: report data is %d bytes, at most %d allowed", interfaces.ErrInvalidArgument, len(reportData), interfaces.MaxReportDataSize)
	}

	issuedAt := e.now().UTC()
	data := make([]byte, len(reportData))
	copy(data, reportData)

	ev, err := m.AttestBootstrap(ctx, cfg, interfaces.ReportBinding(data, issuedAt))
	if err != nil {
		return nil, TrustAnchor{}, err
	}
	return &interfaces.AttestationReport{
		Type:        ev.Type,
		Measurement: ev.Measurement,
		ReportData:  data,
		Evidence:    ev.Evidence,
		IssuedAt:    issuedAt,
		Simulated:   ev.Type == cryptoutils.SimulatedAttestation.StringID,
	}, TrustAnchor{SimulationKey: ev.SimulationKey}, nil
}

// SelfAnchor returns the trust anchor for reports generated by h. Hardware
// enclaves need no anchor beyond the embedded vendor roots.
func (e *Engine) SelfAnchor(h *enclave.Handle) TrustAnchor {
	return TrustAnchor{SimulationKey: h.SimulationPublicKey()}
}

// VerifyReport checks report against policy and anchor at the engine's clock.
func (e *Engine) VerifyReport(report *interfaces.AttestationReport, policy VerificationPolicy, anchor TrustAnchor) (interfaces.VerificationOutcome, error) {
	outcome, err := verifyAt(report, policy, anchor, e.now())
	if err != nil {
		e.log.Warn("Attestation verification failed", slog.String("kind", string(interfaces.KindOf(err))), "err", err)
	}
	return outcome, err
}

// Verify checks report against policy and anchor. It needs no enclave and is
// what remote verifiers call.
//
// Checks run in order: simulation guard, evidence signature, measurement,
// freshness. The first failing check decides the error.
func Verify(report *interfaces.AttestationReport, policy VerificationPolicy, anchor TrustAnchor) (interfaces.VerificationOutcome, error) {
	return verifyAt(report, policy, anchor, time.Now())
}

func verifyAt(report *interfaces.AttestationReport, policy VerificationPolicy, anchor TrustAnchor, now time.Time) (interfaces.VerificationOutcome, error) {
	if report == nil {
		return interfaces.VerificationOutcome{}, fmt.Errorf("%w: no report", interfaces.ErrInvalidArgument)
	}
	if len(report.ReportData) > interfaces.MaxReportDataSize {
		return interfaces.VerificationOutcome{}, fmt.Errorf("%w: report data too long", interfaces.ErrSignatureInvalid)
	}

	attType, err := cryptoutils.AttestationTypeFromString(report.Type)
	if err != nil {
		return interfaces.VerificationOutcome{}, fmt.Errorf("%w: unknown attestation type %q", interfaces.ErrAttestationUnavailable, report.Type)
	}
	simulated := report.Simulated || attType == cryptoutils.SimulatedAttestation
	if simulated && !policy.AcceptSimulation {
		return interfaces.VerificationOutcome{}, fmt.Errorf("%w: report comes from a simulated enclave", interfaces.ErrAttestationUnavailable)
	}

	binding := report.Binding()
	var attested interfaces.Measurement
	switch attType {
	case cryptoutils.SimulatedAttestation:
		attested, err = cryptoutils.VerifySimulatedAttestation(anchor.SimulationKey, binding, report.Evidence)
	case cryptoutils.NitroAttestation:
		attested, err = cryptoutils.VerifyNitroAttestation(binding, report.Evidence)
	case cryptoutils.DCAPAttestation:
		attested, err = cryptoutils.VerifyDCAPAttestation(binding, report.Evidence, anchor.TDXRoots)
	}
	if err != nil {
		return interfaces.VerificationOutcome{}, err
	}
	if !attested.Equal(report.Measurement) {
		return interfaces.VerificationOutcome{}, fmt.Errorf("%w: evidence attests a different measurement than the report claims", interfaces.ErrSignatureInvalid)
	}

	if !attested.In(policy.ExpectedMeasurements) {
		return interfaces.VerificationOutcome{}, fmt.Errorf("%w: measurement %s is not allowed", interfaces.ErrMeasurementMismatch, attested)
	}

	if policy.ExpectedReportData != nil && !cryptoutils.ConstantTimeEqual(policy.ExpectedReportData, report.ReportData) {
		return interfaces.VerificationOutcome{}, fmt.Errorf("%w: report data does not match the expected context", interfaces.ErrStale)
	}
	if policy.MaxAge > 0 {
		age := now.Sub(report.IssuedAt)
		if age > policy.MaxAge {
			return interfaces.VerificationOutcome{}, fmt.Errorf("%w: report is %s old, at most %s allowed", interfaces.ErrStale, age.Round(time.Millisecond), policy.MaxAge)
		}
		if age < -MaxFutureSkew {
			return interfaces.VerificationOutcome{}, fmt.Errorf("%w: report is issued %s in the future", interfaces.ErrStale, (-age).Round(time.Millisecond))
		}
	}

	return interfaces.VerificationOutcome{
		Verified:    true,
		Type:        attType.StringID,
		Measurement: attested,
		Simulated:   simulated,
		IssuedAt:    report.IssuedAt,
	}, nil
}
