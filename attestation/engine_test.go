package attestation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/tee-enclave-boundary/enclave"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/ruteri/tee-enclave-boundary/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newSimulatedEnclave(t *testing.T, id string) (*enclave.Manager, *enclave.Handle) {
	t.Helper()
	m := enclave.NewManager(kms.NewPlaceholderRoot(testLogger), testLogger)
	h, err := m.Initialize(context.Background(), interfaces.ModeSimulated, enclave.Config{EnclaveID: id})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Destroy(context.Background(), h) })
	return m, h
}

func acceptingPolicy(h *enclave.Handle) VerificationPolicy {
	return VerificationPolicy{
		ExpectedMeasurements: []interfaces.Measurement{h.Measurement()},
		AcceptSimulation:     true,
		MaxAge:               time.Minute,
	}
}

func TestGenerateAndVerifySimulatedReport(t *testing.T) {
	_, h := newSimulatedEnclave(t, "attest")
	engine := NewEngine(testLogger)

	report, err := engine.GenerateReport(context.Background(), h, []byte("nonce-123"))
	require.NoError(t, err)
	assert.Equal(t, "simulated", report.Type)
	assert.True(t, report.Simulated)
	assert.Equal(t, h.Measurement(), report.Measurement)
	assert.Equal(t, []byte("nonce-123"), report.ReportData)

	outcome, err := engine.VerifyReport(report, acceptingPolicy(h), engine.SelfAnchor(h))
	require.NoError(t, err)
	assert.True(t, outcome.Verified)
	assert.True(t, outcome.Simulated)
	assert.Equal(t, h.Measurement(), outcome.Measurement)

	// A remote verifier only needs the serialized report and the anchor.
	encoded, err := EncodeReport(report)
	require.NoError(t, err)
	decoded, err := DecodeReport(encoded)
	require.NoError(t, err)
	_, err = Verify(decoded, acceptingPolicy(h), TrustAnchor{SimulationKey: h.SimulationPublicKey()})
	require.NoError(t, err)
}

func TestSimulationGuard(t *testing.T) {
	_, h := newSimulatedEnclave(t, "guard")
	engine := NewEngine(testLogger)
	report, err := engine.GenerateReport(context.Background(), h, nil)
	require.NoError(t, err)

	policy := acceptingPolicy(h)
	policy.AcceptSimulation = false
	_, err = engine.VerifyReport(report, policy, engine.SelfAnchor(h))
	require.ErrorIs(t, err, interfaces.ErrAttestationUnavailable)

	// Clearing the flag does not hide the evidence type.
	report.Simulated = false
	_, err = engine.VerifyReport(report, policy, engine.SelfAnchor(h))
	require.ErrorIs(t, err, interfaces.ErrAttestationUnavailable)
}

func TestReportBindingSwap(t *testing.T) {
	_, h := newSimulatedEnclave(t, "swap")
	engine := NewEngine(testLogger)

	r1, err := engine.GenerateReport(context.Background(), h, []byte("context-1"))
	require.NoError(t, err)
	r2, err := engine.GenerateReport(context.Background(), h, []byte("context-2"))
	require.NoError(t, err)
	anchor := engine.SelfAnchor(h)
	policy := acceptingPolicy(h)

	swapped := *r1
	swapped.ReportData = r2.ReportData
	_, err = engine.VerifyReport(&swapped, policy, anchor)
	require.ErrorIs(t, err, interfaces.ErrSignatureInvalid)

	swapped = *r1
	swapped.IssuedAt = r1.IssuedAt.Add(time.Second)
	_, err = engine.VerifyReport(&swapped, policy, anchor)
	require.ErrorIs(t, err, interfaces.ErrSignatureInvalid)

	swapped = *r1
	swapped.Evidence = r2.Evidence
	_, err = engine.VerifyReport(&swapped, policy, anchor)
	require.ErrorIs(t, err, interfaces.ErrSignatureInvalid)
}

func TestVerifyReportFailures(t *testing.T) {
	_, h := newSimulatedEnclave(t, "verify")
	_, other := newSimulatedEnclave(t, "other")
	engine := NewEngine(testLogger)

	report, err := engine.GenerateReport(context.Background(), h, []byte("ctx"))
	require.NoError(t, err)
	anchor := engine.SelfAnchor(h)

	tests := []struct {
		name   string
		mutate func(r *interfaces.AttestationReport, p *VerificationPolicy, a *TrustAnchor)
		want   error
	}{
		{
			name: "tampered evidence",
			mutate: func(r *interfaces.AttestationReport, _ *VerificationPolicy, _ *TrustAnchor) {
				r.Evidence = append([]byte{}, r.Evidence...)
				r.Evidence[len(r.Evidence)/2] ^= 0x01
			},
			want: interfaces.ErrSignatureInvalid,
		},
		{
			name: "wrong anchor",
			mutate: func(_ *interfaces.AttestationReport, _ *VerificationPolicy, a *TrustAnchor) {
				a.SimulationKey = other.SimulationPublicKey()
			},
			want: interfaces.ErrSignatureInvalid,
		},
		{
			name: "missing anchor",
			mutate: func(_ *interfaces.AttestationReport, _ *VerificationPolicy, a *TrustAnchor) {
				a.SimulationKey = nil
			},
			want: interfaces.ErrSignatureInvalid,
		},
		{
			name: "claimed measurement differs from evidence",
			mutate: func(r *interfaces.AttestationReport, p *VerificationPolicy, _ *TrustAnchor) {
				r.Measurement = other.Measurement()
				p.ExpectedMeasurements = []interfaces.Measurement{other.Measurement()}
			},
			want: interfaces.ErrSignatureInvalid,
		},
		{
			name: "measurement not allowed",
			mutate: func(_ *interfaces.AttestationReport, p *VerificationPolicy, _ *TrustAnchor) {
				p.ExpectedMeasurements = []interfaces.Measurement{other.Measurement()}
			},
			want: interfaces.ErrMeasurementMismatch,
		},
		{
			name: "empty allow-list",
			mutate: func(_ *interfaces.AttestationReport, p *VerificationPolicy, _ *TrustAnchor) {
				p.ExpectedMeasurements = nil
			},
			want: interfaces.ErrMeasurementMismatch,
		},
		{
			name: "unexpected report data",
			mutate: func(_ *interfaces.AttestationReport, p *VerificationPolicy, _ *TrustAnchor) {
				p.ExpectedReportData = []byte("other ctx")
			},
			want: interfaces.ErrStale,
		},
		{
			name: "unknown type",
			mutate: func(r *interfaces.AttestationReport, _ *VerificationPolicy, _ *TrustAnchor) {
				r.Type = "sev-snp"
				r.Simulated = false
			},
			want: interfaces.ErrAttestationUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := *report
			p := acceptingPolicy(h)
			a := anchor
			tt.mutate(&r, &p, &a)
			_, err := engine.VerifyReport(&r, p, a)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFreshness(t *testing.T) {
	_, h := newSimulatedEnclave(t, "fresh")
	engine := NewEngine(testLogger)
	issued := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	engine.now = func() time.Time { return issued }

	report, err := engine.GenerateReport(context.Background(), h, []byte("ctx"))
	require.NoError(t, err)
	require.Equal(t, issued, report.IssuedAt)

	policy := acceptingPolicy(h)
	policy.MaxAge = 10 * time.Second
	anchor := engine.SelfAnchor(h)

	engine.now = func() time.Time { return issued.Add(9 * time.Second) }
	_, err = engine.VerifyReport(report, policy, anchor)
	require.NoError(t, err)

	engine.now = func() time.Time { return issued.Add(11 * time.Second) }
	_, err = engine.VerifyReport(report, policy, anchor)
	require.ErrorIs(t, err, interfaces.ErrStale)

	engine.now = func() time.Time { return issued.Add(-2 * time.Minute) }
	_, err = engine.VerifyReport(report, policy, anchor)
	require.ErrorIs(t, err, interfaces.ErrStale)

	// Without MaxAge age is not checked.
	policy.MaxAge = 0
	engine.now = func() time.Time { return issued.Add(24 * time.Hour) }
	_, err = engine.VerifyReport(report, policy, anchor)
	require.NoError(t, err)
}

func TestBootstrapReportVerifies(t *testing.T) {
	m := enclave.NewManager(kms.NewPlaceholderRoot(testLogger), testLogger)
	engine := NewEngine(testLogger)
	cfg := enclave.Config{Mode: interfaces.ModeSimulated, EnclaveID: "bootstrap"}

	report, anchor, err := engine.GenerateBootstrapReport(context.Background(), m, cfg, []byte("share-key-digest"))
	require.NoError(t, err)
	assert.True(t, report.Simulated)
	assert.Equal(t, enclave.SimulatedMeasurement([]byte("bootstrap")), report.Measurement)

	policy := VerificationPolicy{
		ExpectedMeasurements: []interfaces.Measurement{report.Measurement},
		ExpectedReportData:   []byte("share-key-digest"),
		AcceptSimulation:     true,
		MaxAge:               time.Minute,
	}
	_, err = Verify(report, policy, anchor)
	require.NoError(t, err)

	// Each bootstrap report is signed with its own throwaway key.
	_, other, err := engine.GenerateBootstrapReport(context.Background(), m, cfg, []byte("share-key-digest"))
	require.NoError(t, err)
	_, err = Verify(report, policy, other)
	require.ErrorIs(t, err, interfaces.ErrSignatureInvalid)

	_, _, err = engine.GenerateBootstrapReport(context.Background(), m, cfg, make([]byte, interfaces.MaxReportDataSize+1))
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestGenerateReportValidation(t *testing.T) {
	m, h := newSimulatedEnclave(t, "validation")
	engine := NewEngine(testLogger)

	_, err := engine.GenerateReport(context.Background(), h, make([]byte, interfaces.MaxReportDataSize+1))
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	_, err = engine.GenerateReport(context.Background(), h, make([]byte, interfaces.MaxReportDataSize))
	require.NoError(t, err)

	require.NoError(t, m.Destroy(context.Background(), h))
	_, err = engine.GenerateReport(context.Background(), h, nil)
	require.ErrorIs(t, err, interfaces.ErrEnclaveNotReady)
}

func TestDecodeReportRejectsGarbage(t *testing.T) {
	_, err := DecodeReport([]byte(`{"type":"simulated","unexpected":1}`))
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	_, err = DecodeReport(make([]byte, MaxEncodedReportSize+1))
	require.ErrorIs(t, err, interfaces.ErrPayloadTooLarge)
}
