package cryptoutils

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anjuna-security/go-nitro-attestation/verifier"
	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

var (
	DCAPAttestation = AttestationType{
		StringID: "qemu-tdx",
	}

	NitroAttestation = AttestationType{
		StringID: "aws-nitro",
	}

	SimulatedAttestation = AttestationType{
		StringID: "simulated",
	}
)

type AttestationType struct {
	StringID string
}

func AttestationTypeFromString(str string) (AttestationType, error) {
	switch str {
	case DCAPAttestation.StringID:
		return DCAPAttestation, nil
	case NitroAttestation.StringID:
		return NitroAttestation, nil
	case SimulatedAttestation.StringID:
		return SimulatedAttestation, nil
	default:
		return AttestationType{}, errors.ErrUnsupported
	}
}

type AttestationProvider interface {
	AttestationType() AttestationType
	Attest(reportData [64]byte) ([]byte, error)
}

// RemoteAttestationProvider fetches DCAP quotes from a quote service running
// next to the workload (development TDX hosts without configfs-tsm access).
type RemoteAttestationProvider struct {
	Address string
	Client  *http.Client
}

func (*RemoteAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	extraDataHex := hex.EncodeToString(reportData[:])

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	url := fmt.Sprintf("%s/attest/%s", p.Address, extraDataHex)
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// NitroAttestationProvider requests attestation documents from the Nitro
// Secure Module. The session is owned by the enclave runtime.
type NitroAttestationProvider struct {
	Session *nsm.Session
}

func (NitroAttestationProvider) AttestationType() AttestationType { return NitroAttestation }

func (p NitroAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	if p.Session == nil {
		return nil, errors.New("nsm session not open")
	}
	res, err := p.Session.Send(&request.Attestation{UserData: reportData[:]})
	if err != nil {
		return nil, fmt.Errorf("nsm attestation request: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("nsm attestation request: %s", res.Error)
	}
	if res.Attestation == nil || res.Attestation.Document == nil {
		return nil, errors.New("nsm returned no attestation document")
	}
	return res.Attestation.Document, nil
}

// SimulatedStatement is the payload signed by a simulated enclave. It carries
// the same claims as hardware evidence and is always marked simulated.
type SimulatedStatement struct {
	Type        string                 `json:"type"`
	Measurement interfaces.Measurement `json:"measurement"`
	Binding     []byte                 `json:"binding"`
	Simulated   bool                   `json:"simulated"`
}

// SimulatedEvidence is the evidence format of SimulatedAttestationProvider.
type SimulatedEvidence struct {
	Statement json.RawMessage `json:"statement"`
	Signature []byte          `json:"signature"`
}

// SimulatedAttestationProvider signs statements with a key derived from the
// simulated enclave's root secret. It proves nothing about hardware.
type SimulatedAttestationProvider struct {
	Key         ed25519.PrivateKey
	Measurement interfaces.Measurement
}

func (SimulatedAttestationProvider) AttestationType() AttestationType { return SimulatedAttestation }

func (p SimulatedAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	if len(p.Key) != ed25519.PrivateKeySize {
		return nil, errors.New("simulated attestation key not set")
	}
	statement, err := json.Marshal(SimulatedStatement{
		Type:        SimulatedAttestation.StringID,
		Measurement: p.Measurement,
		Binding:     reportData[:],
		Simulated:   true,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(SimulatedEvidence{
		Statement: statement,
		Signature: ed25519.Sign(p.Key, statement),
	})
}

// VerifySimulatedAttestation checks evidence produced by
// SimulatedAttestationProvider against the simulation public key and returns
// the attested measurement.
func VerifySimulatedAttestation(pub ed25519.PublicKey, reportData [64]byte, evidence []byte) (interfaces.Measurement, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: no simulation trust anchor", interfaces.ErrSignatureInvalid)
	}
	var ev SimulatedEvidence
	if err := json.Unmarshal(evidence, &ev); err != nil {
		return nil, fmt.Errorf("%w: could not parse simulated evidence: %v", interfaces.ErrSignatureInvalid, err)
	}
	if !ed25519.Verify(pub, ev.Statement, ev.Signature) {
		return nil, fmt.Errorf("%w: simulated evidence signature", interfaces.ErrSignatureInvalid)
	}
	var st SimulatedStatement
	if err := json.Unmarshal(ev.Statement, &st); err != nil {
		return nil, fmt.Errorf("%w: could not parse simulated statement: %v", interfaces.ErrSignatureInvalid, err)
	}
	if !st.Simulated || st.Type != SimulatedAttestation.StringID {
		return nil, fmt.Errorf("%w: statement is not marked simulated", interfaces.ErrSignatureInvalid)
	}
	if !ConstantTimeEqual(st.Binding, reportData[:]) {
		return nil, fmt.Errorf("%w: evidence does not cover the report data", interfaces.ErrSignatureInvalid)
	}
	return st.Measurement, nil
}

// VerifyNitroAttestation validates a Nitro attestation document against the
// AWS Nitro root (embedded in the verifier) and returns PCR0.
func VerifyNitroAttestation(reportData [64]byte, doc []byte) (interfaces.Measurement, error) {
	sr, err := verifier.NewSignedAttestationReport(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: could not parse nitro attestation document: %v", interfaces.ErrSignatureInvalid, err)
	}

	if err := verifier.Validate(sr, nil); err != nil {
		return nil, fmt.Errorf("%w: nitro attestation validation failed: %v", interfaces.ErrSignatureInvalid, err)
	}

	if !ConstantTimeEqual(sr.Document.UserData, reportData[:]) {
		return nil, fmt.Errorf("%w: evidence does not cover the report data", interfaces.ErrSignatureInvalid)
	}

	pcr0 := sr.Document.PCRs[0]
	if pcr0 == nil {
		return nil, fmt.Errorf("%w: PCR0 not found in attestation document", interfaces.ErrSignatureInvalid)
	}

	return interfaces.Measurement(pcr0), nil
}

// VerifyDCAPAttestation validates a TDX quote (v4) and returns MRTD. When
// roots is nil the Intel SGX root embedded in go-tdx-guest is used.
func VerifyDCAPAttestation(reportData [64]byte, report []byte, roots *x509.CertPool) (interfaces.Measurement, error) {
	protoQuote, err := tdx_abi.QuoteToProto(report)
	if err != nil {
		return nil, fmt.Errorf("%w: could not parse quote: %v", interfaces.ErrSignatureInvalid, err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported quote type: %T", interfaces.ErrSignatureInvalid, protoQuote)
	}

	options := verify.DefaultOptions()
	if roots != nil {
		options.TrustedRoots = roots
	}
	if err := verify.TdxQuote(protoQuote, options); err != nil {
		return nil, fmt.Errorf("%w: quote verification failed: %v", interfaces.ErrSignatureInvalid, err)
	}

	if !ConstantTimeEqual(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("%w: evidence does not cover the report data", interfaces.ErrSignatureInvalid)
	}

	return interfaces.Measurement(v4Quote.TdQuoteBody.MrTd), nil
}

// QuoteMeasurement extracts MRTD from a quote without verifying it. Used by
// the TDX runtime to learn its own measurement from a self-quote.
func QuoteMeasurement(report []byte) (interfaces.Measurement, error) {
	protoQuote, err := tdx_abi.QuoteToProto(report)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}
	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}
	return interfaces.Measurement(v4Quote.TdQuoteBody.MrTd), nil
}
