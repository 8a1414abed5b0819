package boundary

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ruteri/tee-enclave-boundary/attestation"
	"github.com/ruteri/tee-enclave-boundary/executor"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// Client is the host-side view of the enclave: typed calls encoded onto a
// Transport.
type Client struct {
	Transport interfaces.Transport
}

func NewClient(t interfaces.Transport) *Client {
	return &Client{Transport: t}
}

func (c *Client) call(ctx context.Context, op interfaces.OperationID, req, resp any) error {
	var payload []byte
	if req != nil {
		var err error
		payload, err = json.Marshal(req)
		if err != nil {
			return fmt.Errorf("%w: encoding %s request: %v", interfaces.ErrInvalidArgument, op, err)
		}
	}
	out, err := c.Transport.Invoke(ctx, op, payload)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", interfaces.ErrInternalEnclaveFault, op, err)
	}
	return nil
}

func (c *Client) InitializeEnclave(ctx context.Context, req InitializeRequest) (*EnclaveInfo, error) {
	var info EnclaveInfo
	if err := c.call(ctx, interfaces.OpInitializeEnclave, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) DestroyEnclave(ctx context.Context) (*EnclaveInfo, error) {
	var info EnclaveInfo
	if err := c.call(ctx, interfaces.OpDestroyEnclave, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Probe(ctx context.Context) (*EnclaveInfo, error) {
	var info EnclaveInfo
	if err := c.call(ctx, interfaces.OpProbe, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) GenerateAttestation(ctx context.Context, reportData []byte) (*interfaces.AttestationReport, error) {
	var report interfaces.AttestationReport
	if err := c.call(ctx, interfaces.OpGenerateAttestation, GenerateAttestationRequest{ReportData: reportData}, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) VerifyAttestation(ctx context.Context, report *interfaces.AttestationReport, policy *attestation.VerificationPolicy, simulationKey []byte) (*interfaces.VerificationOutcome, error) {
	var outcome interfaces.VerificationOutcome
	req := VerifyAttestationRequest{Report: report, Policy: policy, SimulationKey: simulationKey}
	if err := c.call(ctx, interfaces.OpVerifyAttestation, req, &outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}

// Seal returns the encoded envelope. A non-empty storageKey also stores it.
func (c *Client) Seal(ctx context.Context, sealCtx string, plaintext []byte, storageKey string) ([]byte, error) {
	var resp SealResponse
	req := SealRequest{Context: sealCtx, Plaintext: plaintext, StorageKey: storageKey}
	if err := c.call(ctx, interfaces.OpSeal, req, &resp); err != nil {
		return nil, err
	}
	return resp.Blob, nil
}

func (c *Client) Unseal(ctx context.Context, blob []byte) (*UnsealResponse, error) {
	var resp UnsealResponse
	if err := c.call(ctx, interfaces.OpUnseal, UnsealRequest{Blob: blob}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) UnsealStored(ctx context.Context, storageKey string) (*UnsealResponse, error) {
	var resp UnsealResponse
	if err := c.call(ctx, interfaces.OpUnseal, UnsealRequest{StorageKey: storageKey}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GenerateKey(ctx context.Context, req GenerateKeyRequest) (*interfaces.KeyRecord, error) {
	var record interfaces.KeyRecord
	if err := c.call(ctx, interfaces.OpGenerateKey, req, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	var resp SignResponse
	if err := c.call(ctx, interfaces.OpSign, SignRequest{KeyID: keyID, Message: message}, &resp); err != nil {
		return nil, err
	}
	return resp.Signature, nil
}

func (c *Client) Verify(ctx context.Context, keyID string, message, signature []byte) (bool, error) {
	var resp VerifyResponse
	if err := c.call(ctx, interfaces.OpVerify, VerifyRequest{KeyID: keyID, Message: message, Signature: signature}, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (c *Client) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	var resp EncryptResponse
	if err := c.call(ctx, interfaces.OpEncrypt, EncryptRequest{KeyID: keyID, Plaintext: plaintext}, &resp); err != nil {
		return nil, err
	}
	return resp.Ciphertext, nil
}

func (c *Client) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	var resp DecryptResponse
	if err := c.call(ctx, interfaces.OpDecrypt, DecryptRequest{KeyID: keyID, Ciphertext: ciphertext}, &resp); err != nil {
		return nil, err
	}
	return resp.Plaintext, nil
}

// DeriveKey returns the derived material as an encoded sealed envelope.
func (c *Client) DeriveKey(ctx context.Context, req DeriveKeyRequest) ([]byte, error) {
	var resp DeriveKeyResponse
	if err := c.call(ctx, interfaces.OpDeriveKey, req, &resp); err != nil {
		return nil, err
	}
	return resp.Blob, nil
}

func (c *Client) DeleteKey(ctx context.Context, keyID string) error {
	return c.call(ctx, interfaces.OpDeleteKey, KeyRequest{KeyID: keyID}, nil)
}

func (c *Client) ListKeys(ctx context.Context) ([]interfaces.KeyRecord, error) {
	var resp ListKeysResponse
	if err := c.call(ctx, interfaces.OpListKeys, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *Client) GetKeyMetadata(ctx context.Context, keyID string) (*interfaces.KeyRecord, error) {
	var record interfaces.KeyRecord
	if err := c.call(ctx, interfaces.OpGetKeyMetadata, KeyRequest{KeyID: keyID}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) GenerateRandom(ctx context.Context, n int) ([]byte, error) {
	var resp GenerateRandomResponse
	if err := c.call(ctx, interfaces.OpGenerateRandom, GenerateRandomRequest{Length: n}, &resp); err != nil {
		return nil, err
	}
	return resp.Bytes, nil
}

// RandomInt returns a uniform integer in [low, high].
func (c *Client) RandomInt(ctx context.Context, low, high int64) (int64, error) {
	var resp GenerateRandomResponse
	if err := c.call(ctx, interfaces.OpGenerateRandom, GenerateRandomRequest{Range: true, Min: low, Max: high}, &resp); err != nil {
		return 0, err
	}
	if resp.Value == nil {
		return 0, fmt.Errorf("%w: response carries no value", interfaces.ErrInternalEnclaveFault)
	}
	return *resp.Value, nil
}

func (c *Client) ExecuteComputation(ctx context.Context, req *interfaces.ComputationRequest) (*interfaces.ComputationResult, error) {
	var res interfaces.ComputationResult
	if err := c.call(ctx, interfaces.OpExecuteComputation, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*executor.Job, error) {
	var job executor.Job
	if err := c.call(ctx, interfaces.OpGetJob, JobRequest{JobID: jobID}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) CancelJob(ctx context.Context, jobID string) (*executor.Job, error) {
	var job executor.Job
	if err := c.call(ctx, interfaces.OpCancelJob, JobRequest{JobID: jobID}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ListJobs(ctx context.Context, limit, offset int) (*ListJobsResponse, error) {
	var resp ListJobsResponse
	if err := c.call(ctx, interfaces.OpListJobs, ListJobsRequest{Limit: limit, Offset: offset}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SubmitRootShare(ctx context.Context, req SubmitRootShareRequest) (*RootShareStatus, error) {
	var status RootShareStatus
	if err := c.call(ctx, interfaces.OpSubmitRootShare, req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetUnlockReport asks a locked enclave to attest its share key over nonce.
// Check the result with VerifyUnlockReport before releasing any share.
func (c *Client) GetUnlockReport(ctx context.Context, nonce []byte) (*UnlockReport, error) {
	var report UnlockReport
	if err := c.call(ctx, interfaces.OpGetUnlockReport, UnlockReportRequest{Nonce: nonce}, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) Close() error {
	return c.Transport.Close()
}
