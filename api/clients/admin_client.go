package clients

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/tee-enclave-boundary/attestation"
	"github.com/ruteri/tee-enclave-boundary/boundary"
	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/httpserver"
	"github.com/ruteri/tee-enclave-boundary/kms"
)

// AdminClient talks to the root share admin API of a host shell.
// Requests are signed with the administrator's private key.
type AdminClient struct {
	baseURL    string
	adminID    string
	privateKey cryptoutils.PrivateKeyPEM
	httpClient *http.Client
}

// NewAdminClient creates a client for the host shell at baseURL (for example
// "http://127.0.0.1:8080"). The timeout defaults to 30 seconds.
func NewAdminClient(baseURL, adminID string, privateKey cryptoutils.PrivateKeyPEM, timeout ...time.Duration) *AdminClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &AdminClient{
		baseURL:    strings.TrimSuffix(baseURL, "/") + httpserver.AdminPath,
		adminID:    adminID,
		privateKey: privateKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// AdminStatus is the response of the status endpoint.
type AdminStatus struct {
	State      string                    `json:"state"`
	EnclaveID  string                    `json:"enclave_id,omitempty"`
	Mode       string                    `json:"mode,omitempty"`
	Insecure   bool                      `json:"insecure,omitempty"`
	RootShares *boundary.RootShareStatus `json:"root_shares,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

// GetStatus reports whether the enclave is locked or serving.
func (c *AdminClient) GetStatus(ctx context.Context) (*AdminStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}

	var status AdminStatus
	if err := c.do(req, &status); err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return &status, nil
}

// FetchShareKey requests an unlock report over a fresh nonce and verifies it
// against policy. The returned key belongs to an enclave policy accepts.
func (c *AdminClient) FetchShareKey(ctx context.Context, policy attestation.VerificationPolicy) (*ecdh.PublicKey, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	body, err := json.Marshal(httpserver.UnlockReportRequest{Nonce: nonce})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/unlock-report", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var report boundary.UnlockReport
	if err := c.do(req, &report); err != nil {
		return nil, fmt.Errorf("unlock report request failed: %w", err)
	}
	key, _, err := boundary.VerifyUnlockReport(&report, nonce, policy)
	if err != nil {
		return nil, fmt.Errorf("enclave failed attestation: %w", err)
	}
	return key, nil
}

// SubmitShare releases share to the enclave only after its unlock report
// passes policy. The share is signed with the admin key and encrypted to
// the attested share key.
func (c *AdminClient) SubmitShare(ctx context.Context, shareIndex int, share []byte, policy attestation.VerificationPolicy) (*boundary.RootShareStatus, error) {
	shareKey, err := c.FetchShareKey(ctx, policy)
	if err != nil {
		return nil, err
	}

	signature, err := kms.SignShare(shareIndex, share, c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign share: %w", err)
	}
	encrypted, err := boundary.EncryptShare(shareKey, share)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt share: %w", err)
	}

	body, err := json.Marshal(httpserver.ShareSubmission{
		ShareIndex:     shareIndex,
		EncryptedShare: encrypted,
		Signature:      signature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/share", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := httpserver.SignAdminRequest(req, c.adminID, body, c.privateKey); err != nil {
		return nil, err
	}

	var status boundary.RootShareStatus
	if err := c.do(req, &status); err != nil {
		return nil, fmt.Errorf("share submission failed: %w", err)
	}
	return &status, nil
}

func (c *AdminClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}
