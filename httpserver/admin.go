package httpserver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-enclave-boundary/api/enclavehandler"
	"github.com/ruteri/tee-enclave-boundary/boundary"
	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

const (
	AdminPath = "/api/admin/shamir"

	HeaderAdminID        = "X-Admin-ID"
	HeaderAdminSignature = "X-Admin-Signature"

	maxAdminBody = 1 << 16
)

// EnclaveAdmin is the part of the boundary client the admin API needs.
type EnclaveAdmin interface {
	Probe(ctx context.Context) (*boundary.EnclaveInfo, error)
	GetUnlockReport(ctx context.Context, nonce []byte) (*boundary.UnlockReport, error)
	SubmitRootShare(ctx context.Context, req boundary.SubmitRootShareRequest) (*boundary.RootShareStatus, error)
}

// AdminHandler lets registered administrators unlock a Shamir-split root
// secret. Share requests are authenticated with a signature over path and
// body; the share signature itself is checked again inside the enclave.
// Shares arrive encrypted to the enclave's attested share key, so the host
// relaying them never sees one.
type AdminHandler struct {
	log          *slog.Logger
	enclave      EnclaveAdmin
	adminPubKeys map[string]cryptoutils.PublicKeyPEM // admin ID to public key
}

func NewAdminHandler(log *slog.Logger, enclave EnclaveAdmin, adminPubKeys map[string][]byte) *AdminHandler {
	keys := make(map[string]cryptoutils.PublicKeyPEM, len(adminPubKeys))
	for id, pem := range adminPubKeys {
		keys[id] = cryptoutils.PublicKeyPEM(pem)
	}
	return &AdminHandler{
		log:          common.LoggerOrDiscard(log),
		enclave:      enclave,
		adminPubKeys: keys,
	}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route(AdminPath, func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Post("/unlock-report", h.handleUnlockReport)
		r.Post("/share", h.handleSubmitShare)
	})
}

// handleStatus reports whether the enclave is serving.
//
// Endpoint: GET /api/admin/shamir/status
func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := h.enclave.Probe(r.Context())
	if err != nil {
		kind := interfaces.KindOf(err)
		if kind != interfaces.KindEnclaveNotReady {
			writeJSON(w, enclavehandler.StatusForKind(kind), map[string]any{"state": "unreachable", "error": string(kind)})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": "locked"})
		return
	}

	resp := map[string]any{
		"state":      "ready",
		"enclave_id": info.EnclaveID,
		"mode":       info.Mode,
		"insecure":   info.Insecure,
	}
	if info.RootShares != nil {
		resp["root_shares"] = info.RootShares
	}
	writeJSON(w, http.StatusOK, resp)
}

// UnlockReportRequest is the body of POST /api/admin/shamir/unlock-report.
type UnlockReportRequest struct {
	Nonce []byte `json:"nonce"`
}

// handleUnlockReport relays the enclave's attested share key. It needs no
// authentication: the report is public and admins verify it themselves.
//
// Endpoint: POST /api/admin/shamir/unlock-report
// Body: {"nonce": "<base64>"}
func (h *AdminHandler) handleUnlockReport(w http.ResponseWriter, r *http.Request) {
	var req UnlockReportRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	report, err := h.enclave.GetUnlockReport(r.Context(), req.Nonce)
	if err != nil {
		kind := interfaces.KindOf(err)
		h.log.Warn("Unlock report failed", "kind", string(kind))
		writeJSON(w, enclavehandler.StatusForKind(kind), map[string]any{"error": string(kind)})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ShareSubmission is the body of POST /api/admin/shamir/share.
type ShareSubmission struct {
	ShareIndex     int    `json:"share_index"`
	EncryptedShare []byte `json:"encrypted_share"`
	Signature      []byte `json:"signature"`
}

// handleSubmitShare forwards one share to the enclave. Once the threshold is
// reached the enclave reconstructs the root.
//
// Endpoint: POST /api/admin/shamir/share
// Body: {"share_index": <int>, "encrypted_share": "<base64>", "signature": "<base64>"}
func (h *AdminHandler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var submission ShareSubmission
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(submission.EncryptedShare) == 0 || len(submission.Signature) == 0 {
		http.Error(w, "Encrypted share and signature are required", http.StatusBadRequest)
		return
	}

	status, err := h.enclave.SubmitRootShare(r.Context(), boundary.SubmitRootShareRequest{
		Index:          submission.ShareIndex,
		EncryptedShare: submission.EncryptedShare,
		Signature:      submission.Signature,
		AdminPubKey:    h.adminPubKeys[adminID],
	})
	if err != nil {
		kind := interfaces.KindOf(err)
		h.log.Warn("Share submission failed", "adminID", adminID, "kind", string(kind))
		writeJSON(w, enclavehandler.StatusForKind(kind), map[string]any{"error": string(kind)})
		return
	}

	if status.Unlocked {
		h.log.Info("Root secret unlocked", "adminID", adminID)
	} else {
		h.log.Info("Share accepted", "adminID", adminID, "shareIndex", submission.ShareIndex,
			"received", status.Received, "threshold", status.Threshold)
	}
	writeJSON(w, http.StatusOK, status)
}

// verifyAdmin checks that the request comes from a registered admin: the
// X-Admin-Signature header must carry the admin's signature over the request
// path followed by the body.
func (h *AdminHandler) verifyAdmin(r *http.Request) (string, bool) {
	adminID := r.Header.Get(HeaderAdminID)
	adminSignatureStr := r.Header.Get(HeaderAdminSignature)
	if adminID == "" || adminSignatureStr == "" {
		return "", false
	}

	pubKey, exists := h.adminPubKeys[adminID]
	if !exists {
		h.log.Warn("Authentication failed: unknown admin ID", "adminID", adminID)
		return adminID, false
	}

	adminSignature, err := base64.StdEncoding.DecodeString(adminSignatureStr)
	if err != nil {
		h.log.Warn("Authentication failed: invalid signature encoding", "adminID", adminID, "err", err)
		return adminID, false
	}

	var bodyBytes []byte
	if r.Body != nil {
		bodyBytes, err = io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			return adminID, false
		}
		// Restore the body for later handlers
		r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	valid, err := pubKey.VerifySignature(AdminRequestMessage(r.URL.Path, bodyBytes), adminSignature)
	if err != nil {
		h.log.Error("Failed to verify admin signature", "adminID", adminID, "err", err)
		return adminID, false
	}
	if !valid {
		h.log.Warn("Authentication failed: invalid signature", "adminID", adminID)
		return adminID, false
	}

	h.log.Debug("Admin authentication successful", "adminID", adminID)
	return adminID, true
}

// AdminRequestMessage is what an admin signs to authenticate a request.
func AdminRequestMessage(path string, body []byte) []byte {
	return append([]byte(path), body...)
}

// SignAdminRequest sets the admin authentication headers on req. The body
// must be passed separately since it is signed before it is sent.
func SignAdminRequest(req *http.Request, adminID string, body []byte, key cryptoutils.PrivateKeyPEM) error {
	sig, err := key.Sign(AdminRequestMessage(req.URL.Path, body))
	if err != nil {
		return fmt.Errorf("signing admin request: %w", err)
	}
	req.Header.Set(HeaderAdminID, adminID)
	req.Header.Set(HeaderAdminSignature, base64.StdEncoding.EncodeToString(sig))
	return nil
}

// LoadAdminKeys loads admin public keys from a JSON file of the form
// {"admins": [{"id": "...", "pubkey": "<PEM>"}]}.
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var data struct {
		Admins []struct {
			ID     string `json:"id"`
			PubKey string `json:"pubkey"`
		} `json:"admins"`
	}

	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make(map[string][]byte, len(data.Admins))
	for _, admin := range data.Admins {
		if admin.ID == "" {
			return nil, errors.New("admin entry without id")
		}
		if _, err := cryptoutils.NewPublicKeyPEM([]byte(admin.PubKey)); err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}
		result[admin.ID] = []byte(admin.PubKey)
	}

	return result, nil
}

// GenerateAdminKeyPair generates a new ECDSA P-256 key pair for an
// administrator, returned as private and public PEM.
func GenerateAdminKeyPair() (string, string, error) {
	pub, priv, err := cryptoutils.RandomP256Keypair()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate ECDSA key: %w", err)
	}
	return string(priv), string(pub), nil
}

// ComputeFingerprint is the hex SHA-256 of a PEM public key.
func ComputeFingerprint(publicKeyPEM []byte) string {
	h := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(h[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
