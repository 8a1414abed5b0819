package kms

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

var (
	ErrAlreadyUnlocked     = errors.New("root secret is already unlocked")
	ErrUnregisteredAdmin   = errors.New("unregistered admin public key")
	ErrInvalidShareSig     = errors.New("invalid share signature")
	ErrDuplicateShare      = errors.New("share already submitted")
	ErrInvalidShamirConfig = errors.New("invalid shamir configuration")
	ErrUndecryptableShare  = errors.New("share is not encrypted to this enclave")
)

// ShamirRoot holds the root secret split with Shamir Secret Sharing. The
// root is never stored: it is reconstructed in memory once a threshold of
// shares, each signed by a registered administrator, has been submitted.
// Until then Root blocks.
//
// Shares reach the enclave encrypted to an ephemeral P-256 share key that
// exists only in enclave memory. Administrators verify an attestation report
// binding that key (see UnlockReportData) before encrypting their share, so
// the host relaying the shares never sees them.
type ShamirRoot struct {
	log *slog.Logger

	mu             sync.Mutex
	root           *memguard.Enclave // The reconstructed root, encrypted in memory
	unlocked       chan struct{}
	threshold      int
	receivedShares map[int][]byte  // Temporary storage for shares during reconstruction
	submittedBy    map[string]bool // Admin fingerprints that already submitted

	adminPubKeys map[string]cryptoutils.PublicKeyPEM // Allowed admin keys by fingerprint

	shareKey *ecdh.PrivateKey // nil once unlocked
}

// ShamirConfig contains configuration parameters for creating a ShamirRoot.
type ShamirConfig struct {
	// Threshold is the minimum number of shares required to reconstruct the root
	Threshold int
	// AdminPubKeys is the list of authorized administrator public keys in PEM format
	AdminPubKeys [][]byte
}

// NewShamirRoot creates a locked root source awaiting shares.
func NewShamirRoot(config ShamirConfig, log *slog.Logger) (*ShamirRoot, error) {
	if config.Threshold < 2 {
		return nil, fmt.Errorf("%w: threshold must be at least 2", ErrInvalidShamirConfig)
	}
	if len(config.AdminPubKeys) < config.Threshold {
		return nil, fmt.Errorf("%w: fewer admins than threshold", ErrInvalidShamirConfig)
	}

	r := &ShamirRoot{
		log:            common.LoggerOrDiscard(log),
		unlocked:       make(chan struct{}),
		threshold:      config.Threshold,
		receivedShares: make(map[int][]byte),
		submittedBy:    make(map[string]bool),
		adminPubKeys:   make(map[string]cryptoutils.PublicKeyPEM),
	}

	shareKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating share key: %w", err)
	}
	r.shareKey = shareKey

	for _, publicKeyPEM := range config.AdminPubKeys {
		pub, err := cryptoutils.NewPublicKeyPEM(publicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("invalid admin pubkey: %w", err)
		}
		r.adminPubKeys[adminFingerprint(pub)] = pub
	}

	return r, nil
}

// Split divides root into n shares, any threshold of which reconstruct it.
// Used once at bootstrap; the shares are handed to administrators and the
// root is discarded.
func Split(root []byte, n, threshold int) ([][]byte, error) {
	if len(root) != RootSecretSize {
		return nil, fmt.Errorf("%w: root must be %d bytes", ErrInvalidShamirConfig, RootSecretSize)
	}
	if threshold < 2 || n < threshold {
		return nil, fmt.Errorf("%w: need 2 <= threshold <= n", ErrInvalidShamirConfig)
	}
	shares, err := shamir.Split(root, n, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split root secret: %w", err)
	}
	return shares, nil
}

func (*ShamirRoot) Name() string   { return SourceShamir }
func (*ShamirRoot) Insecure() bool { return false }

// Root blocks until the root is unlocked or ctx is done.
func (r *ShamirRoot) Root(ctx context.Context) ([]byte, error) {
	select {
	case <-r.unlocked:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: root secret is locked, awaiting shares: %v", interfaces.ErrEnclaveNotReady, ctx.Err())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	buf, err := r.root.Open()
	if err != nil {
		return nil, fmt.Errorf("opening root secret: %w", err)
	}
	defer buf.Destroy()
	out := make([]byte, buf.Size())
	copy(out, buf.Bytes())
	return out, nil
}

// ShareKey returns the public key shares must be encrypted to, or nil once
// the root is unlocked.
func (r *ShamirRoot) ShareKey() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shareKey == nil {
		return nil
	}
	return r.shareKey.PublicKey().Bytes()
}

// UnlockReportData is the report data of an unlock attestation: it binds the
// share key to the verifier's nonce, so a verified report proves the key
// lives in the attested enclave and the report is not replayed.
func UnlockReportData(nonce, shareKey []byte) []byte {
	h := sha256.New()
	h.Write([]byte("tee-root-unlock/v1"))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(nonce)))
	h.Write(n[:])
	h.Write(nonce)
	h.Write(shareKey)
	return h.Sum(nil)
}

// ShareMessage is the message an administrator signs to submit a share.
// It binds the share index so a signed share cannot be replayed under
// another index.
func ShareMessage(shareIndex int, share []byte) []byte {
	h := sha256.New()
	h.Write([]byte("tee-root-share/v1"))
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(shareIndex))
	h.Write(idx[:])
	h.Write(share)
	return h.Sum(nil)
}

// SignShare signs a share with an administrator's PEM private key (ECDSA P-256 or ed25519).
func SignShare(shareIndex int, share []byte, adminKey cryptoutils.PrivateKeyPEM) ([]byte, error) {
	return adminKey.Sign(ShareMessage(shareIndex, share))
}

// SubmitEncryptedShare decrypts a share encrypted to ShareKey and submits it.
// The signature covers the plaintext share.
func (r *ShamirRoot) SubmitEncryptedShare(shareIndex int, encryptedShare, signature, adminPubKeyPEM []byte) error {
	r.mu.Lock()
	key := r.shareKey
	r.mu.Unlock()
	if key == nil {
		return ErrAlreadyUnlocked
	}

	share, err := cryptoutils.DecryptP256(key, encryptedShare)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUndecryptableShare, err)
	}
	defer cryptoutils.Wipe(share)
	return r.SubmitShare(shareIndex, share, signature, adminPubKeyPEM)
}

// SubmitShare submits a key share with cryptographic verification.
// When the threshold number of valid shares are received, the root is
// reconstructed and every waiting Root call is released.
func (r *ShamirRoot) SubmitShare(shareIndex int, share, signature, adminPubKeyPEM []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.root != nil {
		return ErrAlreadyUnlocked
	}

	fingerprint := adminFingerprint(adminPubKeyPEM)
	pub, found := r.adminPubKeys[fingerprint]
	if !found || !bytes.Equal(pub, adminPubKeyPEM) {
		return ErrUnregisteredAdmin
	}
	if r.submittedBy[fingerprint] {
		return ErrDuplicateShare
	}
	if _, ok := r.receivedShares[shareIndex]; ok {
		return ErrDuplicateShare
	}

	ok, err := pub.VerifySignature(ShareMessage(shareIndex, share), signature)
	if err != nil {
		return fmt.Errorf("verifying share signature: %w", err)
	}
	if !ok {
		return ErrInvalidShareSig
	}

	stored := make([]byte, len(share))
	copy(stored, share)
	r.receivedShares[shareIndex] = stored
	r.submittedBy[fingerprint] = true
	r.log.Info("Root share accepted", slog.Int("index", shareIndex), slog.Int("received", len(r.receivedShares)), slog.Int("threshold", r.threshold))

	return r.tryReconstruct()
}

// tryReconstruct combines the received shares once the threshold is met.
// After a successful reconstruction all shares are wiped from memory.
func (r *ShamirRoot) tryReconstruct() error {
	if len(r.receivedShares) < r.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(r.receivedShares))
	for _, share := range r.receivedShares {
		shares = append(shares, share)
	}

	root, err := shamir.Combine(shares)
	if err != nil {
		r.resetShares()
		return fmt.Errorf("failed to reconstruct root secret: %w", err)
	}
	if len(root) != RootSecretSize {
		cryptoutils.Wipe(root)
		r.resetShares()
		return fmt.Errorf("reconstructed root has length %d, expected %d", len(root), RootSecretSize)
	}

	// NewEnclave wipes root.
	r.root = memguard.NewEnclave(root)
	r.shareKey = nil
	r.resetShares()
	close(r.unlocked)
	r.log.Info("Root secret unlocked")

	return nil
}

func (r *ShamirRoot) resetShares() {
	for i := range r.receivedShares {
		cryptoutils.Wipe(r.receivedShares[i])
	}
	r.receivedShares = make(map[int][]byte)
	r.submittedBy = make(map[string]bool)
}

// IsUnlocked returns whether the root has been reconstructed.
func (r *ShamirRoot) IsUnlocked() bool {
	select {
	case <-r.unlocked:
		return true
	default:
		return false
	}
}

// Progress returns the number of shares received and the threshold.
func (r *ShamirRoot) Progress() (received, threshold int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.receivedShares), r.threshold
}

func adminFingerprint(publicKeyPEM []byte) string {
	fingerprint := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(fingerprint[:])
}
