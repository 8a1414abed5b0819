package keys

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/enclave"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/ruteri/tee-enclave-boundary/sealing"
)

const (
	keyPrefix        = "keys/"
	keyContextPrefix = "key:"

	MaxKeyIDLength       = 128
	MaxDescriptionLength = 1024
	// MaxRandomBytes bounds GenerateRandom.
	MaxRandomBytes = 1 << 20
	// MaxDerivedKeySize bounds DeriveKey output.
	MaxDerivedKeySize = 1024
)

var keyIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// GenerateOptions carry the optional metadata of a new key.
type GenerateOptions struct {
	Exportable  bool
	Description string
}

// storedKey is the plaintext of a sealed key record.
type storedKey struct {
	Record   interfaces.KeyRecord `json:"record"`
	Material []byte               `json:"material"`
}

// Service manages keys whose material only ever exists unsealed inside the
// enclave, for the duration of a single operation. Every operation loads the
// sealed record, checks the key's usage flags, uses the material and wipes it.
type Service struct {
	log    *slog.Logger
	sealer *sealing.Engine
	locks  *sealing.KeyedMutex
	now    func() time.Time
}

func NewService(sealer *sealing.Engine, log *slog.Logger) *Service {
	return &Service{
		log:    common.LoggerOrDiscard(log),
		sealer: sealer,
		locks:  sealer.Locks(),
		now:    time.Now,
	}
}

// ValidateKeyID checks that id is usable as a key id.
func ValidateKeyID(id string) error {
	if len(id) == 0 || len(id) > MaxKeyIDLength || !keyIDPattern.MatchString(id) {
		return fmt.Errorf("%w: key id must be 1 to %d characters of [A-Za-z0-9._-] starting with a letter or digit", interfaces.ErrInvalidArgument, MaxKeyIDLength)
	}
	return nil
}

func storageKey(id string) string { return keyPrefix + id }
func sealContext(id string) string { return keyContextPrefix + id }

// GenerateKey creates a key from the enclave's entropy source and stores it
// sealed. An existing key id fails with ErrKeyExists.
func (s *Service) GenerateKey(ctx context.Context, h *enclave.Handle, keyID string, alg interfaces.KeyAlgorithm, usage interfaces.KeyUsage, opts GenerateOptions) (*interfaces.KeyRecord, error) {
	if err := ValidateKeyID(keyID); err != nil {
		return nil, err
	}
	allowed, ok := allowedUsage[alg]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported key algorithm %q", interfaces.ErrInvalidArgument, alg)
	}
	if usage == 0 || usage&^allowed != 0 {
		return nil, fmt.Errorf("%w: usage %q is not valid for %s keys", interfaces.ErrInvalidArgument, usage, alg)
	}
	if len(opts.Description) > MaxDescriptionLength {
		return nil, fmt.Errorf("%w: description longer than %d bytes", interfaces.ErrInvalidArgument, MaxDescriptionLength)
	}

	if err := h.Acquire(); err != nil {
		return nil, err
	}
	defer h.Release()

	unlock, err := s.locks.Lock(ctx, sealContext(keyID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.sealer.LoadBlob(ctx, storageKey(keyID)); err == nil {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrKeyExists, keyID)
	} else if !errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, err
	}

	material, err := newMaterial(alg, h.Entropy())
	if err != nil {
		return nil, err
	}
	sk := &storedKey{Material: material}
	defer sk.wipe()

	pub, err := publicKey(alg, material)
	if err != nil {
		return nil, err
	}
	sk.Record = interfaces.KeyRecord{
		KeyID:       keyID,
		Algorithm:   alg,
		Usage:       usage,
		Exportable:  opts.Exportable,
		CreatedAt:   s.now().UTC(),
		Description: opts.Description,
		PublicKey:   pub,
	}

	encoded, err := json.Marshal(sk)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding key record: %v", interfaces.ErrInternalEnclaveFault, err)
	}
	defer cryptoutils.Wipe(encoded)

	if err := s.sealer.Store(ctx, h, storageKey(keyID), sealContext(keyID), encoded); err != nil {
		return nil, err
	}

	s.log.Info("Generated key", slog.String("keyId", keyID), slog.String("algorithm", string(alg)), slog.String("usage", usage.String()))
	record := sk.Record
	return &record, nil
}

// Sign signs message: secp256k1 produces a 65-byte recoverable signature over
// Keccak-256, ed25519 signs the message itself, P-256 produces ASN.1 ECDSA
// over SHA-256.
func (s *Service) Sign(ctx context.Context, h *enclave.Handle, keyID string, message []byte) ([]byte, error) {
	var signature []byte
	err := s.withKey(ctx, h, keyID, interfaces.UsageSign, func(sk *storedKey) (err error) {
		signature, err = sign(sk.Record.Algorithm, sk.Material, message, h.Entropy())
		return err
	})
	return signature, err
}

// Verify checks a signature made by Sign with the key's public half.
func (s *Service) Verify(ctx context.Context, h *enclave.Handle, keyID string, message, signature []byte) (bool, error) {
	var valid bool
	err := s.withKey(ctx, h, keyID, interfaces.UsageSign, func(sk *storedKey) (err error) {
		valid, err = verify(sk.Record.Algorithm, sk.Record.PublicKey, message, signature)
		return err
	})
	return valid, err
}

// Encrypt encrypts plaintext: AES-256-GCM yields nonce || ciphertext || tag,
// secp256k1 and P-256 use ECIES to the key's public half.
func (s *Service) Encrypt(ctx context.Context, h *enclave.Handle, keyID string, plaintext []byte) ([]byte, error) {
	if len(plaintext) > s.sealer.MaxPlaintextBytes() {
		return nil, fmt.Errorf("%w: plaintext is %d bytes", interfaces.ErrPayloadTooLarge, len(plaintext))
	}
	var ciphertext []byte
	err := s.withKey(ctx, h, keyID, interfaces.UsageEncrypt, func(sk *storedKey) (err error) {
		ciphertext, err = encrypt(sk.Record.Algorithm, sk.Material, plaintext, h.Entropy())
		return err
	})
	return ciphertext, err
}

// Decrypt reverses Encrypt. Tampered ciphertexts fail with ErrIntegrityCheckFailed.
func (s *Service) Decrypt(ctx context.Context, h *enclave.Handle, keyID string, ciphertext []byte) ([]byte, error) {
	var plaintext []byte
	err := s.withKey(ctx, h, keyID, interfaces.UsageDecrypt, func(sk *storedKey) (err error) {
		plaintext, err = decrypt(sk.Record.Algorithm, sk.Material, ciphertext)
		return err
	})
	return plaintext, err
}

// DeriveKey expands the key's material with HKDF-SHA256 (salt = key id) and
// returns the result sealed under outputContext. Derived bytes never leave
// the enclave unsealed.
func (s *Service) DeriveKey(ctx context.Context, h *enclave.Handle, keyID string, info []byte, length int, outputContext string) (*interfaces.SealedBlob, error) {
	if length < 1 || length > MaxDerivedKeySize {
		return nil, fmt.Errorf("%w: derived key length must be 1 to %d", interfaces.ErrInvalidArgument, MaxDerivedKeySize)
	}
	var blob *interfaces.SealedBlob
	err := s.withKey(ctx, h, keyID, interfaces.UsageDerive, func(sk *storedKey) error {
		out, err := h.Arena().Alloc(length)
		if err != nil {
			return err
		}
		defer h.Arena().Free(out)
		if err := cryptoutils.DeriveKeyInto(out.Bytes(), sk.Material, []byte(keyID), info); err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrInternalEnclaveFault, err)
		}
		blob, err = s.sealer.Seal(ctx, h, outputContext, out.Bytes())
		return err
	})
	return blob, err
}

// DeleteKey irreversibly removes the key. Later operations on keyID fail
// with ErrKeyNotFound.
func (s *Service) DeleteKey(ctx context.Context, h *enclave.Handle, keyID string) error {
	if err := ValidateKeyID(keyID); err != nil {
		return err
	}
	if err := h.Acquire(); err != nil {
		return err
	}
	defer h.Release()

	unlock, err := s.locks.Lock(ctx, sealContext(keyID))
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.sealer.Remove(ctx, storageKey(keyID)); err != nil {
		return err
	}
	s.log.Info("Deleted key", slog.String("keyId", keyID))
	return nil
}

// GetKeyMetadata returns the record of keyID without its material.
func (s *Service) GetKeyMetadata(ctx context.Context, h *enclave.Handle, keyID string) (*interfaces.KeyRecord, error) {
	var record interfaces.KeyRecord
	err := s.withKey(ctx, h, keyID, 0, func(sk *storedKey) error {
		record = sk.Record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListKeys returns the records of every stored key, ordered by key id.
func (s *Service) ListKeys(ctx context.Context, h *enclave.Handle) ([]interfaces.KeyRecord, error) {
	if err := h.Acquire(); err != nil {
		return nil, err
	}
	defer h.Release()

	stored, err := s.sealer.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}

	records := make([]interfaces.KeyRecord, 0, len(stored))
	for _, key := range stored {
		keyID := strings.TrimPrefix(key, keyPrefix)
		if ValidateKeyID(keyID) != nil {
			continue
		}
		record, err := s.GetKeyMetadata(ctx, h, keyID)
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			// Deleted while listing.
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].KeyID < records[j].KeyID })
	return records, nil
}

// GenerateRandom returns n bytes from the enclave's entropy source.
func (s *Service) GenerateRandom(ctx context.Context, h *enclave.Handle, n int) ([]byte, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: random length must be positive", interfaces.ErrInvalidArgument)
	}
	if n > MaxRandomBytes {
		return nil, fmt.Errorf("%w: at most %d random bytes per call", interfaces.ErrPayloadTooLarge, MaxRandomBytes)
	}
	if err := h.Acquire(); err != nil {
		return nil, err
	}
	defer h.Release()
	return h.RandomBytes(n)
}

// RandomInt returns a uniform integer in [low, high].
func (s *Service) RandomInt(ctx context.Context, h *enclave.Handle, low, high int64) (int64, error) {
	if low > high {
		return 0, fmt.Errorf("%w: min %d is greater than max %d", interfaces.ErrInvalidArgument, low, high)
	}
	if err := h.Acquire(); err != nil {
		return 0, err
	}
	defer h.Release()

	span := new(big.Int).Sub(big.NewInt(high), big.NewInt(low))
	span.Add(span, big.NewInt(1))
	n, err := rand.Int(h.Entropy(), span)
	if err != nil {
		return 0, err
	}
	return n.Add(n, big.NewInt(low)).Int64(), nil
}

// withKey loads keyID under its lock, checks usage and runs fn with the
// unsealed material, which is wiped afterwards. need == 0 skips the usage check.
func (s *Service) withKey(ctx context.Context, h *enclave.Handle, keyID string, need interfaces.KeyUsage, fn func(*storedKey) error) error {
	if err := ValidateKeyID(keyID); err != nil {
		return err
	}
	if err := h.Acquire(); err != nil {
		return err
	}
	defer h.Release()

	unlock, err := s.locks.Lock(ctx, sealContext(keyID))
	if err != nil {
		return err
	}
	defer unlock()

	sk, err := s.open(ctx, h, keyID)
	if err != nil {
		return err
	}
	defer sk.wipe()

	if need != 0 && !sk.Record.Usage.Has(need) {
		return fmt.Errorf("%w: key %q has usage %q", interfaces.ErrUsageNotPermitted, keyID, sk.Record.Usage)
	}
	return fn(sk)
}

func (s *Service) open(ctx context.Context, h *enclave.Handle, keyID string) (*storedKey, error) {
	blob, err := s.sealer.LoadBlob(ctx, storageKey(keyID))
	if err != nil {
		return nil, err
	}
	// A record copied to another key id still unseals, under its original context.
	if blob.Context != sealContext(keyID) {
		h.Log().Warn("Key record stored under a foreign key id",
			slog.Bool("securityEvent", true),
			slog.String("keyId", keyID),
			slog.String("context", blob.Context))
		return nil, fmt.Errorf("%w: key record context mismatch", interfaces.ErrIntegrityCheckFailed)
	}

	plaintext, err := s.sealer.Unseal(ctx, h, blob)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(plaintext)

	var sk storedKey
	if err := json.Unmarshal(plaintext, &sk); err != nil {
		return nil, fmt.Errorf("%w: decoding key record: %v", interfaces.ErrInternalEnclaveFault, err)
	}
	if sk.Record.KeyID != keyID || len(sk.Material) != materialSize {
		sk.wipe()
		return nil, fmt.Errorf("%w: key record does not match %q", interfaces.ErrIntegrityCheckFailed, keyID)
	}
	return &sk, nil
}

func (sk *storedKey) wipe() {
	cryptoutils.Wipe(sk.Material)
}
