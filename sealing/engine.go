package sealing

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"log/slog"

	"github.com/awnumar/memguard"
	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/enclave"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

const (
	sealInfoPrefix = "tee-seal/v1"

	// DefaultMaxPlaintextBytes bounds what a single Seal call accepts.
	DefaultMaxPlaintextBytes = 1 << 20
	// MaxContextLength bounds the key-derivation context.
	MaxContextLength = 256

	sealKeySize = 32
	nonceSize   = 12
	tagSize     = 16
)

// Options configure an Engine.
type Options struct {
	// MigrationMeasurements lists measurements whose blobs this enclave may
	// unseal in addition to its own.
	MigrationMeasurements []interfaces.Measurement
	// MaxPlaintextBytes defaults to DefaultMaxPlaintextBytes.
	MaxPlaintextBytes int
}

// Engine seals data to the enclave identity and persists sealed blobs.
//
// The sealing key is HKDF-SHA256(root, salt = measurement,
// info = "tee-seal/v1" || context). It is recomputed for every call, held in
// a locked buffer and wiped before the call returns.
type Engine struct {
	log   *slog.Logger
	store interfaces.BlobStore
	opts  Options
	locks *KeyedMutex
}

// NewEngine creates a sealing engine. store may be nil when only Seal and
// Unseal are used.
func NewEngine(store interfaces.BlobStore, opts Options, log *slog.Logger) *Engine {
	if opts.MaxPlaintextBytes <= 0 {
		opts.MaxPlaintextBytes = DefaultMaxPlaintextBytes
	}
	return &Engine{
		log:   common.LoggerOrDiscard(log),
		store: store,
		opts:  opts,
		locks: NewKeyedMutex(),
	}
}

// Locks is the keyed lock shared with components that build on sealing.
func (e *Engine) Locks() *KeyedMutex { return e.locks }

// BlobStore returns the persistent store, or nil.
func (e *Engine) BlobStore() interfaces.BlobStore { return e.store }

// MaxPlaintextBytes is the configured plaintext limit.
func (e *Engine) MaxPlaintextBytes() int { return e.opts.MaxPlaintextBytes }

// Seal encrypts plaintext under the enclave's measurement and sealCtx.
func (e *Engine) Seal(ctx context.Context, h *enclave.Handle, sealCtx string, plaintext []byte) (*interfaces.SealedBlob, error) {
	if err := e.checkSealInput(sealCtx, plaintext); err != nil {
		return nil, err
	}
	if err := h.Acquire(); err != nil {
		return nil, err
	}
	defer h.Release()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTimeout, err)
	}
	return e.seal(h, sealCtx, plaintext)
}

// Unseal authenticates and decrypts blob. Any tampering, a foreign
// measurement or a wrong context yields ErrIntegrityCheckFailed.
func (e *Engine) Unseal(ctx context.Context, h *enclave.Handle, blob *interfaces.SealedBlob) ([]byte, error) {
	if blob == nil {
		return nil, fmt.Errorf("%w: no sealed blob", interfaces.ErrInvalidArgument)
	}
	if err := h.Acquire(); err != nil {
		return nil, err
	}
	defer h.Release()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTimeout, err)
	}
	return e.unseal(h, blob)
}

// Reseal moves a blob sealed under an authorized migration measurement to
// the current measurement, keeping its context.
func (e *Engine) Reseal(ctx context.Context, h *enclave.Handle, blob *interfaces.SealedBlob) (*interfaces.SealedBlob, error) {
	if blob == nil {
		return nil, fmt.Errorf("%w: no sealed blob", interfaces.ErrInvalidArgument)
	}
	if err := h.Acquire(); err != nil {
		return nil, err
	}
	defer h.Release()

	plaintext, err := e.unseal(h, blob)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(plaintext)

	resealed, err := e.seal(h, blob.Context, plaintext)
	if err != nil {
		return nil, err
	}
	h.Log().Info("Resealed blob",
		slog.String("context", blob.Context),
		slog.String("from", blob.Measurement.String()),
		slog.String("to", resealed.Measurement.String()))
	return resealed, nil
}

func (e *Engine) checkSealInput(sealCtx string, plaintext []byte) error {
	if sealCtx == "" || len(sealCtx) > MaxContextLength {
		return fmt.Errorf("%w: seal context must be 1 to %d bytes", interfaces.ErrInvalidArgument, MaxContextLength)
	}
	if len(plaintext) > e.opts.MaxPlaintextBytes {
		return fmt.Errorf("%w: plaintext is %d bytes, at most %d allowed", interfaces.ErrPayloadTooLarge, len(plaintext), e.opts.MaxPlaintextBytes)
	}
	return nil
}

// seal and unseal expect the caller to hold an Acquire on h.
func (e *Engine) seal(h *enclave.Handle, sealCtx string, plaintext []byte) (*interfaces.SealedBlob, error) {
	blob := &interfaces.SealedBlob{
		Version:     interfaces.SealedBlobVersion,
		Algorithm:   interfaces.SealingAlgorithmAESGCM,
		Context:     sealCtx,
		Measurement: h.Measurement(),
	}

	nonce, err := h.RandomBytes(nonceSize)
	if err != nil {
		return nil, err
	}

	key, err := e.deriveKey(h, blob.Measurement, sealCtx)
	if err != nil {
		return nil, err
	}
	defer h.Arena().Free(key)

	aead, err := newAEAD(key.Bytes())
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, blob.AssociatedData())

	blob.Nonce = nonce
	blob.Ciphertext = sealed[:len(sealed)-tagSize]
	blob.Tag = sealed[len(sealed)-tagSize:]
	return blob, nil
}

func (e *Engine) unseal(h *enclave.Handle, blob *interfaces.SealedBlob) ([]byte, error) {
	if blob.Version != interfaces.SealedBlobVersion || blob.Algorithm != interfaces.SealingAlgorithmAESGCM ||
		len(blob.Nonce) != nonceSize || len(blob.Tag) != tagSize {
		return nil, e.integrityFailure(h, blob, "unsupported or malformed envelope")
	}

	current := h.Measurement()
	if !blob.Measurement.Equal(current) && !blob.Measurement.In(e.opts.MigrationMeasurements) {
		return nil, e.integrityFailure(h, blob, "sealed under a foreign measurement")
	}

	key, err := e.deriveKey(h, blob.Measurement, blob.Context)
	if err != nil {
		return nil, err
	}
	defer h.Arena().Free(key)

	aead, err := newAEAD(key.Bytes())
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(blob.Ciphertext)+tagSize)
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.Tag...)

	plaintext, err := aead.Open(nil, blob.Nonce, sealed, blob.AssociatedData())
	if err != nil {
		return nil, e.integrityFailure(h, blob, "authentication failed")
	}
	return plaintext, nil
}

func (e *Engine) deriveKey(h *enclave.Handle, measurement interfaces.Measurement, sealCtx string) (*memguard.LockedBuffer, error) {
	key, err := h.Arena().Alloc(sealKeySize)
	if err != nil {
		return nil, err
	}
	info := make([]byte, 0, len(sealInfoPrefix)+len(sealCtx))
	info = append(info, sealInfoPrefix...)
	info = append(info, sealCtx...)

	err = h.WithRoot(func(root []byte) error {
		return cryptoutils.DeriveKeyInto(key.Bytes(), root, measurement, info)
	})
	if err != nil {
		h.Arena().Free(key)
		return nil, err
	}
	return key, nil
}

func (e *Engine) integrityFailure(h *enclave.Handle, blob *interfaces.SealedBlob, reason string) error {
	h.Log().Warn("Sealed blob failed integrity check",
		slog.Bool("securityEvent", true),
		slog.String("reason", reason),
		slog.String("context", blob.Context),
		slog.String("blobMeasurement", blob.Measurement.String()))
	return fmt.Errorf("%w: %s", interfaces.ErrIntegrityCheckFailed, reason)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInternalEnclaveFault, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInternalEnclaveFault, err)
	}
	return aead, nil
}

// storageError maps blob store failures into the error taxonomy.
func storageError(op, key string, err error) error {
	switch {
	case errors.Is(err, interfaces.ErrBlobNotFound):
		return fmt.Errorf("%w: %s %q: %w", interfaces.ErrKeyNotFound, op, key, err)
	case errors.Is(err, interfaces.ErrInvalidStorageKey):
		return fmt.Errorf("%w: %w", interfaces.ErrInvalidArgument, err)
	case errors.Is(err, interfaces.ErrBackendUnavailable):
		return fmt.Errorf("%w: %s %q: %w", interfaces.ErrTransportUnavailable, op, key, err)
	default:
		return fmt.Errorf("%s %q: %w", op, key, err)
	}
}
