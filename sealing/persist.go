package sealing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-enclave-boundary/enclave"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// Store seals plaintext under sealCtx and writes the envelope to storageKey.
func (e *Engine) Store(ctx context.Context, h *enclave.Handle, storageKey, sealCtx string, plaintext []byte) error {
	if err := e.requireStore(storageKey); err != nil {
		return err
	}
	blob, err := e.Seal(ctx, h, sealCtx, plaintext)
	if err != nil {
		return err
	}
	return e.StoreBlob(ctx, storageKey, blob)
}

// StoreBlob writes an already sealed envelope to storageKey.
func (e *Engine) StoreBlob(ctx context.Context, storageKey string, blob *interfaces.SealedBlob) error {
	if err := e.requireStore(storageKey); err != nil {
		return err
	}
	encoded, err := blob.MarshalBinary()
	if err != nil {
		return err
	}

	unlock, err := e.locks.Lock(ctx, "blob:"+storageKey)
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.store.Put(ctx, storageKey, encoded); err != nil {
		return storageError("storing", storageKey, err)
	}
	e.log.Debug("Stored sealed blob", slog.String("key", storageKey), slog.Int("size", len(encoded)))
	return nil
}

// Load reads and unseals the envelope at storageKey.
func (e *Engine) Load(ctx context.Context, h *enclave.Handle, storageKey string) ([]byte, error) {
	blob, err := e.LoadBlob(ctx, storageKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := e.Unseal(ctx, h, blob)
	if err != nil {
		return nil, fmt.Errorf("unsealing %q: %w", storageKey, err)
	}
	return plaintext, nil
}

// LoadBlob reads and parses the envelope at storageKey without unsealing it.
func (e *Engine) LoadBlob(ctx context.Context, storageKey string) (*interfaces.SealedBlob, error) {
	if err := e.requireStore(storageKey); err != nil {
		return nil, err
	}
	unlock, err := e.locks.Lock(ctx, "blob:"+storageKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	encoded, err := e.store.Get(ctx, storageKey)
	if err != nil {
		return nil, storageError("loading", storageKey, err)
	}
	blob, err := interfaces.ParseSealedBlob(encoded)
	if err != nil {
		e.log.Warn("Stored blob is not a valid envelope",
			slog.Bool("securityEvent", true),
			slog.String("key", storageKey))
		return nil, err
	}
	return blob, nil
}

// Remove deletes the envelope at storageKey.
func (e *Engine) Remove(ctx context.Context, storageKey string) error {
	if err := e.requireStore(storageKey); err != nil {
		return err
	}
	unlock, err := e.locks.Lock(ctx, "blob:"+storageKey)
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.store.Delete(ctx, storageKey); err != nil {
		return storageError("removing", storageKey, err)
	}
	return nil
}

// List returns the stored keys under prefix.
func (e *Engine) List(ctx context.Context, prefix string) ([]string, error) {
	if e.store == nil {
		return nil, fmt.Errorf("%w: no blob store configured", interfaces.ErrTransportUnavailable)
	}
	keys, err := e.store.List(ctx, prefix)
	if err != nil {
		return nil, storageError("listing", prefix, err)
	}
	return keys, nil
}

// Migrate reseals every blob under prefix that was sealed under a migration
// measurement and rewrites it in place. It returns the migrated keys.
func (e *Engine) Migrate(ctx context.Context, h *enclave.Handle, prefix string) ([]string, error) {
	keys, err := e.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	current := h.Measurement()

	migrated := []string{}
	for _, key := range keys {
		blob, err := e.LoadBlob(ctx, key)
		if err != nil {
			return migrated, err
		}
		if blob.Measurement.Equal(current) {
			continue
		}
		resealed, err := e.Reseal(ctx, h, blob)
		if err != nil {
			return migrated, fmt.Errorf("migrating %q: %w", key, err)
		}
		if err := e.StoreBlob(ctx, key, resealed); err != nil {
			return migrated, err
		}
		migrated = append(migrated, key)
	}
	if len(migrated) > 0 {
		e.log.Info("Migrated sealed blobs", slog.Int("count", len(migrated)), slog.String("prefix", prefix))
	}
	return migrated, nil
}

func (e *Engine) requireStore(storageKey string) error {
	if e.store == nil {
		return fmt.Errorf("%w: no blob store configured", interfaces.ErrTransportUnavailable)
	}
	if err := interfaces.ValidateStorageKey(storageKey); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrInvalidArgument, err)
	}
	return nil
}
