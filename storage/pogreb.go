package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/akrylysov/pogreb"
	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// PogrebBackend keeps blobs in an embedded pogreb key-value store. It suits
// a single enclave host that wants durable local storage without a
// directory of small files.
type PogrebBackend struct {
	mu          sync.RWMutex
	db          *pogreb.DB
	path        string
	log         *slog.Logger
	locationURI string
}

// NewPogrebBackend opens (or creates) the store at path.
func NewPogrebBackend(path string, log *slog.Logger) (*PogrebBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty pogreb path", interfaces.ErrInvalidLocationURI)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create pogreb directory: %w", err)
	}
	// Writes are synced explicitly, so no background sync is needed.
	db, err := pogreb.Open(path, &pogreb.Options{BackgroundSyncInterval: -1})
	if err != nil {
		return nil, fmt.Errorf("failed to open pogreb store: %w", err)
	}
	return &PogrebBackend{
		db:          db,
		path:        path,
		log:         common.LoggerOrDiscard(log),
		locationURI: fmt.Sprintf("pogreb://%s", path),
	}, nil
}

func (b *PogrebBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := interfaces.ValidateStorageKey(key); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, interfaces.ErrBackendUnavailable
	}
	data, err := b.db.Get([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("pogreb get: %w", err)
	}
	// pogreb returns a nil value for missing keys.
	if data == nil {
		has, err := b.db.Has([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("pogreb has: %w", err)
		}
		if !has {
			return nil, interfaces.ErrBlobNotFound
		}
		data = []byte{}
	}
	return data, nil
}

func (b *PogrebBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := interfaces.ValidateStorageKey(key); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return interfaces.ErrBackendUnavailable
	}
	if err := b.db.Put([]byte(key), data); err != nil {
		return fmt.Errorf("pogreb put: %w", err)
	}
	if err := b.db.Sync(); err != nil {
		return fmt.Errorf("pogreb sync: %w", err)
	}
	return nil
}

func (b *PogrebBackend) Delete(ctx context.Context, key string) error {
	if err := interfaces.ValidateStorageKey(key); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return interfaces.ErrBackendUnavailable
	}
	has, err := b.db.Has([]byte(key))
	if err != nil {
		return fmt.Errorf("pogreb has: %w", err)
	}
	if !has {
		return interfaces.ErrBlobNotFound
	}
	if err := b.db.Delete([]byte(key)); err != nil {
		return fmt.Errorf("pogreb delete: %w", err)
	}
	return b.db.Sync()
}

// List iterates over every item; pogreb has no ordered index.
func (b *PogrebBackend) List(ctx context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, interfaces.ErrBackendUnavailable
	}
	keys := []string{}
	it := b.db.Items()
	for {
		key, _, err := it.Next()
		if errors.Is(err, pogreb.ErrIterationDone) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("pogreb iterate: %w", err)
		}
		if strings.HasPrefix(string(key), prefix) {
			keys = append(keys, string(key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *PogrebBackend) Available(ctx context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.db != nil
}

func (b *PogrebBackend) Name() string {
	return fmt.Sprintf("pogreb-%s", filepath.Base(b.path))
}

func (b *PogrebBackend) LocationURI() string {
	return b.locationURI
}

// Close flushes and closes the store.
func (b *PogrebBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	b.log.Info("Closing pogreb store", slog.String("path", b.path))
	err := b.db.Close()
	b.db = nil
	return err
}
