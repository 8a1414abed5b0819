package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

const blobSuffix = ".blob"

// FileBackend implements a storage backend using the local file system.
// Every key is one file in baseDir; slashes in keys are escaped so that
// "keys/a" and "keys/a/b" can coexist.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file storage backend using the specified base directory.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("%w: empty base directory", interfaces.ErrInvalidLocationURI)
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         common.LoggerOrDiscard(log),
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Get reads the blob stored under key.
func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	filePath, err := b.getFilePath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched blob from file",
		slog.String("key", key),
		slog.Int("size", len(data)))

	return data, nil
}

// Put writes data under key. The write goes through a temporary file and a
// rename, so a crash never leaves a half-written blob.
func (b *FileBackend) Put(ctx context.Context, key string, data []byte) error {
	filePath, err := b.getFilePath(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.baseDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	b.log.Debug("Stored blob in file",
		slog.String("key", key),
		slog.Int("size", len(data)))

	return nil
}

// Delete removes the file of key.
func (b *FileBackend) Delete(ctx context.Context, key string) error {
	filePath, err := b.getFilePath(key)
	if err != nil {
		return err
	}
	err = os.Remove(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return interfaces.ErrBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// List returns the keys under prefix in sorted order.
func (b *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	keys := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, blobSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, blobSuffix))
		if err != nil {
			b.log.Warn("Skipping unexpected file in blob directory", slog.String("name", name))
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) getFilePath(key string) (string, error) {
	if err := interfaces.ValidateStorageKey(key); err != nil {
		return "", err
	}
	return filepath.Join(b.baseDir, url.PathEscape(key)+blobSuffix), nil
}
