package kms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// FileRoot keeps a randomly generated root secret in a local file (mode 0600).
// The secret is created on first use. Anyone who can read the file can
// derive every sealing key, so the source is insecure and hardware mode
// refuses it.
type FileRoot struct {
	path string
	log  *slog.Logger
	mu   sync.Mutex
}

func NewFileRoot(path string, log *slog.Logger) (*FileRoot, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file root source requires a path", interfaces.ErrInvalidArgument)
	}
	return &FileRoot{path: path, log: common.LoggerOrDiscard(log)}, nil
}

func (*FileRoot) Name() string   { return SourceFile }
func (*FileRoot) Insecure() bool { return true }

func (f *FileRoot) Root(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, err := os.ReadFile(f.path)
	if err == nil {
		if len(key) != RootSecretSize {
			return nil, fmt.Errorf("root secret file %s has length %d, expected %d", f.path, len(key), RootSecretSize)
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading root secret: %w", err)
	}

	key = make([]byte, RootSecretSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate root secret: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return nil, fmt.Errorf("creating root secret directory: %w", err)
	}
	file, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("save root secret: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(key); err != nil {
		return nil, fmt.Errorf("save root secret: %w", err)
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("save root secret: %w", err)
	}

	f.log.Info("Generated new root secret", slog.String("path", f.path))
	return key, nil
}
