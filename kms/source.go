package kms

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// RootSecretSize is the length of every enclave root secret.
const RootSecretSize = 32

// RootSource provides the enclave root secret. Sealing keys and the simulated
// attestation key are derived from it together with the public enclave
// measurement, so whoever holds the root can derive every sealing key. Only
// sources whose root never exists outside the enclave are secure.
type RootSource interface {
	// Name identifies the source for logging.
	Name() string
	// Insecure reports whether the root is derivable or readable outside
	// the enclave.
	Insecure() bool
	// Root returns a fresh copy of the root secret. The caller wipes it.
	Root(ctx context.Context) ([]byte, error)
}

const (
	SourcePlaceholder = "placeholder"
	SourceFile        = "file"
	SourceShamir      = "shamir"
)

// Options select and configure a root source.
type Options struct {
	Source string
	// Path of the root secret file (file source).
	Path string
	// Threshold and AdminPubKeys configure the shamir source. Keys are PEM
	// encoded, or paths to PEM files.
	Threshold    int
	AdminPubKeys []string
}

// NewRootSource builds the root source named by opts.Source.
func NewRootSource(opts Options, log *slog.Logger) (RootSource, error) {
	switch strings.ToLower(opts.Source) {
	case SourcePlaceholder, "":
		return NewPlaceholderRoot(log), nil
	case SourceFile:
		return NewFileRoot(opts.Path, log)
	case SourceShamir:
		keys := make([][]byte, 0, len(opts.AdminPubKeys))
		for _, k := range opts.AdminPubKeys {
			pemBytes, err := loadPEM(k)
			if err != nil {
				return nil, err
			}
			keys = append(keys, pemBytes)
		}
		return NewShamirRoot(ShamirConfig{Threshold: opts.Threshold, AdminPubKeys: keys}, log)
	default:
		return nil, fmt.Errorf("%w: unknown root source %q", interfaces.ErrInvalidArgument, opts.Source)
	}
}

func loadPEM(keyOrPath string) ([]byte, error) {
	if strings.HasPrefix(strings.TrimSpace(keyOrPath), "-----BEGIN") {
		return []byte(keyOrPath), nil
	}
	data, err := os.ReadFile(keyOrPath)
	if err != nil {
		return nil, fmt.Errorf("reading admin public key %s: %w", keyOrPath, err)
	}
	return data, nil
}
