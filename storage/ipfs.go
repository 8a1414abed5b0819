package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// IPFSBackend implements a storage backend on the mutable file system (MFS)
// of an IPFS node. Each key is one file in rootDir; slashes in keys are
// escaped like in FileBackend.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	rootDir     string
	timeout     time.Duration
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates a new IPFS storage backend connected to the API at host:port.
func NewIPFSBackend(host, port, rootDir string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty IPFS host", interfaces.ErrInvalidLocationURI)
	}
	if port == "" {
		port = "5001"
	}
	rootDir = "/" + strings.Trim(rootDir, "/")
	if rootDir == "/" {
		rootDir = "/tee-enclave"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	apiURL := fmt.Sprintf("%s:%s", host, port)
	sh := shell.NewShell(apiURL)
	sh.SetTimeout(timeout)

	return &IPFSBackend{
		shell:       sh,
		host:        host,
		port:        port,
		rootDir:     rootDir,
		timeout:     timeout,
		log:         common.LoggerOrDiscard(log),
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiURL, rootDir, timeout),
	}, nil
}

// Get reads the MFS file of key.
func (b *IPFSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	mfsPath, err := b.getMFSPath(key)
	if err != nil {
		return nil, err
	}

	reader, err := b.shell.FilesRead(ctx, mfsPath)
	if err != nil {
		if isIPFSNotFound(err) {
			return nil, interfaces.ErrBlobNotFound
		}
		b.log.Error("Failed to read from IPFS",
			slog.String("path", mfsPath),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: failed to read from IPFS: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		if isIPFSNotFound(err) {
			return nil, interfaces.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	b.log.Debug("Fetched blob from IPFS",
		slog.String("path", mfsPath),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Put writes data to the MFS file of key, replacing previous content.
func (b *IPFSBackend) Put(ctx context.Context, key string, data []byte) error {
	mfsPath, err := b.getMFSPath(key)
	if err != nil {
		return err
	}

	err = b.shell.FilesWrite(ctx, mfsPath, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return fmt.Errorf("%w: failed to write to IPFS: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored blob in IPFS",
		slog.String("path", mfsPath),
		slog.Int("size", len(data)))

	return nil
}

// Delete removes the MFS file of key.
func (b *IPFSBackend) Delete(ctx context.Context, key string) error {
	mfsPath, err := b.getMFSPath(key)
	if err != nil {
		return err
	}
	if err := b.shell.FilesRm(ctx, mfsPath, false); err != nil {
		if isIPFSNotFound(err) {
			return interfaces.ErrBlobNotFound
		}
		return fmt.Errorf("%w: failed to remove from IPFS: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// List returns the keys under prefix.
func (b *IPFSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := b.shell.FilesLs(ctx, b.rootDir)
	if err != nil {
		if isIPFSNotFound(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: failed to list IPFS directory: %v", interfaces.ErrBackendUnavailable, err)
	}

	keys := []string{}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name, blobSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(entry.Name, blobSuffix))
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this storage backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

func (b *IPFSBackend) getMFSPath(key string) (string, error) {
	if err := interfaces.ValidateStorageKey(key); err != nil {
		return "", err
	}
	return path.Join(b.rootDir, url.PathEscape(key)+blobSuffix), nil
}

func isIPFSNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "no link named")
}
