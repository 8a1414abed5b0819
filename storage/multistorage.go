package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// MultiStorageBackend implements interfaces.BlobStore over several backends:
// writes go to every available backend, reads come from the first one that
// has the blob.
type MultiStorageBackend struct {
	backends []interfaces.BlobStore
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new multi-storage backend with fallback
func NewMultiStorageBackend(backends []interfaces.BlobStore, logger *slog.Logger) *MultiStorageBackend {
	return &MultiStorageBackend{
		backends: backends,
		log:      common.LoggerOrDiscard(logger),
	}
}

// Get returns the blob from the first backend that has it. When every
// reachable backend reports the blob missing, the result is ErrBlobNotFound.
func (m *MultiStorageBackend) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	var errs []error
	notFound := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		data, err := backend.Get(ctx, key)
		if err == nil {
			m.log.Debug("Fetched blob",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		if errors.Is(err, interfaces.ErrBlobNotFound) {
			notFound++
			continue
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("key", key),
			"err", err)
	}

	if len(errs) == 0 {
		return nil, interfaces.ErrBlobNotFound
	}

	m.log.Error("All backends failed to fetch blob",
		slog.String("key", key),
		slog.Int("failed_backends", len(errs)),
		slog.Int("missing", notFound),
		slog.Duration("duration", time.Since(start)))

	return nil, fmt.Errorf("%w: all backends failed to fetch %s: %w", interfaces.ErrBackendUnavailable, key, errors.Join(errs...))
}

// Put saves data to all available backends. It succeeds when at least one
// backend accepted the write.
func (m *MultiStorageBackend) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	var success int
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		if err := backend.Put(ctx, key, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key),
				"err", err)
			continue
		}
		success++
	}

	if success == 0 {
		m.log.Error("All backends failed to store blob",
			slog.String("key", key),
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("%w: all backends failed to store %s: %w", interfaces.ErrBackendUnavailable, key, errors.Join(errs...))
	}

	m.log.Debug("Stored blob",
		slog.String("key", key),
		slog.Int("backends", success),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Delete removes key from every available backend.
func (m *MultiStorageBackend) Delete(ctx context.Context, key string) error {
	var deleted int
	var errs []error
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		err := backend.Delete(ctx, key)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, interfaces.ErrBlobNotFound):
		default:
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to delete %s: %w", key, errors.Join(errs...))
	}
	if deleted == 0 {
		return interfaces.ErrBlobNotFound
	}
	return nil
}

// List returns the union of keys across available backends.
func (m *MultiStorageBackend) List(ctx context.Context, prefix string) ([]string, error) {
	seen := map[string]struct{}{}
	var errs []error
	listed := 0
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		keys, err := backend.List(ctx, prefix)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		listed++
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	if listed == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("%w: all backends failed to list: %w", interfaces.ErrBackendUnavailable, errors.Join(errs...))
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Available checks if any backend is available
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns the URI of this backend
func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
