package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// StorageBackendFactory creates storage backends from URI strings and manages
// multi-backend configurations for redundant storage.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a new factory instance that can create storage backends.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{
		log: common.LoggerOrDiscard(logger),
	}
}

// StorageBackendFor creates a storage backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS mutable file system
//   - vault:// - HashiCorp Vault KV v2
//   - pogreb:// - Embedded pogreb key-value store
//   - sqlite:// - Embedded SQLite database
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StorageBackendFactory) StorageBackendFor(uri string) (interfaces.BlobStore, error) {
	loc, err := interfaces.NewStorageBackendLocation(uri)
	if err != nil {
		return nil, err
	}
	sf.log.Debug("Creating storage backend", slog.String("scheme", loc.Scheme))

	switch loc.Scheme {
	case "ipfs":
		return sf.createIPFSBackend(loc)
	case "s3":
		return sf.createS3Backend(loc)
	case "vault":
		return sf.createVaultBackend(loc)
	case "file":
		return sf.createFileBackend(loc)
	case "pogreb":
		return NewPogrebBackend(loc.LocalPath(), sf.log)
	case "sqlite":
		return NewSQLiteBackend(loc.LocalPath(), sf.log)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// A single URI yields that backend directly.
// Returns an error if no valid backends could be created from the provided URIs.
func (sf *StorageBackendFactory) CreateMultiBackend(locationURIs []string) (interfaces.BlobStore, error) {
	backends := make([]interfaces.BlobStore, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", redactURI(uri)))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: no valid storage backends created", interfaces.ErrInvalidLocationURI)
	}
	if len(backends) == 1 {
		return backends[0], nil
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// createIPFSBackend creates an IPFS storage backend.
// URI format: ipfs://host:port/mfs/root/dir?timeout=30s
func (sf *StorageBackendFactory) createIPFSBackend(loc interfaces.StorageBackendLocation) (interfaces.BlobStore, error) {
	host, port, _ := strings.Cut(loc.Host, ":")

	timeout := 30 * time.Second
	if t := loc.GetParam("timeout"); t != "" {
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, t)
		}
		timeout = parsed
	}

	return NewIPFSBackend(host, port, loc.Path, timeout, sf.log)
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
// Without embedded credentials the default AWS credential chain is used.
func (sf *StorageBackendFactory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.BlobStore, error) {
	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.Auth != "" {
		sf.log.Debug("Using embedded S3 credentials")
		accessKey, secretKey, _ = strings.Cut(loc.Auth, ":")
	}

	return NewS3Backend(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.GetParam("endpoint"), accessKey, secretKey, sf.log)
}

// createVaultBackend creates a Vault KV v2 backend.
// URI format: vault://host:8200/mount/path?cert=/client.pem&key=/client.key&tls=true
func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.BlobStore, error) {
	scheme := "https"
	if loc.Query.Has("tls") && !loc.GetParamBool("tls") {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, loc.Host)

	mount, dataPath, _ := strings.Cut(strings.TrimPrefix(loc.Path, "/"), "/")

	var clientCert *tls.Certificate
	if certFile := loc.GetParam("cert"); certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, loc.GetParam("key"))
		if err != nil {
			return nil, fmt.Errorf("failed to load vault client certificate: %w", err)
		}
		clientCert = &cert
	}

	return NewVaultBackend(address, mount, dataPath, clientCert, sf.log)
}

// createFileBackend creates a file system storage backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.BlobStore, error) {
	path := loc.LocalPath()
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, loc.Raw)
	}
	return NewFileBackend(path, sf.log)
}

// redactURI hides credentials embedded in a location URI.
func redactURI(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	if at := strings.Index(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return uri
}
