package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// StorageBackendLocation represents URI for storage backend.
type StorageBackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStorageBackendLocation creates a new storage location from a URI string with validation.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := parsed.Scheme
	switch scheme {
	case "file", "s3", "ipfs", "vault", "pogreb", "sqlite":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

// LocalPath returns host+path, which is how file:// and embedded database
// URIs name a directory ("file:///var/lib/x" and "file://./data" both work).
func (loc StorageBackendLocation) LocalPath() string {
	return loc.Host + loc.Path
}

// GetParam returns a query parameter value.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrBlobNotFound is returned when no blob exists under the requested key.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrInvalidStorageKey is returned for keys that are empty, absolute or escape their namespace.
	ErrInvalidStorageKey = errors.New("invalid storage key")
)

// MaxStorageKeyLength bounds storage keys so every backend can map them to a name.
const MaxStorageKeyLength = 512

// ValidateStorageKey checks that key is a relative slash-separated path
// without empty, "." or ".." segments.
func ValidateStorageKey(key string) error {
	if key == "" || len(key) > MaxStorageKeyLength {
		return fmt.Errorf("%w: length %d", ErrInvalidStorageKey, len(key))
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") || strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidStorageKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidStorageKey, key)
		}
	}
	return nil
}

// BlobStore persists opaque, already-sealed blobs outside the enclave.
// Backends are untrusted: everything written here is ciphertext.
type BlobStore interface {
	// Get retrieves the blob stored under key, or ErrBlobNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data under key, replacing any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key returns ErrBlobNotFound.
	Delete(ctx context.Context, key string) error

	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}
