package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

// VaultBackend implements a storage backend on a HashiCorp Vault KV v2 mount.
// It authenticates either with a TLS client certificate or with the token
// the Vault client picks up from VAULT_TOKEN.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a new Vault storage backend.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "enclave")
//   - clientCert: optional TLS client certificate
//   - log: Structured logger for operational insights
func NewVaultBackend(address, mountPath, dataPath string, clientCert *tls.Certificate, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address

	if clientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{*clientCert},
					MinVersion:   tls.VersionTLS12,
				},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")
	if mountPath == "" {
		return nil, fmt.Errorf("%w: empty vault mount path", interfaces.ErrInvalidLocationURI)
	}

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         common.LoggerOrDiscard(log),
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

func (b *VaultBackend) secretPath(kind, key string) string {
	if b.dataPath == "" {
		return fmt.Sprintf("%s/%s/%s", b.mountPath, kind, key)
	}
	return fmt.Sprintf("%s/%s/%s/%s", b.mountPath, kind, b.dataPath, key)
}

// Get reads the blob of key. Blobs are stored base64-encoded under the
// "content" field of the secret.
func (b *VaultBackend) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	if err := interfaces.ValidateStorageKey(key); err != nil {
		return nil, err
	}
	path := b.secretPath("data", key)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	if secret == nil || secret.Data == nil || secret.Data["data"] == nil {
		b.log.Debug("Blob not found in Vault", slog.String("path", path))
		return nil, interfaces.ErrBlobNotFound
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data")
	}
	blob, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("invalid content encoding in Vault data: %w", err)
	}

	b.log.Debug("Fetched blob from Vault",
		slog.String("path", path),
		slog.Int("size", len(blob)),
		slog.Duration("duration", time.Since(start)))

	return blob, nil
}

// Put writes a new version of key.
func (b *VaultBackend) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	if err := interfaces.ValidateStorageKey(key); err != nil {
		return err
	}
	path := b.secretPath("data", key)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored blob in Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// Delete removes every version of key and its metadata.
func (b *VaultBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.Get(ctx, key); err != nil {
		return err
	}
	if _, err := b.client.Logical().DeleteWithContext(ctx, b.secretPath("metadata", key)); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// List walks the metadata tree and returns the keys under prefix.
func (b *VaultBackend) List(ctx context.Context, prefix string) ([]string, error) {
	// Only the directory part of the prefix narrows the walk.
	dir := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = prefix[:i+1]
	}

	keys := []string{}
	if err := b.walk(ctx, dir, prefix, &keys); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *VaultBackend) walk(ctx context.Context, dir, prefix string, keys *[]string) error {
	secret, err := b.client.Logical().ListWithContext(ctx, strings.TrimSuffix(b.secretPath("metadata", dir), "/"))
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil
	}
	entries, _ := secret.Data["keys"].([]interface{})
	for _, e := range entries {
		name, ok := e.(string)
		if !ok {
			continue
		}
		full := dir + name
		if strings.HasSuffix(name, "/") {
			if strings.HasPrefix(full, prefix) || strings.HasPrefix(prefix, full) {
				if err := b.walk(ctx, full, prefix, keys); err != nil {
					return err
				}
			}
			continue
		}
		if strings.HasPrefix(full, prefix) {
			*keys = append(*keys, full)
		}
	}
	return nil
}

// Available checks if the Vault backend is accessible.
// It uses the health endpoint to verify that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}
