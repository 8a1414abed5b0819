package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// localBackends returns every backend that runs without external services.
func localBackends(t *testing.T) map[string]interfaces.BlobStore {
	t.Helper()
	dir := t.TempDir()

	file, err := NewFileBackend(filepath.Join(dir, "files"), testLogger)
	require.NoError(t, err)

	pogreb, err := NewPogrebBackend(filepath.Join(dir, "blobs.pogreb"), testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pogreb.Close() })

	sqlite, err := NewSQLiteBackend(filepath.Join(dir, "blobs.db"), testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]interfaces.BlobStore{
		"file":   file,
		"pogreb": pogreb,
		"sqlite": sqlite,
	}
}

func TestLocalBackends(t *testing.T) {
	for name, backend := range localBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.True(t, backend.Available(ctx))

			_, err := backend.Get(ctx, "keys/missing")
			require.ErrorIs(t, err, interfaces.ErrBlobNotFound)

			require.NoError(t, backend.Put(ctx, "keys/a", []byte("first")))
			require.NoError(t, backend.Put(ctx, "keys/a/b", []byte("nested")))
			require.NoError(t, backend.Put(ctx, "data/x", []byte{}))
			require.NoError(t, backend.Put(ctx, "keys/a", []byte("second")))

			got, err := backend.Get(ctx, "keys/a")
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), got)

			got, err = backend.Get(ctx, "data/x")
			require.NoError(t, err)
			assert.Empty(t, got)

			keys, err := backend.List(ctx, "keys/")
			require.NoError(t, err)
			assert.Equal(t, []string{"keys/a", "keys/a/b"}, keys)

			keys, err = backend.List(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, []string{"data/x", "keys/a", "keys/a/b"}, keys)

			require.NoError(t, backend.Delete(ctx, "keys/a"))
			require.ErrorIs(t, backend.Delete(ctx, "keys/a"), interfaces.ErrBlobNotFound)
			_, err = backend.Get(ctx, "keys/a")
			require.ErrorIs(t, err, interfaces.ErrBlobNotFound)

			got, err = backend.Get(ctx, "keys/a/b")
			require.NoError(t, err)
			assert.Equal(t, []byte("nested"), got)

			for _, bad := range []string{"", "/abs", "a/../b", "a//b", "./a"} {
				require.ErrorIs(t, backend.Put(ctx, bad, []byte("x")), interfaces.ErrInvalidStorageKey, bad)
			}

			assert.NotEmpty(t, backend.Name())
			assert.NotEmpty(t, backend.LocationURI())
		})
	}
}

func TestFileBackendSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir, testLogger)
	require.NoError(t, err)
	require.NoError(t, b.Put(context.Background(), "keys/k1", []byte("v")))

	reopened, err := NewFileBackend(dir, testLogger)
	require.NoError(t, err)
	got, err := reopened.Get(context.Background(), "keys/k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestFactory(t *testing.T) {
	dir := t.TempDir()
	factory := NewStorageBackendFactory(testLogger)

	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{uri: "file://" + filepath.Join(dir, "f"), want: "*storage.FileBackend"},
		{uri: "pogreb://" + filepath.Join(dir, "p"), want: "*storage.PogrebBackend"},
		{uri: "sqlite://" + filepath.Join(dir, "s.db"), want: "*storage.SQLiteBackend"},
		{uri: "s3://bucket/prefix?region=eu-west-1&endpoint=http://localhost:9000", want: "*storage.S3Backend"},
		{uri: "ipfs://127.0.0.1:5001/enclave?timeout=5s", want: "*storage.IPFSBackend"},
		{uri: "vault://127.0.0.1:8200/secret/enclave?tls=false", want: "*storage.VaultBackend"},
		{uri: "ipfs://127.0.0.1:5001/?timeout=forever", wantErr: true},
		{uri: "github://owner/repo", wantErr: true},
		{uri: "::not a uri", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			backend, err := factory.StorageBackendFor(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, fmt.Sprintf("%T", backend))
			if c, ok := backend.(io.Closer); ok {
				_ = c.Close()
			}
		})
	}
}

func TestCreateMultiBackend(t *testing.T) {
	dir := t.TempDir()
	factory := NewStorageBackendFactory(testLogger)

	single, err := factory.CreateMultiBackend([]string{"file://" + filepath.Join(dir, "one")})
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, single)

	multi, err := factory.CreateMultiBackend([]string{
		"file://" + filepath.Join(dir, "a"),
		"github://skipped/repo",
		"file://" + filepath.Join(dir, "b"),
	})
	require.NoError(t, err)
	assert.IsType(t, &MultiStorageBackend{}, multi)

	_, err = factory.CreateMultiBackend([]string{"github://owner/repo"})
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestRedactURI(t *testing.T) {
	assert.Equal(t, "s3://***@bucket/p", redactURI("s3://AK:SK@bucket/p"))
	assert.Equal(t, "file:///tmp/x", redactURI("file:///tmp/x"))
}
