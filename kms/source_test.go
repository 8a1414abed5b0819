package kms

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceholderRootIsStable(t *testing.T) {
	a, err := NewPlaceholderRoot(nil).Root(context.Background())
	require.NoError(t, err)
	b, err := NewPlaceholderRoot(nil).Root(context.Background())
	require.NoError(t, err)

	assert.Len(t, a, RootSecretSize)
	assert.Equal(t, a, b)
	assert.True(t, NewPlaceholderRoot(nil).Insecure())

	// Callers wipe their copy; the source is unaffected.
	for i := range a {
		a[i] = 0
	}
	c, err := NewPlaceholderRoot(nil).Root(context.Background())
	require.NoError(t, err)
	assert.Equal(t, b, c)
}

func TestFileRootCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "root.key")
	src, err := NewFileRoot(path, nil)
	require.NoError(t, err)
	assert.True(t, src.Insecure(), "a root readable on the host must not be trusted")

	first, err := src.Root(context.Background())
	require.NoError(t, err)
	assert.Len(t, first, RootSecretSize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	again, err := NewFileRoot(path, nil)
	require.NoError(t, err)
	second, err := again.Root(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFileRootRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "root.key")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))

	src, err := NewFileRoot(path, nil)
	require.NoError(t, err)
	_, err = src.Root(context.Background())
	assert.Error(t, err)

	_, err = NewFileRoot("", nil)
	assert.Error(t, err)
}

func TestNewRootSource(t *testing.T) {
	src, err := NewRootSource(Options{Source: "placeholder"}, nil)
	require.NoError(t, err)
	assert.Equal(t, SourcePlaceholder, src.Name())

	src, err = NewRootSource(Options{Source: "file", Path: filepath.Join(t.TempDir(), "k")}, nil)
	require.NoError(t, err)
	assert.Equal(t, SourceFile, src.Name())

	admins := newTestAdmins(t, 2)
	src, err = NewRootSource(Options{Source: "shamir", Threshold: 2, AdminPubKeys: []string{string(admins[0].pub), string(admins[1].pub)}}, nil)
	require.NoError(t, err)
	assert.Equal(t, SourceShamir, src.Name())

	_, err = NewRootSource(Options{Source: "hsm"}, nil)
	assert.Error(t, err)
}
