package kms

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"testing"
	"time"

	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAdmin struct {
	pub  cryptoutils.PublicKeyPEM
	priv cryptoutils.PrivateKeyPEM
}

func newTestAdmins(t *testing.T, n int) []testAdmin {
	admins := make([]testAdmin, n)
	for i := range admins {
		pub, priv, err := cryptoutils.RandomP256Keypair()
		require.NoError(t, err)
		admins[i] = testAdmin{pub: pub, priv: priv}
	}
	return admins
}

func adminKeys(admins []testAdmin) [][]byte {
	keys := make([][]byte, len(admins))
	for i, a := range admins {
		keys[i] = a.pub
	}
	return keys
}

func TestShamirRoot_New(t *testing.T) {
	admins := newTestAdmins(t, 3)

	root, err := NewShamirRoot(ShamirConfig{Threshold: 2, AdminPubKeys: adminKeys(admins)}, nil)
	require.NoError(t, err)
	assert.False(t, root.IsUnlocked())

	_, err = NewShamirRoot(ShamirConfig{Threshold: 4, AdminPubKeys: adminKeys(admins)}, nil)
	assert.ErrorIs(t, err, ErrInvalidShamirConfig, "Should fail when threshold > admins")

	_, err = NewShamirRoot(ShamirConfig{Threshold: 1, AdminPubKeys: adminKeys(admins)}, nil)
	assert.ErrorIs(t, err, ErrInvalidShamirConfig, "Should fail when threshold < 2")

	_, err = NewShamirRoot(ShamirConfig{Threshold: 2, AdminPubKeys: [][]byte{[]byte("not-a-valid-pem"), admins[0].pub}}, nil)
	assert.Error(t, err, "Should fail with invalid PEM")
}

func TestShamirRoot_Split(t *testing.T) {
	secret := make([]byte, RootSecretSize)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	shares, err := Split(secret, 5, 3)
	require.NoError(t, err)
	assert.Len(t, shares, 5)

	_, err = Split(secret, 5, 6)
	assert.Error(t, err)
	_, err = Split(secret[:16], 5, 3)
	assert.Error(t, err)
}

func TestShamirRoot_ShareSubmission(t *testing.T) {
	admins := newTestAdmins(t, 3)
	root, err := NewShamirRoot(ShamirConfig{Threshold: 2, AdminPubKeys: adminKeys(admins)}, nil)
	require.NoError(t, err)

	secret := make([]byte, RootSecretSize)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	expected := append([]byte{}, secret...)

	shares, err := Split(secret, 3, 2)
	require.NoError(t, err)

	// Root blocks while locked.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = root.Root(ctx)
	require.ErrorIs(t, err, interfaces.ErrEnclaveNotReady)

	t.Run("Unregistered admin", func(t *testing.T) {
		outsider := newTestAdmins(t, 1)[0]
		sig, err := SignShare(0, shares[0], outsider.priv)
		require.NoError(t, err)
		require.ErrorIs(t, root.SubmitShare(0, shares[0], sig, outsider.pub), ErrUnregisteredAdmin)
	})

	t.Run("Signature for another index", func(t *testing.T) {
		sig, err := SignShare(1, shares[0], admins[0].priv)
		require.NoError(t, err)
		require.ErrorIs(t, root.SubmitShare(0, shares[0], sig, admins[0].pub), ErrInvalidShareSig)
	})

	sig0, err := SignShare(0, shares[0], admins[0].priv)
	require.NoError(t, err)
	require.NoError(t, root.SubmitShare(0, shares[0], sig0, admins[0].pub))
	assert.False(t, root.IsUnlocked())

	t.Run("Same admin twice", func(t *testing.T) {
		sig, err := SignShare(1, shares[1], admins[0].priv)
		require.NoError(t, err)
		require.ErrorIs(t, root.SubmitShare(1, shares[1], sig, admins[0].pub), ErrDuplicateShare)
	})

	waiter := make(chan []byte, 1)
	go func() {
		got, err := root.Root(context.Background())
		if err == nil {
			waiter <- got
		}
		close(waiter)
	}()

	sig1, err := SignShare(1, shares[1], admins[1].priv)
	require.NoError(t, err)
	require.NoError(t, root.SubmitShare(1, shares[1], sig1, admins[1].pub))
	assert.True(t, root.IsUnlocked())

	select {
	case got := <-waiter:
		assert.Equal(t, expected, got)
	case <-time.After(2 * time.Second):
		t.Fatal("Root did not return after unlock")
	}

	sig2, err := SignShare(2, shares[2], admins[2].priv)
	require.NoError(t, err)
	assert.ErrorIs(t, root.SubmitShare(2, shares[2], sig2, admins[2].pub), ErrAlreadyUnlocked)
}

func TestShamirRoot_EncryptedShares(t *testing.T) {
	admins := newTestAdmins(t, 2)
	root, err := NewShamirRoot(ShamirConfig{Threshold: 2, AdminPubKeys: adminKeys(admins)}, nil)
	require.NoError(t, err)

	secret := make([]byte, RootSecretSize)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	expected := append([]byte{}, secret...)
	shares, err := Split(secret, 2, 2)
	require.NoError(t, err)

	shareKey, err := ecdh.P256().NewPublicKey(root.ShareKey())
	require.NoError(t, err)

	encryptAndSign := func(i int, key *ecdh.PublicKey) ([]byte, []byte) {
		encrypted, err := cryptoutils.EncryptP256(key, shares[i])
		require.NoError(t, err)
		sig, err := SignShare(i, shares[i], admins[i].priv)
		require.NoError(t, err)
		return encrypted, sig
	}

	t.Run("Encrypted to another key", func(t *testing.T) {
		other, err := ecdh.P256().GenerateKey(rand.Reader)
		require.NoError(t, err)
		encrypted, sig := encryptAndSign(0, other.PublicKey())
		require.ErrorIs(t, root.SubmitEncryptedShare(0, encrypted, sig, admins[0].pub), ErrUndecryptableShare)
	})

	t.Run("Plaintext share", func(t *testing.T) {
		sig, err := SignShare(0, shares[0], admins[0].priv)
		require.NoError(t, err)
		require.ErrorIs(t, root.SubmitEncryptedShare(0, shares[0], sig, admins[0].pub), ErrUndecryptableShare)
	})

	received, _ := root.Progress()
	assert.Zero(t, received, "rejected shares must not count")

	for i := range shares {
		encrypted, sig := encryptAndSign(i, shareKey)
		require.NoError(t, root.SubmitEncryptedShare(i, encrypted, sig, admins[i].pub))
	}
	require.True(t, root.IsUnlocked())
	got, err := root.Root(context.Background())
	require.NoError(t, err)
	assert.Equal(t, expected, got)

	assert.Nil(t, root.ShareKey(), "share key must be dropped once unlocked")
	encrypted, sig := encryptAndSign(0, shareKey)
	assert.ErrorIs(t, root.SubmitEncryptedShare(0, encrypted, sig, admins[0].pub), ErrAlreadyUnlocked)
}

func TestUnlockReportData(t *testing.T) {
	nonce := []byte("0123456789abcdef")
	key := []byte("share-key")

	data := UnlockReportData(nonce, key)
	assert.Len(t, data, 32)
	assert.Equal(t, data, UnlockReportData(nonce, key))
	assert.NotEqual(t, data, UnlockReportData(nonce, []byte("other-key")))
	assert.NotEqual(t, data, UnlockReportData([]byte("0123456789abcdeg"), key))
	// The nonce length is bound, so bytes cannot move between the fields.
	assert.NotEqual(t, data, UnlockReportData(nonce[:15], append([]byte("f"), key...)))
}
