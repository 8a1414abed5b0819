package cryptoutils

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptionDecryption(t *testing.T) {
	privateKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	testCases := []struct {
		name string
		data []byte
	}{
		{
			name: "Simple string",
			data: []byte("This is a secret message"),
		},
		{
			name: "JSON data",
			data: []byte(`{"username":"admin","password":"secret123"}`),
		},
		{
			name: "Binary data",
			data: []byte{0x00, 0x01, 0x02, 0x03, 0xFF, 0xFE, 0xFD},
		},
		{
			name: "Empty data",
			data: []byte{},
		},
		{
			name: "Long data",
			data: make([]byte, 1024),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encryptedData, err := EncryptP256(privateKey.PublicKey(), tc.data)
			require.NoError(t, err)
			require.Greater(t, len(encryptedData), len(tc.data))

			decryptedData, err := DecryptP256(privateKey, encryptedData)
			require.NoError(t, err)
			require.Equal(t, len(tc.data), len(decryptedData))
			if len(tc.data) > 0 {
				require.Equal(t, tc.data, decryptedData)
			}
		})
	}
}

func TestDecryptionFailures(t *testing.T) {
	privateKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	encrypted, err := EncryptP256(privateKey.PublicKey(), []byte("secret"))
	require.NoError(t, err)

	t.Run("Wrong key", func(t *testing.T) {
		_, err := DecryptP256(otherKey, encrypted)
		require.Error(t, err)
	})

	t.Run("Tampered ciphertext", func(t *testing.T) {
		tampered := append([]byte{}, encrypted...)
		tampered[len(tampered)-1] ^= 0x01
		_, err := DecryptP256(privateKey, tampered)
		require.Error(t, err)
	})

	t.Run("Truncated", func(t *testing.T) {
		_, err := DecryptP256(privateKey, encrypted[:10])
		require.ErrorIs(t, err, ErrMalformedCiphertext)
		_, err = DecryptP256(privateKey, nil)
		require.ErrorIs(t, err, ErrMalformedCiphertext)
	})
}
