package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const gcmNonceSize = 12

var ErrMalformedCiphertext = errors.New("malformed ECIES ciphertext")

// EncryptP256 encrypts data to a P-256 public key using ECIES with ECDH key
// agreement, SHA-256 for key derivation, and AES-GCM for authenticated encryption.
// A fresh ephemeral key is generated for each encryption operation.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][iv][ciphertext]
func EncryptP256(publicKey *ecdh.PublicKey, data []byte) ([]byte, error) {
	return EncryptP256From(rand.Reader, publicKey, data)
}

// EncryptP256From is EncryptP256 drawing the ephemeral key and IV from random.
func EncryptP256From(random io.Reader, publicKey *ecdh.PublicKey, data []byte) ([]byte, error) {
	ephemeralKey, err := publicKey.Curve().GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	shared, err := ephemeralKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}
	sharedSecret := sha256.Sum256(shared)
	Wipe(shared)
	defer Wipe(sharedSecret[:])

	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(random, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	aesGCM, err := newGCM(sharedSecret[:])
	if err != nil {
		return nil, err
	}
	ciphertext := aesGCM.Seal(nil, iv, data, nil)

	ephemeralPublicKeyBytes := ephemeralKey.PublicKey().Bytes()

	result := make([]byte, 2+len(ephemeralPublicKeyBytes)+len(iv)+len(ciphertext))
	binary.BigEndian.PutUint16(result[0:2], uint16(len(ephemeralPublicKeyBytes)))
	copy(result[2:2+len(ephemeralPublicKeyBytes)], ephemeralPublicKeyBytes)
	copy(result[2+len(ephemeralPublicKeyBytes):2+len(ephemeralPublicKeyBytes)+len(iv)], iv)
	copy(result[2+len(ephemeralPublicKeyBytes)+len(iv):], ciphertext)

	return result, nil
}

// DecryptP256 decrypts data produced by EncryptP256.
func DecryptP256(privateKey *ecdh.PrivateKey, encryptedData []byte) ([]byte, error) {
	if len(encryptedData) < 2 {
		return nil, ErrMalformedCiphertext
	}

	ephemeralKeyLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+ephemeralKeyLen+gcmNonceSize+16 {
		return nil, ErrMalformedCiphertext
	}

	ephemeralKey, err := privateKey.Curve().NewPublicKey(encryptedData[2 : 2+ephemeralKeyLen])
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral public key: %v", ErrMalformedCiphertext, err)
	}

	shared, err := privateKey.ECDH(ephemeralKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}
	sharedSecret := sha256.Sum256(shared)
	Wipe(shared)
	defer Wipe(sharedSecret[:])

	ivStart := 2 + ephemeralKeyLen
	iv := encryptedData[ivStart : ivStart+gcmNonceSize]
	ciphertext := encryptedData[ivStart+gcmNonceSize:]

	aesGCM, err := newGCM(sharedSecret[:])
	if err != nil {
		return nil, err
	}

	plaintext, err := aesGCM.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
