package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// PublicKeyPEM represents a PKIX public key in PEM format.
type PublicKeyPEM []byte

// NewPublicKeyPEM creates a new public key object from PEM-encoded data with validation.
func NewPublicKeyPEM(data []byte) (PublicKeyPEM, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return PublicKeyPEM{}, errors.New("invalid public key: not in PEM format or not a public key")
	}

	_, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return PublicKeyPEM{}, fmt.Errorf("invalid public key structure: %w", err)
	}

	return PublicKeyPEM(data), nil
}

// GetPublicKey returns the parsed public key.
func (pub PublicKeyPEM) GetPublicKey() (crypto.PublicKey, error) {
	block, _ := pem.Decode(pub)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

// VerifySignature checks sig over msg. ECDSA signatures are ASN.1 over
// SHA-256(msg); ed25519 signatures are over msg itself.
func (pub PublicKeyPEM) VerifySignature(msg, sig []byte) (bool, error) {
	key, err := pub.GetPublicKey()
	if err != nil {
		return false, err
	}
	switch k := key.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(msg)
		return ecdsa.VerifyASN1(k, digest[:], sig), nil
	case ed25519.PublicKey:
		return ed25519.Verify(k, msg, sig), nil
	default:
		return false, fmt.Errorf("unsupported public key type: %T", key)
	}
}

// PrivateKeyPEM represents a private key in PEM format.
type PrivateKeyPEM []byte

// GetPrivateKey returns the parsed private key.
func (priv PrivateKeyPEM) GetPrivateKey() (crypto.Signer, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	// Try to parse it as a PKCS8 private key
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type: %T", key)
		}
		return signer, nil
	}

	// Try to parse it as an EC private key
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	return nil, errors.New("failed to parse private key")
}

// Sign produces a signature VerifySignature accepts.
func (priv PrivateKeyPEM) Sign(msg []byte) ([]byte, error) {
	key, err := priv.GetPrivateKey()
	if err != nil {
		return nil, err
	}
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		digest := sha256.Sum256(msg)
		return ecdsa.SignASN1(rand.Reader, k, digest[:])
	case ed25519.PrivateKey:
		return ed25519.Sign(k, msg), nil
	default:
		return nil, fmt.Errorf("unsupported private key type: %T", key)
	}
}

func RandomP256Keypair() (PublicKeyPEM, PrivateKeyPEM, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	pubkeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	pubkeyKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubkeyBytes,
	})

	return PublicKeyPEM(pubkeyKeyPEM), PrivateKeyPEM(privateKeyPEM), nil
}
