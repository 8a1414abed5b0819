package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ruteri/tee-enclave-boundary/cryptoutils"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
)

const (
	materialSize = 32
	// Out-of-range scalars are retried this many times before giving up.
	maxScalarAttempts = 8

	aesNonceSize = 12
	aesTagSize   = 16
	// MinAESCiphertextSize is nonce plus tag.
	MinAESCiphertextSize = aesNonceSize + aesTagSize
)

// allowedUsage lists the operations each algorithm supports.
var allowedUsage = map[interfaces.KeyAlgorithm]interfaces.KeyUsage{
	interfaces.AlgorithmAES256GCM: interfaces.UsageEncrypt | interfaces.UsageDecrypt | interfaces.UsageDerive,
	interfaces.AlgorithmSecp256k1: interfaces.UsageSign | interfaces.UsageEncrypt | interfaces.UsageDecrypt | interfaces.UsageDerive,
	interfaces.AlgorithmEd25519:   interfaces.UsageSign | interfaces.UsageDerive,
	interfaces.AlgorithmP256:      interfaces.UsageSign | interfaces.UsageEncrypt | interfaces.UsageDecrypt | interfaces.UsageDerive,
}

// newMaterial draws 32 bytes of key material from entropy. For curve keys
// the bytes are the private scalar and must be in range.
func newMaterial(alg interfaces.KeyAlgorithm, entropy io.Reader) ([]byte, error) {
	for attempt := 0; attempt < maxScalarAttempts; attempt++ {
		material := make([]byte, materialSize)
		if _, err := io.ReadFull(entropy, material); err != nil {
			return nil, err
		}
		if err := checkMaterial(alg, material); err != nil {
			cryptoutils.Wipe(material)
			continue
		}
		return material, nil
	}
	return nil, fmt.Errorf("%w: no valid %s scalar after %d attempts", interfaces.ErrInternalEnclaveFault, alg, maxScalarAttempts)
}

func checkMaterial(alg interfaces.KeyAlgorithm, material []byte) error {
	switch alg {
	case interfaces.AlgorithmSecp256k1:
		_, err := ethcrypto.ToECDSA(material)
		return err
	case interfaces.AlgorithmP256:
		_, err := ecdh.P256().NewPrivateKey(material)
		return err
	}
	return nil
}

func secp256k1Key(material []byte) (*ecdsa.PrivateKey, error) {
	priv, err := ethcrypto.ToECDSA(material)
	if err != nil {
		return nil, fmt.Errorf("%w: stored secp256k1 key: %v", interfaces.ErrInternalEnclaveFault, err)
	}
	return priv, nil
}

func p256Key(material []byte) (*ecdsa.PrivateKey, error) {
	if _, err := ecdh.P256().NewPrivateKey(material); err != nil {
		return nil, fmt.Errorf("%w: stored P-256 key: %v", interfaces.ErrInternalEnclaveFault, err)
	}
	curve := elliptic.P256()
	priv := &ecdsa.PrivateKey{D: new(big.Int).SetBytes(material)}
	priv.Curve = curve
	priv.X, priv.Y = curve.ScalarBaseMult(material)
	return priv, nil
}

// publicKey returns the exported public half: uncompressed SEC1 points for
// the curves, the raw 32 bytes for ed25519, nothing for AES.
func publicKey(alg interfaces.KeyAlgorithm, material []byte) ([]byte, error) {
	switch alg {
	case interfaces.AlgorithmSecp256k1:
		priv, err := secp256k1Key(material)
		if err != nil {
			return nil, err
		}
		return ethcrypto.FromECDSAPub(&priv.PublicKey), nil
	case interfaces.AlgorithmEd25519:
		return ed25519.NewKeyFromSeed(material).Public().(ed25519.PublicKey), nil
	case interfaces.AlgorithmP256:
		priv, err := ecdh.P256().NewPrivateKey(material)
		if err != nil {
			return nil, fmt.Errorf("%w: stored P-256 key: %v", interfaces.ErrInternalEnclaveFault, err)
		}
		return priv.PublicKey().Bytes(), nil
	}
	return nil, nil
}

func sign(alg interfaces.KeyAlgorithm, material, message []byte, entropy io.Reader) ([]byte, error) {
	switch alg {
	case interfaces.AlgorithmSecp256k1:
		priv, err := secp256k1Key(material)
		if err != nil {
			return nil, err
		}
		defer priv.D.SetInt64(0)
		return ethcrypto.Sign(ethcrypto.Keccak256(message), priv)
	case interfaces.AlgorithmEd25519:
		priv := ed25519.NewKeyFromSeed(material)
		defer cryptoutils.Wipe(priv)
		return ed25519.Sign(priv, message), nil
	case interfaces.AlgorithmP256:
		priv, err := p256Key(material)
		if err != nil {
			return nil, err
		}
		defer priv.D.SetInt64(0)
		digest := sha256.Sum256(message)
		return ecdsa.SignASN1(entropy, priv, digest[:])
	}
	return nil, fmt.Errorf("%w: %s keys cannot sign", interfaces.ErrUsageNotPermitted, alg)
}

func verify(alg interfaces.KeyAlgorithm, pub, message, signature []byte) (bool, error) {
	switch alg {
	case interfaces.AlgorithmSecp256k1:
		if len(signature) == ethcrypto.SignatureLength {
			signature = signature[:ethcrypto.SignatureLength-1]
		}
		if len(signature) != ethcrypto.SignatureLength-1 {
			return false, nil
		}
		return ethcrypto.VerifySignature(pub, ethcrypto.Keccak256(message), signature), nil
	case interfaces.AlgorithmEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return false, fmt.Errorf("%w: stored ed25519 public key", interfaces.ErrInternalEnclaveFault)
		}
		return ed25519.Verify(pub, message, signature), nil
	case interfaces.AlgorithmP256:
		x, y := elliptic.Unmarshal(elliptic.P256(), pub)
		if x == nil {
			return false, fmt.Errorf("%w: stored P-256 public key", interfaces.ErrInternalEnclaveFault)
		}
		digest := sha256.Sum256(message)
		return ecdsa.VerifyASN1(&ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, digest[:], signature), nil
	}
	return false, fmt.Errorf("%w: %s keys cannot verify", interfaces.ErrUsageNotPermitted, alg)
}

func encrypt(alg interfaces.KeyAlgorithm, material, plaintext []byte, entropy io.Reader) ([]byte, error) {
	switch alg {
	case interfaces.AlgorithmAES256GCM:
		aead, err := newAEAD(material)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, aesNonceSize, aesNonceSize+len(plaintext)+aesTagSize)
		if _, err := io.ReadFull(entropy, nonce); err != nil {
			return nil, err
		}
		return aead.Seal(nonce, nonce, plaintext, nil), nil
	case interfaces.AlgorithmSecp256k1:
		priv, err := secp256k1Key(material)
		if err != nil {
			return nil, err
		}
		defer priv.D.SetInt64(0)
		return ecies.Encrypt(entropy, ecies.ImportECDSAPublic(&priv.PublicKey), plaintext, nil, nil)
	case interfaces.AlgorithmP256:
		priv, err := ecdh.P256().NewPrivateKey(material)
		if err != nil {
			return nil, fmt.Errorf("%w: stored P-256 key: %v", interfaces.ErrInternalEnclaveFault, err)
		}
		return cryptoutils.EncryptP256From(entropy, priv.PublicKey(), plaintext)
	}
	return nil, fmt.Errorf("%w: %s keys have no encryption scheme", interfaces.ErrUsageNotPermitted, alg)
}

func decrypt(alg interfaces.KeyAlgorithm, material, ciphertext []byte) ([]byte, error) {
	switch alg {
	case interfaces.AlgorithmAES256GCM:
		if len(ciphertext) < MinAESCiphertextSize {
			return nil, fmt.Errorf("%w: ciphertext shorter than %d bytes", interfaces.ErrInvalidArgument, MinAESCiphertextSize)
		}
		aead, err := newAEAD(material)
		if err != nil {
			return nil, err
		}
		plaintext, err := aead.Open(nil, ciphertext[:aesNonceSize], ciphertext[aesNonceSize:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: ciphertext authentication failed", interfaces.ErrIntegrityCheckFailed)
		}
		return plaintext, nil
	case interfaces.AlgorithmSecp256k1:
		priv, err := secp256k1Key(material)
		if err != nil {
			return nil, err
		}
		defer priv.D.SetInt64(0)
		plaintext, err := ecies.ImportECDSA(priv).Decrypt(ciphertext, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrIntegrityCheckFailed, err)
		}
		return plaintext, nil
	case interfaces.AlgorithmP256:
		priv, err := ecdh.P256().NewPrivateKey(material)
		if err != nil {
			return nil, fmt.Errorf("%w: stored P-256 key: %v", interfaces.ErrInternalEnclaveFault, err)
		}
		plaintext, err := cryptoutils.DecryptP256(priv, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrIntegrityCheckFailed, err)
		}
		return plaintext, nil
	}
	return nil, fmt.Errorf("%w: %s keys have no encryption scheme", interfaces.ErrUsageNotPermitted, alg)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInternalEnclaveFault, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInternalEnclaveFault, err)
	}
	return aead, nil
}
