package cryptoutils

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestP256KeypairSignVerify(t *testing.T) {
	pub, priv, err := RandomP256Keypair()
	require.NoError(t, err)

	_, err = NewPublicKeyPEM(pub)
	require.NoError(t, err)

	sig, err := priv.Sign([]byte("share"))
	require.NoError(t, err)

	ok, err := pub.VerifySignature([]byte("share"), sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = pub.VerifySignature([]byte("other"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEd25519PEMSignVerify(t *testing.T) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pubDER, err := x509.MarshalPKIXPublicKey(edPub)
	require.NoError(t, err)
	privDER, err := x509.MarshalPKCS8PrivateKey(edPriv)
	require.NoError(t, err)

	pub := PublicKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	priv := PrivateKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))

	sig, err := priv.Sign([]byte("msg"))
	require.NoError(t, err)
	ok, err := pub.VerifySignature([]byte("msg"), sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNewPublicKeyPEMRejectsGarbage(t *testing.T) {
	_, err := NewPublicKeyPEM([]byte("nope"))
	require.Error(t, err)
}
