package tuf

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genEd25519(t *testing.T) (Key, PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key := Key{
		KeyType: KeyTypeEd25519,
		KeyVal:  KeyVal{Public: base64.StdEncoding.EncodeToString(pub)},
	}
	keyID, err := key.ID()
	require.NoError(t, err)
	return key, PrivateKey{KeyID: keyID, DerKey: []byte(priv), Type: KeyTypeEd25519}
}

func genRSA(t *testing.T) (Key, PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	key := Key{KeyType: KeyTypeRsa, KeyVal: KeyVal{Public: string(pubPEM)}}
	keyID, err := key.ID()
	require.NoError(t, err)
	return key, PrivateKey{KeyID: keyID, DerKey: x509.MarshalPKCS1PrivateKey(priv), Type: KeyTypeRsa}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key, priv := genEd25519(t)
	payload := []byte(`{"hello":"world"}`)

	sig, err := sign(payload, priv, SigEd25519)
	require.NoError(t, err)
	assert.NoError(t, verify(payload, key, SigEd25519, sig))
}

func TestSignVerifyRsaPssRoundTrip(t *testing.T) {
	key, priv := genRSA(t)
	payload := []byte(`{"hello":"world"}`)

	sig, err := sign(payload, priv, SigRsaSsaPss)
	require.NoError(t, err)
	assert.NoError(t, verify(payload, key, SigRsaSsaPss, sig))

	err = verify([]byte(`{"hello":"mallory"}`), key, SigRsaSsaPss, sig)
	assert.Error(t, err)
}

func TestRsaKeyIDIsDigestOfDERBytes(t *testing.T) {
	key, priv := genRSA(t)
	id1, err := key.ID()
	require.NoError(t, err)
	assert.Equal(t, priv.KeyID, id1)

	block, _ := pem.Decode([]byte(key.KeyVal.Public))
	require.NotNil(t, block)
	derSum := sha256.Sum256(block.Bytes)
	assert.Equal(t, hex.EncodeToString(derSum[:]), id1)

	reencoded := Key{KeyType: key.KeyType, KeyVal: KeyVal{Public: key.KeyVal.Public}}
	id2, err := reencoded.ID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	key, priv := genEd25519(t)
	payload := []byte(`{"hello":"world"}`)
	sig, err := sign(payload, priv, SigEd25519)
	require.NoError(t, err)

	err = verify([]byte(`{"hello":"mallory"}`), key, SigEd25519, sig)
	assert.Error(t, err)
}

func TestKeyIDStableAcrossReserialization(t *testing.T) {
	key, _ := genEd25519(t)
	id1, err := key.ID()
	require.NoError(t, err)

	reencoded := Key{KeyType: key.KeyType, KeyVal: KeyVal{Public: key.KeyVal.Public}}
	id2, err := reencoded.ID()
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}
