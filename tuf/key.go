package tuf

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/pkg/errors"
)

// KeyType is the closed set of supported public key types.
type KeyType string

const (
	KeyTypeEd25519 KeyType = "ed25519"
	KeyTypeRsa     KeyType = "rsa"
)

// Key is a public key as it appears in root.json's keys map.
type Key struct {
	KeyType KeyType `json:"keytype"`
	KeyVal  KeyVal  `json:"keyval"`
}

// KeyVal holds the public key material only; PrivateKey below is the
// device's own signing key and is never serialized.
type KeyVal struct {
	Public string `json:"public"`
}

// ID derives the stable key-id for this key: the SHA-256 hex digest of the
// canonical-JSON quoted public string (Ed25519) or of the DER bytes decoded
// from the PEM public key (RSA).
func (k Key) ID() (string, error) {
	switch k.KeyType {
	case KeyTypeEd25519:
		h := sha256.Sum256([]byte(fmt.Sprintf("%q", k.KeyVal.Public)))
		return hex.EncodeToString(h[:]), nil
	case KeyTypeRsa:
		block, _ := pem.Decode([]byte(k.KeyVal.Public))
		if block == nil {
			return "", errors.New("failed to decode PEM-encoded RSA public key")
		}
		h := sha256.Sum256(block.Bytes)
		return hex.EncodeToString(h[:]), nil
	default:
		return "", errUnknownKeyType(k.KeyType)
	}
}

func errUnknownKeyType(t KeyType) error {
	return errors.Errorf("invalid key type %q", t)
}

// PrivateKey is the device's own signing key. der_key is never serialized.
type PrivateKey struct {
	KeyID  string
	DerKey []byte
	Type   KeyType
}

// SignData signs data with sigType, returning a fully-formed TufSigned
// envelope whose Signed field is the canonical-JSON-able value given.
func (pk PrivateKey) SignData(data interface{}, sigType SignatureType) (TufSigned, error) {
	payload, err := canonical(data)
	if err != nil {
		return TufSigned{}, err
	}
	sig, err := sign(payload, pk, sigType)
	if err != nil {
		return TufSigned{}, err
	}
	return TufSigned{
		Signatures: []Signature{{
			KeyID:  pk.KeyID,
			Method: sigType,
			Sig:    base64.StdEncoding.EncodeToString(sig),
		}},
		Signed: payload,
	}, nil
}
