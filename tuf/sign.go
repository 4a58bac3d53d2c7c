package tuf

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"

	"github.com/pkg/errors"
)

var errInvalidSigType = errors.New("invalid signature type")
var errSignatureCheckFailed = errors.New("signature check failed")

// sign produces a raw signature over payload using priv, per sigType.
func sign(payload []byte, priv PrivateKey, sigType SignatureType) ([]byte, error) {
	switch sigType {
	case SigEd25519:
		if len(priv.DerKey) != ed25519.PrivateKeySize {
			return nil, errors.New("ed25519 private key has unexpected size")
		}
		return ed25519.Sign(ed25519.PrivateKey(priv.DerKey), payload), nil

	case SigRsaSsaPss:
		key, err := x509.ParsePKCS1PrivateKey(priv.DerKey)
		if err != nil {
			if k2, err2 := x509.ParsePKCS8PrivateKey(priv.DerKey); err2 == nil {
				if rsaKey, ok := k2.(*rsa.PrivateKey); ok {
					key = rsaKey
					err = nil
				}
			}
			if err != nil {
				return nil, errors.Wrap(err, "parsing RSA private key")
			}
		}
		digest := sha256.Sum256(payload)
		return rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       crypto.SHA256,
		})

	default:
		return nil, errors.Wrap(errInvalidSigType, string(sigType))
	}
}

// verify reports whether sig is a valid signature over payload by the given
// public key and method. It performs no early-exit on comparison failure
// beyond what the underlying stdlib primitives do.
func verify(payload []byte, key Key, method SignatureType, sig []byte) error {
	switch method {
	case SigEd25519:
		if key.KeyType != KeyTypeEd25519 {
			return errUnknownKeyType(key.KeyType)
		}
		pub, err := base64.StdEncoding.DecodeString(key.KeyVal.Public)
		if err != nil {
			// Public is not valid base64; treat its bytes directly as
			// the raw public key.
			pub = []byte(key.KeyVal.Public)
		}
		if len(pub) != ed25519.PublicKeySize {
			return errors.New("ed25519 public key has unexpected size")
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
			return errSignatureCheckFailed
		}
		return nil

	case SigRsaSsaPss:
		if key.KeyType != KeyTypeRsa {
			return errUnknownKeyType(key.KeyType)
		}
		block, _ := pem.Decode([]byte(key.KeyVal.Public))
		if block == nil {
			return errors.New("failed to decode PEM-encoded RSA public key")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				return errors.Wrap(err, "parsing RSA public key")
			}
			pub = cert.PublicKey
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return errors.New("expected RSA public key")
		}
		digest := sha256.Sum256(payload)
		if err := rsa.VerifyPSS(rsaPub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       crypto.SHA256,
		}); err != nil {
			return errSignatureCheckFailed
		}
		return nil

	default:
		return errors.Wrap(errInvalidSigType, string(method))
	}
}
