package tuf

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"
)

var (
	errLengthIncorrect = errors.New("length of file did not match expected value")
	errHashIncorrect   = errors.New("hash of file did not match expected value")
	errUnsupportedHash = errors.New("unsupported hash algorithm")
)

func getHasher(algo string) (hash.Hash, error) {
	switch algo {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, errUnsupportedHash
	}
}

// Verify reads rdr to completion and checks it against the length and
// hashes recorded in m, using a constant-time comparison for each digest.
func (m TufMeta) Verify(rdr io.Reader) error {
	type hashCheck struct {
		h     hash.Hash
		valid []byte
	}
	var checks []hashCheck
	for algo, expected := range m.Hashes {
		hasher, err := getHasher(algo)
		if err != nil {
			return err
		}
		valid, err := hex.DecodeString(expected)
		if err != nil {
			return errors.Wrap(err, "decoding expected hash")
		}
		rdr = io.TeeReader(rdr, hasher)
		checks = append(checks, hashCheck{hasher, valid})
	}
	n, err := io.Copy(ioutil.Discard, rdr)
	if err != nil {
		return err
	}
	if uint64(n) != m.Length {
		return errLengthIncorrect
	}
	for _, c := range checks {
		if subtle.ConstantTimeCompare(c.valid, c.h.Sum(nil)) != 1 {
			return errHashIncorrect
		}
	}
	return nil
}

// Equal is a deep comparison of two TufMeta values.
func (m TufMeta) Equal(other TufMeta) bool {
	if m.Length != other.Length || len(m.Hashes) != len(other.Hashes) {
		return false
	}
	for algo, hash := range m.Hashes {
		if h, ok := other.Hashes[algo]; !ok || !bytes.Equal([]byte(h), []byte(hash)) {
			return false
		}
	}
	return true
}
