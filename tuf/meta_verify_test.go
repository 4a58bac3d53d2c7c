package tuf

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTufMetaVerify(t *testing.T) {
	payload := []byte("firmware image contents")
	sum := sha256.Sum256(payload)
	meta := TufMeta{
		Length: uint64(len(payload)),
		Hashes: map[string]string{"sha256": hex.EncodeToString(sum[:])},
	}

	require.NoError(t, meta.Verify(bytes.NewReader(payload)))

	truncated := meta
	truncated.Length = uint64(len(payload)) - 1
	assert.Error(t, truncated.Verify(bytes.NewReader(payload)))

	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0xff
	assert.Error(t, meta.Verify(bytes.NewReader(tampered)))
}

func TestTufMetaVerifyRejectsUnsupportedHash(t *testing.T) {
	meta := TufMeta{Length: 1, Hashes: map[string]string{"md5": "00"}}
	assert.Error(t, meta.Verify(bytes.NewReader([]byte("x"))))
}
