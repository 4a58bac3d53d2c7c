package tuf

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func TestVerifierAcceptsThresholdSignatures(t *testing.T) {
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	key1, priv1 := genEd25519(t)
	key2, priv2 := genEd25519(t)

	v := NewVerifier(WithClock(clock.NewMockClock(now)))
	id1, _ := key1.ID()
	id2, _ := key2.ID()
	v.AddKey(id1, key1)
	v.AddKey(id2, key2)
	v.AddRole(RoleRoot, RoleMeta{KeyIDs: []string{id1, id2}, Threshold: 2})

	data := RoleData{Type: RoleRoot, Version: 1, Expires: now.Add(24 * time.Hour)}
	payload, err := canonical(data)
	require.NoError(t, err)

	sig1, err := sign(payload, priv1, SigEd25519)
	require.NoError(t, err)
	sig2, err := sign(payload, priv2, SigEd25519)
	require.NoError(t, err)

	signed := TufSigned{
		Signed: json.RawMessage(payload),
		Signatures: []Signature{
			{KeyID: id1, Method: SigEd25519, Sig: b64(sig1)},
			{KeyID: id2, Method: SigEd25519, Sig: b64(sig2)},
		},
	}

	newVersion, err := v.Verify(RoleRoot, signed)
	require.NoError(t, err)
	assert.EqualValues(t, 1, newVersion)
}

func TestVerifierDuplicateKeyIDCountsOnce(t *testing.T) {
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	key1, priv1 := genEd25519(t)
	key2, _ := genEd25519(t)

	v := NewVerifier(WithClock(clock.NewMockClock(now)))
	id1, _ := key1.ID()
	id2, _ := key2.ID()
	v.AddKey(id1, key1)
	v.AddKey(id2, key2)
	v.AddRole(RoleRoot, RoleMeta{KeyIDs: []string{id1, id2}, Threshold: 2})

	data := RoleData{Type: RoleRoot, Version: 1, Expires: now.Add(24 * time.Hour)}
	payload, err := canonical(data)
	require.NoError(t, err)
	sig1, err := sign(payload, priv1, SigEd25519)
	require.NoError(t, err)

	signed := TufSigned{
		Signed: json.RawMessage(payload),
		Signatures: []Signature{
			{KeyID: id1, Method: SigEd25519, Sig: b64(sig1)},
			{KeyID: id1, Method: SigEd25519, Sig: b64(sig1)},
		},
	}

	_, err = v.Verify(RoleRoot, signed)
	assert.ErrorIs(t, err, ErrRoleThreshold)
}

func TestVerifierRejectsUnregisteredKeyID(t *testing.T) {
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	key1, _ := genEd25519(t)
	_, priv2 := genEd25519(t) // never registered

	v := NewVerifier(WithClock(clock.NewMockClock(now)))
	id1, _ := key1.ID()
	v.AddKey(id1, key1)
	v.AddRole(RoleRoot, RoleMeta{KeyIDs: []string{id1}, Threshold: 1})

	data := RoleData{Type: RoleRoot, Version: 1, Expires: now.Add(24 * time.Hour)}
	payload, err := canonical(data)
	require.NoError(t, err)
	sig, err := sign(payload, priv2, SigEd25519)
	require.NoError(t, err)

	signed := TufSigned{
		Signed:     json.RawMessage(payload),
		Signatures: []Signature{{KeyID: "unregistered", Method: SigEd25519, Sig: b64(sig)}},
	}

	_, err = v.Verify(RoleRoot, signed)
	assert.Error(t, err)
}

func TestVerifierRejectsExpired(t *testing.T) {
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	key, priv := genEd25519(t)

	v := NewVerifier(WithClock(clock.NewMockClock(now)))
	id, _ := key.ID()
	v.AddKey(id, key)
	v.AddRole(RoleTargets, RoleMeta{KeyIDs: []string{id}, Threshold: 1})

	data := RoleData{Type: RoleTargets, Version: 1, Expires: now.Add(-time.Hour)}
	payload, err := canonical(data)
	require.NoError(t, err)
	sig, err := sign(payload, priv, SigEd25519)
	require.NoError(t, err)

	signed := TufSigned{
		Signed:     json.RawMessage(payload),
		Signatures: []Signature{{KeyID: id, Method: SigEd25519, Sig: b64(sig)}},
	}

	_, err = v.Verify(RoleTargets, signed)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifierRejectsRollback(t *testing.T) {
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	key, priv := genEd25519(t)

	v := NewVerifier(WithClock(clock.NewMockClock(now)))
	id, _ := key.ID()
	v.AddKey(id, key)
	v.AddRole(RoleTimestamp, RoleMeta{KeyIDs: []string{id}, Threshold: 1})

	sign5 := func(version uint64) TufSigned {
		data := RoleData{Type: RoleTimestamp, Version: version, Expires: now.Add(time.Hour)}
		payload, err := canonical(data)
		require.NoError(t, err)
		sig, err := sign(payload, priv, SigEd25519)
		require.NoError(t, err)
		return TufSigned{
			Signed:     json.RawMessage(payload),
			Signatures: []Signature{{KeyID: id, Method: SigEd25519, Sig: b64(sig)}},
		}
	}

	newVersion, err := v.Verify(RoleTimestamp, sign5(5))
	require.NoError(t, err)
	assert.EqualValues(t, 5, newVersion)
	assert.EqualValues(t, 5, v.Version(RoleTimestamp))

	_, err = v.Verify(RoleTimestamp, sign5(4))
	assert.ErrorIs(t, err, ErrOldVersion)
	assert.EqualValues(t, 5, v.Version(RoleTimestamp), "stored version must not change on rollback rejection")
}

func TestVerifierAcceptsEqualVersionIdempotently(t *testing.T) {
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	key, priv := genEd25519(t)

	v := NewVerifier(WithClock(clock.NewMockClock(now)))
	id, _ := key.ID()
	v.AddKey(id, key)
	v.AddRole(RoleSnapshot, RoleMeta{KeyIDs: []string{id}, Threshold: 1})

	data := RoleData{Type: RoleSnapshot, Version: 3, Expires: now.Add(time.Hour)}
	payload, err := canonical(data)
	require.NoError(t, err)
	sig, err := sign(payload, priv, SigEd25519)
	require.NoError(t, err)
	signed := TufSigned{
		Signed:     json.RawMessage(payload),
		Signatures: []Signature{{KeyID: id, Method: SigEd25519, Sig: b64(sig)}},
	}

	_, err = v.Verify(RoleSnapshot, signed)
	require.NoError(t, err)
	_, err = v.Verify(RoleSnapshot, signed)
	assert.NoError(t, err, "re-verifying the same version must be idempotent")
}

func TestVerifierThresholdFailureLeavesVersionUnchanged(t *testing.T) {
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	key1, priv1 := genEd25519(t)
	key2, _ := genEd25519(t)

	v := NewVerifier(WithClock(clock.NewMockClock(now)))
	id1, _ := key1.ID()
	id2, _ := key2.ID()
	v.AddKey(id1, key1)
	v.AddKey(id2, key2)
	v.AddRole(RoleTargets, RoleMeta{KeyIDs: []string{id1, id2}, Threshold: 2})

	data := RoleData{Type: RoleTargets, Version: 1, Expires: now.Add(time.Hour)}
	payload, err := canonical(data)
	require.NoError(t, err)
	sig1, err := sign(payload, priv1, SigEd25519)
	require.NoError(t, err)

	signed := TufSigned{
		Signed:     json.RawMessage(payload),
		Signatures: []Signature{{KeyID: id1, Method: SigEd25519, Sig: b64(sig1)}},
	}

	_, err = v.Verify(RoleTargets, signed)
	assert.ErrorIs(t, err, ErrRoleThreshold)
	assert.EqualValues(t, 0, v.Version(RoleTargets))
}
