package uptane

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolide/uptane/tuf"
)

// stubDoer replies from a fixed map of endpoint suffix -> bytes, letting
// tests preload root.json/targets.json the way the original fixture-backed
// test client does.
type stubDoer struct {
	replies map[string][]byte
	puts    map[string][]byte
}

func newStubDoer() *stubDoer {
	return &stubDoer{replies: map[string][]byte{}, puts: map[string][]byte{}}
}

func (d *stubDoer) Get(ctx context.Context, url string) ([]byte, error) {
	for suffix, body := range d.replies {
		if len(url) >= len(suffix) && url[len(url)-len(suffix):] == suffix {
			return body, nil
		}
	}
	return nil, fmt.Errorf("no stub reply for %s", url)
}

func (d *stubDoer) Put(ctx context.Context, url string, body []byte) error {
	d.puts[url] = body
	return nil
}

func (d *stubDoer) Post(ctx context.Context, url string, body []byte) ([]byte, error) {
	return nil, nil
}

func genKey(t *testing.T) (tuf.Key, tuf.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key := tuf.Key{KeyType: tuf.KeyTypeEd25519, KeyVal: tuf.KeyVal{Public: base64.StdEncoding.EncodeToString(pub)}}
	id, err := key.ID()
	require.NoError(t, err)
	return key, tuf.PrivateKey{KeyID: id, DerKey: []byte(priv), Type: tuf.KeyTypeEd25519}
}

func signRole(t *testing.T, priv tuf.PrivateKey, data tuf.RoleData) []byte {
	t.Helper()
	signed, err := priv.SignData(data, tuf.SigEd25519)
	require.NoError(t, err)
	raw, err := json.Marshal(signed)
	require.NoError(t, err)
	return raw
}

func TestClientGetRootAndTargets(t *testing.T) {
	rootKey, rootPriv := genKey(t)
	targetsKey, targetsPriv := genKey(t)
	rootID, err := rootKey.ID()
	require.NoError(t, err)
	targetsID, err := targetsKey.ID()
	require.NoError(t, err)

	rootData := tuf.RoleData{
		Type:    tuf.RoleRoot,
		Version: 1,
		Expires: time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC),
		Keys: map[string]tuf.Key{
			rootID:    rootKey,
			targetsID: targetsKey,
		},
		Roles: map[tuf.RoleName]tuf.RoleMeta{
			tuf.RoleRoot:    {KeyIDs: []string{rootID}, Threshold: 1},
			tuf.RoleTargets: {KeyIDs: []string{targetsID}, Threshold: 1},
		},
	}
	rootRaw := signRole(t, rootPriv, rootData)

	targetsData := tuf.RoleData{
		Type:    tuf.RoleTargets,
		Version: 1,
		Expires: time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC),
		Targets: map[string]tuf.TufMeta{
			"/file.img": {
				Length: 1337,
				Hashes: map[string]string{"sha256": "dd250ea90b872a4a9f439027ac49d853c753426f71f61ae44c2f360a16179fb9"},
				Custom: &tuf.TufCustom{EcuIdentifier: "some-ecu-id"},
			},
		},
	}
	targetsRaw := signRole(t, targetsPriv, targetsData)

	doer := newStubDoer()
	doer.replies["root.json"] = rootRaw
	doer.replies["targets.json"] = targetsRaw

	client := New(Config{DirectorServer: "https://director.example"}, doer)

	rootV, err := client.GetRoot(context.Background(), ServiceDirector)
	require.NoError(t, err)
	assert.True(t, rootV.IsNew())

	targetsV, err := client.GetDirector(context.Background(), tuf.RoleTargets)
	require.NoError(t, err)
	assert.True(t, targetsV.IsNew())

	pkgs := client.ExtractPackages(targetsV.Data.Targets, "https://treehub.example")
	require.Len(t, pkgs, 1)
	assert.Equal(t, "some-ecu-id", pkgs[0].Ecu)
	assert.Equal(t, "dd250ea90b872a4a9f439027ac49d853c753426f71f61ae44c2f360a16179fb9", pkgs[0].Commit)
	assert.Equal(t, "/file.img", pkgs[0].Refname)
}

func TestClientGetRootPrefersCachedCopy(t *testing.T) {
	dir, err := ioutil.TempDir("", "uptane-client-cache")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	rootKey, rootPriv := genKey(t)
	rootID, err := rootKey.ID()
	require.NoError(t, err)
	rootRaw := signRole(t, rootPriv, tuf.RoleData{
		Type:    tuf.RoleRoot,
		Version: 1,
		Expires: time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC),
		Keys:    map[string]tuf.Key{rootID: rootKey},
		Roles:   map[tuf.RoleName]tuf.RoleMeta{tuf.RoleRoot: {KeyIDs: []string{rootID}, Threshold: 1}},
	})

	store, err := NewFileStore(dir)
	require.NoError(t, err)

	doer := newStubDoer()
	doer.replies["root.json"] = rootRaw
	first := New(Config{DirectorServer: "https://director.example"}, doer, WithStore(store))
	_, err = first.GetRoot(context.Background(), ServiceDirector)
	require.NoError(t, err)

	// a second client with the same store must bootstrap without the network
	offline := New(Config{DirectorServer: "https://director.example"}, newStubDoer(), WithStore(store))
	v, err := offline.GetRoot(context.Background(), ServiceDirector)
	require.NoError(t, err)
	assert.True(t, v.IsNew())
}

func TestClientPutManifestSignsAndSubmits(t *testing.T) {
	_, primaryPriv := genKey(t)
	doer := newStubDoer()
	client := New(Config{
		DirectorServer:   "https://director.example",
		PrimaryEcuSerial: "primary-ecu",
		PrimaryKey:       primaryPriv,
		SigType:          tuf.SigEd25519,
	}, doer)

	ecuSigned, err := client.SignManifest(tuf.TufImage{Filepath: "/ostree-ref"}, nil)
	require.NoError(t, err)

	err = client.PutManifest(context.Background(), tuf.Manifests{"primary-ecu": ecuSigned})
	require.NoError(t, err)
	assert.NotEmpty(t, doer.puts["https://director.example/manifest"])
}
