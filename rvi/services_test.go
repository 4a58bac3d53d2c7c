package rvi

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolide/uptane/interpreter"
	"github.com/kolide/uptane/transfer"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type recordingDoer struct {
	posts [][]byte
}

func (d *recordingDoer) Get(ctx context.Context, url string) ([]byte, error) { return nil, nil }
func (d *recordingDoer) Put(ctx context.Context, url string, body []byte) error { return nil }
func (d *recordingDoer) Post(ctx context.Context, url string, body []byte) ([]byte, error) {
	d.posts = append(d.posts, body)
	return []byte(`{"jsonrpc":"2.0","id":1}`), nil
}

func envelope(id uint64, service string, param interface{}) []byte {
	body, _ := json.Marshal(param)
	msg := struct {
		ServiceName string            `json:"service_name"`
		Parameters  []json.RawMessage `json:"parameters"`
	}{ServiceName: service, Parameters: []json.RawMessage{body}}
	req := NewRpcRequest(id, "message", msg)
	out, _ := json.Marshal(req)
	return out
}

func TestServicesNotifyAnnouncesUpdateAndAcceptsChunkedTransfer(t *testing.T) {
	dir, err := ioutil.TempDir("", "rvi-transfer")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	engine := transfer.NewEngine(dir)
	doer := &recordingDoer{}
	remote := NewRemoteServices("device-1", "https://rvi.example.com", doer)
	events := make(chan interpreter.Event, 8)
	svc := NewServices(remote, engine, events)

	payload := []byte("hello world")
	checksum := sha256Hex(payload)

	notifyMsg := envelope(1, "/sota/notify", Notify{
		UpdateID: "up-1",
		Size:     uint64(len(payload)),
		Services: BackendServices{Start: "/b/start", Ack: "/b/ack", Report: "/b/report", Packages: "/b/packages"},
	})
	_, err = svc.HandleService("/sota/notify", notifyMsg)
	require.NoError(t, err)
	assert.IsType(t, interpreter.UpdateAvailable{}, <-events)

	startMsg := envelope(2, "/sota/start", Start{UpdateID: "up-1", ChunksCount: 1, Checksum: checksum})
	_, err = svc.HandleService("/sota/start", startMsg)
	require.NoError(t, err)
	require.Len(t, doer.posts, 1, "Start must ack via SendChunkReceived")

	chunkMsg := envelope(3, "/sota/chunk", Chunk{UpdateID: "up-1", Bytes: base64.StdEncoding.EncodeToString(payload), Index: 0})
	_, err = svc.HandleService("/sota/chunk", chunkMsg)
	require.NoError(t, err)
	require.Len(t, doer.posts, 2)

	finishMsg := envelope(4, "/sota/finish", Finish{UpdateID: "up-1", Signature: "sig"})
	_, err = svc.HandleService("/sota/finish", finishMsg)
	require.NoError(t, err)

	complete, ok := (<-events).(interpreter.DownloadComplete)
	require.True(t, ok)
	assert.Equal(t, "up-1", complete.UpdateID)
	assert.Equal(t, "sig", complete.Signature)
}

func TestServicesUnknownServiceReturnsInvalidRequest(t *testing.T) {
	engine := transfer.NewEngine(".")
	remote := NewRemoteServices("device-1", "https://rvi.example.com", &recordingDoer{})
	svc := NewServices(remote, engine, nil)

	msg := envelope(1, "/sota/bogus", struct{}{})
	_, err := svc.HandleService("/sota/bogus", msg)
	require.Error(t, err)
	rpcErr, ok := err.(RpcErr)
	require.True(t, ok)
	assert.Equal(t, -32600, rpcErr.Err.Code)
}
