package rvi

import (
	"github.com/pkg/errors"

	"github.com/kolide/uptane/interpreter"
	"github.com/kolide/uptane/transfer"
)

// Parameter is one incoming /sota/* request body. Handle may return a
// terminal interpreter.Event to broadcast, or (nil, nil) when the request
// only needs to ack.
type Parameter interface {
	Handle(remote *RemoteServices, engine *transfer.Engine) (interpreter.Event, error)
}

// Notify announces a pending update and the backend's ack endpoints.
type Notify struct {
	UpdateID string          `json:"update_id"`
	Size     uint64          `json:"size"`
	Services BackendServices `json:"services"`
}

func (n *Notify) Handle(remote *RemoteServices, engine *transfer.Engine) (interpreter.Event, error) {
	remote.SetBackend(n.Services)
	engine.Notify(n.UpdateID, n.Size)
	return interpreter.UpdateAvailable{UpdateID: n.UpdateID, Size: n.Size}, nil
}

// Start begins a chunked transfer for update_id.
type Start struct {
	UpdateID    string `json:"update_id"`
	ChunksCount uint64 `json:"chunkscount"`
	Checksum    string `json:"checksum"`
}

func (s *Start) Handle(remote *RemoteServices, engine *transfer.Engine) (interpreter.Event, error) {
	if err := engine.Start(s.UpdateID, s.ChunksCount, s.Checksum); err != nil {
		return nil, errors.Wrap(err, "starting transfer")
	}
	ack := ChunkReceived{Device: remote.DeviceID, UpdateID: s.UpdateID, Chunks: []uint64{}}
	if _, err := remote.SendChunkReceived(ack); err != nil {
		return nil, errors.Wrap(err, "sending start ack")
	}
	return nil, nil
}

// Chunk writes one base64-encoded chunk of an in-progress transfer.
type Chunk struct {
	UpdateID string `json:"update_id"`
	Bytes    string `json:"bytes"`
	Index    uint64 `json:"index"`
}

func (c *Chunk) Handle(remote *RemoteServices, engine *transfer.Engine) (interpreter.Event, error) {
	chunks, err := engine.Chunk(c.UpdateID, c.Index, c.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "writing chunk")
	}
	ack := ChunkReceived{Device: remote.DeviceID, UpdateID: c.UpdateID, Chunks: chunks}
	if _, err := remote.SendChunkReceived(ack); err != nil {
		return nil, errors.Wrap(err, "sending ChunkReceived")
	}
	return nil, nil
}

// Finish completes and verifies a transfer, producing the terminal
// DownloadComplete event handed to the interpreter.
type Finish struct {
	UpdateID  string `json:"update_id"`
	Signature string `json:"signature"`
}

func (f *Finish) Handle(remote *RemoteServices, engine *transfer.Engine) (interpreter.Event, error) {
	complete, err := engine.Finish(f.UpdateID, f.Signature)
	if err != nil {
		return nil, errors.Wrap(err, "finishing transfer")
	}
	return interpreter.DownloadComplete{
		UpdateID:    complete.UpdateID,
		UpdateImage: complete.UpdateImage,
		Signature:   complete.Signature,
	}, nil
}

// Report asks the device to report its installed packages back to RVI.
type Report struct{}

func (Report) Handle(remote *RemoteServices, engine *transfer.Engine) (interpreter.Event, error) {
	return interpreter.InstalledPackagesNeeded{}, nil
}

// Abort clears all in-progress transfers.
type Abort struct{}

func (Abort) Handle(remote *RemoteServices, engine *transfer.Engine) (interpreter.Event, error) {
	engine.Abort()
	return nil, nil
}
