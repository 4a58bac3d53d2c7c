// Package transfer implements the chunked image-transfer state machine: it
// assembles a verified image from an unreliable, out-of-order transport and
// prunes transfers abandoned mid-flight.
package transfer

import (
	"os"

	"github.com/pkg/errors"

	"github.com/kolide/uptane/tuf"
)

// Meta describes one transfer's expected shape, as announced by Notify and
// Start.
type Meta struct {
	ImageName      string
	ExpectedSize   uint64
	ExpectedChunks uint64
	ExpectedSHA256 string
}

// chunkSize is ceil(size/chunks_count), matching the server's implied (but
// untransmitted) segmentation.
func (m Meta) chunkSize() uint64 {
	if m.ExpectedChunks == 0 {
		return 0
	}
	return (m.ExpectedSize + m.ExpectedChunks - 1) / m.ExpectedChunks
}

// writer assembles one transfer's file on disk, tracking which chunk
// indices have been written so Finish can check completeness and repeated
// chunk deliveries stay idempotent.
type writer struct {
	meta          Meta
	path          string
	file          *os.File
	chunksWritten map[uint64]struct{}
}

func newWriter(meta Meta, path string) (*writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating transfer file %q", path)
	}
	return &writer{meta: meta, path: path, file: f, chunksWritten: make(map[uint64]struct{})}, nil
}

// writeChunk seeks to index*chunkSize and writes data there, idempotently:
// a repeat delivery of the same index with the same bytes is a no-op apart
// from re-writing identical bytes at the same offset.
func (w *writer) writeChunk(index uint64, data []byte) error {
	if index >= w.meta.ExpectedChunks {
		return errors.Errorf("chunk index %d out of range [0, %d)", index, w.meta.ExpectedChunks)
	}
	offset := int64(index * w.meta.chunkSize())
	if _, err := w.file.WriteAt(data, offset); err != nil {
		return errors.Wrapf(err, "writing chunk %d at offset %d", index, offset)
	}
	w.chunksWritten[index] = struct{}{}
	return nil
}

// sortedChunks returns the written indices in ascending order, deduplicated
// by construction (chunksWritten is a set).
func (w *writer) sortedChunks() []uint64 {
	out := make([]uint64, 0, len(w.chunksWritten))
	for idx := range w.chunksWritten {
		out = append(out, idx)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func (w *writer) complete() bool {
	return uint64(len(w.chunksWritten)) == w.meta.ExpectedChunks
}

// verify requires every chunk index to have been written and the assembled
// file's length and SHA-256 to match the expected values, using
// tuf.TufMeta.Verify's constant-time digest comparison.
func (w *writer) verify() error {
	if !w.complete() {
		return errors.Errorf("transfer %s incomplete: have %d of %d chunks",
			w.meta.ImageName, len(w.chunksWritten), w.meta.ExpectedChunks)
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "flushing transfer file")
	}

	f, err := os.Open(w.path)
	if err != nil {
		return errors.Wrap(err, "reopening transfer file for verification")
	}
	defer f.Close()

	expected := tuf.TufMeta{
		Length: w.meta.ExpectedSize,
		Hashes: map[string]string{"sha256": w.meta.ExpectedSHA256},
	}
	if err := expected.Verify(f); err != nil {
		return errors.Wrapf(err, "transfer %s failed integrity check", w.meta.ImageName)
	}
	return nil
}

func (w *writer) close() error {
	return w.file.Close()
}
