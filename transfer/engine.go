package transfer

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

const pruneInterval = 10 * time.Second

// DefaultTimeout is the default idle duration after which the pruner
// removes a transfer.
const DefaultTimeout = 300 * time.Second

var (
	// ErrUnknownImageSize is returned by Start when no Notify announced
	// this update's size in advance.
	ErrUnknownImageSize = errors.New("transfer: image size not announced")
	// ErrUnknownTransfer is returned by Chunk/Finish for an update_id with
	// no open transfer.
	ErrUnknownTransfer = errors.New("transfer: no such transfer")
)

// DownloadComplete is emitted by Finish once the assembled file verifies.
type DownloadComplete struct {
	UpdateID    string
	UpdateImage string
	Signature   string
}

type activeTransfer struct {
	writer    *writer
	lastTouch time.Time
}

// Engine assembles images from indexed base64 chunks delivered by an async
// transport (RVI, a WebSocket gateway, ...), verifying length and digest on
// completion. It is safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	imagesDir  string
	imageSizes map[string]uint64
	active     map[string]*activeTransfer
	timeout    time.Duration
	clock      clock.Clock
	log        log.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option configures a new Engine.
type Option func(*Engine)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithClock injects a clock, letting tests control pruning deterministically.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger attaches a structured logger.
func WithLogger(l log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine returns an Engine that assembles images under imagesDir.
func NewEngine(imagesDir string, opts ...Option) *Engine {
	e := &Engine{
		imagesDir:  imagesDir,
		imageSizes: make(map[string]uint64),
		active:     make(map[string]*activeTransfer),
		timeout:    DefaultTimeout,
		clock:      clock.DefaultClock{},
		log:        log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Notify records the size a future Start for updateID will expect.
func (e *Engine) Notify(updateID string, size uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.imageSizes[updateID] = size
}

// Start opens a new transfer for updateID, truncating any existing file at
// {imagesDir}/{updateID}. It fails if no Notify announced this id's size.
func (e *Engine) Start(updateID string, chunksCount uint64, checksum string) error {
	e.mu.Lock()
	size, ok := e.imageSizes[updateID]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownImageSize
	}

	meta := Meta{ImageName: updateID, ExpectedSize: size, ExpectedChunks: chunksCount, ExpectedSHA256: checksum}
	w, err := newWriter(meta, filepath.Join(e.imagesDir, updateID))
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.active[updateID] = &activeTransfer{writer: w, lastTouch: e.clock.Now()}
	e.mu.Unlock()
	level.Info(e.log).Log("msg", "started transfer", "update_id", updateID, "chunks", chunksCount)
	return nil
}

// Chunk decodes and writes one base64-encoded chunk, returning the sorted,
// deduplicated set of chunk indices written so far (for an informational
// ack upstream).
func (e *Engine) Chunk(updateID string, index uint64, b64Data string) ([]uint64, error) {
	data, err := base64.StdEncoding.DecodeString(b64Data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding chunk %d for %s", index, updateID)
	}

	e.mu.Lock()
	t, ok := e.active[updateID]
	e.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTransfer
	}

	if err := t.writer.writeChunk(index, data); err != nil {
		return nil, err
	}

	e.mu.Lock()
	t.lastTouch = e.clock.Now()
	chunks := t.writer.sortedChunks()
	e.mu.Unlock()
	return chunks, nil
}

// Finish requires every chunk to have been written and the assembled file
// to match the expected checksum and size, then removes the transfer and
// returns a DownloadComplete event.
func (e *Engine) Finish(updateID, signature string) (DownloadComplete, error) {
	e.mu.Lock()
	t, ok := e.active[updateID]
	e.mu.Unlock()
	if !ok {
		return DownloadComplete{}, ErrUnknownTransfer
	}

	if err := t.writer.verify(); err != nil {
		return DownloadComplete{}, err
	}
	t.writer.close()

	e.mu.Lock()
	delete(e.active, updateID)
	e.mu.Unlock()

	level.Info(e.log).Log("msg", "finished transfer", "update_id", updateID)
	return DownloadComplete{
		UpdateID:    updateID,
		UpdateImage: filepath.Join(e.imagesDir, updateID),
		Signature:   signature,
	}, nil
}

// Abort clears every active transfer.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.active {
		t.writer.close()
		delete(e.active, id)
	}
}

// Active reports whether updateID currently has an open transfer.
func (e *Engine) Active(updateID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[updateID]
	return ok
}

// StartPruner launches the 10s janitor that removes transfers idle longer
// than the configured timeout. StopPruner must be called to release it.
func (e *Engine) StartPruner() {
	e.stop = make(chan struct{})
	e.wg.Add(1)
	ticker := time.NewTicker(pruneInterval)
	go func() {
		defer e.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.prune()
			case <-e.stop:
				return
			}
		}
	}()
}

// StopPruner stops the janitor started by StartPruner.
func (e *Engine) StopPruner() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	e.wg.Wait()
}

func (e *Engine) prune() {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.active {
		if now.Sub(t.lastTouch) > e.timeout {
			level.Info(e.log).Log("msg", "pruning idle transfer", "update_id", id)
			t.writer.close()
			os.Remove(filepath.Join(e.imagesDir, id))
			delete(e.active, id)
		}
	}
}
