// Package buffer implements the per-worker output buffer store.
//
// Every PTY-capable worker owns one append-only log on disk, addressed by a
// monotonic byte offset that survives process restarts. Appends are batched
// on a short flush interval to bound I/O under high-volume output; reads
// force a flush first so anything appended before the call is visible.
// The log file is written only by its owning worker's flush path and read by
// the transport layer, so no file locking is needed beyond atomic renames
// for the metadata sidecar.
package buffer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
)

// Config tunes the store. Zero values fall back to defaults.
type Config struct {
	Dir           string
	FlushInterval time.Duration
	RotateBytes   int64
	ReadChunkMax  int
}

const (
	defaultFlushInterval = 100 * time.Millisecond
	defaultRotateBytes   = 8 * 1024 * 1024
	defaultReadChunkMax  = 512 * 1024

	// inlineFlushBytes flushes pending data immediately once it grows past
	// this size, so a burst between ticks cannot grow without bound.
	inlineFlushBytes = 256 * 1024
)

// Store owns all worker output buffers below a single directory.
type Store struct {
	cfg    Config
	logger *logger.Logger

	mu      sync.Mutex
	buffers map[string]*workerBuffer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// onFlush, when set, observes flushed byte counts (metrics hook).
	onFlush func(n int)
}

// workerBuffer is the in-memory state for one worker's log.
type workerBuffer struct {
	mu      sync.Mutex
	file    *os.File
	base    int64 // offset of the first byte in the live file
	size    int64 // bytes in the live file
	hist    int64 // offset of the first byte in the compressed segment, -1 when absent
	pending []byte
}

// tail returns the current end offset. Caller holds wb.mu.
func (wb *workerBuffer) tail() int64 {
	return wb.base + wb.size + int64(len(wb.pending))
}

// NewStore opens the store directory and starts the background flusher.
func NewStore(cfg Config, log *logger.Logger) (*Store, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.RotateBytes <= 0 {
		cfg.RotateBytes = defaultRotateBytes
	}
	if cfg.ReadChunkMax <= 0 {
		cfg.ReadChunkMax = defaultReadChunkMax
	}
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output buffer directory: %w", err)
	}

	s := &Store{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "buffer-store")),
		buffers: make(map[string]*workerBuffer),
		stopCh:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

// SetFlushObserver registers a callback invoked with each flushed byte count.
func (s *Store) SetFlushObserver(fn func(n int)) {
	s.mu.Lock()
	s.onFlush = fn
	s.mu.Unlock()
}

// Create ensures an empty buffer exists for the worker. It is called at
// worker-creation time, before any output can arrive, so a client connecting
// first always finds valid history rather than a missing file.
func (s *Store) Create(workerID string) error {
	_, err := s.open(workerID)
	return err
}

// Append queues a chunk for the worker's log. The buffer is created on
// demand so appends after a restart reattach to the existing log.
func (s *Store) Append(workerID string, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	wb, err := s.open(workerID)
	if err != nil {
		return err
	}

	wb.mu.Lock()
	wb.pending = append(wb.pending, chunk...)
	needInline := len(wb.pending) >= inlineFlushBytes
	wb.mu.Unlock()

	if needInline {
		s.flushWorker(workerID, wb)
	}
	return nil
}

// Read returns up to max bytes starting at the given offset, together with
// the offset one past the last returned byte. An offset at or beyond the
// tail yields an empty result, never an error. Offsets older than the
// retained history are clamped forward to the oldest retained byte.
func (s *Store) Read(workerID string, from int64, max int) ([]byte, int64, error) {
	wb, err := s.open(workerID)
	if err != nil {
		return nil, 0, err
	}
	if max <= 0 || max > s.cfg.ReadChunkMax {
		max = s.cfg.ReadChunkMax
	}

	// Make queued appends visible before serving the read.
	s.flushWorker(workerID, wb)

	wb.mu.Lock()
	defer wb.mu.Unlock()

	tail := wb.tail()
	if from < 0 {
		from = 0
	}
	if from >= tail {
		return nil, tail, nil
	}

	// Serve from the compressed segment when the offset predates the live file.
	if from < wb.base {
		data, off, err := s.readHistory(workerID, wb, from, max)
		if err != nil {
			return nil, 0, err
		}
		return data, off, nil
	}

	// Serve only flushed bytes; anything appended since the flush above is
	// picked up by the caller's next read.
	flushed := wb.base + wb.size
	if from >= flushed {
		return nil, from, nil
	}
	n := flushed - from
	if n > int64(max) {
		n = int64(max)
	}
	data := make([]byte, n)
	read, err := wb.file.ReadAt(data, from-wb.base)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read output buffer: %w", err)
	}
	return data[:read], from + int64(read), nil
}

// CurrentOffset returns the tail offset for the worker's buffer. A freshly
// created, empty buffer reports 0.
func (s *Store) CurrentOffset(workerID string) (int64, error) {
	wb, err := s.open(workerID)
	if err != nil {
		return 0, err
	}
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.tail(), nil
}

// Flush forces all pending appends to disk.
func (s *Store) Flush() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.buffers))
	bufs := make([]*workerBuffer, 0, len(s.buffers))
	for id, wb := range s.buffers {
		ids = append(ids, id)
		bufs = append(bufs, wb)
	}
	s.mu.Unlock()

	for i, wb := range bufs {
		s.flushWorker(ids[i], wb)
	}
}

// Remove flushes and deletes the worker's log, compressed segment, and
// metadata. Used by session cleanup.
func (s *Store) Remove(workerID string) error {
	s.mu.Lock()
	wb, ok := s.buffers[workerID]
	delete(s.buffers, workerID)
	s.mu.Unlock()

	if ok {
		wb.mu.Lock()
		if wb.file != nil {
			_ = wb.file.Close()
		}
		wb.mu.Unlock()
	}

	var firstErr error
	for _, p := range []string{s.livePath(workerID), s.histPath(workerID), s.metaPath(workerID)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close stops the flusher, flushes pending data, and closes every file.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.Flush()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wb := range s.buffers {
		wb.mu.Lock()
		if wb.file != nil {
			_ = wb.file.Close()
			wb.file = nil
		}
		wb.mu.Unlock()
	}
	return nil
}

func (s *Store) livePath(workerID string) string {
	return filepath.Join(s.cfg.Dir, workerID+".log")
}

func (s *Store) histPath(workerID string) string {
	return filepath.Join(s.cfg.Dir, workerID+".hist.gz")
}

func (s *Store) metaPath(workerID string) string {
	return filepath.Join(s.cfg.Dir, workerID+".meta.json")
}

// open returns the worker's buffer, creating or reopening files as needed.
func (s *Store) open(workerID string) (*workerBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wb, ok := s.buffers[workerID]; ok {
		return wb, nil
	}

	meta, err := s.loadMeta(workerID)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(s.livePath(workerID), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output buffer: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	wb := &workerBuffer{
		file: file,
		base: meta.Base,
		size: info.Size(),
		hist: meta.Hist,
	}
	s.buffers[workerID] = wb
	return wb, nil
}

// flushWorker writes pending data to the live file and rotates when the file
// grows past the configured limit.
func (s *Store) flushWorker(workerID string, wb *workerBuffer) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if len(wb.pending) > 0 {
		n, err := wb.file.WriteAt(wb.pending, wb.size)
		if err != nil {
			s.logger.Error("failed to flush output buffer",
				zap.String("worker_id", workerID),
				zap.Error(err))
			return
		}
		wb.size += int64(n)
		wb.pending = wb.pending[:0]

		s.mu.Lock()
		observer := s.onFlush
		s.mu.Unlock()
		if observer != nil {
			observer(n)
		}
	}

	if wb.size >= s.cfg.RotateBytes {
		if err := s.rotate(workerID, wb); err != nil {
			s.logger.Error("failed to rotate output buffer",
				zap.String("worker_id", workerID),
				zap.Error(err))
		}
	}
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}
