package buffer

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// meta is the sidecar record tracking where the live file and the compressed
// segment begin in offset space. It is written with an atomic rename so a
// crash mid-rotate never leaves a torn file.
type meta struct {
	Base int64 `json:"base"`
	Hist int64 `json:"hist"` // -1 when no compressed segment exists
}

func (s *Store) loadMeta(workerID string) (meta, error) {
	m := meta{Base: 0, Hist: -1}
	raw, err := os.ReadFile(s.metaPath(workerID))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("failed to read buffer metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return meta{Base: 0, Hist: -1}, fmt.Errorf("failed to parse buffer metadata: %w", err)
	}
	return m, nil
}

func (s *Store) saveMeta(workerID string, m meta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := s.metaPath(workerID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.metaPath(workerID))
}

// rotate compresses the live file into the history segment and restarts the
// live file at the advanced base offset. The previous history segment, if
// any, is discarded; retention is one compressed generation. Caller holds
// wb.mu.
func (s *Store) rotate(workerID string, wb *workerBuffer) error {
	live := s.livePath(workerID)
	histTmp := s.histPath(workerID) + ".tmp"

	src, err := os.Open(live)
	if err != nil {
		return err
	}
	dst, err := os.Create(histTmp)
	if err != nil {
		_ = src.Close()
		return err
	}
	gz := gzip.NewWriter(dst)
	_, copyErr := io.Copy(gz, src)
	_ = src.Close()
	if err := gz.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if err := dst.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		_ = os.Remove(histTmp)
		return copyErr
	}
	if err := os.Rename(histTmp, s.histPath(workerID)); err != nil {
		return err
	}

	newBase := wb.base + wb.size
	if err := s.saveMeta(workerID, meta{Base: newBase, Hist: wb.base}); err != nil {
		return err
	}

	// Truncate the live file and carry on from the new base.
	if err := wb.file.Truncate(0); err != nil {
		return err
	}
	wb.hist = wb.base
	wb.base = newBase
	wb.size = 0
	return nil
}

// readHistory serves a read whose offset predates the live file. Offsets
// older than the compressed segment are clamped forward to its start; when
// no segment exists they clamp to the live base. Caller holds wb.mu.
func (s *Store) readHistory(workerID string, wb *workerBuffer, from int64, max int) ([]byte, int64, error) {
	if wb.hist < 0 {
		// Nothing retained before the live file; clamp to base.
		return s.readLiveLocked(wb, wb.base, max)
	}
	if from < wb.hist {
		from = wb.hist
	}

	f, err := os.Open(s.histPath(workerID))
	if err != nil {
		if os.IsNotExist(err) {
			return s.readLiveLocked(wb, wb.base, max)
		}
		return nil, 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open compressed segment: %w", err)
	}
	defer func() {
		_ = gz.Close()
	}()

	skip := from - wb.hist
	if _, err := io.CopyN(io.Discard, gz, skip); err != nil {
		return nil, 0, fmt.Errorf("failed to seek compressed segment: %w", err)
	}
	data := make([]byte, max)
	n, err := io.ReadFull(gz, data)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, 0, err
	}
	return data[:n], from + int64(n), nil
}

// readLiveLocked reads from the live file starting at an absolute offset.
// Caller holds wb.mu.
func (s *Store) readLiveLocked(wb *workerBuffer, from int64, max int) ([]byte, int64, error) {
	n := wb.base + wb.size - from
	if n <= 0 {
		return nil, wb.tail(), nil
	}
	if n > int64(max) {
		n = int64(max)
	}
	data := make([]byte, n)
	read, err := wb.file.ReadAt(data, from-wb.base)
	if err != nil && err != io.EOF {
		return nil, 0, err
	}
	return data[:read], from + int64(read), nil
}
