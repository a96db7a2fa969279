package buffer

import (
	"bytes"
	"os"
	"testing"
	"time"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.FlushInterval == 0 {
		// Keep the background flusher out of the way; tests drive flushes
		// through Read and Flush.
		cfg.FlushInterval = time.Hour
	}
	s, err := NewStore(cfg, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestStoreFreshBufferIsEmpty(t *testing.T) {
	s := newTestStore(t, Config{})

	if err := s.Create("w1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	off, err := s.CurrentOffset("w1")
	if err != nil {
		t.Fatalf("CurrentOffset: %v", err)
	}
	if off != 0 {
		t.Errorf("fresh buffer offset = %d, want 0", off)
	}
	data, next, err := s.Read("w1", 0, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(data) != 0 || next != 0 {
		t.Errorf("Read = (%q, %d), want empty at 0", data, next)
	}
}

func TestStoreAppendAndRead(t *testing.T) {
	s := newTestStore(t, Config{})

	if err := s.Append("w1", []byte("hello\n")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append("w1", []byte("world\n")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, next, err := s.Read("w1", 0, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(data, []byte("hello\nworld\n")) {
		t.Errorf("Read data = %q", data)
	}
	if next != 12 {
		t.Errorf("next offset = %d, want 12", next)
	}

	data, next, err = s.Read("w1", 6, 0)
	if err != nil {
		t.Fatalf("Read from 6: %v", err)
	}
	if !bytes.Equal(data, []byte("world\n")) || next != 12 {
		t.Errorf("Read from 6 = (%q, %d)", data, next)
	}

	// At the tail there is nothing to serve yet.
	data, next, err = s.Read("w1", 12, 0)
	if err != nil {
		t.Fatalf("Read at tail: %v", err)
	}
	if len(data) != 0 || next != 12 {
		t.Errorf("Read at tail = (%q, %d), want empty at 12", data, next)
	}
}

func TestStoreReadHonorsMax(t *testing.T) {
	s := newTestStore(t, Config{})

	if err := s.Append("w1", []byte("abcdefgh")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	data, next, err := s.Read("w1", 0, 3)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(data, []byte("abc")) || next != 3 {
		t.Errorf("Read = (%q, %d), want (abc, 3)", data, next)
	}
	data, next, err = s.Read("w1", next, 3)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(data, []byte("def")) || next != 6 {
		t.Errorf("Read = (%q, %d), want (def, 6)", data, next)
	}
}

func TestStoreNegativeOffsetClampsToStart(t *testing.T) {
	s := newTestStore(t, Config{})

	if err := s.Append("w1", []byte("data")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	data, next, err := s.Read("w1", -5, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(data, []byte("data")) || next != 4 {
		t.Errorf("Read = (%q, %d)", data, next)
	}
}

func TestStoreRotateKeepsHistoryReadable(t *testing.T) {
	s := newTestStore(t, Config{RotateBytes: 8})

	if err := s.Append("w1", []byte("0123456789")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Read forces the flush, which trips the rotation threshold.
	if _, _, err := s.Read("w1", 0, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := s.Append("w1", []byte("abcd")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Offsets before the live base are served from the compressed segment.
	data, next, err := s.Read("w1", 0, 0)
	if err != nil {
		t.Fatalf("Read history: %v", err)
	}
	if !bytes.Equal(data, []byte("0123456789")) || next != 10 {
		t.Errorf("history read = (%q, %d)", data, next)
	}
	data, next, err = s.Read("w1", next, 0)
	if err != nil {
		t.Fatalf("Read live: %v", err)
	}
	if !bytes.Equal(data, []byte("abcd")) || next != 14 {
		t.Errorf("live read = (%q, %d)", data, next)
	}

	off, err := s.CurrentOffset("w1")
	if err != nil {
		t.Fatalf("CurrentOffset: %v", err)
	}
	if off != 14 {
		t.Errorf("offset after rotation = %d, want 14", off)
	}
}

func TestStoreOffsetsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(Config{Dir: dir, FlushInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Append("w1", []byte("persisted")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := newTestStore(t, Config{Dir: dir})
	off, err := s2.CurrentOffset("w1")
	if err != nil {
		t.Fatalf("CurrentOffset: %v", err)
	}
	if off != 9 {
		t.Errorf("offset after reopen = %d, want 9", off)
	}
	data, next, err := s2.Read("w1", 0, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(data, []byte("persisted")) || next != 9 {
		t.Errorf("Read after reopen = (%q, %d)", data, next)
	}
}

func TestStoreRemoveDeletesFiles(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Config{Dir: dir})

	if err := s.Append("w1", []byte("gone")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, _, err := s.Read("w1", 0, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := s.Remove("w1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(s.livePath("w1")); !os.IsNotExist(err) {
		t.Errorf("live file still present after Remove")
	}

	// A later open starts over from offset zero.
	off, err := s.CurrentOffset("w1")
	if err != nil {
		t.Fatalf("CurrentOffset: %v", err)
	}
	if off != 0 {
		t.Errorf("offset after Remove = %d, want 0", off)
	}
}
