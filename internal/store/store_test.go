package store

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeClock hands the store a controllable time source so recency ordering
// is deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T, cfg Config) (*Store, *fakeClock) {
	t.Helper()

	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clk := &fakeClock{t: time.Now()}
	s.now = clk.Now
	return s, clk
}

// writeTemp creates a temp file of n bytes ready for ingestion.
func writeTemp(t *testing.T, n int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fetch.mp3")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xAB}, n), 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestPutGetOpen(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	entry, err := s.Put("dQw4w9WgXcQ", writeTemp(t, 1000))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if entry.Status != StatusReady {
		t.Errorf("status = %v, want Ready", entry.Status)
	}
	if entry.SizeBytes != 1000 {
		t.Errorf("size = %d, want 1000", entry.SizeBytes)
	}

	got, ok := s.Get("dQw4w9WgXcQ")
	if !ok {
		t.Fatal("Get: entry not found")
	}
	if got.FilePath != entry.FilePath {
		t.Errorf("path mismatch: %q != %q", got.FilePath, entry.FilePath)
	}

	rc, opened, err := s.Open("dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading cached file: %v", err)
	}
	if int64(len(data)) != opened.SizeBytes {
		t.Errorf("read %d bytes, want %d", len(data), opened.SizeBytes)
	}
}

func TestOpenMissing(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	if _, _, err := s.Open("aaaaaaaaaaa"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestPutReplacesExisting(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	if _, err := s.Put("dQw4w9WgXcQ", writeTemp(t, 100)); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if _, err := s.Put("dQw4w9WgXcQ", writeTemp(t, 300)); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	stats := s.Stats()
	if stats.TotalFiles != 1 {
		t.Errorf("TotalFiles = %d, want 1", stats.TotalFiles)
	}
	if stats.TotalSizeBytes != 300 {
		t.Errorf("TotalSizeBytes = %d, want 300", stats.TotalSizeBytes)
	}
}

// ids returns n distinct 11-char content ids.
func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = string(rune('A'+i)) + "AAAAAAAAAA"
	}
	return out
}

func TestEvictOverBudget(t *testing.T) {
	s, clk := newTestStore(t, Config{})

	// Ten 10-byte entries with strictly increasing access times. The
	// budget is applied afterwards so setup puts don't evict.
	all := ids(10)
	for _, id := range all {
		if _, err := s.Put(id, writeTemp(t, 10)); err != nil {
			t.Fatalf("Put %s failed: %v", id, err)
		}
		clk.Advance(time.Minute)
	}
	s.maxBytes = 50

	victims := s.EvictOverBudget()
	if len(victims) != 2 {
		t.Fatalf("evicted %d entries, want 2 (ceil(10*0.2))", len(victims))
	}

	// The two oldest-accessed entries go first.
	want := map[string]bool{all[0]: true, all[1]: true}
	for _, v := range victims {
		if !want[v.ContentID] {
			t.Errorf("unexpected victim %s", v.ContentID)
		}
		if v.Status != StatusEvicted {
			t.Errorf("victim %s status = %v, want Evicted", v.ContentID, v.Status)
		}
		if _, err := os.Stat(v.FilePath); !os.IsNotExist(err) {
			t.Errorf("victim file %s still on disk", v.FilePath)
		}
	}

	stats := s.Stats()
	if stats.TotalFiles != 8 {
		t.Errorf("TotalFiles = %d, want 8", stats.TotalFiles)
	}
	if stats.TotalSizeBytes != 80 {
		t.Errorf("TotalSizeBytes = %d, want 80", stats.TotalSizeBytes)
	}
}

func TestEvictionSkipsActiveReader(t *testing.T) {
	s, clk := newTestStore(t, Config{})

	all := ids(10)
	for _, id := range all {
		if _, err := s.Put(id, writeTemp(t, 10)); err != nil {
			t.Fatalf("Put %s failed: %v", id, err)
		}
		clk.Advance(time.Minute)
	}
	s.maxBytes = 50

	// Hold the oldest entry open across the pass.
	rc, _, err := s.Open(all[0])
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	clk.Advance(-11 * time.Minute) // keep it the oldest despite the Open touch
	s.mu.Lock()
	s.entries[all[0]].LastAccessedAt = clk.Now()
	s.mu.Unlock()
	clk.Advance(11 * time.Minute)

	victims := s.EvictOverBudget()
	for _, v := range victims {
		if v.ContentID == all[0] {
			t.Fatal("entry with active reader was evicted")
		}
	}
	if _, ok := s.Get(all[0]); !ok {
		t.Fatal("busy entry disappeared from index")
	}

	// After the read completes the entry is fair game again.
	rc.Close()
	victims = s.EvictOverBudget()
	found := false
	for _, v := range victims {
		if v.ContentID == all[0] {
			found = true
		}
	}
	if !found {
		t.Error("released entry was not evicted on the next pass")
	}
}

func TestPutTriggersEviction(t *testing.T) {
	s, clk := newTestStore(t, Config{MaxBytes: 25})

	all := ids(3)
	for _, id := range all {
		if _, err := s.Put(id, writeTemp(t, 10)); err != nil {
			t.Fatalf("Put %s failed: %v", id, err)
		}
		clk.Advance(time.Minute)
	}

	// The third Put pushed the total to 30 > 25; one entry (the oldest)
	// must have been evicted on ingest.
	stats := s.Stats()
	if stats.TotalFiles != 2 {
		t.Fatalf("TotalFiles = %d, want 2", stats.TotalFiles)
	}
	if _, ok := s.Get(all[0]); ok {
		t.Error("oldest entry survived the budget pass")
	}
}

func TestDeleteRespectsReaders(t *testing.T) {
	var evicted []Entry
	var mu sync.Mutex
	s, _ := newTestStore(t, Config{OnEvict: func(e Entry) {
		mu.Lock()
		evicted = append(evicted, e)
		mu.Unlock()
	}})

	if _, err := s.Put("dQw4w9WgXcQ", writeTemp(t, 100)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rc, _, err := s.Open("dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := s.Delete("dQw4w9WgXcQ"); !errors.Is(err, ErrEntryBusy) {
		t.Fatalf("expected ErrEntryBusy, got %v", err)
	}

	rc.Close()
	if err := s.Delete("dQw4w9WgXcQ"); err != nil {
		t.Fatalf("Delete after close failed: %v", err)
	}
	if err := s.Delete("dQw4w9WgXcQ"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0].ContentID != "dQw4w9WgXcQ" {
		t.Errorf("OnEvict notifications = %+v, want one for dQw4w9WgXcQ", evicted)
	}
}

func TestIndexSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s, _ := newTestStore(t, Config{Dir: dir})
	if _, err := s.Put("dQw4w9WgXcQ", writeTemp(t, 100)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	gone, err := s.Put("aaaaaaaaaaa", writeTemp(t, 200))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulate an out-of-band deletion between runs.
	if err := os.Remove(gone.FilePath); err != nil {
		t.Fatalf("removing file: %v", err)
	}

	reopened, err := New(Config{Dir: dir}, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if _, ok := reopened.Get("dQw4w9WgXcQ"); !ok {
		t.Error("surviving entry missing after reload")
	}
	if _, ok := reopened.Get("aaaaaaaaaaa"); ok {
		t.Error("entry with missing file not dropped on reload")
	}
	if stats := reopened.Stats(); stats.TotalSizeBytes != 100 {
		t.Errorf("TotalSizeBytes = %d, want 100", stats.TotalSizeBytes)
	}
}

func TestWatcherReconcilesOutOfBandDelete(t *testing.T) {
	notified := make(chan Entry, 1)
	s, _ := newTestStore(t, Config{
		WatchDir: true,
		OnEvict:  func(e Entry) { notified <- e },
	})

	entry, err := s.Put("dQw4w9WgXcQ", writeTemp(t, 100))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := os.Remove(entry.FilePath); err != nil {
		t.Fatalf("removing cache file: %v", err)
	}

	select {
	case got := <-notified:
		if got.ContentID != "dQw4w9WgXcQ" || got.Status != StatusEvicted {
			t.Errorf("unexpected notification: %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the out-of-band delete")
	}

	if _, ok := s.Get("dQw4w9WgXcQ"); ok {
		t.Error("index entry survived the out-of-band delete")
	}
}

func TestConcurrentOpens(t *testing.T) {
	s, _ := newTestStore(t, Config{})

	if _, err := s.Put("dQw4w9WgXcQ", writeTemp(t, 4096)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc, _, err := s.Open("dQw4w9WgXcQ")
			if err != nil {
				t.Errorf("Open failed: %v", err)
				return
			}
			defer rc.Close()
			if _, err := io.Copy(io.Discard, rc); err != nil {
				t.Errorf("read failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// All leases released.
	if err := s.Delete("dQw4w9WgXcQ"); err != nil {
		t.Fatalf("Delete after concurrent reads failed: %v", err)
	}
}
