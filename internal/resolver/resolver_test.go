package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tunecast/tunecast/internal/origin"
	"github.com/tunecast/tunecast/internal/store"
	"github.com/tunecast/tunecast/internal/track"
)

// fakeFetcher writes a fixed payload to a temp file, with configurable
// latency and failure injection.
type fakeFetcher struct {
	dir     string
	payload []byte
	meta    *origin.Metadata
	delay   time.Duration

	calls atomic.Int32
	fail  atomic.Bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, contentID string) (string, *origin.Metadata, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", nil, &origin.FetchError{ContentID: contentID, Err: ctx.Err()}
		}
	}
	if f.fail.Load() {
		return "", nil, &origin.FetchError{ContentID: contentID, Err: errors.New("origin down")}
	}

	path := filepath.Join(f.dir, fmt.Sprintf("%s.%d.mp3", contentID, n))
	if err := os.WriteFile(path, f.payload, 0o644); err != nil {
		return "", nil, err
	}
	return path, f.meta, nil
}

// fakeMeta records recorder calls synchronously.
type fakeMeta struct {
	mu        sync.Mutex
	saved     []*track.Record
	available map[string]int64
}

func (m *fakeMeta) SaveTrack(rec *track.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, rec)
}

func (m *fakeMeta) MarkAvailable(contentID string, sizeBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.available == nil {
		m.available = make(map[string]int64)
	}
	m.available[contentID] = sizeBytes
}

func newTestResolver(t *testing.T, fetcher origin.Fetcher, meta MetaRecorder) (*Resolver, *store.Store) {
	t.Helper()

	s, err := store.New(store.Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return New(s, fetcher, meta, time.Minute, nil), s
}

func TestResolveMissThenHit(t *testing.T) {
	fetcher := &fakeFetcher{
		dir:     t.TempDir(),
		payload: []byte("mp3 bytes"),
		meta:    &origin.Metadata{Title: "Song", Artist: "Band"},
	}
	meta := &fakeMeta{}
	r, _ := newTestResolver(t, fetcher, meta)

	rc, entry, hit, err := r.Resolve(context.Background(), "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if hit {
		t.Error("first resolve reported a hit")
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "mp3 bytes" {
		t.Errorf("payload mismatch: %q", data)
	}
	if entry.SizeBytes != int64(len("mp3 bytes")) {
		t.Errorf("entry size = %d", entry.SizeBytes)
	}

	rc, _, hit, err = r.Resolve(context.Background(), "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	rc.Close()
	if !hit {
		t.Error("second resolve was not a hit")
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}

	// Side effects landed.
	meta.mu.Lock()
	defer meta.mu.Unlock()
	if len(meta.saved) != 1 || meta.saved[0].Title != "Song" {
		t.Errorf("saved records = %+v", meta.saved)
	}
	if meta.available["dQw4w9WgXcQ"] != entry.SizeBytes {
		t.Errorf("availability size = %d", meta.available["dQw4w9WgXcQ"])
	}
}

func TestSingleFlight(t *testing.T) {
	fetcher := &fakeFetcher{
		dir:     t.TempDir(),
		payload: []byte("shared bytes"),
		delay:   100 * time.Millisecond,
	}
	r, _ := newTestResolver(t, fetcher, nil)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	hits := make([]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rc, _, hit, err := r.Resolve(context.Background(), "dQw4w9WgXcQ")
			errs[i], hits[i] = err, hit
			if err == nil {
				data, _ := io.ReadAll(rc)
				rc.Close()
				if string(data) != "shared bytes" {
					errs[i] = fmt.Errorf("payload mismatch: %q", data)
				}
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d failed: %v", i, err)
		}
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want exactly 1", got)
	}
}

func TestFetchFailureSharedThenRetried(t *testing.T) {
	fetcher := &fakeFetcher{
		dir:     t.TempDir(),
		payload: []byte("late bytes"),
		delay:   50 * time.Millisecond,
	}
	fetcher.fail.Store(true)
	r, _ := newTestResolver(t, fetcher, nil)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _, errs[i] = r.Resolve(context.Background(), "dQw4w9WgXcQ")
		}(i)
	}
	wg.Wait()

	var fe *origin.FetchError
	for i, err := range errs {
		if !errors.As(err, &fe) {
			t.Errorf("request %d: expected FetchError, got %v", i, err)
		}
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1 (single shared failure)", got)
	}

	// The registry entry was released: a later request fetches again.
	fetcher.fail.Store(false)
	rc, _, _, err := r.Resolve(context.Background(), "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("retry Resolve failed: %v", err)
	}
	rc.Close()
	if got := fetcher.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}

func TestAbandonedWaiterDoesNotCancelFetch(t *testing.T) {
	fetcher := &fakeFetcher{
		dir:     t.TempDir(),
		payload: []byte("persisted anyway"),
		delay:   200 * time.Millisecond,
	}
	r, s := newTestResolver(t, fetcher, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, _, err := r.Resolve(ctx, "dQw4w9WgXcQ")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context error, got %v", err)
	}

	// The fetch it started must complete and populate the cache.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := s.Get("dQw4w9WgXcQ"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("abandoned fetch never populated the cache")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestNilMetadataStillMarksAvailability(t *testing.T) {
	fetcher := &fakeFetcher{dir: t.TempDir(), payload: []byte("x"), meta: nil}
	meta := &fakeMeta{}
	r, _ := newTestResolver(t, fetcher, meta)

	rc, _, _, err := r.Resolve(context.Background(), "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	rc.Close()

	meta.mu.Lock()
	defer meta.mu.Unlock()
	if len(meta.saved) != 0 {
		t.Errorf("SaveTrack called with nil metadata: %+v", meta.saved)
	}
	if _, ok := meta.available["dQw4w9WgXcQ"]; !ok {
		t.Error("availability not marked")
	}
}
