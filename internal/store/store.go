// Package store implements the filesystem-backed cache of transcoded audio
// files: an in-memory index of entries, their sizes and access recency,
// reader leasing, and the disk-budget eviction policy. Recency is tracked
// explicitly in the index rather than via filesystem atime, which many
// mounts disable.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
)

// Store is the cache store. All index mutation happens under one mutex;
// byte reads against leased files proceed without locking.
type Store struct {
	dir      string
	maxBytes int64
	onEvict  func(Entry)
	logger   *log.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	size    int64
	stats   Stats

	// removing holds paths the store is deleting itself, so the watcher
	// can tell its own removals from out-of-band ones.
	removing map[string]bool

	watcher *fsnotify.Watcher

	janitorStop chan struct{}
	janitorWg   sync.WaitGroup

	now func() time.Time
}

// New creates a store rooted at cfg.Dir, loading any persisted index and
// dropping index entries whose files no longer exist.
func New(cfg Config, logger *log.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("store: cache directory must be set")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create cache directory: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &Store{
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		onEvict:  cfg.OnEvict,
		logger:   logger,
		entries:  make(map[string]*Entry),
		removing: make(map[string]bool),
		now:      time.Now,
	}

	if err := s.loadIndex(); err != nil {
		// A corrupt index is not fatal: start empty, files get refetched.
		s.logger.Warn("cache index unreadable, starting empty", "err", err)
		s.entries = make(map[string]*Entry)
		s.size = 0
	}

	if cfg.WatchDir {
		if err := s.startWatcher(); err != nil {
			return nil, fmt.Errorf("store: start watcher: %w", err)
		}
	}
	if cfg.JanitorInterval > 0 {
		s.startJanitor(cfg.JanitorInterval)
	}

	s.logger.Info("cache store ready",
		"dir", s.dir,
		"entries", len(s.entries),
		"size", humanize.Bytes(uint64(s.size)),
		"budget", humanize.Bytes(uint64(s.maxBytes)))

	return s, nil
}

// Put ingests a fully written temp file as the cache entry for contentID.
// The move is atomic: no reader can ever observe a partial file. Ingesting
// over an existing entry replaces it; open readers of the old file keep
// their handles. Put triggers a budget eviction pass.
func (s *Store) Put(contentID, tempPath string) (Entry, error) {
	fi, err := os.Stat(tempPath)
	if err != nil {
		return Entry{}, fmt.Errorf("store: stat temp file: %w", err)
	}

	dest := s.filePath(contentID)

	s.mu.Lock()
	if err := os.Rename(tempPath, dest); err != nil {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("store: ingest %s: %w", contentID, err)
	}

	if old, ok := s.entries[contentID]; ok {
		s.size -= old.SizeBytes
	}

	now := s.now()
	entry := &Entry{
		ContentID:      contentID,
		FilePath:       dest,
		SizeBytes:      fi.Size(),
		CreatedAt:      now,
		LastAccessedAt: now,
		Status:         StatusReady,
	}
	s.entries[contentID] = entry
	s.size += entry.SizeBytes

	if err := s.saveIndexLocked(); err != nil {
		s.logger.Warn("persisting cache index failed", "err", err)
	}

	out := *entry
	victims := s.evictOverBudgetLocked()
	s.mu.Unlock()

	s.logger.Info("cached",
		"content_id", contentID,
		"size", humanize.Bytes(uint64(out.SizeBytes)))

	s.notifyEvicted(victims)
	return out, nil
}

// Get returns a copy of the entry for contentID, if present.
func (s *Store) Get(contentID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[contentID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Open returns a readable, seekable handle on the cached file and a reader
// lease that blocks eviction of the entry until the handle is closed. It
// also bumps access recency.
func (s *Store) Open(contentID string) (io.ReadSeekCloser, Entry, error) {
	s.mu.Lock()

	entry, ok := s.entries[contentID]
	if !ok {
		s.mu.Unlock()
		return nil, Entry{}, ErrEntryNotFound
	}

	f, err := os.Open(entry.FilePath)
	if err != nil {
		// File vanished out from under the index; drop the entry.
		s.size -= entry.SizeBytes
		delete(s.entries, contentID)
		s.mu.Unlock()
		return nil, Entry{}, fmt.Errorf("store: open %s: %w", contentID, ErrEntryNotFound)
	}

	entry.readers++
	entry.LastAccessedAt = s.now()
	out := *entry
	s.mu.Unlock()

	return &lease{File: f, store: s, contentID: contentID}, out, nil
}

// Delete removes one entry from disk and index, for administrative
// eviction. It refuses while readers are active.
func (s *Store) Delete(contentID string) error {
	s.mu.Lock()

	entry, ok := s.entries[contentID]
	if !ok {
		s.mu.Unlock()
		return ErrEntryNotFound
	}
	if entry.readers > 0 {
		s.mu.Unlock()
		return ErrEntryBusy
	}

	removed := s.removeLocked(entry)
	if err := s.saveIndexLocked(); err != nil {
		s.logger.Warn("persisting cache index failed", "err", err)
	}
	s.mu.Unlock()

	s.logger.Info("deleted cache entry", "content_id", contentID)
	s.notifyEvicted([]Entry{removed})
	return nil
}

// Stats reports the store's current footprint.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.TotalFiles = len(s.entries)
	stats.TotalSizeBytes = s.size
	stats.MaxSizeBytes = s.maxBytes
	return stats
}

// Close stops the janitor and watcher and persists the index.
func (s *Store) Close() error {
	if s.janitorStop != nil {
		close(s.janitorStop)
		s.janitorWg.Wait()
	}
	if s.watcher != nil {
		s.watcher.Close() //nolint:errcheck
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveIndexLocked()
}

// releaseReader drops one reader lease for contentID.
func (s *Store) releaseReader(contentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[contentID]; ok && entry.readers > 0 {
		entry.readers--
	}
}

// removeLocked deletes the entry's file and index record and returns a
// copy marked Evicted. Caller holds the lock.
func (s *Store) removeLocked(entry *Entry) Entry {
	if s.watcher != nil {
		s.removing[entry.FilePath] = true
	}
	if err := os.Remove(entry.FilePath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("removing cache file failed", "path", entry.FilePath, "err", err)
	}

	s.size -= entry.SizeBytes
	delete(s.entries, entry.ContentID)
	s.stats.Evictions++

	out := *entry
	out.Status = StatusEvicted
	return out
}

func (s *Store) notifyEvicted(victims []Entry) {
	if s.onEvict == nil {
		return
	}
	for _, v := range victims {
		s.onEvict(v)
	}
}

func (s *Store) filePath(contentID string) string {
	return filepath.Join(s.dir, contentID+".mp3")
}

// lease wraps an open cache file and releases the reader count on Close.
type lease struct {
	*os.File
	store     *Store
	contentID string
	closeOnce sync.Once
}

func (l *lease) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.File.Close()
		l.store.releaseReader(l.contentID)
	})
	return err
}
