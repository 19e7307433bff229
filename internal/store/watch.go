package store

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// startWatcher begins watching the cache directory so the index never
// points at bytes that were deleted behind the store's back (an operator
// rm, a tmp-reaper, another process). Removals initiated by the store
// itself are filtered out via the removing set.
func (s *Store) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.dir); err != nil {
		w.Close() //nolint:errcheck
		return err
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					s.reconcileRemoved(ev.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("cache watcher error", "err", err)
			}
		}
	}()
	return nil
}

// reconcileRemoved handles a removal event for path. Own removals are
// acknowledged and dropped; foreign ones invalidate the matching entry.
func (s *Store) reconcileRemoved(path string) {
	base := filepath.Base(path)
	if base == indexFileName || strings.HasSuffix(base, ".tmp") {
		return
	}

	s.mu.Lock()
	if s.removing[path] {
		delete(s.removing, path)
		s.mu.Unlock()
		return
	}

	var removed *Entry
	for _, entry := range s.entries {
		if entry.FilePath == path {
			removed = entry
			break
		}
	}
	if removed == nil {
		s.mu.Unlock()
		return
	}

	s.size -= removed.SizeBytes
	delete(s.entries, removed.ContentID)
	out := *removed
	out.Status = StatusEvicted
	s.mu.Unlock()

	s.logger.Warn("cache file removed out-of-band, index entry dropped",
		"content_id", out.ContentID, "path", path)
	s.notifyEvicted([]Entry{out})
}
