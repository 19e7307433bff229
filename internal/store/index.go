package store

import (
	"encoding/gob"
	"os"
	"path/filepath"
)

const indexFileName = "cache.index"

// loadIndex reads the persisted index and reconciles it against the
// filesystem: entries whose files are gone are dropped, sizes are taken
// from the files themselves.
func (s *Store) loadIndex() error {
	path := filepath.Join(s.dir, indexFileName)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close() //nolint:errcheck

	var persisted map[string]*Entry
	if err := gob.NewDecoder(f).Decode(&persisted); err != nil {
		return err
	}

	s.entries = make(map[string]*Entry, len(persisted))
	s.size = 0
	for id, entry := range persisted {
		fi, err := os.Stat(entry.FilePath)
		if err != nil {
			s.logger.Warn("dropping index entry, file missing",
				"content_id", id, "path", entry.FilePath)
			continue
		}
		entry.SizeBytes = fi.Size()
		entry.Status = StatusReady
		entry.readers = 0
		s.entries[id] = entry
		s.size += entry.SizeBytes
	}
	return nil
}

// saveIndexLocked persists the index with a temp write and atomic rename.
// Caller holds the lock.
func (s *Store) saveIndexLocked() error {
	path := filepath.Join(s.dir, indexFileName)
	tempPath := path + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	err = gob.NewEncoder(f).Encode(s.entries)
	closeErr := f.Close()

	if err != nil {
		os.Remove(tempPath) //nolint:errcheck
		return err
	}
	if closeErr != nil {
		os.Remove(tempPath) //nolint:errcheck
		return closeErr
	}

	return os.Rename(tempPath, path)
}
