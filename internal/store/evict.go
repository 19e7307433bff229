package store

import (
	"sort"
	"time"

	"github.com/dustin/go-humanize"
)

// EvictOverBudget runs one eviction pass: when the indexed total exceeds
// the budget, the ceil(entryCount * 0.2) least-recently-accessed entries
// are removed from disk and index. Entries with active readers are skipped
// and picked up again on a later pass. Returns the evicted entries.
func (s *Store) EvictOverBudget() []Entry {
	s.mu.Lock()
	victims := s.evictOverBudgetLocked()
	if len(victims) > 0 {
		if err := s.saveIndexLocked(); err != nil {
			s.logger.Warn("persisting cache index failed", "err", err)
		}
	}
	s.mu.Unlock()

	s.notifyEvicted(victims)
	return victims
}

func (s *Store) evictOverBudgetLocked() []Entry {
	if s.maxBytes <= 0 || s.size <= s.maxBytes || len(s.entries) == 0 {
		return nil
	}

	candidates := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAccessedAt.Before(candidates[j].LastAccessedAt)
	})

	// ceil(n * 0.2)
	n := (len(candidates) + 4) / 5

	var victims []Entry
	var freed int64
	for _, entry := range candidates[:n] {
		if entry.readers > 0 {
			// In use: defer to the next pass, never fail.
			s.logger.Debug("eviction skipped, entry in use",
				"content_id", entry.ContentID, "readers", entry.readers)
			continue
		}
		freed += entry.SizeBytes
		victims = append(victims, s.removeLocked(entry))
	}

	if len(victims) > 0 {
		s.logger.Info("evicted cache entries",
			"count", len(victims),
			"freed", humanize.Bytes(uint64(freed)),
			"remaining", humanize.Bytes(uint64(s.size)))
	}
	return victims
}

func (s *Store) startJanitor(interval time.Duration) {
	s.janitorStop = make(chan struct{})
	s.janitorWg.Add(1)

	go func() {
		defer s.janitorWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.EvictOverBudget()
			case <-s.janitorStop:
				return
			}
		}
	}()
}
