package store

import (
	"errors"
	"time"
)

// Common errors for cache store operations.
var (
	// ErrEntryNotFound is returned when a content id has no cache entry.
	ErrEntryNotFound = errors.New("cache entry not found")

	// ErrEntryBusy is returned when an entry cannot be removed because a
	// reader currently holds it open.
	ErrEntryBusy = errors.New("cache entry has active readers")
)

// Status is the lifecycle state of a cache entry.
type Status int

const (
	// StatusFetching marks bytes still being acquired. It never appears in
	// the index: acquisition happens in a temp file outside the store and
	// Put ingests atomically, so readers only ever observe Ready entries.
	// The constant names the full lifecycle for callers and logs.
	StatusFetching Status = iota

	// StatusReady marks an entry whose file is complete and servable.
	StatusReady

	// StatusEvicted marks an entry that has been removed from disk.
	StatusEvicted
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusFetching:
		return "Fetching"
	case StatusReady:
		return "Ready"
	case StatusEvicted:
		return "Evicted"
	default:
		return "Unknown"
	}
}

// Entry describes one cached audio file. The store owns entries
// exclusively; callers always receive copies.
type Entry struct {
	ContentID      string
	FilePath       string
	SizeBytes      int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	Status         Status

	// readers counts open leases. Only meaningful inside the store and
	// never persisted.
	readers int
}

// Stats summarizes the store's current footprint.
type Stats struct {
	TotalFiles     int
	TotalSizeBytes int64
	MaxSizeBytes   int64
	Evictions      int64
}

// Config holds store construction parameters.
type Config struct {
	// Dir is the directory holding cached audio files and the index.
	Dir string

	// MaxBytes is the disk budget. Zero disables budget eviction.
	MaxBytes int64

	// JanitorInterval is how often the background eviction pass runs.
	// Zero disables the janitor.
	JanitorInterval time.Duration

	// WatchDir enables the fsnotify watcher that reconciles files removed
	// behind the store's back.
	WatchDir bool

	// OnEvict, when set, is called for every entry removed from the store
	// (eviction, explicit delete, or watcher reconciliation). It is never
	// invoked while the store lock is held.
	OnEvict func(Entry)
}
