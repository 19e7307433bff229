// Package track is the boundary to the persistent track-metadata store.
// The streaming core treats it as a write-mostly, best-effort collaborator:
// every hot-path write goes through a bounded background queue so a slow or
// failing sink can never stall audio delivery.
package track

import (
	"errors"
	"time"
)

// ErrTrackNotFound is returned when no record exists for a content id.
var ErrTrackNotFound = errors.New("track not found")

// Record is the persisted view of one track. Owned by the sink, never by
// the streaming core.
type Record struct {
	ContentID    string    `json:"contentId"`
	Title        string    `json:"title"`
	Artist       string    `json:"artist"`
	Album        string    `json:"album,omitempty"`
	CoverURL     string    `json:"coverUrl,omitempty"`
	Channel      string    `json:"channel,omitempty"`
	DurationSecs int       `json:"durationSecs"`
	ViewCount    int64     `json:"viewCount"`
	Plays        int64     `json:"plays"`
	LocalAvail   bool      `json:"localAvailable"`
	LocalSize    int64     `json:"localSizeBytes"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PlayEvent is one recorded playback.
type PlayEvent struct {
	ContentID string    `json:"contentId"`
	SubjectID string    `json:"subjectId,omitempty"`
	At        time.Time `json:"at"`
}

// Sink persists track records and local-availability state.
type Sink interface {
	// Save upserts a record by content id, preserving play counters.
	Save(rec *Record) error

	// FindByID returns the record for a content id, or ErrTrackNotFound.
	FindByID(contentID string) (*Record, error)

	// MarkLocalAvailability records whether the audio is cached locally
	// and at what size.
	MarkLocalAvailability(contentID string, available bool, sizeBytes int64) error

	// RecordPlay appends a play event and bumps the record's counter.
	RecordPlay(contentID, subjectID string) error
}
