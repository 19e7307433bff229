package track

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTracks = []byte("tracks")
	bucketPlays  = []byte("plays")
)

// BoltSink is a bbolt-backed Sink: one bucket of JSON records keyed by
// content id, one bucket of append-only play events.
type BoltSink struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltSink opens (or creates) the database at path.
func NewBoltSink(path string) (*BoltSink, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("track: open db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTracks); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPlays)
		return err
	})
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("track: init buckets: %w", err)
	}

	return &BoltSink{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *BoltSink) Close() error {
	return s.db.Close()
}

// Save upserts rec by content id. Counters and availability state from an
// existing record are preserved so a metadata refresh cannot reset them.
func (s *BoltSink) Save(rec *Record) error {
	if rec == nil || rec.ContentID == "" {
		return fmt.Errorf("track: record must have a content id")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTracks)

		stored := *rec
		if raw := b.Get([]byte(rec.ContentID)); raw != nil {
			var old Record
			if err := json.Unmarshal(raw, &old); err == nil {
				stored.Plays = old.Plays
				stored.LocalAvail = old.LocalAvail
				stored.LocalSize = old.LocalSize
			}
		}
		stored.UpdatedAt = s.now()

		raw, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ContentID), raw)
	})
}

// FindByID returns the stored record for contentID.
func (s *BoltSink) FindByID(contentID string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTracks).Get([]byte(contentID))
		if raw == nil {
			return ErrTrackNotFound
		}
		rec = new(Record)
		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkLocalAvailability flips the cached-locally flag. A record skeleton is
// created when none exists yet, so availability survives metadata-less
// fetches.
func (s *BoltSink) MarkLocalAvailability(contentID string, available bool, sizeBytes int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTracks)

		rec := Record{ContentID: contentID}
		if raw := b.Get([]byte(contentID)); raw != nil {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
		}
		rec.LocalAvail = available
		rec.LocalSize = sizeBytes
		if !available {
			rec.LocalSize = 0
		}
		rec.UpdatedAt = s.now()

		raw, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(contentID), raw)
	})
}

// RecordPlay appends a play event and increments the record's counter.
func (s *BoltSink) RecordPlay(contentID, subjectID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		plays := tx.Bucket(bucketPlays)
		seq, err := plays.NextSequence()
		if err != nil {
			return err
		}

		event := PlayEvent{ContentID: contentID, SubjectID: subjectID, At: s.now()}
		raw, err := json.Marshal(&event)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := plays.Put(key, raw); err != nil {
			return err
		}

		b := tx.Bucket(bucketTracks)
		rec := Record{ContentID: contentID}
		if stored := b.Get([]byte(contentID)); stored != nil {
			if err := json.Unmarshal(stored, &rec); err != nil {
				return err
			}
		}
		rec.Plays++
		rec.UpdatedAt = s.now()

		raw, err = json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(contentID), raw)
	})
}
