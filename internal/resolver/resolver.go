// Package resolver turns a content id into readable audio bytes: cache hit
// detection, single-flight delegation to the origin fetcher on miss, and
// ingestion of fetch results into the cache store.
package resolver

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/tunecast/tunecast/internal/origin"
	"github.com/tunecast/tunecast/internal/store"
	"github.com/tunecast/tunecast/internal/track"
)

// Cache is the slice of the store the resolver needs.
type Cache interface {
	Open(contentID string) (io.ReadSeekCloser, store.Entry, error)
	Put(contentID, tempPath string) (store.Entry, error)
}

// MetaRecorder receives fetch side effects; implementations must not block.
type MetaRecorder interface {
	SaveTrack(rec *track.Record)
	MarkAvailable(contentID string, sizeBytes int64)
}

// Resolver orchestrates cache-or-fetch. It guarantees at most one
// concurrent origin fetch per content id: late arrivals join the in-flight
// fetch and observe the same outcome.
type Resolver struct {
	cache        Cache
	fetcher      origin.Fetcher
	meta         MetaRecorder
	group        singleflight.Group
	fetchTimeout time.Duration
	logger       *log.Logger
}

// New creates a resolver. meta may be nil when no sink is wired.
func New(cache Cache, fetcher origin.Fetcher, meta MetaRecorder, fetchTimeout time.Duration, logger *log.Logger) *Resolver {
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{
		cache:        cache,
		fetcher:      fetcher,
		meta:         meta,
		fetchTimeout: fetchTimeout,
		logger:       logger,
	}
}

// Resolve returns a readable, seekable byte source for contentID, its
// entry, and whether it was a cache hit. On miss the caller blocks until
// the (possibly shared) fetch finishes. A caller abandoning the wait via
// ctx does not cancel the fetch: other waiters may depend on it, and the
// result still populates the cache.
func (r *Resolver) Resolve(ctx context.Context, contentID string) (io.ReadSeekCloser, store.Entry, bool, error) {
	if rc, entry, err := r.cache.Open(contentID); err == nil {
		return rc, entry, true, nil
	}

	ch := r.group.DoChan(contentID, func() (interface{}, error) {
		return r.fetchAndIngest(contentID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, store.Entry{}, false, res.Err
		}
	case <-ctx.Done():
		// The fetch keeps running for the remaining waiters.
		return nil, store.Entry{}, false, ctx.Err()
	}

	rc, entry, err := r.cache.Open(contentID)
	if err != nil {
		return nil, store.Entry{}, false, err
	}
	return rc, entry, false, nil
}

// fetchAndIngest runs detached from any single request: the fetch gets its
// own deadline so a client disconnect never kills work shared by others.
func (r *Resolver) fetchAndIngest(contentID string) (store.Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.fetchTimeout)
	defer cancel()

	r.logger.Info("cache miss, fetching", "content_id", contentID)

	tempPath, meta, err := r.fetcher.Fetch(ctx, contentID)
	if err != nil {
		return store.Entry{}, err
	}

	entry, err := r.cache.Put(contentID, tempPath)
	if err != nil {
		os.Remove(tempPath) //nolint:errcheck
		return store.Entry{}, err
	}

	if r.meta != nil {
		if meta != nil {
			r.meta.SaveTrack(&track.Record{
				ContentID:    contentID,
				Title:        meta.Title,
				Artist:       meta.Artist,
				Album:        meta.Album,
				CoverURL:     meta.CoverURL,
				Channel:      meta.Channel,
				DurationSecs: meta.DurationSecs,
				ViewCount:    meta.ViewCount,
			})
		}
		r.meta.MarkAvailable(contentID, entry.SizeBytes)
	}

	return entry, nil
}
