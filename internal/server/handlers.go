package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tunecast/tunecast/internal/origin"
	"github.com/tunecast/tunecast/internal/store"
)

const bytesPerMB = 1024 * 1024

type tokenResponse struct {
	Token     string `json:"token"`
	ContentID string `json:"contentId"`
	StreamURL string `json:"streamUrl"`
	ExpiresIn int64  `json:"expiresIn"`
}

type storageStatsResponse struct {
	TotalFiles   int     `json:"totalFiles"`
	TotalSizeMB  float64 `json:"totalSizeMB"`
	MaxSizeMB    float64 `json:"maxSizeMB"`
	UsagePercent float64 `json:"usagePercent"`
	Evictions    int64   `json:"evictions"`
}

type cleanupResponse struct {
	Evicted int     `json:"evicted"`
	FreedMB float64 `json:"freedMB"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	contentID := r.PathValue("contentID")
	if !validContentID(contentID) {
		respondError(w, http.StatusBadRequest, "invalid content id")
		return
	}
	if s.tokens == nil {
		respondError(w, http.StatusServiceUnavailable, "token issuance not configured")
		return
	}

	// Issuance is optionally authenticated: with a session the token
	// carries the subject for play attribution, without one it is
	// anonymous.
	subject, _ := s.subject(r)

	tok, err := s.tokens.Issue(contentID, subject, s.tokenTTL)
	if err != nil {
		s.logger.Error("issuing stream token failed", "content_id", contentID, "err", err)
		respondError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}

	respondJSON(w, http.StatusOK, tokenResponse{
		Token:     tok,
		ContentID: contentID,
		StreamURL: fmt.Sprintf("/stream/%s?token=%s", contentID, url.QueryEscape(tok)),
		ExpiresIn: int64(s.tokenTTL / time.Second),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	contentID := r.PathValue("contentID")
	if !validContentID(contentID) {
		respondError(w, http.StatusBadRequest, "invalid content id")
		return
	}

	subject, method, ok := s.authorizeStream(r, contentID)
	if !ok {
		respondError(w, http.StatusUnauthorized, "valid session or stream token required")
		return
	}

	rc, entry, hit, err := s.resolver.Resolve(r.Context(), contentID)
	if err != nil {
		s.writeResolveError(w, r, contentID, err)
		return
	}
	defer rc.Close()

	h := w.Header()
	h.Set("Content-Type", "audio/mpeg")
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "private, max-age=3600")
	h.Set("X-Auth-Method", method)
	if hit {
		h.Set("X-Cache", "HIT")
	} else {
		h.Set("X-Cache", "MISS")
	}

	size := entry.SizeBytes
	start, length := int64(0), size
	status := http.StatusOK

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, length, err = parseRange(rangeHeader, size)
		if err != nil {
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			respondError(w, http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable")
			return
		}
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, start+length-1, size))
		status = http.StatusPartialContent
	}

	h.Set("Content-Length", fmt.Sprintf("%d", length))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}

	if s.plays != nil {
		s.plays.RecordPlay(contentID, subject)
	}

	if start > 0 {
		if _, err := rc.Seek(start, io.SeekStart); err != nil {
			s.logger.Error("seeking cached audio failed", "content_id", contentID, "err", err)
			return
		}
	}
	if _, err := io.CopyN(w, rc, length); err != nil {
		// Client disconnects mid-stream are routine.
		s.logger.Debug("stream copy ended early", "content_id", contentID, "err", err)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	contentID := r.PathValue("contentID")
	if !validContentID(contentID) {
		respondError(w, http.StatusBadRequest, "invalid content id")
		return
	}
	if s.cache == nil {
		respondError(w, http.StatusServiceUnavailable, "cache administration not configured")
		return
	}
	if _, ok := s.subject(r); !ok {
		respondError(w, http.StatusUnauthorized, "session required")
		return
	}

	switch err := s.cache.Delete(contentID); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrEntryNotFound):
		respondError(w, http.StatusNotFound, "no cache entry for content id")
	case errors.Is(err, store.ErrEntryBusy):
		respondError(w, http.StatusConflict, "entry has active readers")
	default:
		s.logger.Error("deleting cache entry failed", "content_id", contentID, "err", err)
		respondError(w, http.StatusInternalServerError, "delete failed")
	}
}

func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		respondError(w, http.StatusServiceUnavailable, "cache administration not configured")
		return
	}
	if _, ok := s.subject(r); !ok {
		respondError(w, http.StatusUnauthorized, "session required")
		return
	}

	stats := s.cache.Stats()
	resp := storageStatsResponse{
		TotalFiles:  stats.TotalFiles,
		TotalSizeMB: float64(stats.TotalSizeBytes) / bytesPerMB,
		MaxSizeMB:   float64(stats.MaxSizeBytes) / bytesPerMB,
		Evictions:   stats.Evictions,
	}
	if stats.MaxSizeBytes > 0 {
		resp.UsagePercent = float64(stats.TotalSizeBytes) / float64(stats.MaxSizeBytes) * 100
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		respondError(w, http.StatusServiceUnavailable, "cache administration not configured")
		return
	}
	if _, ok := s.subject(r); !ok {
		respondError(w, http.StatusUnauthorized, "session required")
		return
	}

	victims := s.cache.EvictOverBudget()
	var freed int64
	for _, v := range victims {
		freed += v.SizeBytes
	}
	respondJSON(w, http.StatusOK, cleanupResponse{
		Evicted: len(victims),
		FreedMB: float64(freed) / bytesPerMB,
	})
}

// subject resolves the primary session on the request.
func (s *Server) subject(r *http.Request) (string, bool) {
	if s.auth == nil {
		return "", false
	}
	return s.auth.Subject(r)
}

// authorizeStream admits a stream request through either credential path:
// a primary session, or a stream token scoped to exactly this content id.
func (s *Server) authorizeStream(r *http.Request, contentID string) (subject, method string, ok bool) {
	if sub, ok := s.subject(r); ok {
		return sub, "session", true
	}

	tok := r.URL.Query().Get("token")
	if tok == "" || s.tokens == nil {
		return "", "", false
	}
	claims, err := s.tokens.Validate(tok)
	if err != nil {
		s.logger.Debug("stream token rejected", "content_id", contentID, "err", err)
		return "", "", false
	}
	if claims.ContentID != contentID {
		return "", "", false
	}
	return claims.SubjectID, "token", true
}

func (s *Server) writeResolveError(w http.ResponseWriter, r *http.Request, contentID string, err error) {
	var fetchErr *origin.FetchError
	var transcodeErr *origin.TranscodeError

	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// Client gave up while waiting; nothing useful to write.
	case errors.Is(err, origin.ErrNotFound):
		respondError(w, http.StatusNotFound, "content not found at origin")
	case errors.Is(err, store.ErrEntryNotFound):
		respondError(w, http.StatusNotFound, "no cache entry for content id")
	case errors.As(err, &fetchErr):
		s.logger.Error("origin fetch failed", "content_id", contentID, "err", err)
		respondError(w, http.StatusBadGateway, "origin fetch failed")
	case errors.As(err, &transcodeErr):
		s.logger.Error("transcode failed", "content_id", contentID, "err", err)
		respondError(w, http.StatusInternalServerError, "transcode failed")
	default:
		s.logger.Error("resolving stream failed", "content_id", contentID, "err", err)
		respondError(w, http.StatusInternalServerError, "stream resolution failed")
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
