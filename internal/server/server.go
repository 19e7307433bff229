// Package server exposes the streaming core over HTTP: token issuance,
// range-capable audio delivery, and cache administration.
package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tunecast/tunecast/internal/store"
	"github.com/tunecast/tunecast/internal/token"
)

// SourceResolver produces readable audio bytes for a content id, fetching
// from the origin on a cache miss.
type SourceResolver interface {
	Resolve(ctx context.Context, contentID string) (io.ReadSeekCloser, store.Entry, bool, error)
}

// CacheAdmin is the administrative surface of the cache store.
type CacheAdmin interface {
	Delete(contentID string) error
	Stats() store.Stats
	EvictOverBudget() []store.Entry
}

// TokenService issues and validates stream access tokens.
type TokenService interface {
	Issue(contentID, subjectID string, ttl time.Duration) (string, error)
	Validate(tok string) (token.Claims, error)
}

// Authenticator resolves the primary session credential on a request. It
// returns the subject id and whether a valid session was presented.
type Authenticator interface {
	Subject(r *http.Request) (string, bool)
}

// PlayRecorder receives play events; implementations must not block.
type PlayRecorder interface {
	RecordPlay(contentID, subjectID string)
}

// Server is the HTTP front of the streaming core.
type Server struct {
	resolver SourceResolver
	cache    CacheAdmin
	tokens   TokenService
	auth     Authenticator
	plays    PlayRecorder
	tokenTTL time.Duration
	logger   *log.Logger
	handler  http.Handler
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithCacheAdmin wires the cache administration endpoints.
func WithCacheAdmin(cache CacheAdmin) Option {
	return func(s *Server) { s.cache = cache }
}

// WithTokens wires stream token issuance and validation.
func WithTokens(tokens TokenService) Option {
	return func(s *Server) { s.tokens = tokens }
}

// WithAuthenticator wires primary session authentication.
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) { s.auth = auth }
}

// WithPlayRecorder wires play event recording.
func WithPlayRecorder(plays PlayRecorder) Option {
	return func(s *Server) { s.plays = plays }
}

// WithTokenTTL overrides the lifetime of issued stream tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Server) { s.tokenTTL = ttl }
}

// WithLogger sets the server logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer builds the route table around the resolver.
func NewServer(resolver SourceResolver, opts ...Option) *Server {
	s := &Server{
		resolver: resolver,
		tokenTTL: token.DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /stream/token/{contentID}", s.handleIssueToken)
	mux.HandleFunc("GET /stream/stats/storage", s.handleStorageStats)
	mux.HandleFunc("POST /stream/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /stream/{contentID}", s.handleStream)
	mux.HandleFunc("DELETE /stream/{contentID}", s.handleDelete)

	s.handler = recoveryMiddleware(s.logger, loggingMiddleware(s.logger, mux))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// validContentID reports whether id has the required shape: exactly 11
// characters drawn from [A-Za-z0-9_-].
func validContentID(id string) bool {
	if len(id) != 11 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
