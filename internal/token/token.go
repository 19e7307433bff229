// Package token issues and validates signed, short-lived stream access
// tokens. A token grants read access to exactly one content id and is
// independent of the primary session system.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Common errors for token validation.
var (
	// ErrMalformedToken is returned when a token cannot be decoded.
	ErrMalformedToken = errors.New("malformed token")

	// ErrInvalidSignature is returned when the signature does not match.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrExpiredToken is returned when the token is past its expiry.
	ErrExpiredToken = errors.New("token expired")
)

// DefaultTTL is the token lifetime used when the caller passes zero.
const DefaultTTL = time.Hour

// Claims is the decoded, verified content of a token.
type Claims struct {
	ContentID string
	SubjectID string // optional, empty when issued anonymously
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Service signs and verifies tokens with a server-held secret.
type Service struct {
	secret []byte
	now    func() time.Time
}

// NewService creates a token service. The secret must be non-empty.
func NewService(secret []byte) (*Service, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret must not be empty")
	}
	return &Service{secret: secret, now: time.Now}, nil
}

// Issue creates a signed token for contentID, valid for ttl. subjectID may
// be empty. A zero ttl means DefaultTTL.
func (s *Service) Issue(contentID, subjectID string, ttl time.Duration) (string, error) {
	if contentID == "" {
		return "", errors.New("content id must not be empty")
	}
	if strings.ContainsAny(contentID, "|") || strings.ContainsAny(subjectID, "|") {
		return "", errors.New("token fields must not contain '|'")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	issued := s.now()
	expires := issued.Add(ttl)

	payload := fmt.Sprintf("%s|%s|%d|%d", contentID, subjectID, issued.Unix(), expires.Unix())
	mac := s.sign([]byte(payload))

	return base64.RawURLEncoding.EncodeToString([]byte(payload)) +
		"." + base64.RawURLEncoding.EncodeToString(mac), nil
}

// Validate verifies the signature and expiry of tok and returns its claims.
// The signature is checked before any field is trusted, so a single flipped
// bit anywhere in the token is rejected.
func (s *Service) Validate(tok string) (Claims, error) {
	encPayload, encMAC, ok := strings.Cut(tok, ".")
	if !ok {
		return Claims{}, ErrMalformedToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return Claims{}, ErrMalformedToken
	}
	mac, err := base64.RawURLEncoding.DecodeString(encMAC)
	if err != nil {
		return Claims{}, ErrMalformedToken
	}

	if !hmac.Equal(mac, s.sign(payload)) {
		return Claims{}, ErrInvalidSignature
	}

	parts := strings.Split(string(payload), "|")
	if len(parts) != 4 {
		return Claims{}, ErrMalformedToken
	}
	issuedUnix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Claims{}, ErrMalformedToken
	}
	expiresUnix, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Claims{}, ErrMalformedToken
	}

	claims := Claims{
		ContentID: parts[0],
		SubjectID: parts[1],
		IssuedAt:  time.Unix(issuedUnix, 0),
		ExpiresAt: time.Unix(expiresUnix, 0),
	}

	// Valid strictly before expiry.
	if !s.now().Before(claims.ExpiresAt) {
		return Claims{}, ErrExpiredToken
	}

	return claims, nil
}

func (s *Service) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(payload)
	return h.Sum(nil)
}
