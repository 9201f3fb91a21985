// ABOUTME: Bearer credential value, Source collaborator interface, and JWT inspection.
// ABOUTME: Claims are read unverified; validation is the server's job at handshake.

package credentials

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential errors.
var (
	// ErrNoCredential means the source has no credential for the session.
	ErrNoCredential = errors.New("no credential available")

	// ErrMalformedCredential means the token could not be parsed as a JWT.
	ErrMalformedCredential = errors.New("malformed credential")

	// ErrMissingClaim means a required claim was absent from the token.
	ErrMissingClaim = errors.New("missing required claim")
)

// Credential is an opaque bearer token presented at handshake.
type Credential struct {
	Token string
}

// Zero reports whether the credential is empty.
func (c Credential) Zero() bool { return c.Token == "" }

// Source supplies the current credential and notifies on changes (login,
// refresh, logout). The engine consumes it; it never writes back.
type Source interface {
	// Current returns the active credential, or ErrNoCredential.
	Current() (Credential, error)

	// Changes returns a channel receiving each new credential. A zero
	// credential signals logout.
	Changes() <-chan Credential
}

// StaticSource is a Source backed by an in-memory credential, settable for
// tests and simple clients.
type StaticSource struct {
	mu      sync.Mutex
	current Credential
	changes chan Credential
}

// NewStaticSource creates a source holding the given token.
func NewStaticSource(token string) *StaticSource {
	return &StaticSource{
		current: Credential{Token: token},
		changes: make(chan Credential, 4),
	}
}

// Current returns the held credential.
func (s *StaticSource) Current() (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Zero() {
		return Credential{}, ErrNoCredential
	}
	return s.current, nil
}

// Changes returns the change channel.
func (s *StaticSource) Changes() <-chan Credential {
	return s.changes
}

// Set replaces the credential and notifies subscribers.
func (s *StaticSource) Set(token string) {
	s.mu.Lock()
	s.current = Credential{Token: token}
	s.mu.Unlock()

	select {
	case s.changes <- Credential{Token: token}:
	default:
	}
}

// Claims is the credential metadata the engine cares about.
type Claims struct {
	Subject   string    // the local user's ID
	ExpiresAt time.Time // zero when the token carries no expiry
}

// Inspect parses a JWT-shaped token without verifying the signature and
// extracts the subject and expiry. The "sub" claim is required.
func Inspect(token string) (Claims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrMalformedCredential
	}

	sub, ok := mapClaims["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	claims := Claims{Subject: sub}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}
