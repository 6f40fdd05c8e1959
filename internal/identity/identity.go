// Package identity exposes the signed-in user to the chat client. Sign-in
// itself belongs to an external provider; this package only carries the
// resulting session.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the signed-in user.
type Session struct {
	UserID      string
	Email       string
	AccessToken string
}

// Provider answers "is there a user" and "what bearer token".
type Provider interface {
	Current(ctx context.Context) (*Session, error)
	// Subscribe calls fn with the new session (nil when signed out) on every
	// change.
	Subscribe(fn func(*Session)) (unsubscribe func())
	SignOut(ctx context.Context) error
}

// ErrInvalidToken is returned when an access token carries no subject.
var ErrInvalidToken = errors.New("identity: invalid token")

// ParseToken extracts the session from a JWT access token. The signature is
// not verified; the token was issued by the identity provider and is only
// forwarded as a bearer credential.
func ParseToken(token string) (*Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrInvalidToken
	}
	email, _ := claims["email"].(string)
	return &Session{UserID: sub, Email: email, AccessToken: token}, nil
}

// Static holds a session issued out of band, e.g. a token from config.
type Static struct {
	mu      sync.Mutex
	session *Session
	subs    map[int]func(*Session)
	nextSub int
}

// NewStatic creates a provider for token. An empty token yields a provider
// with no user.
func NewStatic(token string) (*Static, error) {
	s := &Static{subs: make(map[int]func(*Session))}
	if token == "" {
		return s, nil
	}
	sess, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	s.session = sess
	return s, nil
}

// Current returns the session, or nil when signed out.
func (s *Static) Current(context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, nil
	}
	sess := *s.session
	return &sess, nil
}

// Subscribe registers fn for session changes.
func (s *Static) Subscribe(fn func(*Session)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// SignOut drops the session and notifies subscribers.
func (s *Static) SignOut(context.Context) error {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return nil
	}
	s.session = nil
	subs := make([]func(*Session), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(nil)
	}
	return nil
}
