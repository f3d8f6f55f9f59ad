package environment

import (
	"context"
	"errors"
)

// ErrNotConnected is returned when an operation requires an active session
// and none exists.
var ErrNotConnected = errors.New("not connected: no active directory session")

// TokenSource supplies the bearer token for the current session. The core
// never manages credential lifecycle; it only forwards whatever the source
// hands out.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a TokenSource that always yields the given token.
func StaticTokenSource(token string) TokenSource {
	return staticToken(token)
}

type staticToken string

func (t staticToken) Token(_ context.Context) (string, error) {
	return string(t), nil
}

// Session is an explicit handle on one signed-in tenant: the environment the
// session was established against plus its token source. Passing sessions
// explicitly (instead of package-level connection state) lets callers run
// concurrent fetches against different tenants.
type Session struct {
	Environment Environment
	TenantID    string
	Tokens      TokenSource
}

// NewSession creates a session for the given environment and token source.
func NewSession(env Environment, tokens TokenSource) (*Session, error) {
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	return &Session{Environment: env, Tokens: tokens}, nil
}

// BaseURL resolves the API root for this session's environment.
// A nil session means no sign-in happened; that is the only failure mode.
func (s *Session) BaseURL() (string, error) {
	if s == nil {
		return "", ErrNotConnected
	}
	return s.Environment.BaseURL(), nil
}

// VersionedBaseURL resolves the API root including the version segment.
func (s *Session) VersionedBaseURL() (string, error) {
	if s == nil {
		return "", ErrNotConnected
	}
	return s.Environment.VersionedBaseURL(), nil
}
