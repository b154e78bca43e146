package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/pithecene-io/kitpack/catalog"
	"github.com/pithecene-io/kitpack/types"
)

// ErrForbidden is returned when the caller may not download the bundle.
var ErrForbidden = errors.New("forbidden")

// DefaultSessionCookie is the cookie consulted when no bearer token is sent.
const DefaultSessionCookie = "kitpack_session"

// Authorizer gates downloads in two steps. Authenticate identifies the
// caller of r before anything about the bundle is looked up, so anonymous
// callers learn nothing about which bundles exist. Authorize then decides
// whether that caller may download bundle. Both return an error wrapping
// ErrForbidden to deny, or any other error for lookup failures.
type Authorizer interface {
	Authenticate(ctx context.Context, r *http.Request) (string, error)
	Authorize(ctx context.Context, principal string, bundle types.Bundle) error
}

// SessionLookup maps a session token to its owner.
type SessionLookup interface {
	SessionOwner(ctx context.Context, token string) (string, error)
}

// SessionAuthorizer permits callers whose session owns the bundle.
type SessionAuthorizer struct {
	sessions SessionLookup
	cookie   string
}

// NewSessionAuthorizer creates an authorizer over sessions. cookie names the
// fallback session cookie (default kitpack_session).
func NewSessionAuthorizer(sessions SessionLookup, cookie string) *SessionAuthorizer {
	if cookie == "" {
		cookie = DefaultSessionCookie
	}
	return &SessionAuthorizer{sessions: sessions, cookie: cookie}
}

// Authenticate resolves the bearer token or session cookie to its owner.
func (a *SessionAuthorizer) Authenticate(ctx context.Context, r *http.Request) (string, error) {
	token := bearerToken(r, a.cookie)
	if token == "" {
		return "", fmt.Errorf("%w: no session", ErrForbidden)
	}
	owner, err := a.sessions.SessionOwner(ctx, token)
	if errors.Is(err, catalog.ErrNotFound) {
		return "", fmt.Errorf("%w: unknown or expired session", ErrForbidden)
	}
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}
	return owner, nil
}

// Authorize permits the session owner of bundle.
func (a *SessionAuthorizer) Authorize(_ context.Context, principal string, bundle types.Bundle) error {
	if principal != bundle.OwnerID {
		return fmt.Errorf("%w: session does not own bundle", ErrForbidden)
	}
	return nil
}

// AllowAll permits every caller. For local use only.
type AllowAll struct{}

// Authenticate implements Authorizer.
func (AllowAll) Authenticate(context.Context, *http.Request) (string, error) { return "", nil }

// Authorize implements Authorizer.
func (AllowAll) Authorize(context.Context, string, types.Bundle) error { return nil }

var (
	_ Authorizer = (*SessionAuthorizer)(nil)
	_ Authorizer = AllowAll{}
)
