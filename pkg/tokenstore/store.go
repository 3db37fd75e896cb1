package tokenstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenCorrupt  = errors.New("token corrupt")
)

// Token is an OAuth2 grant as issued by the authorization server.
// Expiry instants are absolute and fixed at issue/refresh time.
type Token struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	TokenType             string `json:"token_type"`
	Scope                 string `json:"scope"`
	OwnerID               string `json:"owner_id"`
	EndpointID            string `json:"endpoint_id"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`

	ExpireTime             time.Time `json:"expire_time"`
	RefreshTokenExpireTime time.Time `json:"refresh_token_expire_time"`
}

// Stamp sets both expiry instants relative to issuedAt.
func (t *Token) Stamp(issuedAt time.Time) {
	t.ExpireTime = issuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
	t.RefreshTokenExpireTime = issuedAt.Add(time.Duration(t.RefreshTokenExpiresIn) * time.Second)
}

// AccessValidAt reports whether the access token is still usable at now,
// treating it as expired handicap early.
func (t *Token) AccessValidAt(now time.Time, handicap time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return t.ExpireTime.Add(-handicap).After(now)
}

// RefreshValidAt is AccessValidAt for the refresh token.
func (t *Token) RefreshValidAt(now time.Time, handicap time.Duration) bool {
	if t == nil || t.RefreshToken == "" {
		return false
	}
	return t.RefreshTokenExpireTime.Add(-handicap).After(now)
}

// Authorization returns the value for the upstream Authorization header.
func (t *Token) Authorization() string {
	return t.TokenType + " " + t.AccessToken
}

// Store is the per-session token capability handed to the auth guard and
// route handlers. An implementation is bound to exactly one caller session.
type Store interface {
	// Get returns the session token or ErrTokenNotFound.
	Get(ctx context.Context) (*Token, error)
	// Set replaces the session token.
	Set(ctx context.Context, tok *Token) error
	// Clear removes the session token. Clearing an empty session is not an error.
	Clear(ctx context.Context) error
	// RedirectAfterAuth returns the pending post-login target, or "".
	RedirectAfterAuth(ctx context.Context) string
	// SetRedirectAfterAuth stores the post-login target; "" clears it.
	SetRedirectAfterAuth(ctx context.Context, target string) error
}
