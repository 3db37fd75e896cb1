// Package auth decides whether a session may call the upstream API,
// refreshing its token when the access token has lapsed.
package auth

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/rc-proxy/internal/errors"
	"github.com/p-blackswan/rc-proxy/internal/refresh"
	"github.com/p-blackswan/rc-proxy/pkg/tokenstore"
)

// TokenClient is the subset of the OAuth client the guard needs.
type TokenClient interface {
	IsAccessTokenValid(tok *tokenstore.Token) bool
	IsRefreshTokenValid(tok *tokenstore.Token) bool
	RefreshToken(ctx context.Context, tok *tokenstore.Token) (*tokenstore.Token, error)
}

// Result is the outcome of a Check. Token is nil unless Authorized.
type Result struct {
	Authorized bool
	Token      *tokenstore.Token
	Refreshed  bool
}

// Guard checks sessions.
type Guard struct {
	client      TokenClient
	coordinator *refresh.Coordinator
	logger      zerolog.Logger
}

// NewGuard creates a guard.
func NewGuard(client TokenClient, coordinator *refresh.Coordinator, logger zerolog.Logger) *Guard {
	return &Guard{
		client:      client,
		coordinator: coordinator,
		logger:      logger.With().Str("component", "auth").Logger(),
	}
}

// Check authorizes the session behind store. It never returns an error:
// every failure is logged and reported as unauthorized.
func (g *Guard) Check(ctx context.Context, store tokenstore.Store) Result {
	tok, err := store.Get(ctx)
	if err != nil {
		if !errors.Is(err, tokenstore.ErrTokenNotFound) {
			g.logger.Warn().Err(err).Msg("reading session token")
		}
		return Result{}
	}
	if !g.client.IsRefreshTokenValid(tok) {
		return Result{}
	}
	if g.client.IsAccessTokenValid(tok) {
		return Result{Authorized: true, Token: tok}
	}

	// Only the caller that starts the flight writes its session. Requests
	// joining the flight carry the same cookie and share that write.
	next, err := g.coordinator.Refresh(ctx, tok, g.client.RefreshToken, func(next *tokenstore.Token, err error) {
		if err != nil {
			if cerr := store.Clear(ctx); cerr != nil {
				g.logger.Error().Err(cerr).Msg("clearing session after failed refresh")
			}
			return
		}
		if serr := store.Set(ctx, next); serr != nil {
			g.logger.Error().Err(serr).Msg("storing refreshed token")
		}
	})
	if err != nil {
		g.logger.Info().Err(err).
			Str("owner_id", tok.OwnerID).
			Int("status", perrors.StatusCode(err)).
			Msg("session unauthorized after refresh failure")
		return Result{}
	}
	return Result{Authorized: true, Token: next, Refreshed: true}
}
