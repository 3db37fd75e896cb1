package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/rc-proxy/internal/auth"
	perrors "github.com/p-blackswan/rc-proxy/internal/errors"
	"github.com/p-blackswan/rc-proxy/internal/proxy"
	"github.com/p-blackswan/rc-proxy/pkg/tokenstore"
)

// OAuthClient is the part of the API client the routes call directly.
type OAuthClient interface {
	LoginURL() string
	GenerateToken(ctx context.Context, code string) (*tokenstore.Token, error)
	RevokeToken(ctx context.Context, tok *tokenstore.Token) error
}

// Handlers contains all route handlers.
type Handlers struct {
	client    OAuthClient
	guard     *auth.Guard
	forwarder *proxy.Forwarder
	config    Config
	logger    zerolog.Logger
}

// NewHandlers creates route handlers.
func NewHandlers(cfg Config, client OAuthClient, guard *auth.Guard, forwarder *proxy.Forwarder, logger zerolog.Logger) *Handlers {
	return &Handlers{
		client:    client,
		guard:     guard,
		forwarder: forwarder,
		config:    cfg,
		logger:    logger.With().Str("component", "handlers").Logger(),
	}
}

// withQuery appends key=value to target, respecting an existing query.
func withQuery(target, key, value string) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}

// Authorize handles GET /proxy/authorize.
func (h *Handlers) Authorize(c *fiber.Ctx) error {
	store, err := sessionStore(c)
	if err != nil {
		return err
	}
	if err := store.SetRedirectAfterAuth(c.UserContext(), ""); err != nil {
		return err
	}
	return c.Redirect(h.client.LoginURL(), fiber.StatusFound)
}

// OAuthCallback handles GET /proxy/oauth-callback.
func (h *Handlers) OAuthCallback(c *fiber.Ctx) error {
	ctx := c.UserContext()
	store, err := sessionStore(c)
	if err != nil {
		return err
	}

	target := store.RedirectAfterAuth(ctx)
	if target != "" {
		if err := store.SetRedirectAfterAuth(ctx, ""); err != nil {
			return err
		}
	} else {
		target = h.config.AppAuthRedirect
	}

	code := c.Query("code")
	if code == "" {
		return c.Redirect(withQuery(target, "error", c.Query("error")), fiber.StatusFound)
	}

	tok, err := h.client.GenerateToken(ctx, code)
	if err != nil {
		var exchangeErr *perrors.TokenExchangeError
		if !errors.As(err, &exchangeErr) {
			h.logger.Error().Err(err).Msg("token exchange")
		}
		return c.Redirect(withQuery(target, "error", "token_exchange_failed"), fiber.StatusFound)
	}
	if err := store.Set(ctx, tok); err != nil {
		return err
	}
	return c.Redirect(withQuery(target, "result", "success"), fiber.StatusFound)
}

// Logout handles GET and POST /proxy/logout. Revocation is best effort.
func (h *Handlers) Logout(c *fiber.Ctx) error {
	ctx := c.UserContext()
	store, err := sessionStore(c)
	if err != nil {
		return err
	}

	tok, err := store.Get(ctx)
	if cerr := store.Clear(ctx); cerr != nil {
		return cerr
	}
	if err == nil {
		if rerr := h.client.RevokeToken(ctx, tok); rerr != nil {
			h.logger.Warn().Err(rerr).
				Str("owner_id", tok.OwnerID).
				Int("status", perrors.StatusCode(rerr)).
				Msg("token revocation failed")
		}
	}
	return c.JSON(fiber.Map{"result": "success"})
}

// ClientInfo handles GET /proxy/restapi/v1.0/client-info.
func (h *Handlers) ClientInfo(c *fiber.Ctx) error {
	store, err := sessionStore(c)
	if err != nil {
		return err
	}
	res := h.guard.Check(c.UserContext(), store)
	if !res.Authorized {
		return perrors.ErrUnauthorized
	}
	return c.JSON(fiber.Map{
		"owner_id":    res.Token.OwnerID,
		"scope":       res.Token.Scope,
		"endpoint_id": res.Token.EndpointID,
	})
}

// Media handles /proxy/media/*, streaming the upstream media object.
func (h *Handlers) Media(c *fiber.Ctx) error {
	path := "/" + c.Params("*")
	if proxy.IsOAuthPath(path) {
		return perrors.ErrForbidden
	}

	ctx := c.UserContext()
	store, err := sessionStore(c)
	if err != nil {
		return err
	}
	res := h.guard.Check(ctx, store)
	if !res.Authorized {
		if c.Get("Sec-Fetch-Mode") == "navigate" {
			target := strings.TrimSuffix(h.config.PublicServer, "/") + "/proxy/media" + path
			if err := store.SetRedirectAfterAuth(ctx, target); err != nil {
				return err
			}
			return c.Redirect(h.client.LoginURL(), fiber.StatusFound)
		}
		return perrors.ErrUnauthorized
	}

	var body io.Reader
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	stream, err := h.forwarder.OpenMedia(ctx, path, res.Token, c.Get(fiber.HeaderRange), body)
	if err != nil {
		h.logger.Warn().Err(err).Str("path", path).Msg("opening media stream")
		return problemResponse(c, fiber.StatusBadGateway, "upstream_unavailable", "Bad Gateway", "media server unreachable")
	}

	setRelayedHeaders(c, stream.Headers)
	c.Status(stream.Status)
	// fasthttp closes the body when the response is done or the client
	// goes away, which aborts the upstream request.
	c.Response().SetBodyStream(stream.Body, int(stream.ContentLength))
	return nil
}

// Forward handles everything else under /proxy by relaying it upstream.
func (h *Handlers) Forward(c *fiber.Ctx) error {
	path := "/" + c.Params("*")
	if proxy.IsOAuthPath(path) {
		return perrors.ErrForbidden
	}

	ctx := c.UserContext()
	store, err := sessionStore(c)
	if err != nil {
		return err
	}
	res := h.guard.Check(ctx, store)
	if !res.Authorized {
		return perrors.ErrUnauthorized
	}

	in := proxy.Inbound{
		Method:   c.Method(),
		Path:     path,
		RawQuery: string(c.Request().URI().QueryString()),
		Headers:  requestHeaders(c),
	}
	if c.Method() != fiber.MethodGet {
		in.Body = append([]byte(nil), c.Body()...)
	}

	resp, err := h.forwarder.Forward(ctx, in, res.Token)
	if err != nil {
		h.logger.Warn().Err(err).Str("method", in.Method).Str("path", path).Msg("forwarding request")
		return problemResponse(c, fiber.StatusBadGateway, "upstream_unavailable", "Bad Gateway", "upstream request failed")
	}
	if resp.Unauthorized {
		if err := store.Clear(ctx); err != nil {
			return err
		}
	}

	setRelayedHeaders(c, resp.Headers)
	return c.Status(resp.Status).Send(resp.Body)
}

// setRelayedHeaders copies formatted upstream headers, keeping their casing
// (fasthttp would turn RCRequestId into Rcrequestid).
func setRelayedHeaders(c *fiber.Ctx, headers map[string]string) {
	c.Response().Header.DisableNormalizing()
	for k, v := range headers {
		c.Set(k, v)
	}
}

func requestHeaders(c *fiber.Ctx) http.Header {
	out := http.Header{}
	for name, values := range c.GetReqHeaders() {
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}
