// Package ringcentral talks to the RingCentral authorization server and
// REST/media API on behalf of a session: login URL, code exchange, refresh,
// revocation and generic authenticated forwarding.
package ringcentral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	perrors "github.com/p-blackswan/rc-proxy/internal/errors"
	"github.com/p-blackswan/rc-proxy/internal/retry"
	"github.com/p-blackswan/rc-proxy/pkg/tokenstore"
)

const (
	authorizePath = "/restapi/oauth/authorize"
	tokenPath     = "/restapi/oauth/token"
	revokePath    = "/restapi/oauth/revoke"

	// Handicap is subtracted from expiry instants so a token about to
	// expire mid-flight is already treated as expired.
	Handicap = 60 * time.Second

	serviceName = "ringcentral"
)

// Config identifies the app and the upstream servers.
type Config struct {
	Server       string // platform server, e.g. https://platform.ringcentral.com
	MediaServer  string // defaults to Server with "platform" replaced by "media"
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Client is the OAuth and API client. It holds no per-session state and is
// safe for concurrent use.
type Client struct {
	server      string
	mediaServer string
	clientID    string
	secret      string

	oauth       *oauth2.Config
	httpClient  *http.Client
	mediaClient *http.Client
	retry       retry.Config
	now         func() time.Time
	logger      zerolog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets the client used for token endpoint and REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMediaClient sets the client used for streamed media downloads.
// It should not carry an overall timeout.
func WithMediaClient(hc *http.Client) Option {
	return func(c *Client) { c.mediaClient = hc }
}

// WithClock overrides the time source used for expiry arithmetic.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithRetry sets the retry policy for revocation.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// NewClient creates a new RingCentral client.
func NewClient(cfg Config, logger zerolog.Logger, opts ...Option) *Client {
	server := strings.TrimSuffix(cfg.Server, "/")
	media := strings.TrimSuffix(cfg.MediaServer, "/")
	if media == "" {
		media = MediaServerFor(server)
	}

	c := &Client{
		server:      server,
		mediaServer: media,
		clientID:    cfg.ClientID,
		secret:      cfg.ClientSecret,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   server + authorizePath,
				TokenURL:  server + tokenPath,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		mediaClient: &http.Client{},
		retry:       retry.DefaultConfig(),
		now:         time.Now,
		logger:      logger.With().Str("component", serviceName).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MediaServerFor derives the media host from a platform server URL.
func MediaServerFor(server string) string {
	return strings.Replace(server, "platform", "media", 1)
}

// Server returns the platform server base URL.
func (c *Client) Server() string { return c.server }

// MediaServer returns the media server base URL.
func (c *Client) MediaServer() string { return c.mediaServer }

// LoginURL builds the authorization endpoint URL the browser is sent to.
func (c *Client) LoginURL() string {
	return c.oauth.AuthCodeURL("")
}

// IsAccessTokenValid reports whether tok's access token can still be used.
func (c *Client) IsAccessTokenValid(tok *tokenstore.Token) bool {
	return tok.AccessValidAt(c.now(), Handicap)
}

// IsRefreshTokenValid reports whether tok's refresh token can still be used.
func (c *Client) IsRefreshTokenValid(tok *tokenstore.Token) bool {
	return tok.RefreshValidAt(c.now(), Handicap)
}

// GenerateToken exchanges an authorization code for a token.
func (c *Client) GenerateToken(ctx context.Context, code string) (*tokenstore.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	otok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		status := 0
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		c.logger.Warn().Err(err).Int("status", status).Msg("authorization code exchange failed")
		return nil, &perrors.TokenExchangeError{Status: status, Err: err}
	}

	tok := &tokenstore.Token{
		AccessToken:           otok.AccessToken,
		RefreshToken:          otok.RefreshToken,
		TokenType:             otok.TokenType,
		Scope:                 extraString(otok, "scope"),
		OwnerID:               extraString(otok, "owner_id"),
		EndpointID:            extraString(otok, "endpoint_id"),
		ExpiresIn:             extraInt(otok, "expires_in"),
		RefreshTokenExpiresIn: extraInt(otok, "refresh_token_expires_in"),
	}
	tok.Stamp(c.now())

	c.logger.Info().Str("owner_id", tok.OwnerID).Msg("authorization code exchanged")
	return tok, nil
}

// RefreshToken obtains a new token for tok's refresh token. The previous
// grant's TTLs are requested again.
func (c *Client) RefreshToken(ctx context.Context, tok *tokenstore.Token) (*tokenstore.Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
	}
	if tok.ExpiresIn > 0 {
		form.Set("access_token_ttl", strconv.FormatInt(tok.ExpiresIn, 10))
	}
	if tok.RefreshTokenExpiresIn > 0 {
		form.Set("refresh_token_ttl", strconv.FormatInt(tok.RefreshTokenExpiresIn, 10))
	}

	resp, body, err := c.tokenRequest(ctx, tokenPath, form)
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	if resp.StatusCode >= 400 {
		c.logger.Warn().Int("status", resp.StatusCode).Msg("refresh token rejected")
		return nil, &perrors.RefreshError{Status: resp.StatusCode}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		if err == nil {
			err = errors.New("response missing access_token")
		}
		return nil, &perrors.RefreshError{Status: resp.StatusCode, Err: err}
	}

	next := tr.token()
	if next.RefreshToken == "" {
		next.RefreshToken = tok.RefreshToken
	}
	next.Stamp(c.now())
	return next, nil
}

// RevokeToken revokes tok's access token. Transient failures are retried.
func (c *Client) RevokeToken(ctx context.Context, tok *tokenstore.Token) error {
	form := url.Values{"token": {tok.AccessToken}}
	cfg := c.retry
	cfg.OnRetry = func(attempt int, err error) {
		c.logger.Debug().Err(err).Int("attempt", attempt).Msg("retrying token revocation")
	}
	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		resp, _, err := c.tokenRequest(ctx, revokePath, form)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("%w: revoking token: %v", perrors.ErrTimeout, err)
			}
			return fmt.Errorf("%w: revoking token: %v", perrors.ErrUnavailable, err)
		}
		if resp.StatusCode >= 400 {
			return perrors.NewAPIError(serviceName, resp.StatusCode, "revoke failed")
		}
		return nil
	})
}

// tokenRequest posts a form to a token endpoint with client Basic auth and
// returns the response with its fully read body.
func (c *Client) tokenRequest(ctx context.Context, path string, form url.Values) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientID, c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp, body, nil
}

// tokenResponse mirrors the token endpoint JSON.
type tokenResponse struct {
	AccessToken           string     `json:"access_token"`
	RefreshToken          string     `json:"refresh_token"`
	TokenType             string     `json:"token_type"`
	Scope                 string     `json:"scope"`
	OwnerID               flexString `json:"owner_id"`
	EndpointID            flexString `json:"endpoint_id"`
	ExpiresIn             int64      `json:"expires_in"`
	RefreshTokenExpiresIn int64      `json:"refresh_token_expires_in"`
}

func (r *tokenResponse) token() *tokenstore.Token {
	return &tokenstore.Token{
		AccessToken:           r.AccessToken,
		RefreshToken:          r.RefreshToken,
		TokenType:             r.TokenType,
		Scope:                 r.Scope,
		OwnerID:               string(r.OwnerID),
		EndpointID:            string(r.EndpointID),
		ExpiresIn:             r.ExpiresIn,
		RefreshTokenExpiresIn: r.RefreshTokenExpiresIn,
	}
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func extraString(tok *oauth2.Token, key string) string {
	switch v := tok.Extra(key).(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}

func extraInt(tok *oauth2.Token, key string) int64 {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}
