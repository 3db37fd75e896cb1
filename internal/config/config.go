package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	perrors "github.com/p-blackswan/rc-proxy/internal/errors"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Port        int    `envconfig:"PORT" default:"8080"`

	// Public origin of this proxy, e.g. https://proxy.example.com.
	// Used for the OAuth redirect URI and for rewritten media links.
	Server string `envconfig:"SERVER"`

	// Browser app
	AppOrigin       string `envconfig:"APP_ORIGIN"`        // CORS allowed origin (credentials enabled)
	AppAuthRedirect string `envconfig:"APP_AUTH_REDIRECT"` // default post-login landing page

	// Sessions
	SessionSecret        string        `envconfig:"SERVER_SECRET_KEY"`
	SessionEncryptionKey string        `envconfig:"SESSION_ENCRYPTION_KEY"` // base64, 16/24/32 bytes; empty = derived from SERVER_SECRET_KEY
	SessionMaxAge        time.Duration `envconfig:"SESSION_MAX_AGE" default:"168h"`
	SessionCookieName    string        `envconfig:"SESSION_COOKIE_NAME" default:"session"`

	// RingCentral
	RingCentralServer       string `envconfig:"RINGCENTRAL_SERVER" default:"https://platform.ringcentral.com"`
	RingCentralMediaServer  string `envconfig:"RINGCENTRAL_MEDIA_SERVER"` // defaults to server with platform→media
	RingCentralClientID     string `envconfig:"RINGCENTRAL_CLIENT_ID"`
	RingCentralClientSecret string `envconfig:"RINGCENTRAL_CLIENT_SECRET"`

	// Upstream calls
	UpstreamTimeout time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"30s"`
	RevokeRetries   int           `envconfig:"REVOKE_RETRIES" default:"3"`

	// Per-IP rate limit on /proxy routes; 0 disables.
	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"0"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"50"`
}

// RedirectURI is the OAuth callback registered with RingCentral.
func (c *Config) RedirectURI() string {
	return strings.TrimSuffix(c.Server, "/") + "/proxy/oauth-callback"
}

// MediaPrefix is the proxy's own media endpoint that upstream media links are rewritten to.
func (c *Config) MediaPrefix() string {
	return strings.TrimSuffix(c.Server, "/") + "/proxy/media"
}

// IsDevelopment reports whether the proxy runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Validate checks that the settings needed to serve traffic are present.
func (c *Config) Validate() error {
	var missing []string
	if c.Server == "" {
		missing = append(missing, "SERVER")
	}
	if c.RingCentralClientID == "" {
		missing = append(missing, "RINGCENTRAL_CLIENT_ID")
	}
	if c.RingCentralClientSecret == "" {
		missing = append(missing, "RINGCENTRAL_CLIENT_SECRET")
	}
	if c.AppAuthRedirect == "" {
		missing = append(missing, "APP_AUTH_REDIRECT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required config: %s", perrors.ErrInvalidInput, strings.Join(missing, ", "))
	}
	for name, raw := range map[string]string{
		"SERVER":             c.Server,
		"RINGCENTRAL_SERVER": c.RingCentralServer,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s %q must be an absolute URL", perrors.ErrInvalidInput, name, raw)
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: PORT %d out of range", perrors.ErrInvalidInput, c.Port)
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
