// Package server exposes the proxy over HTTP with fiber.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/rc-proxy/internal/auth"
	perrors "github.com/p-blackswan/rc-proxy/internal/errors"
	"github.com/p-blackswan/rc-proxy/internal/health"
	"github.com/p-blackswan/rc-proxy/internal/metrics"
	"github.com/p-blackswan/rc-proxy/internal/proxy"
	"github.com/p-blackswan/rc-proxy/internal/requestid"
	"github.com/p-blackswan/rc-proxy/pkg/tokenstore"
)

// Config holds configuration for the HTTP server.
type Config struct {
	ListenAddr string

	// PublicServer is the proxy's public origin, used to build the
	// post-login target for media links opened in the browser.
	PublicServer    string
	AppOrigin       string
	AppAuthRedirect string

	Session   SessionConfig
	RateLimit RateLimitConfig
}

// Server is the proxy's fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	limiter  *rateLimiter
	logger   zerolog.Logger
	config   Config
}

// NewServer wires routes and middleware.
func NewServer(
	cfg Config,
	client OAuthClient,
	guard *auth.Guard,
	forwarder *proxy.Forwarder,
	checker *health.Checker,
	metricsCollector *metrics.Metrics,
	logger zerolog.Logger,
) (*Server, error) {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        16384,
		WriteBufferSize:       8192,
	})

	sessions, err := newSessionStore(cfg.Session)
	if err != nil {
		return nil, err
	}

	s := &Server{
		app:      app,
		handlers: NewHandlers(cfg, client, guard, forwarder, logger),
		logger:   logger.With().Str("component", "server").Logger(),
		config:   cfg,
	}
	if cfg.RateLimit.RPS > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit)
	}

	s.setupMiddleware(cfg, metricsCollector)
	s.setupRoutes(sessions, checker, metricsCollector)
	return s, nil
}

func (s *Server) setupMiddleware(cfg Config, metricsCollector *metrics.Metrics) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(requestid.Middleware())

	if cfg.AppOrigin != "" {
		// AllowHeaders stays empty so preflights echo the requested headers.
		s.app.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AppOrigin,
			AllowCredentials: cfg.AppOrigin != "*",
			AllowMethods:     "GET, POST, PUT, PATCH, DELETE, OPTIONS",
			ExposeHeaders:    "Content-Range, Content-Length, RCRequestId, X-Request-ID",
		}))
	}

	if cfg.Session.EncryptionKey != "" {
		s.app.Use(newCookieEncryption(cfg.Session))
	}

	s.app.Use(accessLog(s.logger, metricsCollector))
}

func (s *Server) setupRoutes(sessions tokenstore.SessionLoader, checker *health.Checker, metricsCollector *metrics.Metrics) {
	h := s.handlers

	s.app.Get("/healthz", health.Liveness)
	s.app.Get("/readyz", checker.Readiness())
	if metricsCollector != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metricsCollector.Handler()))
	}

	chain := []fiber.Handler{}
	if s.limiter != nil {
		chain = append(chain, s.limiter.middleware())
	}
	chain = append(chain, sessionMiddleware(sessions))
	p := s.app.Group("/proxy", chain...)

	p.Get("/authorize", h.Authorize)
	p.Get("/oauth-callback", h.OAuthCallback)
	p.Get("/logout", h.Logout)
	p.Post("/logout", h.Logout)
	p.Get("/restapi/v1.0/client-info", h.ClientInfo)
	p.All("/media/*", h.Media)
	p.All("/*", h.Forward)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	s.logger.Info().Str("addr", addr).Msg("proxy server starting")
	return s.app.Listen(addr)
}

// Shutdown waits up to timeout for in-flight requests, media streams
// included, to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info().Msg("proxy server shutting down")
	if s.limiter != nil {
		s.limiter.close()
	}
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

// ProblemDetail follows RFC 7807 for proxy-generated errors. Upstream
// errors are relayed verbatim instead.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// errorStatus maps an error returned by a handler to the response status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, perrors.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, perrors.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, perrors.ErrRateLimit):
		return fiber.StatusTooManyRequests
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := errorStatus(err)
		switch {
		case errors.Is(err, perrors.ErrUnauthorized):
			// the browser app keys off this exact body
			return c.Status(code).JSON(fiber.Map{"message": "Token not found"})
		case errors.Is(err, perrors.ErrForbidden):
			return problemResponse(c, code, "forbidden", "Forbidden", "OAuth endpoints are not proxied")
		case errors.Is(err, perrors.ErrRateLimit):
			return problemResponse(c, code, "rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		}

		errType := "request_error"
		detail := err.Error()
		if code >= fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
				Msg("unhandled error")
			errType = "internal_error"
			// don't leak internals
			detail = "An internal error occurred"
		}

		return problemResponse(c, code, errType, utils.StatusMessage(code), detail)
	}
}
