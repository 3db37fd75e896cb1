package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/rc-proxy/internal/auth"
	"github.com/p-blackswan/rc-proxy/internal/config"
	"github.com/p-blackswan/rc-proxy/internal/health"
	"github.com/p-blackswan/rc-proxy/internal/metrics"
	"github.com/p-blackswan/rc-proxy/internal/proxy"
	"github.com/p-blackswan/rc-proxy/internal/refresh"
	"github.com/p-blackswan/rc-proxy/internal/retry"
	"github.com/p-blackswan/rc-proxy/internal/ringcentral"
	"github.com/p-blackswan/rc-proxy/internal/server"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	logLevel string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		Long: `Start the proxy server. Configuration is read from the environment
(PORT, SERVER, APP_ORIGIN, APP_AUTH_REDIRECT, SERVER_SECRET_KEY,
RINGCENTRAL_SERVER, RINGCENTRAL_CLIENT_ID, RINGCENTRAL_CLIENT_SECRET, ...).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	return cmd
}

// newLogger builds the process logger: JSON to out, console output in
// development.
func newLogger(out io.Writer, development bool, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(out).With().Timestamp().Caller().Logger()
	if development {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if lvl, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil && level != "" {
		zerolog.SetGlobalLevel(lvl)
	}
	return logger
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	logger := newLogger(os.Stdout, cfg.IsDevelopment(), cfg.LogLevel)
	log.Logger = logger

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Str("server", cfg.Server).
		Str("ringcentral_server", cfg.RingCentralServer).
		Msg("starting rc-proxy")

	m := metrics.New()
	checker := health.NewChecker(logger)

	revokeRetry := retry.DefaultConfig()
	revokeRetry.MaxAttempts = cfg.RevokeRetries

	client := ringcentral.NewClient(ringcentral.Config{
		Server:       cfg.RingCentralServer,
		MediaServer:  cfg.RingCentralMediaServer,
		ClientID:     cfg.RingCentralClientID,
		ClientSecret: cfg.RingCentralClientSecret,
		RedirectURI:  cfg.RedirectURI(),
	}, logger,
		ringcentral.WithHTTPClient(&http.Client{Timeout: cfg.UpstreamTimeout}),
		// streams can run for as long as the recording plays
		ringcentral.WithMediaClient(&http.Client{}),
		ringcentral.WithRetry(revokeRetry),
	)
	checker.Register("ringcentral", health.HTTPCheck(&http.Client{Timeout: 5 * time.Second}, client.Server()))

	guard := auth.NewGuard(client, refresh.NewCoordinator(m, logger), logger)
	forwarder := proxy.NewForwarder(client, cfg.MediaPrefix(), m, logger)

	encryptionKey := cfg.SessionEncryptionKey
	if encryptionKey == "" {
		encryptionKey = server.DeriveCookieKey(cfg.SessionSecret)
	}

	srv, err := server.NewServer(server.Config{
		ListenAddr:      fmt.Sprintf(":%d", cfg.Port),
		PublicServer:    cfg.Server,
		AppOrigin:       cfg.AppOrigin,
		AppAuthRedirect: cfg.AppAuthRedirect,
		Session: server.SessionConfig{
			CookieName:    cfg.SessionCookieName,
			MaxAge:        cfg.SessionMaxAge,
			Secure:        strings.HasPrefix(cfg.Server, "https://"),
			EncryptionKey: encryptionKey,
		},
		RateLimit: server.RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		},
	}, client, guard, forwarder, checker, m, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build server")
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("proxy server error")
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutdown signal received")
	if err := srv.Shutdown(shutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("proxy server shutdown error")
		return err
	}
	logger.Info().Msg("rc-proxy stopped")
	return nil
}
