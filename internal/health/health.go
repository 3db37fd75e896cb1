// Package health provides liveness and readiness endpoints for the proxy.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Checker manages health checks for all dependencies.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var mu sync.Mutex
	var g errgroup.Group
	for name, fn := range checks {
		name, fn := name, fn
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			s := fn(checkCtx)
			if s != StatusOK {
				c.logger.Warn().Str("check", name).Str("status", string(s)).Msg("health check not ok")
			}
			mu.Lock()
			results[name] = s
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func ready(results map[string]Status) bool {
	for _, s := range results {
		if s == StatusDown {
			return false
		}
	}
	return true
}

// HTTPCheck reports StatusDown when url cannot be reached at all and
// StatusDegraded on a 5xx. Any other response means the host is up.
func HTTPCheck(client *http.Client, url string) CheckFunc {
	return func(ctx context.Context) Status {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return StatusDown
		}
		resp, err := client.Do(req)
		if err != nil {
			return StatusDown
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return StatusDegraded
		}
		return StatusOK
	}
}

// Liveness handles GET /healthz.
func Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness returns the handler for GET /readyz.
func (c *Checker) Readiness() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		results := c.RunAll(ctx.UserContext())
		if !ready(results) {
			return ctx.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not_ready",
				"checks": results,
			})
		}
		return ctx.JSON(fiber.Map{"status": "ready", "checks": results})
	}
}
