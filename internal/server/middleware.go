package server

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/rc-proxy/internal/metrics"
)

// accessLog logs every request once it has been handled and records request
// metrics. Health and metrics endpoints are counted but not logged.
func accessLog(logger zerolog.Logger, m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = errorStatus(err)
		}
		route := c.Route().Path
		elapsed := time.Since(start)
		m.RecordRequest(route, strconv.Itoa(status))
		m.ObserveDuration(route, elapsed.Seconds())

		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return err
		}

		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Int("status", status).
			Dur("duration", elapsed).
			Str("ip", c.IP()).
			Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
			Msg("proxy request")
		return err
	}
}
