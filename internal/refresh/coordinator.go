// Package refresh deduplicates concurrent token refreshes.
package refresh

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/p-blackswan/rc-proxy/internal/metrics"
	"github.com/p-blackswan/rc-proxy/pkg/tokenstore"
)

// RefreshFunc performs the actual refresh call.
type RefreshFunc func(ctx context.Context, tok *tokenstore.Token) (*tokenstore.Token, error)

// SettleFunc observes the outcome of a flight. It runs once, by the caller
// that started the flight, before any waiter sees the result.
type SettleFunc func(next *tokenstore.Token, err error)

// Coordinator makes sure at most one refresh is in flight per refresh token.
type Coordinator struct {
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewCoordinator creates a coordinator. m may be nil.
func NewCoordinator(m *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		metrics:  m,
		logger:   logger.With().Str("component", "refresh").Logger(),
		inFlight: make(map[string]struct{}),
	}
}

// Refresh returns the refreshed token for tok. Concurrent callers holding the
// same refresh token share one call to fn and receive the same result.
//
// fn is run detached from ctx cancellation so an initiator whose client goes
// away does not fail the callers waiting on it. Once the flight settles the
// key is forgotten, so a later call starts a fresh refresh.
func (c *Coordinator) Refresh(ctx context.Context, tok *tokenstore.Token, fn RefreshFunc, onSettled SettleFunc) (*tokenstore.Token, error) {
	if tok == nil || tok.RefreshToken == "" {
		return nil, errors.New("refresh: no refresh token")
	}
	key := tok.RefreshToken
	detached := context.WithoutCancel(ctx)

	led := false
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		led = true
		c.track(key, true)
		defer c.track(key, false)
		c.metrics.RefreshStarted()

		next, err := fn(detached, tok)
		if err == nil && next == nil {
			err = errors.New("refresh: empty token")
		}
		if err != nil {
			c.metrics.RefreshSettled("failure")
			c.logger.Warn().Err(err).Msg("token refresh failed")
		} else {
			c.metrics.RefreshSettled("success")
			c.logger.Debug().Msg("token refreshed")
		}
		if onSettled != nil {
			onSettled(next, err)
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	})
	if !led {
		c.metrics.RefreshShared()
	}
	if err != nil {
		return nil, err
	}
	return v.(*tokenstore.Token), nil
}

// InFlight reports the number of refreshes currently running.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

func (c *Coordinator) track(key string, running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if running {
		c.inFlight[key] = struct{}{}
	} else {
		delete(c.inFlight, key)
	}
}
