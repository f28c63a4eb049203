package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/mfriedel/channelgate/internal/gateway"
	"github.com/mfriedel/channelgate/internal/metrics"
)

const (
	connectRatePerSecond = 5
	connectBurst         = 10
	rateLimiterExpiry    = 5 * time.Minute
)

// newConnectRateLimiter throttles upgrade attempts per client IP so a
// reconnect storm cannot monopolize the accept path.
func newConnectRateLimiter() echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(connectRatePerSecond),
			Burst:     connectBurst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			metrics.ConnectionsRejectedTotal.WithLabelValues("rate_limited").Inc()
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
		},
	})
}

func (s *Server) handleWebSocket(c echo.Context) error {
	if !s.globalLimiter.Acquire() {
		metrics.ConnectionsRejectedTotal.WithLabelValues("capacity").Inc()
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "connection capacity reached",
		})
	}
	defer s.globalLimiter.Release()

	ip := c.RealIP()
	if !s.ipLimiter.Acquire(ip) {
		metrics.ConnectionsRejectedTotal.WithLabelValues("per_ip").Inc()
		return c.JSON(http.StatusTooManyRequests, map[string]string{
			"error": "too many connections from this address",
		})
	}
	defer s.ipLimiter.Release(ip)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade WebSocket: %w", err)
	}

	// Blocks until the connection closes; teardown is the session's job.
	s.session.Serve(c.Request().Context(), gateway.NewWSTransport(conn))

	return nil
}
