package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// TimeoutConfig bounds request handling time.
type TimeoutConfig struct {
	Timeout time.Duration
	// Skipper exempts long-lived requests. Defaults to SkipWebSocket.
	Skipper func(c echo.Context) bool
}

// SkipWebSocket exempts the websocket upgrade endpoint.
func SkipWebSocket(c echo.Context) bool {
	return c.Request().URL.Path == "/ws"
}

// RequestTimeout bounds each request with a context deadline and answers 504
// when it expires first. The deadline also reaches the per-hospital lock and
// the database, so an expired request gives up its place instead of
// queueing behind a busy hospital.
func RequestTimeout(cfg TimeoutConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = SkipWebSocket
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Timeout <= 0 || cfg.Skipper(c) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), cfg.Timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return echo.NewHTTPError(http.StatusGatewayTimeout, "request exceeded the allowed time limit")
				}
				return ctx.Err()
			}
		}
	}
}
