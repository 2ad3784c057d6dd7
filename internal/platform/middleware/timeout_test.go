package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func runTimeout(cfg TimeoutConfig, path string, handler echo.HandlerFunc) error {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, path, nil), httptest.NewRecorder())
	return RequestTimeout(cfg)(handler)(c)
}

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	called := false
	err := runTimeout(TimeoutConfig{Timeout: 5 * time.Second}, "/api/v1/tickets", func(c echo.Context) error {
		called = true
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected context to have a deadline")
		}
		return c.String(http.StatusOK, "ok")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestRequestTimeout_ReturnsTimeoutOnExpiry(t *testing.T) {
	err := runTimeout(TimeoutConfig{Timeout: 50 * time.Millisecond}, "/api/v1/hospitals/x/queue", func(c echo.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return c.String(http.StatusOK, "ok")
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	})

	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusGatewayTimeout {
		t.Errorf("expected status 504, got %d", httpErr.Code)
	}
}

func TestRequestTimeout_Skips(t *testing.T) {
	tests := []struct {
		name string
		cfg  TimeoutConfig
		path string
	}{
		{"websocket by default", TimeoutConfig{Timeout: 50 * time.Millisecond}, "/ws"},
		{"custom skipper", TimeoutConfig{Timeout: 50 * time.Millisecond, Skipper: func(c echo.Context) bool { return true }}, "/api/v1/tickets"},
		{"disabled", TimeoutConfig{}, "/api/v1/tickets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runTimeout(tt.cfg, tt.path, func(c echo.Context) error {
				if _, ok := c.Request().Context().Deadline(); ok {
					t.Error("expected no deadline on a skipped request")
				}
				return nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRequestTimeout_PropagatesHandlerError(t *testing.T) {
	err := runTimeout(TimeoutConfig{Timeout: 5 * time.Second}, "/api/v1/tickets/123", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "ticket not found")
	})

	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", httpErr.Code)
	}
}
