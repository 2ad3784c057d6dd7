package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are route patterns reachable without credentials.
var publicPaths = map[string]bool{
	"/health":                   true,
	"/health/db":                true,
	"/api/v1/triage/categories": true,
	"/api/v1/triage/calculate":  true,
	"/api/v1/shared/:token":     true,
}

// AuthSkipper matches on the registered route pattern, not the raw URL.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

// IsPublicPath reports whether the route pattern needs no credentials.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
