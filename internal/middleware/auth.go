package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"openai-proxy-go/internal/model"
)

const bearerPrefix = "Bearer "

// Auth returns an Echo middleware enforcing the shared-secret bearer check
// on proxied routes. Health, metrics, and CORS preflight requests pass
// through. When no secret is configured the proxy refuses traffic with a
// configuration error instead of silently forwarding unauthenticated calls.
func Auth(sharedSecret, metricsPath string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			if req.Method == http.MethodOptions ||
				req.URL.Path == "/health" ||
				(metricsPath != "" && req.URL.Path == metricsPath) {
				return next(c)
			}

			if sharedSecret == "" {
				return c.JSON(http.StatusInternalServerError,
					model.NewErrorEnvelope("proxy shared secret is not configured", "configuration_error"))
			}

			auth := req.Header.Get("Authorization")
			if !strings.HasPrefix(auth, bearerPrefix) ||
				subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(auth, bearerPrefix)), []byte(sharedSecret)) != 1 {
				return c.JSON(http.StatusUnauthorized,
					model.NewErrorEnvelope("Invalid or missing API key", "invalid_request_error"))
			}

			return next(c)
		}
	}
}
