package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/token"
)

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	cfg  *config.Config
	pool *token.Pool
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, pool *token.Pool) *HealthHandler {
	return &HealthHandler{cfg: cfg, pool: pool}
}

// Health reports the proxy as healthy along with the upstream target. It
// never probes the upstream; reachability is the rotation engine's concern.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "healthy",
		"target":       h.cfg.Upstream.BaseURL,
		"tokens_count": h.pool.Len(),
		"auth_enabled": h.cfg.Auth.SharedSecret != "",
	})
}
