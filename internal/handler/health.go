package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"tana-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse describes the running proxy.
type StatusResponse struct {
	Status              string   `json:"status"`
	Version             string   `json:"version"`
	ListenAddr          string   `json:"listen_addr"`
	UpstreamURL         string   `json:"upstream_url"`
	UpstreamTimeout     int      `json:"upstream_timeout_seconds"`
	ForwardErrorHeaders bool     `json:"forward_error_headers"`
	Methods             []string `json:"methods"`
	RateLimitRPS        float64  `json:"rate_limit_rps,omitempty"`
}

// Status reports the effective forwarding settings.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := StatusResponse{
		Status:              "ok",
		Version:             string(h.version),
		ListenAddr:          h.cfg.Server.Addr(),
		UpstreamURL:         h.cfg.Upstream.BaseURL,
		UpstreamTimeout:     h.cfg.Upstream.TimeoutSeconds,
		ForwardErrorHeaders: h.cfg.Upstream.ForwardErrorHeaders,
		Methods:             ProxiedMethods,
	}
	if h.cfg.Server.RateLimit.Enabled {
		resp.RateLimitRPS = h.cfg.Server.RateLimit.RequestsPerSecond
	}
	return c.JSON(http.StatusOK, resp)
}
