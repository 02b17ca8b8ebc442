package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"goods-admin-proxy/internal/config"
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

// statusResponse is the body of GET /proxy/status.
type statusResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	BackendURL      string `json:"backend_url"`
	Mode            string `json:"mode"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	TimeoutDisabled bool   `json:"timeout_disabled"`
	SessionEnabled  bool   `json:"session_enabled"`
	AllowedOrigin   string `json:"allowed_origin"`
	MaxBodyBytes    int64  `json:"max_body_bytes"`
}

// Status reports how the proxy forwards: backend, body mode, timeout,
// session and CORS settings. The session secret is never included.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:          "ok",
		Version:         string(h.version),
		BackendURL:      h.cfg.Backend.BaseURL,
		Mode:            h.cfg.Proxy.Mode,
		TimeoutDisabled: h.cfg.Upstream.DisableTimeout,
		SessionEnabled:  h.cfg.SessionEnabled(),
		AllowedOrigin:   h.cfg.CORS.AllowedOrigin,
		MaxBodyBytes:    h.cfg.Server.BodyMaxBytes,
	}
	if !resp.TimeoutDisabled {
		resp.TimeoutSeconds = h.cfg.Upstream.TimeoutSeconds
	}
	return c.JSON(http.StatusOK, resp)
}
