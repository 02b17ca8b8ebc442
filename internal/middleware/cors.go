package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"goods-admin-proxy/internal/config"
)

// CORS returns an Echo middleware that lets the admin front end call the
// proxy with credentials. Preflight requests are answered locally.
func CORS(cfg *config.CORSConfig) echo.MiddlewareFunc {
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     []string{cfg.AllowedOrigin},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderOrigin},
		AllowCredentials: true,
	})
}

// RateLimit returns a per-IP rate limiting middleware backed by an in-memory
// token bucket store.
func RateLimit(cfg *config.RateLimitConfig) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiter(store)
}
