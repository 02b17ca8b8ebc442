package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"

	"goods-admin-proxy/internal/config"
)

// SessionIDKey is the echo.Context key holding the proxy session id.
const SessionIDKey = "session_id"

const sessionIDValue = "sid"

// ProxySession returns an Echo middleware that keeps a signed proxy session
// cookie holding a random session id. The cookie belongs to the proxy and is
// removed from the Cookie header before the request is forwarded.
func ProxySession(cfg *config.SessionConfig, logger *slog.Logger) echo.MiddlewareFunc {
	store := sessions.NewCookieStore([]byte(cfg.Secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   cfg.MaxAgeSeconds,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	store.MaxAge(cfg.MaxAgeSeconds)

	name := cfg.CookieName
	logger = logger.With("component", "session")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			// A cookie that fails verification yields a fresh session.
			sess, err := store.Get(req, name)
			if err != nil {
				logger.Debug("discarding invalid session cookie", "err", err)
			}

			id, _ := sess.Values[sessionIDValue].(string)
			if id == "" {
				id = uuid.NewString()
				sess.Values[sessionIDValue] = id
				if err := sess.Save(req, c.Response()); err != nil {
					logger.Error("saving session", "err", err)
				}
			}
			c.Set(SessionIDKey, id)

			stripCookie(req.Header, name)

			return next(c)
		}
	}
}

// stripCookie removes the named cookie from the request Cookie headers,
// leaving the other cookies byte-for-byte intact.
func stripCookie(h http.Header, name string) {
	lines := h.Values("Cookie")
	if len(lines) == 0 {
		return
	}

	var kept []string
	for _, line := range lines {
		for part := range strings.SplitSeq(line, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if n, _, _ := strings.Cut(part, "="); strings.TrimSpace(n) == name {
				continue
			}
			kept = append(kept, part)
		}
	}

	h.Del("Cookie")
	if len(kept) > 0 {
		h.Set("Cookie", strings.Join(kept, "; "))
	}
}
