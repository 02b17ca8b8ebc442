package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"goods-admin-proxy/internal/config"
)

func newSessionEcho(t *testing.T, seen *string, forwarded *string) *echo.Echo {
	t.Helper()
	cfg := &config.SessionConfig{
		Secret:        "0123456789abcdef0123456789abcdef",
		CookieName:    "goods_proxy_session",
		MaxAgeSeconds: 3600,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := echo.New()
	e.Use(ProxySession(cfg, logger))
	e.GET("/goods", func(c echo.Context) error {
		*seen, _ = c.Get(SessionIDKey).(string)
		*forwarded = c.Request().Header.Get("Cookie")
		return c.NoContent(http.StatusOK)
	})
	return e
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == "goods_proxy_session" {
			return ck
		}
	}
	return nil
}

func TestProxySession_IssuesCookie(t *testing.T) {
	var sid, forwarded string
	e := newSessionEcho(t, &sid, &forwarded)

	req := httptest.NewRequest(http.MethodGet, "/goods", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if sid == "" {
		t.Fatal("session id not set on context")
	}
	ck := sessionCookie(rec)
	if ck == nil {
		t.Fatal("session cookie not issued")
	}
	if !ck.HttpOnly {
		t.Error("session cookie should be HttpOnly")
	}
	if ck.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", ck.SameSite)
	}
	if ck.Path != "/" {
		t.Errorf("Path = %q, want /", ck.Path)
	}
}

func TestProxySession_ReusesAndStripsCookie(t *testing.T) {
	var sid, forwarded string
	e := newSessionEcho(t, &sid, &forwarded)

	req := httptest.NewRequest(http.MethodGet, "/goods", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	first := sid
	ck := sessionCookie(rec)
	if ck == nil {
		t.Fatal("session cookie not issued")
	}

	req = httptest.NewRequest(http.MethodGet, "/goods", http.NoBody)
	req.Header.Set("Cookie", "JSESSIONID=abc; "+ck.Name+"="+ck.Value+"; theme=dark")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if sid != first {
		t.Errorf("session id = %q, want %q reused", sid, first)
	}
	if sessionCookie(rec) != nil {
		t.Error("existing session should not be re-issued")
	}
	if forwarded != "JSESSIONID=abc; theme=dark" {
		t.Errorf("forwarded Cookie = %q, want backend cookies only", forwarded)
	}
}

func TestProxySession_TamperedCookie(t *testing.T) {
	var sid, forwarded string
	e := newSessionEcho(t, &sid, &forwarded)

	req := httptest.NewRequest(http.MethodGet, "/goods", http.NoBody)
	req.Header.Set("Cookie", "goods_proxy_session=forged")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if sid == "" {
		t.Fatal("expected a fresh session id")
	}
	if sessionCookie(rec) == nil {
		t.Error("expected a new session cookie for a tampered one")
	}
	if forwarded != "" {
		t.Errorf("forwarded Cookie = %q, want empty", forwarded)
	}
}

func TestStripCookie(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want string
	}{
		{"only proxy cookie", []string{"s=1"}, ""},
		{"first", []string{"s=1; a=2"}, "a=2"},
		{"middle", []string{"a=1; s=2; b=3"}, "a=1; b=3"},
		{"multiple headers", []string{"a=1", "s=2", "b=3"}, "a=1; b=3"},
		{"prefix name kept", []string{"ss=1; s_x=2"}, "ss=1; s_x=2"},
		{"value with equals", []string{"tok=a=b; s=1"}, "tok=a=b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for _, v := range tt.in {
				h.Add("Cookie", v)
			}
			stripCookie(h, "s")
			if got := h.Get("Cookie"); got != tt.want {
				t.Errorf("Cookie = %q, want %q", got, tt.want)
			}
			if tt.want == "" && len(h.Values("Cookie")) != 0 {
				t.Errorf("Cookie header should be removed, got %v", h.Values("Cookie"))
			}
		})
	}
}
