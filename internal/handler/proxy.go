package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"goods-admin-proxy/internal/body"
	"goods-admin-proxy/internal/model"
	"goods-admin-proxy/internal/service"
)

// secretParamPattern matches credential-like query parameters in URLs embedded in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)((?:password|passwd|token|secret)=)[^&\s"]+`)

// Error bodies sent when the backend did not answer.
const (
	msgGatewayTimeout = "Gateway Timeout"
	msgInternalError  = "Proxy Server Internal Error"
)

// ProxyHandler forwards browser requests to the backend API.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the backend and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		RequestID:     c.Response().Header().Get(echo.HeaderXRequestID),
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	copyResponseHeaders(c.Response().Header(), resp.Header)

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the backend body directly to the client. If io.Copy fails
	// mid-stream the status has already been sent and the client gets a
	// truncated body; the error is only logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// mergedResponseHeaders accumulate values from middleware and backend.
var mergedResponseHeaders = map[string]bool{
	"Set-Cookie": true,
	"Vary":       true,
}

// copyResponseHeaders copies backend headers into dst. Backend values replace
// the ones set by middleware (CORS, security), except for headers in
// mergedResponseHeaders, which are appended so the proxy session cookie
// survives a backend Set-Cookie.
func copyResponseHeaders(dst, src http.Header) {
	for key, vals := range src {
		if mergedResponseHeaders[key] {
			dst[key] = append(dst[key], vals...)
			continue
		}
		dst[key] = vals
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	// Limits enforced by echo middleware while the body was being read.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		h.logger.Warn("request rejected", "err", sanitizeError(err), "path", path, "status", he.Code)
		return he
	}

	if errors.Is(err, body.ErrFieldsTooLarge) {
		h.logger.Warn("request rejected", "err", err, "path", path)
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
			"message": "Multipart fields too large",
		})
	}

	if errors.Is(err, service.ErrBuildRequest) {
		h.logger.Error("proxy error", "err", sanitizeError(err), "path", path, "reason", "build_request")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"message": msgInternalError,
		})
	}

	// The browser went away; nobody will read this response.
	if errors.Is(err, context.Canceled) && c.Request().Context().Err() != nil {
		h.logger.Warn("proxy error", "err", sanitizeError(err), "path", path, "reason", "client_disconnected")
		return c.JSON(http.StatusBadGateway, map[string]string{
			"message": "client disconnected",
		})
	}

	// Everything else means no response came back from the backend.
	h.logger.Error("proxy error", "err", sanitizeError(err), "path", path, "reason", noResponseReason(err))
	return c.JSON(http.StatusGatewayTimeout, map[string]string{
		"message": msgGatewayTimeout,
	})
}

// noResponseReason classifies a transport failure for logs.
func noResponseReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "host_unreachable"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "connection_failed"
	}
	return "upstream_failed"
}

// sanitizeError redacts credential-like query values from error messages that may contain backend URLs.
func sanitizeError(err error) string {
	return secretParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
