// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"goods-admin-proxy/internal/body"
	"goods-admin-proxy/internal/client"
	"goods-admin-proxy/internal/config"
	"goods-admin-proxy/internal/metrics"
	"goods-admin-proxy/internal/model"
)

// ErrBuildRequest wraps local failures while turning the inbound request into
// a backend request, as opposed to failures talking to the backend.
var ErrBuildRequest = errors.New("build backend request")

// hopByHopHeaders apply to a single connection and are never forwarded
// in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.BackendClient
	decoder *body.Decoder
	logger  *slog.Logger
	metrics *metrics.Metrics
	baseURL string
	mode    string
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable body metrics.
func NewProxyService(c *client.BackendClient, d *body.Decoder, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend base_url %q is not absolute", cfg.Backend.BaseURL)
	}

	mode := cfg.Proxy.Mode
	if mode == "" {
		mode = config.ModePipe
	}

	return &ProxyService{
		client:  c,
		decoder: d,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
		baseURL: strings.TrimRight(u.String(), "/"),
		mode:    mode,
	}, nil
}

// Mode returns the forwarding mode, pipe or rebuild.
func (s *ProxyService) Mode() string {
	return s.mode
}

// Forward sends a ProxyRequest to the backend and returns the response.
// The caller is responsible for closing the response body.
//
// Any temp upload files created while decoding the request are removed before
// Forward returns, whether or not the backend answered.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	b, err := s.decode(pr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildRequest, err)
	}
	defer func() { _ = b.Close() }()

	enc, err := b.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildRequest, err)
	}

	upstreamURL := s.buildUpstreamURL(pr.RawPath, pr.RawQuery)
	header := s.outboundHeaders(pr.Header, enc.ContentType, pr.RequestID)

	if s.metrics != nil {
		s.metrics.ForwardedBodies.WithLabelValues(b.Kind().String()).Inc()
	}
	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"body", b.Kind().String(),
		"content_length", enc.ContentLength,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, enc.Body, enc.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

func (s *ProxyService) decode(pr *model.ProxyRequest) (body.Body, error) {
	if s.mode == config.ModePipe || s.decoder == nil {
		return body.NewRaw(pr.Body, pr.ContentLength), nil
	}
	return s.decoder.Decode(pr.Header.Get("Content-Type"), pr.Body, pr.ContentLength)
}

// buildUpstreamURL joins the backend origin with the path and query exactly
// as the browser sent them.
func (s *ProxyService) buildUpstreamURL(rawPath, rawQuery string) string {
	if rawPath == "" {
		rawPath = "/"
	}
	u := s.baseURL + rawPath
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// outboundHeaders copies every end-to-end request header. Host is not a key
// in http.Header, so the backend sees its own host. Content-Length is carried
// by the request itself.
func (s *ProxyService) outboundHeaders(src http.Header, contentType, requestID string) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	dst.Del("Host")
	dst.Del("Content-Length")

	if contentType != "" {
		dst.Set("Content-Type", contentType)
	}
	if requestID != "" && dst.Get("X-Request-Id") == "" {
		dst.Set("X-Request-Id", requestID)
	}
	return dst
}

// filterResponseHeaders drops hop-by-hop headers; everything else, including
// Set-Cookie, reaches the browser.
func filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	removeHopByHop(dst)
	return dst
}

// removeHopByHop deletes the standard hop-by-hop headers and any header named
// in Connection.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
