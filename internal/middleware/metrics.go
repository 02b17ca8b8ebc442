package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"goods-admin-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request: count and latency by method, status and path
// prefix, body bytes in both directions, and requests abandoned by the client.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			// An *echo.HTTPError is written later by Echo's error handler,
			// so the recorded status comes from the error.
			statusCode := res.Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			path := metrics.NormalizePath(req.URL.Path)
			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(req.Method)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())

			if req.ContentLength > 0 {
				m.RequestBytes.WithLabelValues(path).Add(float64(req.ContentLength))
			}
			if res.Size > 0 {
				m.ResponseBytes.WithLabelValues(path).Add(float64(res.Size))
			}
			if req.Context().Err() != nil {
				m.ClientAborts.WithLabelValues(path).Inc()
			}

			return err
		}
	}
}
