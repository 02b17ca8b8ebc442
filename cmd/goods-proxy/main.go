package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"goods-admin-proxy/internal/body"
	"goods-admin-proxy/internal/client"
	"goods-admin-proxy/internal/config"
	"goods-admin-proxy/internal/handler"
	"goods-admin-proxy/internal/metrics"
	"goods-admin-proxy/internal/middleware"
	"goods-admin-proxy/internal/service"
	"goods-admin-proxy/internal/upload"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("goods-proxy"),
		kong.Description("Reverse proxy between the goods admin front end and its backend API."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			upload.NewStore,
			body.NewDecoder,
			client.NewBackendClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, manageUploads, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks. ReadTimeout covers
	// large multipart uploads, so it is kept generous.
	e.Server.ReadTimeout = 5 * time.Minute
	// WriteTimeout is disabled (0) so long backend responses can stream.
	// The backend client bounds the wait for response headers instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	// CORS runs before the limits so 413 and 429 responses stay readable
	// by the admin front end.
	e.Use(middleware.CORS(&cfg.CORS))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(&cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	if cfg.SessionEnabled() {
		e.Use(middleware.ProxySession(&cfg.Session, logger))
		logger.Info("proxy session enabled", "cookie", cfg.Session.CookieName)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// manageUploads prepares the upload directory and clears files left behind
// by a previous run, then clears it again on shutdown.
func manageUploads(lc fx.Lifecycle, store *upload.Store, logger *slog.Logger) {
	logger = logger.With("component", "uploads")
	sweep := func(phase string) {
		n, err := store.Sweep()
		if err != nil {
			logger.Warn("sweeping upload dir", "err", err, "phase", phase)
		}
		if n > 0 {
			logger.Info("removed stale uploads", "count", n, "phase", phase)
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := store.Init(); err != nil {
				return err
			}
			sweep("start")
			return nil
		},
		OnStop: func(_ context.Context) error {
			sweep("stop")
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, svc *service.ProxyService, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"backend", cfg.Backend.BaseURL,
				"mode", svc.Mode(),
				"timeout_disabled", cfg.Upstream.DisableTimeout,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
