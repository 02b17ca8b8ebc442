// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/goods-proxy/config.toml",
	"configs/config.toml",
}

// Forwarding modes.
const (
	ModePipe    = "pipe"
	ModeRebuild = "rebuild"
)

// reservedRoutes are served locally and never forwarded to the backend.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BackendURL    string `kong:"help='Backend API origin (overrides config).',env='SPRING_API_URL'"`
	AllowedOrigin string `kong:"help='Browser origin allowed by CORS (overrides config).',env='LOCAL_APP_URL'"`
	SessionSecret string `kong:"help='Secret for the proxy session cookie (overrides config).',env='SESSION_SECRET'"`
	Mode          string `kong:"help='Forwarding mode: pipe|rebuild (overrides config).',env='PROXY_MODE'"`
	NoTimeout     bool   `kong:"help='Disable the backend request timeout.',env='NO_TIMEOUT'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Backend  BackendConfig  `toml:"backend"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	CORS     CORSConfig     `toml:"cors"`
	Session  SessionConfig  `toml:"session"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (5001)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig points at the backend API server.
type BackendConfig struct {
	BaseURL string `toml:"base_url"`
}

// UpstreamConfig holds backend connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int  `toml:"timeout_seconds"`
	DisableTimeout  bool `toml:"disable_timeout"`
	IdleConnections int  `toml:"idle_connections"`
}

// ProxyConfig controls how request bodies are forwarded.
type ProxyConfig struct {
	Mode                string `toml:"mode"`
	UploadDir           string `toml:"upload_dir"`
	MaxFieldBytes       int64  `toml:"max_field_bytes"`
	UploadMaxAgeSeconds int    `toml:"upload_max_age_seconds"`
}

// CORSConfig holds the browser origin allowed to call the proxy.
type CORSConfig struct {
	AllowedOrigin string `toml:"allowed_origin"`
}

// SessionConfig holds the proxy session cookie settings.
// The session middleware is enabled only when Secret is set.
type SessionConfig struct {
	Secret        string `toml:"secret"`
	CookieName    string `toml:"cookie_name"`
	MaxAgeSeconds int    `toml:"max_age_seconds"`
	Secure        bool   `toml:"secure"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/goods-proxy/config.toml then configs/config.toml. If neither exists the
// configuration is built from defaults, environment and flags alone.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BackendURL != "" {
		c.Backend.BaseURL = cli.BackendURL
	}
	if cli.AllowedOrigin != "" {
		c.CORS.AllowedOrigin = cli.AllowedOrigin
	}
	if cli.SessionSecret != "" {
		c.Session.Secret = cli.SessionSecret
	}
	if cli.Mode != "" {
		c.Proxy.Mode = cli.Mode
	}
	if cli.NoTimeout {
		c.Upstream.DisableTimeout = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Backend URL: required, http or https, no query or fragment.
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required (or set SPRING_API_URL)")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return fmt.Errorf("backend.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.base_url must use http or https; got %q", c.Backend.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.base_url has no host; got %q", c.Backend.BaseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("backend.base_url must not carry a query or fragment; got %q", c.Backend.BaseURL)
	}

	if c.CORS.AllowedOrigin != "" && c.CORS.AllowedOrigin != "*" {
		o, err := url.Parse(c.CORS.AllowedOrigin)
		if err != nil || o.Scheme == "" || o.Host == "" {
			return fmt.Errorf("cors.allowed_origin must be an origin like http://localhost:3000; got %q", c.CORS.AllowedOrigin)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Proxy.MaxFieldBytes < 0 {
		return fmt.Errorf("proxy.max_field_bytes must be non-negative; got %d", c.Proxy.MaxFieldBytes)
	}
	if c.Proxy.UploadMaxAgeSeconds < 0 {
		return fmt.Errorf("proxy.upload_max_age_seconds must be non-negative; got %d", c.Proxy.UploadMaxAgeSeconds)
	}
	if c.Session.MaxAgeSeconds < 0 {
		return fmt.Errorf("session.max_age_seconds must be non-negative; got %d", c.Session.MaxAgeSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Proxy.Mode) {
	case ModePipe, ModeRebuild, "":
		// valid
	default:
		return fmt.Errorf("proxy.mode must be one of: pipe, rebuild; got %q", c.Proxy.Mode)
	}

	if c.Session.Secret != "" && len(c.Session.Secret) < 16 {
		return fmt.Errorf("session.secret must be at least 16 bytes")
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q would shadow every forwarded route", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key. The backend timeout is disabled
// with upstream.disable_timeout, not with timeout_seconds = 0.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5001
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 50 * 1024 * 1024 // 50 MB, room for image uploads
	}
	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 180
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	c.Proxy.Mode = strings.ToLower(c.Proxy.Mode)
	if c.Proxy.Mode == "" {
		c.Proxy.Mode = ModePipe
	}
	if c.Proxy.UploadDir == "" {
		c.Proxy.UploadDir = filepath.Join(os.TempDir(), "goods-proxy-uploads")
	}
	if c.Proxy.MaxFieldBytes == 0 {
		c.Proxy.MaxFieldBytes = 1 << 20 // 1 MB across all text fields
	}
	if c.Proxy.UploadMaxAgeSeconds == 0 {
		c.Proxy.UploadMaxAgeSeconds = 3600
	}
	if c.CORS.AllowedOrigin == "" {
		c.CORS.AllowedOrigin = "http://localhost:3000"
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "goods_proxy_session"
	}
	if c.Session.MaxAgeSeconds == 0 {
		c.Session.MaxAgeSeconds = 86400
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SessionEnabled reports whether the proxy session middleware should run.
func (c *Config) SessionEnabled() bool {
	return c.Session.Secret != ""
}

// WarnPermissions logs a warning if the config file holds the session secret
// and is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 && c.Session.Secret != "" {
		logger.Warn("config file holding session secret is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
