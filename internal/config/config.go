// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/gitproxy/config.toml",
	"configs/config.toml",
}

// reservedPaths are served by the proxy itself and cannot host metrics.
var reservedPaths = []string{"/healthz", "/proxy/status", "/proxy/upstream"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Upstream string `kong:"help='Upstream base URL (overrides config).',env='UPSTREAM_URL'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Cache    CacheConfig    `toml:"cache"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL               string   `toml:"base_url"`
	AllowedDomains        []string `toml:"allowed_domains"`
	TimeoutSeconds        int      `toml:"timeout_seconds"`
	ConnectTimeoutSeconds int      `toml:"connect_timeout_seconds"`
	IdleConnections       int      `toml:"idle_connections"`
	MaxConnsPerHost       int      `toml:"max_conns_per_host"`
	IdleTimeoutSeconds    int      `toml:"idle_timeout_seconds"`
	// FollowRedirects follows upstream redirects to allowed domains. Unset
	// means true.
	FollowRedirects *bool `toml:"follow_redirects"`
}

// ProxyConfig holds request translation settings.
type ProxyConfig struct {
	UserAgent    string `toml:"user_agent"`
	BrowsePrefix string `toml:"browse_prefix"`
	BrowseMode   string `toml:"browse_mode"` // "redirect" or "proxy"
}

// CacheConfig is accepted for compatibility. Responses are never cached.
type CacheConfig struct {
	Enabled           bool `toml:"enabled"`
	ExpirationMinutes int  `toml:"expiration_minutes"`
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

// Browse modes.
const (
	BrowseRedirect = "redirect"
	BrowseProxy    = "proxy"
)

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/gitproxy/config.toml then configs/config.toml. When nothing is found
// the built-in defaults are used.
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
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
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
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Upstream URL: must be HTTPS and on the allow-list.
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("upstream.base_url must not carry a path; got %q", c.Upstream.BaseURL)
	}
	if !c.Upstream.Allows(u.Hostname()) {
		return fmt.Errorf("upstream host %q is not in upstream.allowed_domains %v", u.Hostname(), c.Upstream.AllowedDomains)
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
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxConnsPerHost < 0 {
		return fmt.Errorf("upstream.max_conns_per_host must be non-negative; got %d", c.Upstream.MaxConnsPerHost)
	}
	if c.Upstream.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.idle_timeout_seconds must be non-negative; got %d", c.Upstream.IdleTimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Proxy fields.
	switch strings.ToLower(c.Proxy.BrowseMode) {
	case BrowseRedirect, BrowseProxy:
	default:
		return fmt.Errorf("proxy.browse_mode must be one of: redirect, proxy; got %q", c.Proxy.BrowseMode)
	}
	if p := c.Proxy.BrowsePrefix; strings.Contains(p, "/") || strings.Contains(p, ".") || strings.HasSuffix(p, ":") {
		return fmt.Errorf("proxy.browse_prefix must be a single plain path segment; got %q", c.Proxy.BrowsePrefix)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' || p == "/" {
			return fmt.Errorf("metrics.path must start with '/' and name a route; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 2 << 30 // 2 GiB, room for large pushes
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://github.com"
	}
	if len(c.Upstream.AllowedDomains) == 0 {
		c.Upstream.AllowedDomains = []string{
			"github.com",
			"codeload.github.com",
			"raw.githubusercontent.com",
			"objects.githubusercontent.com",
		}
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 600
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxConnsPerHost == 0 {
		c.Upstream.MaxConnsPerHost = 100
	}
	if c.Upstream.IdleTimeoutSeconds == 0 {
		c.Upstream.IdleTimeoutSeconds = 300
	}
	if c.Proxy.UserAgent == "" {
		c.Proxy.UserAgent = "git/2.0.0 (gitproxy/1.0)"
	}
	c.Proxy.BrowsePrefix = strings.Trim(c.Proxy.BrowsePrefix, "/")
	if c.Proxy.BrowsePrefix == "" {
		c.Proxy.BrowsePrefix = "web"
	}
	if c.Proxy.BrowseMode == "" {
		c.Proxy.BrowseMode = BrowseRedirect
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

// Allows reports whether host is one of the allowed upstream domains.
func (c *UpstreamConfig) Allows(host string) bool {
	return slices.ContainsFunc(c.AllowedDomains, func(d string) bool {
		return strings.EqualFold(d, host)
	})
}

// FollowsRedirects reports whether redirects to allowed domains are followed.
func (c *UpstreamConfig) FollowsRedirects() bool {
	return c.FollowRedirects == nil || *c.FollowRedirects
}

// Timeout returns the end-to-end budget for one upstream exchange.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RedirectBrowsers reports whether browser page views are redirected upstream.
func (c *ProxyConfig) RedirectBrowsers() bool {
	return strings.EqualFold(c.BrowseMode, BrowseRedirect)
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

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnUnsupported logs settings that are accepted but have no effect.
func (c *Config) WarnUnsupported(logger *slog.Logger) {
	if c.Cache.Enabled {
		logger.Warn("cache.enabled is set but response caching is not supported; Git responses are relayed uncached",
			"expiration_minutes", c.Cache.ExpirationMinutes,
		)
	}
}
