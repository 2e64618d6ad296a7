// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"openai-proxy-go/internal/token"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/openai-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong. The env names mirror the
// variables the proxy has historically been deployed with.
type CLI struct {
	Config         string  `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host           string  `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port           int     `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BaseURL        string  `kong:"help='Upstream OpenAI-compatible base URL (overrides config).',env='OPENAI_BASE_URL'"`
	PathPrefix     string  `kong:"help='Inbound path prefix the proxy serves (overrides config).',env='PROXY_PATH_PREFIX'"`
	Timeout        int     `kong:"help='Per-attempt upstream timeout in seconds (overrides config).',env='TIMEOUT'"`
	MaxRetries     int     `kong:"default='-1',help='Retries per token on transient failures (overrides config).',env='MAX_RETRIES'"`
	BaseRetryDelay float64 `kong:"help='Base backoff delay in seconds (overrides config).',env='BASE_RETRY_DELAY'"`
	RateLimitWait  int     `kong:"help='Wait hint in seconds for upstream failed-attempt rate limits (overrides config).',env='RATE_LIMIT_WAIT'"`
	Tokens         string  `kong:"help='Comma-delimited upstream API tokens (overrides config).',env='API_TOKENS'"`
	SharedSecret   string  `kong:"help='Shared secret clients must present as a bearer token (overrides config).',env='PROXY_API_KEY'"`
	LogLevel       string  `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Retry    RetryConfig    `toml:"retry"`
	Auth     AuthConfig     `toml:"auth"`
	Tokens   TokensConfig   `toml:"tokens"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (9000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP inbound request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	PathPrefix      string `toml:"path_prefix"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// RetryConfig holds rotation and backoff settings.
// Zero-valued fields mean "use default"; a TOML file cannot express zero
// retries because TOML cannot distinguish 0 from unset. Use the CLI flag or
// MAX_RETRIES env for that.
type RetryConfig struct {
	MaxRetries           int     `toml:"max_retries"`
	BaseDelaySeconds     float64 `toml:"base_delay_seconds"`
	MaxDelaySeconds      float64 `toml:"max_delay_seconds"`
	RateLimitWaitSeconds int     `toml:"rate_limit_wait_seconds"`
}

// AuthConfig holds the inbound shared-secret settings.
type AuthConfig struct {
	SharedSecret string `toml:"shared_secret"`
}

// TokensConfig holds the upstream token pool.
type TokensConfig struct {
	Keys []string `toml:"keys"`
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

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/openai-proxy/config.toml then configs/config.toml. A missing config
// file is not an error: the proxy can run entirely from env/CLI overrides
// and defaults.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
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

	// Defaults fill file-level gaps first; CLI/env overrides are applied on
	// top so an explicit flag always wins, including MAX_RETRIES=0.
	cfg.setDefaults()
	cfg.applyCLI(cli)

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
	if cli.BaseURL != "" {
		c.Upstream.BaseURL = cli.BaseURL
	}
	if cli.PathPrefix != "" {
		c.Upstream.PathPrefix = cli.PathPrefix
	}
	if cli.Timeout != 0 {
		c.Upstream.TimeoutSeconds = cli.Timeout
	}
	if cli.MaxRetries >= 0 {
		c.Retry.MaxRetries = cli.MaxRetries
	}
	if cli.BaseRetryDelay != 0 {
		c.Retry.BaseDelaySeconds = cli.BaseRetryDelay
	}
	if cli.RateLimitWait != 0 {
		c.Retry.RateLimitWaitSeconds = cli.RateLimitWait
	}
	if cli.Tokens != "" {
		c.Tokens.Keys = token.ParseList(cli.Tokens)
	}
	if cli.SharedSecret != "" {
		c.Auth.SharedSecret = cli.SharedSecret
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
	}
	if !strings.HasPrefix(c.Upstream.PathPrefix, "/") {
		return fmt.Errorf("upstream.path_prefix must start with '/'; got %q", c.Upstream.PathPrefix)
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
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be non-negative; got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelaySeconds < 0 {
		return fmt.Errorf("retry.base_delay_seconds must be non-negative; got %v", c.Retry.BaseDelaySeconds)
	}
	if c.Retry.MaxDelaySeconds < c.Retry.BaseDelaySeconds {
		return fmt.Errorf("retry.max_delay_seconds must be >= retry.base_delay_seconds; got %v < %v",
			c.Retry.MaxDelaySeconds, c.Retry.BaseDelaySeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
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
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/health", c.Upstream.PathPrefix} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.venice.ai/api/v1"
	}
	if c.Upstream.PathPrefix == "" {
		c.Upstream.PathPrefix = "/api/v1"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 300
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 5
	}
	if c.Retry.BaseDelaySeconds == 0 {
		c.Retry.BaseDelaySeconds = 1.0
	}
	if c.Retry.MaxDelaySeconds == 0 {
		c.Retry.MaxDelaySeconds = 60.0
	}
	if c.Retry.RateLimitWaitSeconds == 0 {
		c.Retry.RateLimitWaitSeconds = 30
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

// Timeout returns the per-attempt upstream timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BaseDelay returns the base backoff delay.
func (c *RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds * float64(time.Second))
}

// MaxDelay returns the backoff cap.
func (c *RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds * float64(time.Second))
}

// RateLimitWait returns the wait hint applied when the upstream reports a
// failed-attempt rate limit.
func (c *RetryConfig) RateLimitWait() time.Duration {
	return time.Duration(c.RateLimitWaitSeconds) * time.Second
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

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file may hold upstream tokens and the shared secret.
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
