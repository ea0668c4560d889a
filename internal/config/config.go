// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/net/http/httpguts"

	"correlation-proxy/internal/model"
)

// Keys of the variables the proxy resolves on every request.
const (
	VarOrigin     = "origin"
	VarHeaderName = "header_name"
)

// ErrVariableNotFound is returned by Variables.Get for absent or empty keys.
var ErrVariableNotFound = errors.New("variable not found")

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/correlation-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Origin     string `kong:"help='Upstream origin host[:port] (overrides variables.origin).',env='ORIGIN'"`
	HeaderName string `kong:"help='Correlation header name (overrides variables.header_name).',env='HEADER_NAME'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig   `toml:"server"`
	Variables Variables      `toml:"variables"`
	Upstream  UpstreamConfig `toml:"upstream"`
	Admin     AdminConfig    `toml:"admin"`
	Log       LogConfig      `toml:"log"`
	Metrics   MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds proxy listener settings.
type ServerConfig struct {
	Host               string          `toml:"host"`
	Port               int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	ReadTimeoutSeconds int             `toml:"read_timeout_seconds"` // whole request including body; 0 disables
	RateLimit          RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// Variables is a flat table of string settings read at request time.
type Variables map[string]string

// Get returns the value of name, or ErrVariableNotFound.
func (v Variables) Get(name string) (string, error) {
	val, ok := v[name]
	if !ok || val == "" {
		return "", fmt.Errorf("%w: %s", ErrVariableNotFound, name)
	}
	return val, nil
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	ResponseTimeoutSeconds int    `toml:"response_timeout_seconds"` // 0 waits indefinitely
	IdleConnections        int    `toml:"idle_connections"`
	CAFile                 string `toml:"ca_file"`
}

// AdminConfig holds the listener serving health, status and metrics.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
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
// /etc/correlation-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
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
	if cli.Origin != "" || cli.HeaderName != "" {
		if c.Variables == nil {
			c.Variables = make(Variables)
		}
		if cli.Origin != "" {
			c.Variables[VarOrigin] = cli.Origin
		}
		if cli.HeaderName != "" {
			c.Variables[VarHeaderName] = cli.HeaderName
		}
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Variables may be absent (requests then fail with 500) but not malformed.
	if origin := c.Variables[VarOrigin]; origin != "" {
		if strings.Contains(origin, "://") {
			return fmt.Errorf("variables.origin must be host[:port] without a scheme; got %q", origin)
		}
		if err := model.ValidateAuthority(origin); err != nil {
			return fmt.Errorf("variables.origin: %w", err)
		}
	}
	if name := c.Variables[VarHeaderName]; name != "" && !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("variables.header_name is not a valid header name; got %q", name)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Server.ReadTimeoutSeconds < 0 {
		return fmt.Errorf("server.read_timeout_seconds must be non-negative; got %d", c.Server.ReadTimeoutSeconds)
	}
	if c.Upstream.ResponseTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.response_timeout_seconds must be non-negative; got %d", c.Upstream.ResponseTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
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

	// Metrics are served on the admin listener next to the health routes.
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
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
		c.Server.Port = 8000
	}
	if c.Variables == nil {
		c.Variables = make(Variables)
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8001
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

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
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

// WarnMissingVariables logs every required variable that is not set. The
// proxy still starts; requests fail until the variable is provided.
func (c *Config) WarnMissingVariables(logger *slog.Logger) {
	for _, name := range []string{VarOrigin, VarHeaderName} {
		if _, err := c.Variables.Get(name); err != nil {
			logger.Warn("required variable is not set; proxied requests will fail with 500",
				"variable", name,
			)
		}
	}
}
