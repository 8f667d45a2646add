// Package config handles configuration loading and validation.
//
// Values are layered: defaults, then an optional TOML or YAML file, then
// command-line flags and environment variables parsed by Kong.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultWebhookURL is the Twilio endpoint that stores the port-in webhook target.
const DefaultWebhookURL = "https://numbers.twilio.com/v1/Porting/Configuration/Webhook"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/portin-relay/config.toml",
	"configs/config.toml",
}

// adminRoutes are served by the admin listener and cannot be reused as metrics.path.
var adminRoutes = []string{"/healthz", "/relay/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string           `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host            string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port            int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamURL     string           `kong:"name='upstream-url',help='Base URL of the internal service callbacks are relayed to.',env='SERVICE_BASE_URL'"`
	ForwardPath     string           `kong:"name='forward-path',help='Path on the upstream that receives relayed callbacks.',env='FORWARD_PATH'"`
	HealthPath      string           `kong:"name='health-path',help='Upstream health check path probed at startup.',env='HEALTH_CHECK_PATH'"`
	SkipHealthCheck bool             `kong:"name='skip-health-check',help='Do not probe the upstream at startup.',env='SKIP_HEALTH_CHECK'"`
	NgrokAuthtoken  string           `kong:"name='ngrok-authtoken',help='ngrok authtoken (falls back to NGROK_AUTHTOKEN).',env='NGROK_AUTH_TOKEN'"`
	NgrokDomain     string           `kong:"name='ngrok-domain',help='Reserved ngrok domain for the public URL.',env='NGROK_DOMAIN'"`
	AccountSID      string           `kong:"name='account-sid',help='Twilio account SID used to register the webhook.',env='TWILIO_ACCOUNT_SID'"`
	AuthToken       string           `kong:"name='auth-token',help='Twilio auth token used to register the webhook.',env='TWILIO_AUTH_TOKEN'"`
	LogLevel        string           `kong:"name='log-level',help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version         kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Tunnel   TunnelConfig   `toml:"tunnel" yaml:"tunnel"`
	Provider ProviderConfig `toml:"provider" yaml:"provider"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
	Admin    AdminConfig    `toml:"admin" yaml:"admin"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds settings for the relay listener.
type ServerConfig struct {
	Host         string          `toml:"host" yaml:"host"`
	Port         int             `toml:"port" yaml:"port"` // 0 means "use default" (3000)
	BodyMaxBytes int64           `toml:"body_max_bytes" yaml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// UpstreamConfig describes the internal service callbacks are relayed to.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url" yaml:"base_url"`
	ForwardPath     string `toml:"forward_path" yaml:"forward_path"`
	HealthPath      string `toml:"health_path" yaml:"health_path"`
	SkipHealthCheck bool   `toml:"skip_health_check" yaml:"skip_health_check"`
	TimeoutSeconds  int    `toml:"timeout_seconds" yaml:"timeout_seconds"` // 0 leaves transport defaults in place
	IdleConnections int    `toml:"idle_connections" yaml:"idle_connections"`
}

// TunnelConfig holds ngrok settings.
type TunnelConfig struct {
	Authtoken string `toml:"authtoken" yaml:"authtoken"`
	Domain    string `toml:"domain" yaml:"domain"`
}

// ProviderConfig holds Twilio credentials for webhook registration.
type ProviderConfig struct {
	AccountSID string `toml:"account_sid" yaml:"account_sid"`
	AuthToken  string `toml:"auth_token" yaml:"auth_token"`
	WebhookURL string `toml:"webhook_url" yaml:"webhook_url"`
	TargetPath string `toml:"target_path" yaml:"target_path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// AdminConfig holds settings for the admin listener (health, status, metrics).
type AdminConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" yaml:"addr"`
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped and existing variables are kept.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var found []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			found = append(found, p)
		}
	}
	if len(found) == 0 {
		return nil
	}
	if err := godotenv.Load(found...); err != nil {
		return fmt.Errorf("config: load %v: %w", found, err)
	}
	return nil
}

// Load reads the optional config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/portin-relay/config.toml then configs/config.toml; if neither exists
// the configuration comes from flags and environment alone.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// readFile decodes path as YAML for .yaml/.yml files and as TOML otherwise.
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = toml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	c.filePath = path
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.ForwardPath != "" {
		c.Upstream.ForwardPath = cli.ForwardPath
	}
	if cli.HealthPath != "" {
		c.Upstream.HealthPath = cli.HealthPath
	}
	if cli.SkipHealthCheck {
		c.Upstream.SkipHealthCheck = true
	}
	if cli.NgrokAuthtoken != "" {
		c.Tunnel.Authtoken = cli.NgrokAuthtoken
	}
	if cli.NgrokDomain != "" {
		c.Tunnel.Domain = cli.NgrokDomain
	}
	if cli.AccountSID != "" {
		c.Provider.AccountSID = cli.AccountSID
	}
	if cli.AuthToken != "" {
		c.Provider.AuthToken = cli.AuthToken
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Upstream URL: required, absolute, http or https.
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required (set SERVICE_BASE_URL)")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url must include a host; got %q", c.Upstream.BaseURL)
	}

	for name, p := range map[string]string{
		"upstream.forward_path": c.Upstream.ForwardPath,
		"upstream.health_path":  c.Upstream.HealthPath,
		"provider.target_path":  c.Provider.TargetPath,
	} {
		if p != "" && p[0] != '/' {
			return fmt.Errorf("%s must start with '/'; got %q", name, p)
		}
	}

	// Credentials are only usable as a pair.
	if (c.Provider.AccountSID == "") != (c.Provider.AuthToken == "") {
		return fmt.Errorf("provider.account_sid and provider.auth_token must be set together")
	}
	if c.Provider.WebhookURL != "" {
		wu, err := url.Parse(c.Provider.WebhookURL)
		if err != nil || wu.Host == "" {
			return fmt.Errorf("provider.webhook_url is not a valid URL; got %q", c.Provider.WebhookURL)
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
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range adminRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// TOML cannot distinguish an explicit 0 from an omitted key, so port=0
// results in the default port (3000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.ForwardPath == "" {
		c.Upstream.ForwardPath = "/v1/webhooks/port-in"
	}
	if c.Upstream.HealthPath == "" {
		c.Upstream.HealthPath = "/v1/health/check"
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Provider.WebhookURL == "" {
		c.Provider.WebhookURL = DefaultWebhookURL
	}
	if c.Provider.TargetPath == "" {
		c.Provider.TargetPath = "/api"
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
	if c.Admin.Addr == "" {
		c.Admin.Addr = "127.0.0.1:9090"
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

// ForwardURL returns the fixed URL every inbound callback is relayed to.
func (c *UpstreamConfig) ForwardURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.ForwardPath
}

// HealthURL returns the URL probed at startup, or empty when the probe is disabled.
func (c *UpstreamConfig) HealthURL() string {
	if c.SkipHealthCheck {
		return ""
	}
	return strings.TrimRight(c.BaseURL, "/") + c.HealthPath
}

// Enabled reports whether webhook registration credentials are configured.
func (c *ProviderConfig) Enabled() bool {
	return c.AccountSID != "" && c.AuthToken != ""
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
