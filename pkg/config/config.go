package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
)

// Config represents the complete browserlink configuration.
type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Transport TransportConfig `yaml:"transport"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RemoteConfig locates the remote browser service.
type RemoteConfig struct {
	BaseURL            string `yaml:"base_url"`
	ControlPath        string `yaml:"control_path"`
	SocketPath         string `yaml:"socket_path"`
	SocketAltPath      string `yaml:"socket_alt_path"`
	GuestTokenPath     string `yaml:"guest_token_path"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// TransportConfig tunes the transport race and the connections it produces.
type TransportConfig struct {
	PreferenceDelay    time.Duration `yaml:"preference_delay"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	AlternatePathDelay time.Duration `yaml:"alternate_path_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	ReadLimit          int64         `yaml:"read_limit"`
	SendQueue          int           `yaml:"send_queue"`
}

// ReconnectConfig configures the linear backoff between connection cycles.
type ReconnectConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	Jitter    time.Duration `yaml:"jitter"`
}

// AuthConfig controls how session credentials are obtained and kept.
type AuthConfig struct {
	Required          bool          `yaml:"required"`
	Store             string        `yaml:"store"`
	StorePath         string        `yaml:"store_path"`
	RefreshMargin     time.Duration `yaml:"refresh_margin"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	StaticToken       string        `yaml:"static_token"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
}

type TelemetryConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	Tracing     bool   `yaml:"tracing"`
}

const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Environment variables recognised by Load.
const (
	EnvURL         = "BROWSERLINK_URL"
	EnvToken       = "BROWSERLINK_TOKEN"
	EnvLogLevel    = "BROWSERLINK_LOG_LEVEL"
	EnvLogFormat   = "BROWSERLINK_LOG_FORMAT"
	EnvLogDir      = "BROWSERLINK_LOG_DIR"
	EnvMetricsAddr = "BROWSERLINK_METRICS_ADDR"
	EnvAuthStore   = "BROWSERLINK_AUTH_STORE"
	EnvAuthRequire = "BROWSERLINK_AUTH_REQUIRED"
	EnvTracing     = "BROWSERLINK_TRACING"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			ControlPath:    "/control",
			SocketPath:     "/socket.io/",
			SocketAltPath:  "/api/socket.io/",
			GuestTokenPath: "/api/auth/guest",
		},
		Transport: TransportConfig{
			PreferenceDelay:    1500 * time.Millisecond,
			ConnectTimeout:     3500 * time.Millisecond,
			AlternatePathDelay: 1500 * time.Millisecond,
			PingInterval:       20 * time.Second,
			ReadLimit:          16 << 20,
			SendQueue:          64,
		},
		Reconnect: ReconnectConfig{
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  8 * time.Second,
			Jitter:    300 * time.Millisecond,
		},
		Auth: AuthConfig{
			Required:          true,
			Store:             StoreFile,
			RefreshMargin:     5 * time.Second,
			RequestsPerSecond: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from the hierarchy:
// defaults, ~/.browserlink/config.yaml, ./.browserlink/config.yaml, then
// environment variables (with ~/.browserlink/config.env as a fallback source).
func Load() (*Config, error) {
	return validated(LoadUnvalidated(""))
}

// LoadFromPath loads a single config file over the defaults, then applies
// environment overrides. A missing file is an error.
func LoadFromPath(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, bkerrors.New(bkerrors.ErrCodeConfigLoad, "config path is empty")
	}
	return validated(LoadUnvalidated(path))
}

// LoadUnvalidated is Load (path empty) or LoadFromPath without the final
// Validate, for callers layering flags on top.
func LoadUnvalidated(path string) (*Config, error) {
	cfg := DefaultConfig()
	configEnv := loadConfigEnvVars()

	if strings.TrimSpace(path) != "" {
		if err := loadAndMerge(cfg, path); err != nil {
			return nil, bkerrors.Wrap(err, bkerrors.ErrCodeConfigLoad, "loading config").
				WithContext("path", path)
		}
		applyEnvOverrides(cfg, configEnv)
		return cfg, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".browserlink", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, bkerrors.Wrap(err, bkerrors.ErrCodeConfigLoad, "loading user config").
				WithContext("path", userConfigPath)
		}
	}

	projectConfigPath := filepath.Join(".", ".browserlink", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, bkerrors.Wrap(err, bkerrors.ErrCodeConfigLoad, "loading project config").
			WithContext("path", projectConfigPath)
	}

	applyEnvOverrides(cfg, configEnv)
	return cfg, nil
}

func validated(cfg *Config, err error) (*Config, error) {
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	if v := envValue(EnvURL, configEnv); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := envValue(EnvToken, configEnv); v != "" {
		cfg.Auth.StaticToken = v
	}
	if v := envValue(EnvLogLevel, configEnv); v != "" {
		cfg.Log.Level = v
	}
	if v := envValue(EnvLogFormat, configEnv); v != "" {
		cfg.Log.Format = v
	}
	if v := envValue(EnvLogDir, configEnv); v != "" {
		cfg.Log.Dir = v
	}
	if v := envValue(EnvMetricsAddr, configEnv); v != "" {
		cfg.Telemetry.MetricsAddr = v
	}
	if v := envValue(EnvAuthStore, configEnv); v != "" {
		cfg.Auth.Store = strings.ToLower(v)
	}
	if val, ok := envBool(EnvAuthRequire); ok {
		cfg.Auth.Required = val
	}
	if val, ok := envBool(EnvTracing); ok {
		cfg.Telemetry.Tracing = val
	}
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	base := strings.TrimSpace(c.Remote.BaseURL)
	if base == "" {
		return invalid("remote.base_url is required").
			WithRemediation("set remote.base_url in ~/.browserlink/config.yaml", "or export "+EnvURL)
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return invalid(fmt.Sprintf("remote.base_url %q is not a valid URL", base))
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return invalid(fmt.Sprintf("remote.base_url scheme %q is not supported (use http, https, ws or wss)", u.Scheme))
	}

	t := c.Transport
	if t.PreferenceDelay <= 0 {
		return invalid("transport.preference_delay must be positive")
	}
	if t.ConnectTimeout <= 0 {
		return invalid("transport.connect_timeout must be positive")
	}
	if t.ConnectTimeout <= t.PreferenceDelay {
		return invalid(fmt.Sprintf("transport.connect_timeout (%s) must exceed transport.preference_delay (%s)", t.ConnectTimeout, t.PreferenceDelay))
	}
	if t.AlternatePathDelay <= 0 {
		return invalid("transport.alternate_path_delay must be positive")
	}
	if t.PingInterval <= 0 {
		return invalid("transport.ping_interval must be positive")
	}
	if t.SendQueue <= 0 {
		return invalid("transport.send_queue must be positive")
	}
	if t.ReadLimit < 0 {
		return invalid("transport.read_limit must not be negative")
	}

	r := c.Reconnect
	if r.BaseDelay <= 0 {
		return invalid("reconnect.base_delay must be positive")
	}
	if r.MaxDelay < r.BaseDelay {
		return invalid(fmt.Sprintf("reconnect.max_delay (%s) must be >= reconnect.base_delay (%s)", r.MaxDelay, r.BaseDelay))
	}
	if r.Jitter < 0 {
		return invalid("reconnect.jitter must not be negative")
	}

	switch c.Auth.Store {
	case StoreFile, StoreSQLite, StoreMemory:
	default:
		return invalid(fmt.Sprintf("auth.store %q must be one of file, sqlite, memory", c.Auth.Store))
	}
	if c.Auth.RefreshMargin < 0 {
		return invalid("auth.refresh_margin must not be negative")
	}
	if c.Auth.RequestsPerSecond < 0 {
		return invalid("auth.requests_per_second must not be negative")
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return invalid(fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	return nil
}

func invalid(msg string) *bkerrors.Error {
	return bkerrors.New(bkerrors.ErrCodeConfigInvalid, msg)
}

// ControlURL returns the raw transport endpoint with the websocket scheme.
func (c *Config) ControlURL() string {
	return joinURL(WebSocketBase(c.Remote.BaseURL), c.Remote.ControlPath)
}

// SocketURLs returns the multiplexed transport endpoint and its alternate path.
func (c *Config) SocketURLs() (primary, alternate string) {
	base := WebSocketBase(c.Remote.BaseURL)
	primary = joinURL(base, c.Remote.SocketPath)
	if strings.TrimSpace(c.Remote.SocketAltPath) != "" {
		alternate = joinURL(base, c.Remote.SocketAltPath)
	}
	return primary, alternate
}

// GuestTokenURL returns the HTTP endpoint issuing guest credentials.
func (c *Config) GuestTokenURL() string {
	return joinURL(HTTPBase(c.Remote.BaseURL), c.Remote.GuestTokenPath)
}

// WebSocketBase rewrites http(s) to ws(s).
func WebSocketBase(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}

// HTTPBase rewrites ws(s) to http(s).
func HTTPBase(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	switch {
	case strings.HasPrefix(raw, "wss://"):
		return "https://" + strings.TrimPrefix(raw, "wss://")
	case strings.HasPrefix(raw, "ws://"):
		return "http://" + strings.TrimPrefix(raw, "ws://")
	}
	return raw
}

func joinURL(base, path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
