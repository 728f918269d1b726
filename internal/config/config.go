// ABOUTME: Configuration loading and parsing for delivery-sync
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete delivery-sync configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Sync     SyncConfig     `yaml:"sync" toml:"sync"`
	Cache    CacheConfig    `yaml:"cache" toml:"cache"`
	Probe    ProbeConfig    `yaml:"probe" toml:"probe"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig describes the backend the engine talks to
type ServerConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
	// ProbePath is a small, always-available static resource used for reachability
	ProbePath string `yaml:"probe_path" toml:"probe_path"`
	// SessionCookie is sent with token refresh requests (same-origin session)
	SessionCookie SessionCookie `yaml:"session_cookie" toml:"session_cookie"`
}

// SessionCookie is the name/value of the web session cookie
type SessionCookie struct {
	Name  string `yaml:"name" toml:"name"`
	Value string `yaml:"value" toml:"value"`
}

// DatabaseConfig holds the on-device database configuration
type DatabaseConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (modernc) or "sqlite3" (mattn)
	// QuotaBytes is the storage budget used for the quota warning; 0 disables it
	QuotaBytes int64 `yaml:"quota_bytes" toml:"quota_bytes"`
}

// SyncConfig holds upload queue timing
type SyncConfig struct {
	Interval     time.Duration   `yaml:"-" toml:"-"`
	CleanupAfter time.Duration   `yaml:"-" toml:"-"`
	Backoff      []time.Duration `yaml:"-" toml:"-"`
	MaxRetries   int             `yaml:"max_retries" toml:"max_retries"`

	// Raw string values for unmarshaling
	IntervalRaw     string   `yaml:"interval" toml:"interval"`
	CleanupAfterRaw string   `yaml:"cleanup_after" toml:"cleanup_after"`
	BackoffRaw      []string `yaml:"backoff" toml:"backoff"`
}

// CacheConfig holds delivery-note mirror settings
type CacheConfig struct {
	RefreshInterval time.Duration `yaml:"-" toml:"-"`
	Cooldown        time.Duration `yaml:"-" toml:"-"`
	PageSize        int           `yaml:"page_size" toml:"page_size"`
	PrefetchCount   int           `yaml:"prefetch_count" toml:"prefetch_count"`
	MaxImages       int           `yaml:"max_images" toml:"max_images"`

	RefreshIntervalRaw string `yaml:"refresh_interval" toml:"refresh_interval"`
	CooldownRaw        string `yaml:"cooldown" toml:"cooldown"`
}

// ProbeConfig holds reachability probe timing
type ProbeConfig struct {
	Timeout  time.Duration `yaml:"-" toml:"-"`
	CacheTTL time.Duration `yaml:"-" toml:"-"`
	LinkPoll time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw  string `yaml:"timeout" toml:"timeout"`
	CacheTTLRaw string `yaml:"cache_ttl" toml:"cache_ttl"`
	LinkPollRaw string `yaml:"link_poll" toml:"link_poll"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied and no server URL.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills every unset field with the engine's standard values
func applyDefaults(cfg *Config) {
	if cfg.Server.ProbePath == "" {
		cfg.Server.ProbePath = "/favicon.ico"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = time.Minute
	}
	if cfg.Sync.CleanupAfter == 0 {
		cfg.Sync.CleanupAfter = 24 * time.Hour
	}
	if len(cfg.Sync.Backoff) == 0 {
		cfg.Sync.Backoff = []time.Duration{2 * time.Second, 8 * time.Second, 32 * time.Second}
	}
	if cfg.Sync.MaxRetries == 0 {
		cfg.Sync.MaxRetries = 3
	}
	if cfg.Cache.RefreshInterval == 0 {
		cfg.Cache.RefreshInterval = 5 * time.Minute
	}
	if cfg.Cache.Cooldown == 0 {
		cfg.Cache.Cooldown = 5 * time.Minute
	}
	if cfg.Cache.PageSize == 0 {
		cfg.Cache.PageSize = 200
	}
	if cfg.Cache.PrefetchCount == 0 {
		cfg.Cache.PrefetchCount = 10
	}
	if cfg.Cache.MaxImages == 0 {
		cfg.Cache.MaxImages = 50
	}
	if cfg.Probe.Timeout == 0 {
		cfg.Probe.Timeout = 5 * time.Second
	}
	if cfg.Probe.CacheTTL == 0 {
		cfg.Probe.CacheTTL = 10 * time.Second
	}
	if cfg.Probe.LinkPoll == 0 {
		cfg.Probe.LinkPoll = 5 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.base_url must be an absolute http(s) URL, got %q", c.Server.BaseURL)
	}
	if !strings.HasPrefix(c.Server.ProbePath, "/") {
		return fmt.Errorf("server.probe_path must start with /")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}
	if c.Database.QuotaBytes < 0 {
		return fmt.Errorf("database.quota_bytes must not be negative")
	}

	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1")
	}
	for i, d := range c.Sync.Backoff {
		if d <= 0 {
			return fmt.Errorf("sync.backoff[%d] must be positive", i)
		}
	}

	if c.Cache.PageSize < 1 || c.Cache.PrefetchCount < 0 || c.Cache.MaxImages < 1 {
		return fmt.Errorf("cache.page_size and cache.max_images must be positive")
	}

	for name, d := range map[string]time.Duration{
		"sync.interval":          c.Sync.Interval,
		"sync.cleanup_after":     c.Sync.CleanupAfter,
		"cache.refresh_interval": c.Cache.RefreshInterval,
		"cache.cooldown":         c.Cache.Cooldown,
		"probe.timeout":          c.Probe.Timeout,
		"probe.cache_ttl":        c.Probe.CacheTTL,
		"probe.link_poll":        c.Probe.LinkPoll,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sync.interval", cfg.Sync.IntervalRaw, &cfg.Sync.Interval},
		{"sync.cleanup_after", cfg.Sync.CleanupAfterRaw, &cfg.Sync.CleanupAfter},
		{"cache.refresh_interval", cfg.Cache.RefreshIntervalRaw, &cfg.Cache.RefreshInterval},
		{"cache.cooldown", cfg.Cache.CooldownRaw, &cfg.Cache.Cooldown},
		{"probe.timeout", cfg.Probe.TimeoutRaw, &cfg.Probe.Timeout},
		{"probe.cache_ttl", cfg.Probe.CacheTTLRaw, &cfg.Probe.CacheTTL},
		{"probe.link_poll", cfg.Probe.LinkPollRaw, &cfg.Probe.LinkPoll},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	for _, raw := range cfg.Sync.BackoffRaw {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing sync.backoff %q: %w", raw, err)
		}
		cfg.Sync.Backoff = append(cfg.Sync.Backoff, d)
	}

	return nil
}
