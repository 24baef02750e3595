package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiy/civicrm-mcp/internal/apiv4"
)

// Config contains runtime configuration for civicrm-mcp.
type Config struct {
	ServerName               string `yaml:"server_name"`
	BaseURL                  string `yaml:"base_url"`
	UserKey                  string `yaml:"user_key"`
	SiteKey                  string `yaml:"site_key"`
	TimeoutSeconds           int    `yaml:"timeout_seconds"`
	LogLevel                 string `yaml:"log_level"`
	LogFile                  string `yaml:"log_file"`
	DBPath                   string `yaml:"db_path"`
	SchemaCacheTTLSeconds    int    `yaml:"schema_cache_ttl_seconds"`
	SweepIntervalSeconds     int    `yaml:"sweep_interval_seconds"`
	RequestLogRetentionHours int    `yaml:"request_log_retention_hours"`
	TraceExporter            string `yaml:"trace_exporter"`
}

// Default returns a Config populated with safe defaults. Credentials have no default.
func Default() Config {
	return Config{
		ServerName:               "civicrm-mcp",
		TimeoutSeconds:           30,
		LogLevel:                 "info",
		DBPath:                   filepath.Join(userHomeDir(), ".civicrm-mcp", "diagnostics.db"),
		SchemaCacheTTLSeconds:    900,
		SweepIntervalSeconds:     60,
		RequestLogRetentionHours: 168,
		TraceExporter:            "none",
	}
}

// Load loads config from disk and applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config yaml: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if err := cfg.applyEnv(lookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	first := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := lookupEnv(k); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v), true
			}
		}
		return "", false
	}

	if v, ok := first("CIVI_URL"); ok {
		c.BaseURL = v
	}
	if v, ok := first("CIVI_USER_KEY", "CIVICRM_USER_KEY"); ok {
		c.UserKey = v
	}
	if v, ok := first("CIVI_SITE_KEY", "CIVICRM_SITE_KEY"); ok {
		c.SiteKey = v
	}
	if v, ok := first("HTTP_TIMEOUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_TIMEOUT %q: %w", v, err)
		}
		c.TimeoutSeconds = n
	}
	if v, ok := first("LOG_LEVEL"); ok {
		c.LogLevel = strings.ToLower(v)
	}
	if v, ok := first("LOG_FILE"); ok {
		c.LogFile = v
	}
	return nil
}

// Validate checks configuration sanity. Credentials are checked separately by ClientOptions.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.TimeoutSeconds <= 0 {
		return errors.New("timeout_seconds must be > 0")
	}
	if c.SchemaCacheTTLSeconds <= 0 {
		return errors.New("schema_cache_ttl_seconds must be > 0")
	}
	if c.SweepIntervalSeconds <= 0 {
		return errors.New("sweep_interval_seconds must be > 0")
	}
	if c.RequestLogRetentionHours <= 0 {
		return errors.New("request_log_retention_hours must be > 0")
	}
	switch c.TraceExporter {
	case "", "none", "stderr":
	default:
		return fmt.Errorf("invalid trace_exporter %q (expected none or stderr)", c.TraceExporter)
	}
	return nil
}

// ClientOptions builds the CRM client options and fails fast when a credential is absent.
func (c *Config) ClientOptions() (apiv4.Options, error) {
	opts := apiv4.Options{
		BaseURL: c.BaseURL,
		UserKey: c.UserKey,
		SiteKey: c.SiteKey,
		Timeout: c.Timeout(),
	}
	if err := opts.Validate(); err != nil {
		return apiv4.Options{}, err
	}
	return opts, nil
}

// Timeout is the per-request HTTP timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SchemaCacheTTL is the lifetime shared by every schema cache entry.
func (c *Config) SchemaCacheTTL() time.Duration {
	return time.Duration(c.SchemaCacheTTLSeconds) * time.Second
}

// SweepInterval is the housekeeping worker period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// RequestLogRetention is how long diagnostic rows are kept.
func (c *Config) RequestLogRetention() time.Duration {
	return time.Duration(c.RequestLogRetentionHours) * time.Hour
}

// EnsurePaths creates parent directories for config-managed paths.
func (c *Config) EnsurePaths() error {
	c.DBPath = ExpandPath(c.DBPath)
	c.LogFile = ExpandPath(c.LogFile)
	for _, p := range []string{c.DBPath, c.LogFile} {
		if p == "" {
			continue
		}
		parent := filepath.Dir(p)
		if parent == "." {
			continue
		}
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create parent dir for %s: %w", p, err)
		}
	}
	return nil
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
