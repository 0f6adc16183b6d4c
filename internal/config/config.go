// Package config loads termlink settings from a YAML file, TERMLINK_*
// environment variables and command-line flags, in that order of
// precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/user/termlink/internal/connstate"
)

const (
	CacheSQLite = "sqlite"
	CacheFile   = "file"
	CacheMemory = "memory"

	envPrefix = "TERMLINK_"
)

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type QueueConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

type Config struct {
	ServerURL      string          `yaml:"server_url"`
	Token          string          `yaml:"token"`
	DataDir        string          `yaml:"data_dir"`
	CacheBackend   string          `yaml:"cache_backend"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
	Queue          QueueConfig     `yaml:"queue"`
	ProbeInterval  time.Duration   `yaml:"probe_interval"`
	Shell          string          `yaml:"shell"`
	LogLevel       string          `yaml:"log_level"`

	// Path is the file the config was loaded from.
	Path string `yaml:"-"`
}

// Default returns the built-in settings.
func Default() *Config {
	policy := connstate.DefaultPolicy()
	cfg := &Config{
		CacheBackend:   CacheSQLite,
		ConnectTimeout: 10 * time.Second,
		Reconnect: ReconnectConfig{
			BaseDelay:   policy.BaseDelay,
			MaxDelay:    policy.MaxDelay,
			MaxAttempts: policy.MaxAttempts,
		},
		Queue: QueueConfig{
			MaxAttempts: 3,
			RetryDelay:  500 * time.Millisecond,
		},
		ProbeInterval: 5 * time.Second,
		LogLevel:      "info",
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.DataDir = filepath.Join(home, ".local", "share", "termlink")
	}
	return cfg
}

// DefaultPath is ~/.config/termlink/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "termlink", "config.yaml"), nil
}

// LoadFile returns the defaults overlaid with the YAML file at path. A
// missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	cfg.Path = path
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TERMLINK_* variables, e.g.
// TERMLINK_SERVER_URL or TERMLINK_RECONNECT_MAX_ATTEMPTS.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, f := range c.fields() {
		v, ok := lookup(envPrefix + strings.ToUpper(strings.ReplaceAll(f.name, "-", "_")))
		if !ok {
			continue
		}
		if err := f.set(v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(f.name, "-", "_")), err)
		}
	}
	return nil
}

// RegisterFlags defines one flag per setting on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("server-url", d.ServerURL, "backend base URL (http, https, ws or wss)")
	fs.String("token", d.Token, "backend auth token")
	fs.String("data-dir", d.DataDir, "directory for the session cache and queue database")
	fs.String("cache-backend", d.CacheBackend, "session cache storage: sqlite, file or memory")
	fs.Duration("connect-timeout", d.ConnectTimeout, "socket connect timeout")
	fs.Duration("reconnect-base-delay", d.Reconnect.BaseDelay, "first reconnect delay")
	fs.Duration("reconnect-max-delay", d.Reconnect.MaxDelay, "reconnect delay ceiling")
	fs.Int("reconnect-max-attempts", d.Reconnect.MaxAttempts, "reconnect attempts before giving up")
	fs.Int("queue-max-attempts", d.Queue.MaxAttempts, "attempts per queued action and drain")
	fs.Duration("queue-retry-delay", d.Queue.RetryDelay, "first delay between queued action attempts")
	fs.Duration("probe-interval", d.ProbeInterval, "network reachability probe interval")
	fs.String("shell", d.Shell, "command for local terminals (default $SHELL)")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
}

// ApplyFlags copies the flags the user actually set.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	for _, f := range c.fields() {
		flag := fs.Lookup(f.name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := f.set(flag.Value.String()); err != nil {
			return fmt.Errorf("invalid --%s: %w", f.name, err)
		}
	}
	return nil
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if c.ServerURL != "" {
		if !hasScheme(c.ServerURL, "http://", "https://", "ws://", "wss://") {
			return fmt.Errorf("invalid server_url %q: must start with http, https, ws or wss", c.ServerURL)
		}
	}
	switch c.CacheBackend {
	case CacheSQLite, CacheFile, CacheMemory:
	default:
		return fmt.Errorf("invalid cache_backend %q: must be sqlite, file or memory", c.CacheBackend)
	}
	if c.CacheBackend != CacheMemory && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required for the %s cache backend", c.CacheBackend)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid connect_timeout %s: must be positive", c.ConnectTimeout)
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("invalid reconnect delays: base %s, max %s", c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("invalid reconnect.max_attempts %d: must be at least 1", c.Reconnect.MaxAttempts)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("invalid queue.max_attempts %d: must be at least 1", c.Queue.MaxAttempts)
	}
	if c.Queue.RetryDelay < 0 {
		return fmt.Errorf("invalid queue.retry_delay %s", c.Queue.RetryDelay)
	}
	if c.ProbeInterval < 0 {
		return fmt.Errorf("invalid probe_interval %s", c.ProbeInterval)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Remote reports whether a backend is configured.
func (c *Config) Remote() bool { return strings.TrimSpace(c.ServerURL) != "" }

// Policy is the reconnect policy.
func (c *Config) Policy() connstate.Policy {
	p := connstate.DefaultPolicy()
	p.BaseDelay = c.Reconnect.BaseDelay
	p.MaxDelay = c.Reconnect.MaxDelay
	p.MaxAttempts = c.Reconnect.MaxAttempts
	return p
}

// DBPath is the sqlite database inside DataDir.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "termlink.db") }

// CacheFilePath is the JSON session cache inside DataDir.
func (c *Config) CacheFilePath() string { return filepath.Join(c.DataDir, "sessions.json") }

// SlogLevel converts LogLevel; unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", s)
	}
}

func hasScheme(u string, schemes ...string) bool {
	lower := strings.ToLower(u)
	for _, s := range schemes {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}

type field struct {
	name string
	set  func(string) error
}

// fields maps flag names to setters; env names derive from them.
func (c *Config) fields() []field {
	str := func(p *string) func(string) error {
		return func(v string) error { *p = strings.TrimSpace(v); return nil }
	}
	dur := func(p *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*p = d
			return nil
		}
	}
	num := func(p *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*p = n
			return nil
		}
	}
	return []field{
		{"server-url", str(&c.ServerURL)},
		{"token", str(&c.Token)},
		{"data-dir", str(&c.DataDir)},
		{"cache-backend", str(&c.CacheBackend)},
		{"connect-timeout", dur(&c.ConnectTimeout)},
		{"reconnect-base-delay", dur(&c.Reconnect.BaseDelay)},
		{"reconnect-max-delay", dur(&c.Reconnect.MaxDelay)},
		{"reconnect-max-attempts", num(&c.Reconnect.MaxAttempts)},
		{"queue-max-attempts", num(&c.Queue.MaxAttempts)},
		{"queue-retry-delay", dur(&c.Queue.RetryDelay)},
		{"probe-interval", dur(&c.ProbeInterval)},
		{"shell", str(&c.Shell)},
		{"log-level", str(&c.LogLevel)},
	}
}
