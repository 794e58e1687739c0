// Package config loads client configuration from defaults, an optional YAML
// file and GATEKEEPER_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/gatekeeper/guard"
	"github.com/jmcleod/gatekeeper/idle"
	"github.com/jmcleod/gatekeeper/session"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverBolt   = "bolt"
	DriverRedis  = "redis"
)

const envPrefix = "GATEKEEPER_"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Store     StoreConfig     `yaml:"store"`
	Session   SessionConfig   `yaml:"session"`
	Idle      idle.Config     `yaml:"idle"`
	Routes    guard.Routes    `yaml:"routes"`
	Log       LogConfig       `yaml:"log"`
	DevServer DevServerConfig `yaml:"dev_server"`
}

type BackendConfig struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type StoreConfig struct {
	Driver  string      `yaml:"driver"`
	Path    string      `yaml:"path"`
	KeyFile string      `yaml:"key_file"`
	Profile string      `yaml:"profile"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SessionConfig struct {
	MaxChallengeAttempts int           `yaml:"max_challenge_attempts"`
	ChallengeTTL         time.Duration `yaml:"challenge_ttl"`
	RefreshTimeout       time.Duration `yaml:"refresh_timeout"`
	Revoke               bool          `yaml:"revoke"`
	RevokeTimeout        time.Duration `yaml:"revoke_timeout"`
	StrictInvariants     bool          `yaml:"strict_invariants"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DevServerConfig struct {
	Addr         string        `yaml:"addr"`
	AccessTTL    time.Duration `yaml:"access_ttl"`
	ChallengeTTL time.Duration `yaml:"challenge_ttl"`
	Code         string        `yaml:"code"`
	SigningKey   string        `yaml:"signing_key"`
}

// DefaultDir returns the per-user directory for the credential file and key.
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "gatekeeper")
	}
	return ".gatekeeper"
}

func Default() Config {
	dir := DefaultDir()
	return Config{
		Backend: BackendConfig{
			URL:     "http://127.0.0.1:8088",
			Timeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Driver:  DriverBolt,
			Path:    filepath.Join(dir, "credentials.db"),
			KeyFile: filepath.Join(dir, "credentials.key"),
			Profile: "default",
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Session: SessionConfig{
			MaxChallengeAttempts: 5,
			ChallengeTTL:         10 * time.Minute,
			RefreshTimeout:       20 * time.Second,
			Revoke:               true,
			RevokeTimeout:        3 * time.Second,
		},
		Idle:   idle.DefaultConfig(),
		Routes: guard.DefaultRoutes(),
		Log:    LogConfig{Level: "info", Format: "text"},
		DevServer: DevServerConfig{
			Addr:         "127.0.0.1:8088",
			AccessTTL:    5 * time.Minute,
			ChallengeTTL: 5 * time.Minute,
			Code:         "123456",
		},
	}
}

// Load reads defaults, then path (if it exists), then the environment. The
// result is not validated: callers apply their own overrides, such as
// command-line flags, and call Validate once at the end.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFromYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFromYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("unmarshal config yaml: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	overrideString("BACKEND_URL", &cfg.Backend.URL)
	overrideString("USER_AGENT", &cfg.Backend.UserAgent)
	if err := overrideDuration("BACKEND_TIMEOUT", &cfg.Backend.Timeout); err != nil {
		return err
	}

	overrideString("STORE_DRIVER", &cfg.Store.Driver)
	overrideString("STORE_PATH", &cfg.Store.Path)
	overrideString("KEY_FILE", &cfg.Store.KeyFile)
	overrideString("PROFILE", &cfg.Store.Profile)
	overrideString("REDIS_ADDR", &cfg.Store.Redis.Addr)
	overrideString("REDIS_PASSWORD", &cfg.Store.Redis.Password)
	if err := overrideInt("REDIS_DB", &cfg.Store.Redis.DB); err != nil {
		return err
	}

	if err := overrideInt("MAX_CHALLENGE_ATTEMPTS", &cfg.Session.MaxChallengeAttempts); err != nil {
		return err
	}
	if err := overrideDuration("CHALLENGE_TTL", &cfg.Session.ChallengeTTL); err != nil {
		return err
	}
	if err := overrideDuration("REFRESH_TIMEOUT", &cfg.Session.RefreshTimeout); err != nil {
		return err
	}
	if err := overrideBool("REVOKE", &cfg.Session.Revoke); err != nil {
		return err
	}
	if err := overrideBool("STRICT_INVARIANTS", &cfg.Session.StrictInvariants); err != nil {
		return err
	}

	if err := overrideDuration("IDLE_WARNING", &cfg.Idle.Warning); err != nil {
		return err
	}
	if err := overrideDuration("IDLE_LOGOUT", &cfg.Idle.Logout); err != nil {
		return err
	}

	overrideString("LOG_LEVEL", &cfg.Log.Level)
	overrideString("LOG_FORMAT", &cfg.Log.Format)

	overrideString("DEV_ADDR", &cfg.DevServer.Addr)
	overrideString("DEV_CODE", &cfg.DevServer.Code)
	overrideString("DEV_SIGNING_KEY", &cfg.DevServer.SigningKey)
	return overrideDuration("DEV_ACCESS_TTL", &cfg.DevServer.AccessTTL)
}

func overrideString(key string, target *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*target = v
	}
}

func overrideDuration(key string, target *time.Duration) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
	}
	*target = d
	return nil
}

func overrideInt(key string, target *int) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
	}
	*target = n
	return nil
}

func overrideBool(key string, target *bool) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
	}
	*target = b
	return nil
}

// Validate reports the first problem found.
func (c Config) Validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: backend url %q must be an absolute http(s) URL", ErrInvalid, c.Backend.URL)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverBolt:
		if c.Store.Path == "" || c.Store.KeyFile == "" {
			return fmt.Errorf("%w: bolt store needs path and key_file", ErrInvalid)
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("%w: redis store needs an address", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Store.Driver)
	}
	if c.Session.MaxChallengeAttempts < 0 || c.Session.ChallengeTTL < 0 {
		return fmt.Errorf("%w: challenge bounds must not be negative", ErrInvalid)
	}
	if err := c.Idle.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Routes.Login == "" || c.Routes.SecondFactor == "" || c.Routes.Landing == "" {
		return fmt.Errorf("%w: login, second_factor and landing routes are required", ErrInvalid)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q must be text or json", ErrInvalid, c.Log.Format)
	}
	return nil
}

// SessionOptions returns the session machine options for this config.
func (c Config) SessionOptions() []session.Option {
	return []session.Option{
		session.WithMaxChallengeAttempts(c.Session.MaxChallengeAttempts),
		session.WithChallengeTTL(c.Session.ChallengeTTL),
		session.WithRefreshTimeout(c.Session.RefreshTimeout),
		session.WithRevoke(c.Session.Revoke, c.Session.RevokeTimeout),
	}
}

// NewLogger builds the structured logger described by c.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, s)
	}
	return level, nil
}
