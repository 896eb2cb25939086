// Package config loads vaultlock settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/forest6511/vaultlock/pkg/keywrap"
	"github.com/forest6511/vaultlock/pkg/prefs"
	"github.com/forest6511/vaultlock/pkg/ratelimit"
	"github.com/forest6511/vaultlock/pkg/storage/sqlite"
)

// Backend names accepted by RateLimitBackend and SessionBackend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendFile   = "file" // rate limiter only
)

// DefaultDirName is the home directory name under the user's home.
const DefaultDirName = ".vaultlock"

// Config holds every environment-driven setting.
type Config struct {
	Home string `env:"VAULTLOCK_HOME"`

	SessionTTL  time.Duration `env:"VAULTLOCK_SESSION_TTL" envDefault:"15m"`
	MaxAttempts int           `env:"VAULTLOCK_MAX_ATTEMPTS" envDefault:"5"`
	LockoutBase time.Duration `env:"VAULTLOCK_LOCKOUT_BASE" envDefault:"5m"`

	RateLimitBackend string `env:"VAULTLOCK_RATELIMIT_BACKEND" envDefault:"sqlite"`
	SessionBackend   string `env:"VAULTLOCK_SESSION_BACKEND" envDefault:"sqlite"`
	RedisAddr        string `env:"VAULTLOCK_REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword    string `env:"VAULTLOCK_REDIS_PASSWORD"`
	RedisDB          int    `env:"VAULTLOCK_REDIS_DB" envDefault:"0"`
	RedisPrefix      string `env:"VAULTLOCK_REDIS_PREFIX" envDefault:"vaultlock"`

	KeyAlias       string   `env:"VAULTLOCK_KEY_ALIAS" envDefault:"vaultlock-master-v2"`
	LegacyAliases  []string `env:"VAULTLOCK_LEGACY_ALIASES" envDefault:"vaultlock-master-v1" envSeparator:","`
	InsecureKDF    bool     `env:"VAULTLOCK_INSECURE_KDF"`
	DefaultVaultID string   `env:"VAULTLOCK_VAULT_ID" envDefault:"default"`

	LogLevel  string `env:"VAULTLOCK_LOG_LEVEL" envDefault:"warn"`
	LogFormat string `env:"VAULTLOCK_LOG_FORMAT" envDefault:"auto"`
}

// Load parses the environment and fills in the home directory.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.Home = filepath.Join(home, DefaultDirName)
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Home == "" {
		errs = append(errs, errors.New("home directory is empty"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("session TTL must be positive, got %s", c.SessionTTL))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.LockoutBase <= 0 {
		errs = append(errs, fmt.Errorf("lockout base must be positive, got %s", c.LockoutBase))
	}
	if !slices.Contains([]string{BackendMemory, BackendSQLite, BackendRedis, BackendFile}, c.RateLimitBackend) {
		errs = append(errs, fmt.Errorf("unknown rate limit backend %q", c.RateLimitBackend))
	}
	if !slices.Contains([]string{BackendMemory, BackendSQLite, BackendRedis}, c.SessionBackend) {
		errs = append(errs, fmt.Errorf("unknown session backend %q", c.SessionBackend))
	}
	if c.usesRedis() && c.RedisAddr == "" {
		errs = append(errs, errors.New("redis backend selected but redis address is empty"))
	}
	if err := keywrap.ValidateAlias(c.KeyAlias); err != nil {
		errs = append(errs, err)
	}
	for _, a := range c.LegacyAliases {
		if a == c.KeyAlias {
			errs = append(errs, fmt.Errorf("legacy alias %q equals the current alias", a))
		}
		if err := keywrap.ValidateAlias(a); err != nil {
			errs = append(errs, err)
		}
	}
	if c.DefaultVaultID == "" {
		errs = append(errs, errors.New("default vault id is empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c Config) usesRedis() bool {
	return c.RateLimitBackend == BackendRedis || c.SessionBackend == BackendRedis
}

// PrefsPath is the preference file holding the envelope and credentials.
func (c Config) PrefsPath() string { return filepath.Join(c.Home, prefs.FileName) }

// KeysDir holds the software wrapping keys.
func (c Config) KeysDir() string { return filepath.Join(c.Home, "keys") }

// DatabasePath is the SQLite session and rate-limit database.
func (c Config) DatabasePath() string { return filepath.Join(c.Home, sqlite.FileName) }

// LimitFilePath is used by the file rate-limit backend.
func (c Config) LimitFilePath() string { return filepath.Join(c.Home, ratelimit.FileName) }

func (c Config) AuditDir() string { return filepath.Join(c.Home, "audit") }

func (c Config) CanaryPath() string { return filepath.Join(c.Home, "vault.canary") }
