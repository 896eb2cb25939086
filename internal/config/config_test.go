package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("VAULTLOCK_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Home != home {
		t.Errorf("Home = %q, want %q", cfg.Home, home)
	}
	if cfg.SessionTTL != 15*time.Minute {
		t.Errorf("SessionTTL = %s, want 15m", cfg.SessionTTL)
	}
	if cfg.MaxAttempts != 5 || cfg.LockoutBase != 5*time.Minute {
		t.Errorf("limits = %d/%s, want 5/5m", cfg.MaxAttempts, cfg.LockoutBase)
	}
	if cfg.RateLimitBackend != BackendSQLite || cfg.SessionBackend != BackendSQLite {
		t.Errorf("backends = %s/%s, want sqlite/sqlite", cfg.RateLimitBackend, cfg.SessionBackend)
	}
	if cfg.KeyAlias != "vaultlock-master-v2" {
		t.Errorf("KeyAlias = %q", cfg.KeyAlias)
	}
	if len(cfg.LegacyAliases) != 1 || cfg.LegacyAliases[0] != "vaultlock-master-v1" {
		t.Errorf("LegacyAliases = %v", cfg.LegacyAliases)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadHomeFallback(t *testing.T) {
	userHome := t.TempDir()
	t.Setenv("HOME", userHome)
	t.Setenv("VAULTLOCK_HOME", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := filepath.Join(userHome, DefaultDirName); cfg.Home != want {
		t.Errorf("Home = %q, want %q", cfg.Home, want)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VAULTLOCK_HOME", t.TempDir())
	t.Setenv("VAULTLOCK_SESSION_TTL", "1h")
	t.Setenv("VAULTLOCK_MAX_ATTEMPTS", "3")
	t.Setenv("VAULTLOCK_SESSION_BACKEND", "redis")
	t.Setenv("VAULTLOCK_LEGACY_ALIASES", "old-a,old-b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionTTL != time.Hour || cfg.MaxAttempts != 3 || cfg.SessionBackend != BackendRedis {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.LegacyAliases) != 2 {
		t.Errorf("LegacyAliases = %v, want 2 entries", cfg.LegacyAliases)
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("VAULTLOCK_MAX_ATTEMPTS", "not-an-int")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Home:             "/tmp/vaultlock",
			SessionTTL:       time.Minute,
			MaxAttempts:      5,
			LockoutBase:      time.Minute,
			RateLimitBackend: BackendFile,
			SessionBackend:   BackendMemory,
			KeyAlias:         "current",
			LegacyAliases:    []string{"old"},
			DefaultVaultID:   "default",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero ttl", func(c *Config) { c.SessionTTL = 0 }, "session TTL"},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, "max attempts"},
		{"zero lockout", func(c *Config) { c.LockoutBase = 0 }, "lockout base"},
		{"bad limiter backend", func(c *Config) { c.RateLimitBackend = "etcd" }, "rate limit backend"},
		{"file session backend", func(c *Config) { c.SessionBackend = BackendFile }, "session backend"},
		{"redis without addr", func(c *Config) { c.SessionBackend = BackendRedis }, "redis address"},
		{"bad alias", func(c *Config) { c.KeyAlias = "a:b" }, "alias"},
		{"legacy equals current", func(c *Config) { c.LegacyAliases = []string{"current"} }, "equals the current alias"},
		{"empty vault id", func(c *Config) { c.DefaultVaultID = "" }, "vault id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	c := Config{Home: "/h"}
	for got, want := range map[string]string{
		c.PrefsPath():     "/h/prefs.yaml",
		c.DatabasePath():  "/h/vaultlock.db",
		c.LimitFilePath(): "/h/ratelimit.json",
		c.KeysDir():       "/h/keys",
		c.AuditDir():      "/h/audit",
	} {
		if got != filepath.FromSlash(want) {
			t.Errorf("path = %q, want %q", got, want)
		}
	}
}
