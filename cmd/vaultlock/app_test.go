package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/forest6511/vaultlock/internal/config"
	"github.com/forest6511/vaultlock/internal/unlock"
	"github.com/forest6511/vaultlock/pkg/ratelimit"
)

func testConfig(t *testing.T, limitBackend, sessionBackend string) config.Config {
	t.Helper()
	return config.Config{
		Home:             t.TempDir(),
		SessionTTL:       15 * time.Minute,
		MaxAttempts:      5,
		LockoutBase:      5 * time.Minute,
		RateLimitBackend: limitBackend,
		SessionBackend:   sessionBackend,
		RedisPrefix:      "vaultlock-test",
		KeyAlias:         "vaultlock-master-v2",
		LegacyAliases:    []string{"vaultlock-master-v1"},
		InsecureKDF:      true,
		DefaultVaultID:   "default",
	}
}

// enrollAndUnlock drives one full round trip through the wired service.
func enrollAndUnlock(t *testing.T, cfg config.Config) {
	t.Helper()
	ctx := context.Background()

	a, err := openApp(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openApp failed: %v", err)
	}
	defer a.Close()

	if _, err := a.service.Enroll(ctx, "default", "Correct-Horse-42"); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	if _, err := a.service.Unlock(ctx, "default", "wrong-credential", nil); !errors.Is(err, unlock.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	out, err := a.service.Unlock(ctx, "default", "Correct-Horse-42", nil)
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	latest, err := a.ledger.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.SessionID != out.Session.SessionID {
		t.Errorf("expected latest session %s, got %s", out.Session.SessionID, latest.SessionID)
	}
	st, err := a.limiter.Status(ctx, "default")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.State != ratelimit.Clean {
		t.Errorf("expected clean state after unlock, got %s", st.State)
	}
}

func TestOpenApp_Memory(t *testing.T) {
	enrollAndUnlock(t, testConfig(t, config.BackendMemory, config.BackendMemory))
}

func TestOpenApp_SQLite(t *testing.T) {
	cfg := testConfig(t, config.BackendSQLite, config.BackendSQLite)
	enrollAndUnlock(t, cfg)

	// State survives a second invocation.
	ctx := context.Background()
	a, err := openApp(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openApp failed: %v", err)
	}
	defer a.Close()

	recs, err := a.ledger.ListByVault(ctx, "default")
	if err != nil {
		t.Fatalf("ListByVault failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("expected 1 persisted session, got %d", len(recs))
	}
}

func TestOpenApp_FileLimiter(t *testing.T) {
	cfg := testConfig(t, config.BackendFile, config.BackendMemory)
	ctx := context.Background()

	a, err := openApp(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openApp failed: %v", err)
	}
	if _, err := a.limiter.Check(ctx, "default"); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	a.Close()

	b, err := openApp(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openApp failed: %v", err)
	}
	defer b.Close()
	st, err := b.limiter.Status(ctx, "default")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.FailedAttempts != 1 {
		t.Errorf("expected 1 persisted attempt, got %d", st.FailedAttempts)
	}
}

func TestOpenApp_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, config.BackendRedis, config.BackendRedis)
	cfg.RedisAddr = mr.Addr()

	enrollAndUnlock(t, cfg)

	if keys := mr.Keys(); len(keys) == 0 {
		t.Error("expected session keys in redis")
	}
}

func TestOpenApp_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, config.BackendRedis, config.BackendMemory)
	cfg.RedisAddr = mr.Addr()
	mr.Close()

	if _, err := openApp(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}

func TestAuditTrail(t *testing.T) {
	cfg := testConfig(t, config.BackendMemory, config.BackendMemory)
	enrollAndUnlock(t, cfg)

	a, err := openApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openApp failed: %v", err)
	}
	defer a.Close()

	result, err := a.audit.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid || result.RecordsTotal == 0 {
		t.Errorf("expected a valid, non-empty chain, got %+v", result)
	}
}
