package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/forest6511/vaultlock/internal/config"
	"github.com/forest6511/vaultlock/internal/unlock"
	"github.com/forest6511/vaultlock/pkg/audit"
	"github.com/forest6511/vaultlock/pkg/credential"
	"github.com/forest6511/vaultlock/pkg/envelope"
	"github.com/forest6511/vaultlock/pkg/kdf"
	"github.com/forest6511/vaultlock/pkg/keywrap"
	"github.com/forest6511/vaultlock/pkg/prefs"
	"github.com/forest6511/vaultlock/pkg/ratelimit"
	"github.com/forest6511/vaultlock/pkg/session"
	"github.com/forest6511/vaultlock/pkg/storage/redisstore"
	"github.com/forest6511/vaultlock/pkg/storage/sqlite"
)

// app holds the components of one CLI invocation.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	prefs   *prefs.FileStore
	limiter *ratelimit.Limiter
	ledger  *session.Ledger
	advisor *kdf.Advisor
	audit   *audit.Logger
	service *unlock.Service

	sqlite *sqlite.Store
	rdb    *redis.Client
	redis  *redisstore.Store
}

// openApp wires every component from cfg. Close releases the backends.
func openApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (_ *app, err error) {
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vaultlock home: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.prefs, err = prefs.Open(cfg.PrefsPath())
	if err != nil {
		return nil, err
	}

	wrapper, err := keywrap.NewSoftwareWrapper(keywrap.SoftwareConfig{
		Dir:           cfg.KeysDir(),
		CurrentAlias:  cfg.KeyAlias,
		LegacyAliases: cfg.LegacyAliases,
		Logger:        &log,
	})
	if err != nil {
		return nil, err
	}
	env := envelope.NewStore(a.prefs, wrapper, envelope.Options{Logger: &log})

	limitStore, err := a.limitStore(ctx)
	if err != nil {
		return nil, err
	}
	a.limiter, err = ratelimit.New(ratelimit.Config{
		MaxAttempts: cfg.MaxAttempts,
		BaseLockout: cfg.LockoutBase,
	}, ratelimit.Options{Store: limitStore, Logger: &log})
	if err != nil {
		return nil, err
	}

	backend, err := a.sessionBackend(ctx)
	if err != nil {
		return nil, err
	}
	a.ledger = session.NewLedger(backend, session.Options{Logger: &log})

	a.advisor = kdf.NewAdvisor(kdf.Options{Insecure: cfg.InsecureKDF, Logger: &log})

	auditKey, err := unlock.AuditKey(a.prefs)
	if err != nil {
		return nil, err
	}
	a.audit = audit.NewLogger(cfg.AuditDir(), audit.Options{Logger: &log})
	if err := a.audit.SetHMACKey(auditKey); err != nil {
		return nil, err
	}

	a.service, err = unlock.New(unlock.Options{
		Limiter:     a.limiter,
		Envelope:    env,
		Ledger:      a.ledger,
		Credentials: unlock.NewCredentialStore(a.prefs),
		Hasher:      credential.NewHasher(a.advisor.Params()),
		Opener:      unlock.NewCanaryOpener(cfg.CanaryPath()),
		Audit:       a.audit,
		SessionTTL:  cfg.SessionTTL,
		Logger:      &log,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) limitStore(ctx context.Context) (ratelimit.StateStore, error) {
	switch a.cfg.RateLimitBackend {
	case config.BackendMemory:
		return ratelimit.NewMemoryStore(), nil
	case config.BackendFile:
		return ratelimit.NewFileStore(a.cfg.LimitFilePath()), nil
	case config.BackendRedis:
		return a.redisStore(ctx)
	default:
		return a.sqliteStore(ctx)
	}
}

func (a *app) sessionBackend(ctx context.Context) (session.Backend, error) {
	switch a.cfg.SessionBackend {
	case config.BackendMemory:
		return session.NewMemoryBackend(), nil
	case config.BackendRedis:
		return a.redisStore(ctx)
	default:
		return a.sqliteStore(ctx)
	}
}

// sqliteStore opens the database once for both backends.
func (a *app) sqliteStore(ctx context.Context) (*sqlite.Store, error) {
	if a.sqlite != nil {
		return a.sqlite, nil
	}
	s, err := sqlite.Open(ctx, a.cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	a.sqlite = s
	return s, nil
}

func (a *app) redisStore(ctx context.Context) (*redisstore.Store, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	s := redisstore.New(rdb, a.cfg.RedisPrefix)
	if err := s.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	a.rdb, a.redis = rdb, s
	return s, nil
}

// Close releases the backends and locks the preference store.
func (a *app) Close() error {
	var errs []error
	if a.sqlite != nil {
		errs = append(errs, a.sqlite.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.prefs != nil {
		a.prefs.Lock()
	}
	return errors.Join(errs...)
}
