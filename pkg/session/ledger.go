package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configures a Ledger.
type Options struct {
	// Now overrides the clock, for tests.
	Now func() time.Time

	Logger *zerolog.Logger
}

// Ledger is the call site for all session writes.
type Ledger struct {
	backend Backend
	now     func() time.Time
	log     zerolog.Logger

	mu   sync.Mutex // guards subs
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan Record
	last Record
}

// NewLedger returns a Ledger writing to backend.
func NewLedger(backend Backend, opts Options) *Ledger {
	l := &Ledger{
		backend: backend,
		now:     opts.Now,
		log:     zerolog.Nop(),
		subs:    make(map[*subscriber]struct{}),
	}
	if l.now == nil {
		l.now = time.Now
	}
	if opts.Logger != nil {
		l.log = *opts.Logger
	}
	return l
}

// Upsert fully replaces the record with the same SessionID.
func (l *Ledger) Upsert(ctx context.Context, r Record) error {
	r = normalizeRecord(r)
	if err := validate(r); err != nil {
		return err
	}
	if err := l.backend.Upsert(ctx, r); err != nil {
		return fmt.Errorf("session: upsert %s: %w", r.SessionID, err)
	}
	l.notify(ctx)
	return nil
}

// UpdateTimestamps rewrites the timing fields of sessionID. It rejects
// expiresAt != lastAccessAt + ttl.
func (l *Ledger) UpdateTimestamps(ctx context.Context, sessionID string, lastAccessAt time.Time, ttl time.Duration, expiresAt, lastExtendedAt time.Time) error {
	lastAccessAt = Normalize(lastAccessAt)
	ttl = ttl.Truncate(time.Millisecond)
	expiresAt = Normalize(expiresAt)
	lastExtendedAt = Normalize(lastExtendedAt)

	if err := checkTiming(lastAccessAt, ttl, expiresAt); err != nil {
		return err
	}
	if err := l.backend.UpdateTimestamps(ctx, sessionID, lastAccessAt, ttl, expiresAt, lastExtendedAt); err != nil {
		return fmt.Errorf("session: update %s: %w", sessionID, err)
	}
	l.notify(ctx)
	return nil
}

// Start records a new session for vaultID lasting ttl from now.
func (l *Ledger) Start(ctx context.Context, vaultID string, payload []byte, ttl time.Duration, attrs map[string]string) (Record, error) {
	now := Normalize(l.now())
	ttl = ttl.Truncate(time.Millisecond)
	r := Record{
		SessionID:      uuid.NewString(),
		VaultID:        vaultID,
		Payload:        payload,
		CreatedAt:      now,
		LastAccessAt:   now,
		TTL:            ttl,
		ExpiresAt:      now.Add(ttl),
		LastExtendedAt: now,
		Attributes:     attrs,
	}
	if err := l.Upsert(ctx, r); err != nil {
		return Record{}, err
	}
	l.log.Info().Str("session_id", r.SessionID).Str("vault_id", vaultID).Dur("ttl", ttl).Msg("session started")
	return r.Clone(), nil
}

// Get returns a session without refreshing it.
func (l *Ledger) Get(ctx context.Context, sessionID string) (Record, error) {
	r, err := l.backend.Get(ctx, sessionID)
	if err != nil {
		return Record{}, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	return r, nil
}

// Touch sweeps expired sessions, then refreshes sessionID so it expires one
// TTL from now. An expired session is swept and reported as ErrExpired.
func (l *Ledger) Touch(ctx context.Context, sessionID string) (Record, error) {
	now := Normalize(l.now())
	r, err := l.Get(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	if _, err := l.DeleteExpired(ctx, now); err != nil {
		return Record{}, err
	}
	if r.Expired(now) {
		return Record{}, fmt.Errorf("session: touch %s: %w", sessionID, ErrExpired)
	}

	r.LastAccessAt = now
	r.ExpiresAt = now.Add(r.TTL)
	if err := l.UpdateTimestamps(ctx, r.SessionID, r.LastAccessAt, r.TTL, r.ExpiresAt, r.LastExtendedAt); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Extend replaces the TTL of a live session and refreshes it.
func (l *Ledger) Extend(ctx context.Context, sessionID string, ttl time.Duration) (Record, error) {
	now := Normalize(l.now())
	r, err := l.Get(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	if r.Expired(now) {
		return Record{}, fmt.Errorf("session: extend %s: %w", sessionID, ErrExpired)
	}

	r.LastAccessAt = now
	r.TTL = ttl.Truncate(time.Millisecond)
	r.ExpiresAt = now.Add(r.TTL)
	r.LastExtendedAt = now
	if err := l.UpdateTimestamps(ctx, r.SessionID, r.LastAccessAt, r.TTL, r.ExpiresAt, r.LastExtendedAt); err != nil {
		return Record{}, err
	}
	return r, nil
}

// End deletes a session. Ending an unknown session is not an error.
func (l *Ledger) End(ctx context.Context, sessionID string) error {
	if err := l.backend.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	l.log.Info().Str("session_id", sessionID).Msg("session ended")
	l.notify(ctx)
	return nil
}

// DeleteExpired removes every session with ExpiresAt <= now and returns how
// many were removed.
func (l *Ledger) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := l.backend.DeleteExpired(ctx, Normalize(now))
	if err != nil {
		return 0, fmt.Errorf("session: delete expired: %w", err)
	}
	if n > 0 {
		l.log.Debug().Int("count", n).Msg("expired sessions swept")
		l.notify(ctx)
	}
	return n, nil
}

// Latest returns the most recently accessed session, or ErrNotFound.
func (l *Ledger) Latest(ctx context.Context) (Record, error) {
	r, err := l.backend.Latest(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("session: latest: %w", err)
	}
	return r, nil
}

// ListByVault returns vaultID's sessions, most recently accessed first.
func (l *Ledger) ListByVault(ctx context.Context, vaultID string) ([]Record, error) {
	rs, err := l.backend.ListByVault(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("session: list %s: %w", vaultID, err)
	}
	return rs, nil
}

// WatchLatest delivers the latest session now and again after every ledger
// write that changes it. A zero Record means there is no session. Only the
// newest value is buffered; slow readers skip intermediate ones. The channel
// is closed when ctx is done.
func (l *Ledger) WatchLatest(ctx context.Context) <-chan Record {
	sub := &subscriber{ch: make(chan Record, 1)}

	l.mu.Lock()
	l.subs[sub] = struct{}{}
	if r, err := l.backend.Latest(ctx); err == nil {
		sub.last = r
		sub.ch <- r.Clone()
	}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, sub)
		close(sub.ch)
		l.mu.Unlock()
	}()
	return sub.ch
}

func (l *Ledger) notify(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.subs) == 0 {
		return
	}

	latest, err := l.backend.Latest(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		l.log.Warn().Err(err).Msg("failed to read latest session for watchers")
		return
	}
	for sub := range l.subs {
		if sameTiming(sub.last, latest) {
			continue
		}
		sub.last = latest
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- latest.Clone()
	}
}

func sameTiming(a, b Record) bool {
	return a.SessionID == b.SessionID &&
		a.LastAccessAt.Equal(b.LastAccessAt) &&
		a.ExpiresAt.Equal(b.ExpiresAt) &&
		a.TTL == b.TTL
}

func validate(r Record) error {
	if r.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidRecord)
	}
	if r.VaultID == "" {
		return fmt.Errorf("%w: empty vault id", ErrInvalidRecord)
	}
	return checkTiming(r.LastAccessAt, r.TTL, r.ExpiresAt)
}

func checkTiming(lastAccessAt time.Time, ttl time.Duration, expiresAt time.Time) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be positive, got %v", ErrInvalidRecord, ttl)
	}
	if !expiresAt.Equal(lastAccessAt.Add(ttl)) {
		return fmt.Errorf("%w: expires_at %s != last_access_at %s + ttl %v",
			ErrInvalidRecord, expiresAt.Format(time.RFC3339Nano), lastAccessAt.Format(time.RFC3339Nano), ttl)
	}
	return nil
}
