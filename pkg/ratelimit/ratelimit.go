// Package ratelimit gates vault unlock attempts with a progressive lockout.
//
// Every unlock attempt is preceded by Check, which records the attempt up
// front. A caller that verifies the passphrase calls RecordSuccess; otherwise
// the recorded attempt stands as a failure. After MaxAttempts failures the
// identity is locked out for BaseLockout times a multiplier that doubles with
// each successive lockout (1x, 2x, 4x, then 8x). Expiry is evaluated lazily
// on the next access; nothing runs in the background.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Defaults used when Config fields are zero.
const (
	DefaultMaxAttempts = 5
	DefaultBaseLockout = 5 * time.Minute

	maxMultiplierShift = 3 // 8x
)

// Config holds the limiter policy.
type Config struct {
	MaxAttempts int
	BaseLockout time.Duration
}

// DefaultConfig returns 5 attempts and a 5 minute base lockout.
func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts, BaseLockout: DefaultBaseLockout}
}

// Validate checks the policy.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("ratelimit: max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseLockout <= 0 {
		return fmt.Errorf("ratelimit: base lockout must be positive, got %v", c.BaseLockout)
	}
	return nil
}

// State is the persisted rate-limit record of one vault identity.
type State struct {
	FailedAttempts int       `json:"failed_attempts"`
	LockoutUntil   time.Time `json:"lockout_until"`
	Lockouts       int       `json:"lockouts"` // lockouts triggered since the last success
}

// IsZero reports whether the state carries nothing worth persisting.
func (s State) IsZero() bool {
	return s.FailedAttempts == 0 && s.LockoutUntil.IsZero() && s.Lockouts == 0
}

// Decision is the outcome of Check. A lockout is an expected outcome, not an
// error.
type Decision struct {
	Allowed bool

	// Remaining is the number of further attempts allowed after this one.
	Remaining int

	// RetryAfter is how long the identity stays locked out.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int64 {
	return ceilSeconds(d.RetryAfter)
}

// Kind is the logical state of an identity.
type Kind int

const (
	Clean Kind = iota
	HasFailedAttempts
	LockedOut
)

func (k Kind) String() string {
	switch k {
	case Clean:
		return "clean"
	case HasFailedAttempts:
		return "failed_attempts"
	case LockedOut:
		return "locked_out"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Status is a read-only projection of an identity's state.
type Status struct {
	State          Kind
	FailedAttempts int
	Remaining      int
	RetryAfter     time.Duration
	Lockouts       int
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (s Status) RetryAfterSeconds() int64 {
	return ceilSeconds(s.RetryAfter)
}

// StateStore persists limiter state. Stores shared by several processes
// must make UpdateLimitState atomic across all of them.
type StateStore interface {
	LoadLimitState(ctx context.Context, vaultID string) (State, bool, error)
	SaveLimitState(ctx context.Context, vaultID string, st State) error

	// UpdateLimitState replaces the state of vaultID with fn applied to the
	// stored state (zero when absent) as one atomic read-modify-write. fn may
	// run more than once and must not have side effects beyond its result. A
	// zero result deletes the record.
	UpdateLimitState(ctx context.Context, vaultID string, fn func(State) State) error

	DeleteLimitState(ctx context.Context, vaultID string) error
	ClearLimitStates(ctx context.Context) error
}

// Options configures a Limiter.
type Options struct {
	// Store persists state. Nil keeps state in memory for the life of the
	// Limiter only.
	Store StateStore

	// Now overrides the clock, for tests.
	Now func() time.Time

	Logger *zerolog.Logger
}

// ErrEmptyVaultID is returned for an empty identity.
var ErrEmptyVaultID = errors.New("ratelimit: vault id is required")

// Limiter is the per-process owner of all identities' rate-limit state. A
// single mutex orders callers within the process; the store's atomic update
// orders limiters in other processes sharing it.
type Limiter struct {
	mu    sync.Mutex
	cfg   Config
	store StateStore
	now   func() time.Time
	log   zerolog.Logger
}

// New returns a Limiter. Zero Config fields take their defaults.
func New(cfg Config, opts Options) (*Limiter, error) {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseLockout == 0 {
		cfg.BaseLockout = DefaultBaseLockout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		cfg:   cfg,
		store: opts.Store,
		now:   opts.Now,
		log:   zerolog.Nop(),
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if opts.Logger != nil {
		l.log = *opts.Logger
	}
	return l, nil
}

// Config returns the active policy.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Check records that an unlock attempt for vaultID is about to be made and
// decides whether it may proceed.
func (l *Limiter) Check(ctx context.Context, vaultID string) (Decision, error) {
	if vaultID == "" {
		return Decision{}, ErrEmptyVaultID
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var (
		d        Decision
		lockouts int // set when this attempt triggered a lockout
	)
	err := l.update(ctx, vaultID, func(st State) State {
		lockouts = 0
		if !st.LockoutUntil.IsZero() {
			if now.Before(st.LockoutUntil) {
				d = Decision{RetryAfter: st.LockoutUntil.Sub(now)}
				return st
			}
			st = l.expire(st)
		}
		if a := st.FailedAttempts; a >= l.cfg.MaxAttempts {
			st.Lockouts++
			dur := l.lockoutDuration(st.Lockouts)
			st.LockoutUntil = now.Add(dur)
			d = Decision{RetryAfter: dur}
			lockouts = st.Lockouts
		} else {
			st.FailedAttempts = a + 1
			d = Decision{Allowed: true, Remaining: l.cfg.MaxAttempts - a - 1}
		}
		return st
	})
	if err != nil {
		return Decision{}, err
	}
	if lockouts > 0 {
		l.log.Warn().
			Str("vault_id", vaultID).
			Int("lockouts", lockouts).
			Dur("duration", d.RetryAfter).
			Msg("unlock locked out")
	}
	return d, nil
}

// RecordSuccess clears all state for vaultID.
func (l *Limiter) RecordSuccess(ctx context.Context, vaultID string) error {
	return l.Reset(ctx, vaultID)
}

// Status reports the state of vaultID. Its only side effect is ending an
// expired lockout. An identity whose lockout has expired reports
// HasFailedAttempts with Remaining 1, not Clean, until its next success or
// Reset.
func (l *Limiter) Status(ctx context.Context, vaultID string) (Status, error) {
	if vaultID == "" {
		return Status{}, ErrEmptyVaultID
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(ctx, vaultID)
	if err != nil {
		return Status{}, err
	}
	now := l.now()

	if !st.LockoutUntil.IsZero() && !now.Before(st.LockoutUntil) {
		err := l.update(ctx, vaultID, func(cur State) State {
			if !cur.LockoutUntil.IsZero() && !now.Before(cur.LockoutUntil) {
				cur = l.expire(cur)
			}
			st = cur
			return cur
		})
		if err != nil {
			return Status{}, err
		}
	}
	if !st.LockoutUntil.IsZero() {
		return Status{
			State:          LockedOut,
			FailedAttempts: st.FailedAttempts,
			RetryAfter:     st.LockoutUntil.Sub(now),
			Lockouts:       st.Lockouts,
		}, nil
	}

	if st.FailedAttempts == 0 {
		return Status{State: Clean, Remaining: l.cfg.MaxAttempts, Lockouts: st.Lockouts}, nil
	}
	return Status{
		State:          HasFailedAttempts,
		FailedAttempts: st.FailedAttempts,
		Remaining:      max(l.cfg.MaxAttempts-st.FailedAttempts, 0),
		Lockouts:       st.Lockouts,
	}, nil
}

// Reset unconditionally clears vaultID.
func (l *Limiter) Reset(ctx context.Context, vaultID string) error {
	if vaultID == "" {
		return ErrEmptyVaultID
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.DeleteLimitState(ctx, vaultID); err != nil {
		return fmt.Errorf("ratelimit: failed to clear state: %w", err)
	}
	return nil
}

// ClearAll unconditionally clears every identity.
func (l *Limiter) ClearAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.ClearLimitStates(ctx); err != nil {
		return fmt.Errorf("ratelimit: failed to clear state: %w", err)
	}
	l.log.Info().Msg("rate limit state cleared")
	return nil
}

// expire ends a lockout whose window has passed. The counter rolls back to
// one short of the threshold so the new window grants exactly one attempt,
// and the escalation counter is kept.
func (l *Limiter) expire(st State) State {
	st.LockoutUntil = time.Time{}
	st.FailedAttempts = l.cfg.MaxAttempts - 1
	return st
}

func (l *Limiter) lockoutDuration(lockouts int) time.Duration {
	shift := min(max(lockouts-1, 0), maxMultiplierShift)
	return l.cfg.BaseLockout * time.Duration(1<<shift)
}

func (l *Limiter) load(ctx context.Context, vaultID string) (State, error) {
	st, _, err := l.store.LoadLimitState(ctx, vaultID)
	if err != nil {
		return State{}, fmt.Errorf("ratelimit: failed to load state: %w", err)
	}
	return st, nil
}

// update writes through to the store. Nothing is cached in memory, so a
// failed write leaves the previous state in force.
func (l *Limiter) update(ctx context.Context, vaultID string, fn func(State) State) error {
	if err := l.store.UpdateLimitState(ctx, vaultID, fn); err != nil {
		return fmt.Errorf("ratelimit: failed to save state: %w", err)
	}
	return nil
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
