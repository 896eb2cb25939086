// Package unlock drives the unlock control flow: rate-limit check, credential
// verification, passphrase retrieval, opening the vault and recording the
// resulting session.
package unlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/forest6511/vaultlock/pkg/audit"
	"github.com/forest6511/vaultlock/pkg/credential"
	"github.com/forest6511/vaultlock/pkg/crypto"
	"github.com/forest6511/vaultlock/pkg/envelope"
	"github.com/forest6511/vaultlock/pkg/ratelimit"
	"github.com/forest6511/vaultlock/pkg/session"
)

var (
	ErrLockedOut         = errors.New("unlock: locked out")
	ErrInvalidCredential = errors.New("unlock: invalid credential")
	ErrNotEnrolled       = errors.New("unlock: vault is not enrolled")
	ErrAlreadyEnrolled   = errors.New("unlock: vault is already enrolled")
	ErrWeakCredential    = errors.New("unlock: credential rejected")
)

// LockedOutError reports how long a vault stays locked out. It matches
// ErrLockedOut with errors.Is.
type LockedOutError struct {
	VaultID    string
	RetryAfter time.Duration
}

func (e *LockedOutError) Error() string {
	secs := int64((e.RetryAfter + time.Second - 1) / time.Second)
	return fmt.Sprintf("unlock: vault %q locked out, retry in %ds", e.VaultID, secs)
}

func (e *LockedOutError) Is(target error) bool {
	return target == ErrLockedOut
}

// Opener is the encrypted database the passphrase unlocks.
type Opener interface {
	// Open fails when passphrase does not open the vault.
	Open(ctx context.Context, passphrase []byte) error

	// Reconstitute re-creates the vault under a new passphrase after the old
	// one was lost to a key invalidation.
	Reconstitute(ctx context.Context, passphrase []byte) error
}

// Options wires a Service. Audit may be nil.
type Options struct {
	Limiter     *ratelimit.Limiter
	Envelope    *envelope.Store
	Ledger      *session.Ledger
	Credentials *CredentialStore
	Hasher      *credential.Hasher
	Opener      Opener
	Audit       *audit.Logger

	SessionTTL time.Duration
	Source     string // audit source, defaults to audit.SourceCLI
	Now        func() time.Time
	Logger     *zerolog.Logger
}

// Service is the caller of the access-control components.
type Service struct {
	limiter *ratelimit.Limiter
	env     *envelope.Store
	ledger  *session.Ledger
	creds   *CredentialStore
	hasher  *credential.Hasher
	opener  Opener
	audit   *audit.Logger

	ttl    time.Duration
	source string
	now    func() time.Time
	log    zerolog.Logger
}

// New validates opts and returns a Service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Limiter == nil:
		return nil, errors.New("unlock: limiter is required")
	case opts.Envelope == nil:
		return nil, errors.New("unlock: envelope store is required")
	case opts.Ledger == nil:
		return nil, errors.New("unlock: session ledger is required")
	case opts.Credentials == nil:
		return nil, errors.New("unlock: credential store is required")
	case opts.Hasher == nil:
		return nil, errors.New("unlock: hasher is required")
	case opts.Opener == nil:
		return nil, errors.New("unlock: opener is required")
	case opts.SessionTTL <= 0:
		return nil, fmt.Errorf("unlock: session TTL must be positive, got %s", opts.SessionTTL)
	}

	s := &Service{
		limiter: opts.Limiter,
		env:     opts.Envelope,
		ledger:  opts.Ledger,
		creds:   opts.Credentials,
		hasher:  opts.Hasher,
		opener:  opts.Opener,
		audit:   opts.Audit,
		ttl:     opts.SessionTTL,
		source:  opts.Source,
		now:     opts.Now,
		log:     zerolog.Nop(),
	}
	if s.source == "" {
		s.source = audit.SourceCLI
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	return s, nil
}

// EnrollResult describes a new enrollment.
type EnrollResult struct {
	Strength credential.Strength
	Warnings []string

	// RecoveryNotice is set when enrolling found an invalidated wrapping key.
	RecoveryNotice bool
}

// Enroll stores the credential for vaultID and makes sure the vault opens
// with the installation passphrase.
func (s *Service) Enroll(ctx context.Context, vaultID, secret string) (EnrollResult, error) {
	if vaultID == "" {
		return EnrollResult{}, ratelimit.ErrEmptyVaultID
	}
	v := credential.Validate(secret)
	if !v.Valid {
		return EnrollResult{}, fmt.Errorf("%w: %s", ErrWeakCredential, v.Warnings[0])
	}
	if _, ok, err := s.creds.Get(vaultID); err != nil {
		return EnrollResult{}, err
	} else if ok {
		return EnrollResult{}, ErrAlreadyEnrolled
	}

	encoded, err := s.hasher.Hash(secret)
	if err != nil {
		return EnrollResult{}, err
	}

	res, err := s.env.Retrieve(ctx)
	if err != nil {
		return EnrollResult{}, err
	}
	defer res.Wipe()
	s.recordPassphrase(vaultID, res)

	if err := s.ensureOpenable(ctx, res); err != nil {
		return EnrollResult{}, err
	}
	notice, err := s.env.ConsumeRecoveryNotice(ctx)
	if err != nil {
		return EnrollResult{}, err
	}
	if err := s.creds.Put(vaultID, encoded); err != nil {
		return EnrollResult{}, err
	}

	s.log.Info().Str("vault_id", vaultID).Stringer("strength", v.Strength).Msg("vault enrolled")
	s.record(audit.Entry{Operation: audit.OpEnroll, Result: audit.ResultSuccess, VaultID: vaultID})
	return EnrollResult{Strength: v.Strength, Warnings: v.Warnings, RecoveryNotice: notice || res.Regenerated}, nil
}

// Outcome is the result of a successful Unlock.
type Outcome struct {
	Session session.Record

	// RecoveryNotice is set once after the wrapping key was invalidated and
	// the vault had to be reconstituted.
	RecoveryNotice bool

	// Migrated is set when the passphrase moved to the current key alias.
	Migrated bool
}

// Unlock runs the full control flow for vaultID. A failure after the
// rate-limit check leaves the attempt counted.
func (s *Service) Unlock(ctx context.Context, vaultID, secret string, attrs map[string]string) (Outcome, error) {
	d, err := s.limiter.Check(ctx, vaultID)
	if err != nil {
		return Outcome{}, err
	}
	if !d.Allowed {
		s.log.Warn().Str("vault_id", vaultID).Dur("retry_after", d.RetryAfter).Msg("unlock refused, locked out")
		s.record(audit.Entry{
			Operation: audit.OpLockedOut,
			Result:    audit.ResultDenied,
			VaultID:   vaultID,
			Context:   map[string]string{"retry_after_s": strconv.FormatInt(d.RetryAfterSeconds(), 10)},
		})
		return Outcome{}, &LockedOutError{VaultID: vaultID, RetryAfter: d.RetryAfter}
	}

	if err := s.verify(ctx, vaultID, secret, d); err != nil {
		return Outcome{}, err
	}

	res, err := s.env.Retrieve(ctx)
	if err != nil {
		s.fail(vaultID, "PASSPHRASE_UNAVAILABLE", err)
		return Outcome{}, err
	}
	if err := crypto.LockMemory(res.Passphrase); err != nil {
		s.log.Debug().Err(err).Msg("mlock of passphrase failed")
	} else {
		defer crypto.UnlockMemory(res.Passphrase)
	}
	defer res.Wipe()
	s.recordPassphrase(vaultID, res)

	if err := s.ensureOpenable(ctx, res); err != nil {
		s.fail(vaultID, "OPEN_FAILED", err)
		return Outcome{}, err
	}

	notice, err := s.env.ConsumeRecoveryNotice(ctx)
	if err != nil {
		return Outcome{}, err
	}

	if err := s.limiter.RecordSuccess(ctx, vaultID); err != nil {
		return Outcome{}, err
	}
	if _, err := s.ledger.DeleteExpired(ctx, s.now()); err != nil {
		return Outcome{}, err
	}
	rec, err := s.ledger.Start(ctx, vaultID, nil, s.ttl, attrs)
	if err != nil {
		return Outcome{}, err
	}

	s.record(audit.Entry{Operation: audit.OpUnlock, Result: audit.ResultSuccess, VaultID: vaultID, SessionID: rec.SessionID})
	s.record(audit.Entry{
		Operation: audit.OpSessionStart,
		Result:    audit.ResultSuccess,
		VaultID:   vaultID,
		SessionID: rec.SessionID,
		Context:   map[string]string{"ttl": s.ttl.String()},
	})
	return Outcome{Session: rec, RecoveryNotice: notice || res.Regenerated, Migrated: res.Migrated}, nil
}

// verify checks secret against the stored hash and upgrades the hash when
// the hasher's cost has grown.
func (s *Service) verify(ctx context.Context, vaultID, secret string, d ratelimit.Decision) error {
	encoded, ok, err := s.creds.Get(vaultID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotEnrolled
	}

	match, err := s.hasher.Verify(secret, encoded)
	if err != nil {
		return fmt.Errorf("unlock: stored credential: %w", err)
	}
	if !match {
		s.log.Info().Str("vault_id", vaultID).Int("remaining", d.Remaining).Msg("invalid credential")
		s.record(audit.Entry{
			Operation: audit.OpUnlockFailed,
			Result:    audit.ResultError,
			VaultID:   vaultID,
			Error:     &audit.ErrorInfo{Code: "AUTH_FAILED", Message: "invalid credential"},
			Context:   map[string]string{"remaining": strconv.Itoa(d.Remaining)},
		})
		return fmt.Errorf("%w (%d attempts remaining)", ErrInvalidCredential, d.Remaining)
	}

	stale, err := s.hasher.NeedsRehash(encoded)
	if err != nil || !stale {
		return nil
	}
	upgraded, err := s.hasher.Hash(secret)
	if err == nil {
		err = s.creds.Put(vaultID, upgraded)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("vault_id", vaultID).Msg("failed to upgrade credential hash")
		return nil
	}
	s.log.Info().Str("vault_id", vaultID).Stringer("params", s.hasher.Params()).Msg("credential hash upgraded")
	return nil
}

// ensureOpenable opens the vault, reconstituting it while the envelope store
// still reports the passphrase as unconfirmed or the vault was never created.
func (s *Service) ensureOpenable(ctx context.Context, res envelope.Result) error {
	if res.ReconstitutionPending {
		return s.reconstitute(ctx, res.Passphrase)
	}
	err := s.opener.Open(ctx, res.Passphrase)
	if errors.Is(err, ErrNoCanary) {
		return s.opener.Reconstitute(ctx, res.Passphrase)
	}
	return err
}

func (s *Service) reconstitute(ctx context.Context, passphrase []byte) error {
	if err := s.opener.Reconstitute(ctx, passphrase); err != nil {
		return err
	}
	return s.env.ConfirmReconstituted(ctx)
}

// Resume refreshes a live session.
func (s *Service) Resume(ctx context.Context, sessionID string) (session.Record, error) {
	rec, err := s.ledger.Touch(ctx, sessionID)
	if err != nil {
		return session.Record{}, err
	}
	s.record(audit.Entry{Operation: audit.OpSessionResume, Result: audit.ResultSuccess, VaultID: rec.VaultID, SessionID: rec.SessionID})
	return rec, nil
}

// Logout ends a session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	rec, err := s.ledger.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.ledger.End(ctx, sessionID); err != nil {
		return err
	}
	s.record(audit.Entry{Operation: audit.OpSessionEnd, Result: audit.ResultSuccess, VaultID: rec.VaultID, SessionID: sessionID})
	return nil
}

// Sweep deletes expired sessions.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	n, err := s.ledger.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.record(audit.Entry{Operation: audit.OpSessionSweep, Result: audit.ResultSuccess,
			Context: map[string]string{"count": strconv.Itoa(n)}})
	}
	return n, nil
}

// ResetLockout clears rate-limit state for vaultID, or for every vault when
// vaultID is empty.
func (s *Service) ResetLockout(ctx context.Context, vaultID string) error {
	var err error
	if vaultID == "" {
		err = s.limiter.ClearAll(ctx)
	} else {
		err = s.limiter.Reset(ctx, vaultID)
	}
	if err != nil {
		return err
	}
	s.record(audit.Entry{Operation: audit.OpLockoutReset, Result: audit.ResultSuccess, VaultID: vaultID})
	return nil
}

// Rotate re-wraps the passphrase under the current key alias.
func (s *Service) Rotate(ctx context.Context) (envelope.Result, error) {
	res, err := s.env.Rotate(ctx)
	if err != nil {
		return envelope.Result{}, err
	}
	defer res.Wipe()
	if res.ReconstitutionPending {
		if err := s.reconstitute(ctx, res.Passphrase); err != nil {
			return envelope.Result{}, err
		}
	}
	s.recordPassphrase("", res)
	if !res.Regenerated {
		s.record(audit.Entry{Operation: audit.OpPassphraseRotated, Result: audit.ResultSuccess})
	}
	return envelope.Result{Created: res.Created, Regenerated: res.Regenerated, Migrated: res.Migrated}, nil
}

// StatusReport summarises a vault without touching any secret.
type StatusReport struct {
	VaultID        string
	Enrolled       bool
	Limit          ratelimit.Status
	Sessions       []session.Record // payloads stripped
	RecoveryNotice bool
}

func (s *Service) Status(ctx context.Context, vaultID string) (StatusReport, error) {
	_, enrolled, err := s.creds.Get(vaultID)
	if err != nil {
		return StatusReport{}, err
	}
	st, err := s.limiter.Status(ctx, vaultID)
	if err != nil {
		return StatusReport{}, err
	}
	recs, err := s.ledger.ListByVault(ctx, vaultID)
	if err != nil {
		return StatusReport{}, err
	}
	for i := range recs {
		recs[i].Payload = nil
	}
	notice, err := s.env.RecoveryNoticePending(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		VaultID:        vaultID,
		Enrolled:       enrolled,
		Limit:          st,
		Sessions:       recs,
		RecoveryNotice: notice,
	}, nil
}

func (s *Service) recordPassphrase(vaultID string, res envelope.Result) {
	var op string
	switch {
	case res.Created:
		op = audit.OpPassphraseCreated
	case res.Regenerated:
		op = audit.OpPassphraseRegenerated
	case res.Migrated:
		op = audit.OpPassphraseMigrated
	default:
		return
	}
	s.record(audit.Entry{Operation: op, Result: audit.ResultSuccess, VaultID: vaultID})
}

func (s *Service) fail(vaultID, code string, err error) {
	s.record(audit.Entry{
		Operation: audit.OpUnlockFailed,
		Result:    audit.ResultError,
		VaultID:   vaultID,
		Error:     &audit.ErrorInfo{Code: code, Message: err.Error()},
	})
}

// record writes an audit entry. Audit failures never block the flow.
func (s *Service) record(e audit.Entry) {
	if s.audit == nil {
		return
	}
	if e.Source == "" {
		e.Source = s.source
	}
	if err := s.audit.Log(e); err != nil {
		s.log.Warn().Err(err).Str("op", e.Operation).Msg("failed to write audit event")
	}
}
