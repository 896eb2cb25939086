package envelope

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/forest6511/vaultlock/pkg/crypto"
	"github.com/forest6511/vaultlock/pkg/keywrap"
	"github.com/forest6511/vaultlock/pkg/prefs"
)

// Preference keys owned by the store. Nothing else may read or write them.
const (
	PrefEnvelope       = "vault.passphrase.envelope"
	PrefRecoveryNotice = "vault.passphrase.recovery_notice"
	PrefReconstitute   = "vault.passphrase.reconstitute_pending"
)

// Result is the outcome of a successful Retrieve.
type Result struct {
	// Passphrase is 32 bytes owned by the caller, who must wipe it.
	Passphrase []byte

	// Created is set when no envelope existed and a passphrase was generated.
	Created bool

	// Regenerated is set when the wrapping key was invalidated and the old
	// passphrase was replaced. Anything encrypted under the old passphrase
	// must be reconstituted by the caller.
	Regenerated bool

	// Migrated is set when the envelope was re-wrapped under the current alias.
	Migrated bool

	// ReconstitutionPending is set from the moment a passphrase is created or
	// regenerated until ConfirmReconstituted is called. It survives restarts.
	ReconstitutionPending bool
}

// Wipe zeroes the passphrase.
func (r *Result) Wipe() {
	crypto.SecureWipe(r.Passphrase)
}

// Options configures a Store.
type Options struct {
	Logger *zerolog.Logger
}

// Store owns the persisted envelope of one installation. All operations on a
// Store are serialized; separate Stores never block each other.
type Store struct {
	prefs   prefs.Preferences
	wrapper keywrap.Wrapper
	sem     chan struct{}
	log     zerolog.Logger
}

// NewStore returns a Store persisting to p and wrapping with w.
func NewStore(p prefs.Preferences, w keywrap.Wrapper, opts Options) *Store {
	s := &Store{
		prefs:   p,
		wrapper: w,
		sem:     make(chan struct{}, 1),
		log:     zerolog.Nop(),
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	return s
}

// GetOrCreatePassphrase returns the vault passphrase, creating it on first
// use. The returned buffer belongs to the caller and must be wiped.
func (s *Store) GetOrCreatePassphrase(ctx context.Context) ([]byte, error) {
	res, err := s.Retrieve(ctx)
	if err != nil {
		return nil, err
	}
	return res.Passphrase, nil
}

// Retrieve is GetOrCreatePassphrase with the lifecycle flags attached.
func (s *Store) Retrieve(ctx context.Context) (Result, error) {
	if err := s.enter(ctx); err != nil {
		return Result{}, err
	}
	defer s.leave()

	return s.retrieveLocked(ctx, false)
}

// Rotate re-wraps the passphrase under a fresh IV and the current alias.
// If the wrapping key turns out to be invalidated, Rotate regenerates the
// passphrase exactly as Retrieve would and reports it in the Result.
func (s *Store) Rotate(ctx context.Context) (Result, error) {
	if err := s.enter(ctx); err != nil {
		return Result{}, err
	}
	defer s.leave()

	if _, ok, err := s.prefs.GetString(PrefEnvelope); err != nil {
		return Result{}, storageErr(err)
	} else if !ok {
		return Result{}, ErrNoEnvelope
	}
	return s.retrieveLocked(ctx, true)
}

// Reset erases the persisted envelope. The next Retrieve generates a new
// passphrase. It is the recovery path for ErrMalformedEnvelope.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	defer s.leave()

	if err := s.prefs.Remove(PrefEnvelope); err != nil {
		return storageErr(err)
	}
	s.log.Warn().Msg("passphrase envelope erased")
	return nil
}

// RecoveryNoticePending reports whether a key invalidation has not yet been
// acknowledged.
func (s *Store) RecoveryNoticePending(ctx context.Context) (bool, error) {
	if err := s.enter(ctx); err != nil {
		return false, err
	}
	defer s.leave()

	v, err := s.prefs.GetBool(PrefRecoveryNotice)
	if err != nil {
		return false, storageErr(err)
	}
	return v, nil
}

// ConsumeRecoveryNotice clears the recovery notice and reports whether it was
// set, so a caller surfaces each invalidation exactly once.
func (s *Store) ConsumeRecoveryNotice(ctx context.Context) (bool, error) {
	if err := s.enter(ctx); err != nil {
		return false, err
	}
	defer s.leave()

	v, err := s.prefs.GetBool(PrefRecoveryNotice)
	if err != nil {
		return false, storageErr(err)
	}
	if !v {
		return false, nil
	}
	if err := s.prefs.Remove(PrefRecoveryNotice); err != nil {
		return false, storageErr(err)
	}
	return true, nil
}

// ConfirmReconstituted records that the caller re-created everything sealed
// under the current passphrase. Until then Retrieve keeps reporting
// ReconstitutionPending and the recovery notice stays raised.
func (s *Store) ConfirmReconstituted(ctx context.Context) error {
	if err := s.enter(ctx); err != nil {
		return err
	}
	defer s.leave()

	pending, err := s.prefs.GetBool(PrefReconstitute)
	if err != nil {
		return storageErr(err)
	}
	if !pending {
		return nil
	}
	if err := s.prefs.Remove(PrefReconstitute); err != nil {
		return storageErr(err)
	}
	return nil
}

func (s *Store) enter(ctx context.Context) error {
	if !s.prefs.IsUnlocked() {
		return ErrStorageUnavailable
	}
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// The store may have been locked while we waited.
	if !s.prefs.IsUnlocked() {
		<-s.sem
		return ErrStorageUnavailable
	}
	return nil
}

func (s *Store) leave() {
	<-s.sem
}

func (s *Store) retrieveLocked(ctx context.Context, rewrap bool) (Result, error) {
	raw, ok, err := s.prefs.GetString(PrefEnvelope)
	if err != nil {
		return Result{}, storageErr(err)
	}
	if !ok {
		return s.create(ctx)
	}

	env, err := Decode(raw)
	if err != nil {
		return Result{}, err
	}

	u := s.unwrap(ctx, env)
	switch u.outcome {
	case unwrapped:
		return s.finishUnwrapped(ctx, env, u.passphrase, rewrap)
	case invalidated:
		return s.regenerate(ctx, env)
	case malformed:
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, u.err)
	default:
		return Result{}, fmt.Errorf("envelope: unwrap under %q: %w", env.KeyAlias, u.err)
	}
}

type unwrapOutcome int

const (
	unwrapped unwrapOutcome = iota
	invalidated
	malformed
	failed
)

// unwrapResult is Unwrapped(passphrase) | Invalidated | Malformed | Failed(err).
type unwrapResult struct {
	outcome    unwrapOutcome
	passphrase []byte
	err        error
}

func (s *Store) unwrap(ctx context.Context, env Envelope) unwrapResult {
	pass, err := s.wrapper.Unwrap(ctx, env.Ciphertext, env.IV, env.KeyAlias)
	switch {
	case errors.Is(err, keywrap.ErrKeyInvalidated):
		return unwrapResult{outcome: invalidated}
	case errors.Is(err, keywrap.ErrCorruptCiphertext):
		return unwrapResult{outcome: malformed, err: err}
	case err != nil:
		return unwrapResult{outcome: failed, err: err}
	case len(pass) != PassphraseLength:
		crypto.SecureWipe(pass)
		return unwrapResult{outcome: malformed, err: errors.New("unwrapped passphrase has wrong length")}
	}
	return unwrapResult{outcome: unwrapped, passphrase: pass}
}

func (s *Store) create(ctx context.Context) (Result, error) {
	pass, err := crypto.RandomBytes(PassphraseLength)
	if err != nil {
		return Result{}, fmt.Errorf("envelope: failed to generate passphrase: %w", err)
	}
	next, err := s.seal(ctx, pass)
	if err != nil {
		crypto.SecureWipe(pass)
		return Result{}, err
	}
	undo, err := s.markReconstitute()
	if err != nil {
		crypto.SecureWipe(pass)
		return Result{}, err
	}
	if err := s.prefs.PutString(PrefEnvelope, Encode(next)); err != nil {
		undo()
		crypto.SecureWipe(pass)
		return Result{}, storageErr(err)
	}
	s.log.Info().Str("alias", s.wrapper.CurrentAlias()).Msg("vault passphrase created")
	return Result{Passphrase: pass, Created: true, ReconstitutionPending: true}, nil
}

func (s *Store) finishUnwrapped(ctx context.Context, env Envelope, pass []byte, rewrap bool) (Result, error) {
	res := Result{Passphrase: pass}
	oldAlias := env.KeyAlias
	current := s.wrapper.IsCurrentAlias(oldAlias)

	if !current || rewrap {
		if err := s.persist(ctx, pass); err != nil {
			crypto.SecureWipe(pass)
			return Result{}, err
		}
		res.Migrated = !current
	}

	if !current {
		s.log.Info().Str("from", oldAlias).Str("to", s.wrapper.CurrentAlias()).Msg("passphrase envelope migrated")
		s.retireKey(ctx, oldAlias)
	}

	// The notice outlives the unwrap until the vault has been reconstituted.
	reconstitute, err := s.prefs.GetBool(PrefReconstitute)
	if err == nil && !reconstitute {
		var notice bool
		if notice, err = s.prefs.GetBool(PrefRecoveryNotice); err == nil && notice {
			err = s.prefs.Remove(PrefRecoveryNotice)
		}
	}
	if err != nil {
		crypto.SecureWipe(pass)
		return Result{}, storageErr(err)
	}
	res.ReconstitutionPending = reconstitute
	return res, nil
}

func (s *Store) regenerate(ctx context.Context, stale Envelope) (Result, error) {
	pass, err := crypto.RandomBytes(PassphraseLength)
	if err != nil {
		return Result{}, fmt.Errorf("envelope: failed to generate passphrase: %w", err)
	}
	next, err := s.seal(ctx, pass)
	if err != nil {
		crypto.SecureWipe(pass)
		return Result{}, err
	}

	notified, err := s.prefs.GetBool(PrefRecoveryNotice)
	if err != nil {
		crypto.SecureWipe(pass)
		return Result{}, storageErr(err)
	}
	if !notified {
		if err := s.prefs.PutBool(PrefRecoveryNotice, true); err != nil {
			crypto.SecureWipe(pass)
			return Result{}, storageErr(err)
		}
	}
	rollbackNotice := func() {
		if notified {
			return
		}
		if rerr := s.prefs.Remove(PrefRecoveryNotice); rerr != nil {
			s.log.Error().Err(rerr).Msg("failed to roll back recovery notice")
		}
	}

	undo, err := s.markReconstitute()
	if err != nil {
		rollbackNotice()
		crypto.SecureWipe(pass)
		return Result{}, err
	}
	if err := s.prefs.PutString(PrefEnvelope, Encode(next)); err != nil {
		undo()
		rollbackNotice()
		crypto.SecureWipe(pass)
		return Result{}, storageErr(err)
	}

	s.log.Warn().Str("alias", stale.KeyAlias).Msg("wrapping key invalidated, vault passphrase regenerated")
	if !s.wrapper.IsCurrentAlias(stale.KeyAlias) {
		s.retireKey(ctx, stale.KeyAlias)
	}
	return Result{Passphrase: pass, Regenerated: true, ReconstitutionPending: true}, nil
}

// markReconstitute raises the reconstitution marker ahead of an envelope
// write. The returned func undoes it if this call raised it.
func (s *Store) markReconstitute() (func(), error) {
	already, err := s.prefs.GetBool(PrefReconstitute)
	if err != nil {
		return nil, storageErr(err)
	}
	if already {
		return func() {}, nil
	}
	if err := s.prefs.PutBool(PrefReconstitute, true); err != nil {
		return nil, storageErr(err)
	}
	return func() {
		if rerr := s.prefs.Remove(PrefReconstitute); rerr != nil {
			s.log.Error().Err(rerr).Msg("failed to roll back reconstitution marker")
		}
	}, nil
}

// persist wraps pass under the current alias and replaces the stored envelope.
func (s *Store) persist(ctx context.Context, pass []byte) error {
	env, err := s.seal(ctx, pass)
	if err != nil {
		return err
	}
	if err := s.prefs.PutString(PrefEnvelope, Encode(env)); err != nil {
		return storageErr(err)
	}
	return nil
}

func (s *Store) seal(ctx context.Context, pass []byte) (Envelope, error) {
	alias := s.wrapper.CurrentAlias()
	ct, iv, err := s.wrapper.Wrap(ctx, pass, alias)
	if errors.Is(err, keywrap.ErrKeyInvalidated) {
		// The current key itself is unusable. Replace it and wrap once more.
		s.log.Warn().Str("alias", alias).Msg("current wrapping key invalidated, replacing")
		if err = s.wrapper.DeleteKey(ctx, alias); err == nil {
			ct, iv, err = s.wrapper.Wrap(ctx, pass, alias)
		}
	}
	if err != nil {
		if errors.Is(err, keywrap.ErrKeyInvalidated) {
			return Envelope{}, fmt.Errorf("envelope: wrap under %q: wrapping key unusable", alias)
		}
		return Envelope{}, fmt.Errorf("envelope: wrap under %q: %w", alias, err)
	}
	return Envelope{Ciphertext: ct, IV: iv, KeyAlias: alias}, nil
}

// retireKey deletes a migrated-away key, but only one the wrapper confirms
// is legacy. Failure leaves an orphaned key and is logged.
func (s *Store) retireKey(ctx context.Context, alias string) {
	if !s.wrapper.IsLegacyAlias(alias) {
		s.log.Debug().Str("alias", alias).Msg("old wrapping key is not legacy, keeping it")
		return
	}
	if err := s.wrapper.DeleteKey(ctx, alias); err != nil {
		s.log.Warn().Err(err).Str("alias", alias).Msg("failed to delete legacy wrapping key")
	}
}

func storageErr(err error) error {
	if errors.Is(err, prefs.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return fmt.Errorf("envelope: preference store: %w", err)
}
