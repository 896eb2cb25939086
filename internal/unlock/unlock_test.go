package unlock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/forest6511/vaultlock/pkg/audit"
	"github.com/forest6511/vaultlock/pkg/credential"
	"github.com/forest6511/vaultlock/pkg/envelope"
	"github.com/forest6511/vaultlock/pkg/kdf"
	"github.com/forest6511/vaultlock/pkg/keywrap"
	"github.com/forest6511/vaultlock/pkg/prefs"
	"github.com/forest6511/vaultlock/pkg/ratelimit"
	"github.com/forest6511/vaultlock/pkg/session"
)

const (
	testVault  = "default"
	testSecret = "Correct-Horse-42"
	testAlias  = "master-v2"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc     *Service
	clock   *fakeClock
	prefs   *prefs.FileStore
	wrapper *keywrap.SoftwareWrapper
	ledger  *session.Ledger
	audit   *audit.Logger
	opener  *CanaryOpener
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}

	p, err := prefs.Open(filepath.Join(dir, prefs.FileName))
	if err != nil {
		t.Fatalf("prefs.Open() error = %v", err)
	}
	w, err := keywrap.NewSoftwareWrapper(keywrap.SoftwareConfig{
		Dir:           filepath.Join(dir, "keys"),
		CurrentAlias:  testAlias,
		LegacyAliases: []string{"master-v1"},
	})
	if err != nil {
		t.Fatalf("NewSoftwareWrapper() error = %v", err)
	}
	limiter, err := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.Options{Now: clock.Now})
	if err != nil {
		t.Fatalf("ratelimit.New() error = %v", err)
	}
	ledger := session.NewLedger(session.NewMemoryBackend(), session.Options{Now: clock.Now})

	key, err := AuditKey(p)
	if err != nil {
		t.Fatalf("AuditKey() error = %v", err)
	}
	al := audit.NewLogger(filepath.Join(dir, "audit"), audit.Options{Now: clock.Now})
	if err := al.SetHMACKey(key); err != nil {
		t.Fatalf("SetHMACKey() error = %v", err)
	}

	opener := NewCanaryOpener(filepath.Join(dir, "vault.canary"))
	svc, err := New(Options{
		Limiter:     limiter,
		Envelope:    envelope.NewStore(p, w, envelope.Options{}),
		Ledger:      ledger,
		Credentials: NewCredentialStore(p),
		Hasher:      credential.NewHasher(kdf.TestParams()),
		Opener:      opener,
		Audit:       al,
		SessionTTL:  15 * time.Minute,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &harness{svc: svc, clock: clock, prefs: p, wrapper: w, ledger: ledger, audit: al, opener: opener, dir: dir}
}

func (h *harness) enroll(t *testing.T) {
	t.Helper()
	if _, err := h.svc.Enroll(context.Background(), testVault, testSecret); err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
}

func (h *harness) ops(t *testing.T) []string {
	t.Helper()
	events, err := h.audit.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	ops := make([]string, len(events))
	for i, e := range events {
		ops[i] = e.Operation
	}
	return ops
}

func contains(ops []string, op string) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New(empty) should fail")
	}
}

func TestEnroll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Enroll(ctx, testVault, testSecret)
	if err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	if res.Strength != credential.Strong {
		t.Errorf("Strength = %v, want strong", res.Strength)
	}
	if res.RecoveryNotice {
		t.Error("fresh enrollment reported a recovery notice")
	}

	if _, err := h.svc.Enroll(ctx, testVault, testSecret); !errors.Is(err, ErrAlreadyEnrolled) {
		t.Errorf("second Enroll() error = %v, want %v", err, ErrAlreadyEnrolled)
	}
	if _, err := h.svc.Enroll(ctx, "other", "short"); !errors.Is(err, ErrWeakCredential) {
		t.Errorf("Enroll(short) error = %v, want %v", err, ErrWeakCredential)
	}

	ops := h.ops(t)
	if !contains(ops, audit.OpPassphraseCreated) || !contains(ops, audit.OpEnroll) {
		t.Errorf("audit ops = %v, want passphrase creation and enroll", ops)
	}
}

func TestUnlockStartsSession(t *testing.T) {
	h := newHarness(t)
	h.enroll(t)
	ctx := context.Background()

	out, err := h.svc.Unlock(ctx, testVault, testSecret, map[string]string{"client": "test"})
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	rec := out.Session
	if rec.VaultID != testVault || rec.TTL != 15*time.Minute {
		t.Errorf("session = %+v", rec)
	}
	if !rec.ExpiresAt.Equal(rec.LastAccessAt.Add(rec.TTL)) {
		t.Errorf("ExpiresAt %v != LastAccessAt %v + TTL", rec.ExpiresAt, rec.LastAccessAt)
	}
	if out.RecoveryNotice {
		t.Error("unexpected recovery notice")
	}

	latest, err := h.ledger.Latest(ctx)
	if err != nil || latest.SessionID != rec.SessionID {
		t.Errorf("Latest() = %v, %v; want %s", latest.SessionID, err, rec.SessionID)
	}

	ops := h.ops(t)
	if !contains(ops, audit.OpUnlock) || !contains(ops, audit.OpSessionStart) {
		t.Errorf("audit ops = %v", ops)
	}
	res, err := h.audit.Verify()
	if err != nil || !res.Valid {
		t.Errorf("audit Verify() = %+v, %v", res, err)
	}
}

func TestUnlockNotEnrolled(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Unlock(context.Background(), testVault, testSecret, nil); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("Unlock() error = %v, want %v", err, ErrNotEnrolled)
	}
}

func TestUnlockLockoutSequence(t *testing.T) {
	h := newHarness(t)
	h.enroll(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.svc.Unlock(ctx, testVault, "Wrong-Secret-99", nil)
		if !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("attempt %d: error = %v, want %v", i+1, err, ErrInvalidCredential)
		}
	}

	// The right credential is refused while locked out.
	_, err := h.svc.Unlock(ctx, testVault, testSecret, nil)
	var lo *LockedOutError
	if !errors.As(err, &lo) {
		t.Fatalf("Unlock() error = %v, want LockedOutError", err)
	}
	if !errors.Is(err, ErrLockedOut) {
		t.Error("LockedOutError does not match ErrLockedOut")
	}
	if lo.RetryAfter != 5*time.Minute {
		t.Errorf("RetryAfter = %s, want 5m", lo.RetryAfter)
	}
	if !contains(h.ops(t), audit.OpLockedOut) {
		t.Error("lockout was not audited")
	}

	h.clock.Advance(5 * time.Minute)
	if _, err := h.svc.Unlock(ctx, testVault, testSecret, nil); err != nil {
		t.Fatalf("Unlock() after lockout error = %v", err)
	}

	st, err := h.svc.Status(ctx, testVault)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Limit.State != ratelimit.Clean {
		t.Errorf("limit state after success = %v, want clean", st.Limit.State)
	}
}

func TestUnlockAfterKeyInvalidation(t *testing.T) {
	h := newHarness(t)
	h.enroll(t)
	ctx := context.Background()

	if err := h.wrapper.DeleteKey(ctx, testAlias); err != nil {
		t.Fatalf("DeleteKey() error = %v", err)
	}

	out, err := h.svc.Unlock(ctx, testVault, testSecret, nil)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if !out.RecoveryNotice {
		t.Error("expected recovery notice after invalidation")
	}
	if !contains(h.ops(t), audit.OpPassphraseRegenerated) {
		t.Error("regeneration was not audited")
	}

	// The vault was reconstituted and the notice is reported once.
	out, err = h.svc.Unlock(ctx, testVault, testSecret, nil)
	if err != nil {
		t.Fatalf("second Unlock() error = %v", err)
	}
	if out.RecoveryNotice {
		t.Error("recovery notice reported twice")
	}
}

func TestUnlockRetriesReconstitutionAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.enroll(t)
	ctx := context.Background()

	if err := h.wrapper.DeleteKey(ctx, testAlias); err != nil {
		t.Fatalf("DeleteKey() error = %v", err)
	}
	// Block the canary rewrite so reconstitution fails once.
	blocker := filepath.Join(h.dir, "vault.canary.tmp")
	if err := os.Mkdir(blocker, 0700); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	if _, err := h.svc.Unlock(ctx, testVault, testSecret, nil); err == nil {
		t.Fatal("Unlock() succeeded while the canary could not be written")
	}
	if pending, _ := h.svc.env.RecoveryNoticePending(ctx); !pending {
		t.Fatal("recovery notice dropped after failed reconstitution")
	}
	if err := os.Remove(blocker); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	out, err := h.svc.Unlock(ctx, testVault, testSecret, nil)
	if err != nil {
		t.Fatalf("Unlock() after transient failure error = %v", err)
	}
	if !out.RecoveryNotice {
		t.Error("recovery notice not reported once the vault was reconstituted")
	}

	out, err = h.svc.Unlock(ctx, testVault, testSecret, nil)
	if err != nil {
		t.Fatalf("third Unlock() error = %v", err)
	}
	if out.RecoveryNotice {
		t.Error("recovery notice reported twice")
	}
}

func TestUnlockMigratesLegacyAlias(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	legacy, err := keywrap.NewSoftwareWrapper(keywrap.SoftwareConfig{Dir: filepath.Join(h.dir, "keys"), CurrentAlias: "master-v1"})
	if err != nil {
		t.Fatalf("NewSoftwareWrapper() error = %v", err)
	}
	pass, err := envelope.NewStore(h.prefs, legacy, envelope.Options{}).GetOrCreatePassphrase(ctx)
	if err != nil {
		t.Fatalf("GetOrCreatePassphrase() error = %v", err)
	}
	if err := h.opener.Reconstitute(ctx, pass); err != nil {
		t.Fatalf("Reconstitute() error = %v", err)
	}
	h.enroll(t)

	out, err := h.svc.Unlock(ctx, testVault, testSecret, nil)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if out.Migrated {
		t.Error("enrollment should already have migrated the envelope")
	}
	if h.wrapper.HasKey("master-v1") {
		t.Error("legacy key was not retired")
	}
	if !contains(h.ops(t), audit.OpPassphraseMigrated) {
		t.Error("migration was not audited")
	}
}

func TestUnlockWrongCanary(t *testing.T) {
	h := newHarness(t)
	h.enroll(t)
	ctx := context.Background()

	other := make([]byte, envelope.PassphraseLength)
	if err := h.opener.Reconstitute(ctx, other); err != nil {
		t.Fatalf("Reconstitute() error = %v", err)
	}
	if _, err := h.svc.Unlock(ctx, testVault, testSecret, nil); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("Unlock() error = %v, want %v", err, ErrWrongPassphrase)
	}
	st, err := h.svc.Status(ctx, testVault)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Limit.FailedAttempts != 1 {
		t.Errorf("FailedAttempts = %d, want 1 (open failure counts)", st.Limit.FailedAttempts)
	}
}

func TestResumeAndLogout(t *testing.T) {
	h := newHarness(t)
	h.enroll(t)
	ctx := context.Background()

	out, err := h.svc.Unlock(ctx, testVault, testSecret, nil)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	id := out.Session.SessionID

	h.clock.Advance(10 * time.Minute)
	rec, err := h.svc.Resume(ctx, id)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if want := h.clock.Now().Add(15 * time.Minute); !rec.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", rec.ExpiresAt, want)
	}

	if err := h.svc.Logout(ctx, id); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if err := h.svc.Logout(ctx, id); err != nil {
		t.Errorf("second Logout() error = %v", err)
	}
	if _, err := h.svc.Resume(ctx, id); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Resume() after logout error = %v, want %v", err, session.ErrNotFound)
	}
	if !contains(h.ops(t), audit.OpSessionEnd) {
		t.Error("logout was not audited")
	}
}

func TestResumeExpired(t *testing.T) {
	h := newHarness(t)
	h.enroll(t)
	ctx := context.Background()

	out, err := h.svc.Unlock(ctx, testVault, testSecret, nil)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	h.clock.Advance(15 * time.Minute)
	if _, err := h.svc.Resume(ctx, out.Session.SessionID); !errors.Is(err, session.ErrExpired) {
		t.Errorf("Resume() error = %v, want %v", err, session.ErrExpired)
	}
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	h.enroll(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := h.svc.Unlock(ctx, testVault, testSecret, nil); err != nil {
			t.Fatalf("Unlock() error = %v", err)
		}
	}
	h.clock.Advance(time.Hour)
	n, err := h.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Sweep() = %d, want 2", n)
	}
}

func TestResetLockout(t *testing.T) {
	h := newHarness(t)
	h.enroll(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, _ = h.svc.Unlock(ctx, testVault, "Wrong-Secret-99", nil)
	}
	if err := h.svc.ResetLockout(ctx, testVault); err != nil {
		t.Fatalf("ResetLockout() error = %v", err)
	}
	if _, err := h.svc.Unlock(ctx, testVault, testSecret, nil); err != nil {
		t.Errorf("Unlock() after reset error = %v", err)
	}
	if err := h.svc.ResetLockout(ctx, ""); err != nil {
		t.Errorf("ResetLockout(all) error = %v", err)
	}
}

func TestRotate(t *testing.T) {
	h := newHarness(t)
	h.enroll(t)
	ctx := context.Background()

	res, err := h.svc.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if res.Regenerated || res.Passphrase != nil {
		t.Errorf("Rotate() = %+v, want plain rotation without passphrase", res)
	}
	if _, err := h.svc.Unlock(ctx, testVault, testSecret, nil); err != nil {
		t.Errorf("Unlock() after rotate error = %v", err)
	}
	if !contains(h.ops(t), audit.OpPassphraseRotated) {
		t.Error("rotation was not audited")
	}
}

func TestStatusStripsPayload(t *testing.T) {
	h := newHarness(t)
	h.enroll(t)
	ctx := context.Background()

	if _, err := h.svc.Unlock(ctx, testVault, testSecret, nil); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	st, err := h.svc.Status(ctx, testVault)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.Enrolled || len(st.Sessions) != 1 {
		t.Errorf("Status() = %+v", st)
	}
	for _, r := range st.Sessions {
		if r.Payload != nil {
			t.Error("status exposed a session payload")
		}
	}
}

func TestCredentialRehash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	weak := credential.NewHasher(kdf.TestParams())
	encoded, err := weak.Hash(testSecret)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	creds := NewCredentialStore(h.prefs)
	if err := creds.Put(testVault, encoded); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	h.svc.hasher = credential.NewHasher(kdf.Params{TimeCost: 3, MemoryCostKiB: 32 * 1024, Parallelism: 1})

	if _, err := h.svc.Unlock(ctx, testVault, testSecret, nil); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	stored, _, err := creds.Get(testVault)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	p, err := credential.ParamsOf(stored)
	if err != nil {
		t.Fatalf("ParamsOf() error = %v", err)
	}
	if p.TimeCost != 3 {
		t.Errorf("stored TimeCost = %d, want 3 after rehash", p.TimeCost)
	}
}

func TestAuditKeyStable(t *testing.T) {
	h := newHarness(t)
	a, err := AuditKey(h.prefs)
	if err != nil {
		t.Fatalf("AuditKey() error = %v", err)
	}
	b, err := AuditKey(h.prefs)
	if err != nil {
		t.Fatalf("AuditKey() error = %v", err)
	}
	if string(a) != string(b) {
		t.Error("audit key changed between calls")
	}
}

func TestLockedOutErrorMessage(t *testing.T) {
	err := &LockedOutError{VaultID: "v", RetryAfter: 299500 * time.Millisecond}
	if got, want := err.Error(), `unlock: vault "v" locked out, retry in 300s`; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
