// Package ratelimittest holds behavioural tests every ratelimit.StateStore
// must pass.
package ratelimittest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forest6511/vaultlock/pkg/ratelimit"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) ratelimit.StateStore

// RunStateStoreTests runs the conformance suite against stores from newStore.
func RunStateStoreTests(t *testing.T, newStore Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ClearAll", func(t *testing.T) { testClearAll(t, newStore(t)) })
	t.Run("DrivesLimiter", func(t *testing.T) { testDrivesLimiter(t, newStore) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("LimitersShareLastAttempt", func(t *testing.T) { testLimitersShareLastAttempt(t, newStore(t)) })
}

func testUpdate(t *testing.T, s ratelimit.StateStore) {
	ctx := context.Background()
	incr := func(st ratelimit.State) ratelimit.State {
		st.FailedAttempts++
		return st
	}
	for i := 0; i < 3; i++ {
		if err := s.UpdateLimitState(ctx, "v1", incr); err != nil {
			t.Fatalf("UpdateLimitState() error = %v", err)
		}
	}
	got, ok, err := s.LoadLimitState(ctx, "v1")
	if err != nil || !ok || got.FailedAttempts != 3 {
		t.Fatalf("LoadLimitState() = %+v, ok %v, err %v; want 3 failures", got, ok, err)
	}

	// A zero result removes the record.
	if err := s.UpdateLimitState(ctx, "v1", func(ratelimit.State) ratelimit.State { return ratelimit.State{} }); err != nil {
		t.Fatalf("UpdateLimitState() error = %v", err)
	}
	if _, ok, _ := s.LoadLimitState(ctx, "v1"); ok {
		t.Error("record present after zero update")
	}
}

// slowStore stretches every read-modify-write so that callers which are not
// serialized by the store overlap.
type slowStore struct {
	ratelimit.StateStore
}

func (s slowStore) UpdateLimitState(ctx context.Context, vaultID string, fn func(ratelimit.State) ratelimit.State) error {
	return s.StateStore.UpdateLimitState(ctx, vaultID, func(st ratelimit.State) ratelimit.State {
		time.Sleep(20 * time.Millisecond)
		return fn(st)
	})
}

// testLimitersShareLastAttempt runs two limiters, standing in for two
// processes, against one store with a single attempt left.
func testLimitersShareLastAttempt(t *testing.T, s ratelimit.StateStore) {
	ctx := context.Background()
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	clock := func() time.Time { return now }

	seed := ratelimit.State{FailedAttempts: ratelimit.DefaultMaxAttempts - 1}
	if err := s.SaveLimitState(ctx, "vault", seed); err != nil {
		t.Fatalf("SaveLimitState() error = %v", err)
	}

	shared := slowStore{StateStore: s}
	var limiters []*ratelimit.Limiter
	for i := 0; i < 2; i++ {
		l, err := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.Options{Store: shared, Now: clock})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		limiters = append(limiters, l)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(l *ratelimit.Limiter) {
			defer wg.Done()
			d, err := l.Check(ctx, "vault")
			if err != nil {
				t.Errorf("Check() error = %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(limiters[i%2])
	}
	wg.Wait()

	if allowed != 1 {
		t.Errorf("%d attempts allowed across limiters, want 1", allowed)
	}
	st, err := limiters[0].Status(ctx, "vault")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.State != ratelimit.LockedOut || st.Lockouts != 1 {
		t.Errorf("Status() = %+v, want one lockout", st)
	}
}

func testRoundTrip(t *testing.T, s ratelimit.StateStore) {
	ctx := context.Background()
	if _, ok, err := s.LoadLimitState(ctx, "v1"); err != nil || ok {
		t.Fatalf("LoadLimitState(empty) = ok %v, err %v; want absent", ok, err)
	}

	want := ratelimit.State{
		FailedAttempts: 5,
		LockoutUntil:   time.Date(2026, 2, 3, 4, 5, 6, 7_000_000, time.UTC),
		Lockouts:       2,
	}
	if err := s.SaveLimitState(ctx, "v1", want); err != nil {
		t.Fatalf("SaveLimitState() error = %v", err)
	}
	got, ok, err := s.LoadLimitState(ctx, "v1")
	if err != nil || !ok {
		t.Fatalf("LoadLimitState() = ok %v, err %v", ok, err)
	}
	if got.FailedAttempts != want.FailedAttempts || got.Lockouts != want.Lockouts || !got.LockoutUntil.Equal(want.LockoutUntil) {
		t.Errorf("LoadLimitState() = %+v, want %+v", got, want)
	}

	// An unset lockout must load as the zero time.
	if err := s.SaveLimitState(ctx, "v1", ratelimit.State{FailedAttempts: 1}); err != nil {
		t.Fatalf("SaveLimitState() error = %v", err)
	}
	got, _, _ = s.LoadLimitState(ctx, "v1")
	if !got.LockoutUntil.IsZero() || got.FailedAttempts != 1 || got.Lockouts != 0 {
		t.Errorf("LoadLimitState() = %+v, want one failure and no lockout", got)
	}
}

func testDelete(t *testing.T, s ratelimit.StateStore) {
	ctx := context.Background()
	_ = s.SaveLimitState(ctx, "v1", ratelimit.State{FailedAttempts: 3})
	_ = s.SaveLimitState(ctx, "v2", ratelimit.State{FailedAttempts: 4})

	if err := s.DeleteLimitState(ctx, "v1"); err != nil {
		t.Fatalf("DeleteLimitState() error = %v", err)
	}
	if _, ok, _ := s.LoadLimitState(ctx, "v1"); ok {
		t.Error("v1 still present after DeleteLimitState()")
	}
	if _, ok, _ := s.LoadLimitState(ctx, "v2"); !ok {
		t.Error("v2 removed by DeleteLimitState(v1)")
	}
	if err := s.DeleteLimitState(ctx, "v1"); err != nil {
		t.Errorf("second DeleteLimitState() error = %v", err)
	}
}

func testClearAll(t *testing.T, s ratelimit.StateStore) {
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveLimitState(ctx, id, ratelimit.State{FailedAttempts: 1}); err != nil {
			t.Fatalf("SaveLimitState() error = %v", err)
		}
	}
	if err := s.ClearLimitStates(ctx); err != nil {
		t.Fatalf("ClearLimitStates() error = %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, ok, _ := s.LoadLimitState(ctx, id); ok {
			t.Errorf("%s present after ClearLimitStates()", id)
		}
	}
}

func testDrivesLimiter(t *testing.T, newStore Factory) {
	ctx := context.Background()
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newStore(t)

	l, err := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.Options{Store: store, Now: clock})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := 0; i < ratelimit.DefaultMaxAttempts+1; i++ {
		if _, err := l.Check(ctx, "vault"); err != nil {
			t.Fatalf("Check() error = %v", err)
		}
	}

	restarted, err := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.Options{Store: store, Now: clock})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	st, err := restarted.Status(ctx, "vault")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.State != ratelimit.LockedOut || st.RetryAfterSeconds() != 300 {
		t.Errorf("Status() after restart = %+v, want LockedOut(300)", st)
	}
}
