// Package sessiontest holds behavioural tests every session.Backend must pass.
package sessiontest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/forest6511/vaultlock/pkg/session"
)

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) session.Backend

var base = time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)

func record(id, vault string, access time.Time, ttl time.Duration) session.Record {
	return session.Record{
		SessionID:      id,
		VaultID:        vault,
		Payload:        []byte("payload-" + id),
		CreatedAt:      base,
		LastAccessAt:   access,
		TTL:            ttl,
		ExpiresAt:      access.Add(ttl),
		LastExtendedAt: access,
		Attributes:     map[string]string{"origin": id},
	}
}

// RunBackendTests runs the conformance suite against backends from newBackend.
func RunBackendTests(t *testing.T, newBackend Factory) {
	t.Run("UpsertGet", func(t *testing.T) { testUpsertGet(t, newBackend(t)) })
	t.Run("UpsertReplaces", func(t *testing.T) { testUpsertReplaces(t, newBackend(t)) })
	t.Run("UpdateTimestamps", func(t *testing.T) { testUpdateTimestamps(t, newBackend(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newBackend(t)) })
	t.Run("DeleteExpired", func(t *testing.T) { testDeleteExpired(t, newBackend(t)) })
	t.Run("Latest", func(t *testing.T) { testLatest(t, newBackend(t)) })
	t.Run("ListByVault", func(t *testing.T) { testListByVault(t, newBackend(t)) })
}

func mustUpsert(t *testing.T, b session.Backend, r session.Record) {
	t.Helper()
	if err := b.Upsert(context.Background(), r); err != nil {
		t.Fatalf("Upsert(%s) error = %v", r.SessionID, err)
	}
}

func equal(a, b session.Record) bool {
	if a.SessionID != b.SessionID || a.VaultID != b.VaultID || string(a.Payload) != string(b.Payload) {
		return false
	}
	if !a.CreatedAt.Equal(b.CreatedAt) || !a.LastAccessAt.Equal(b.LastAccessAt) ||
		!a.ExpiresAt.Equal(b.ExpiresAt) || !a.LastExtendedAt.Equal(b.LastExtendedAt) || a.TTL != b.TTL {
		return false
	}
	if len(a.Attributes) != len(b.Attributes) {
		return false
	}
	for k, v := range a.Attributes {
		if b.Attributes[k] != v {
			return false
		}
	}
	return true
}

func testUpsertGet(t *testing.T, b session.Backend) {
	ctx := context.Background()
	want := record("s1", "v1", base, time.Hour)
	mustUpsert(t, b, want)

	got, err := b.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !equal(got, want) {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}

	if _, err := b.Get(ctx, "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want %v", err, session.ErrNotFound)
	}
}

func testUpsertReplaces(t *testing.T, b session.Backend) {
	ctx := context.Background()
	mustUpsert(t, b, record("s1", "v1", base, time.Hour))

	next := record("s1", "v2", base.Add(time.Minute), time.Minute)
	next.Payload = nil
	next.Attributes = nil
	mustUpsert(t, b, next)

	got, err := b.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !equal(got, next) {
		t.Errorf("Get() = %+v, want %+v", got, next)
	}
}

func testUpdateTimestamps(t *testing.T, b session.Backend) {
	ctx := context.Background()
	orig := record("s1", "v1", base, time.Hour)
	mustUpsert(t, b, orig)

	access := base.Add(10 * time.Minute)
	if err := b.UpdateTimestamps(ctx, "s1", access, 2*time.Hour, access.Add(2*time.Hour), access); err != nil {
		t.Fatalf("UpdateTimestamps() error = %v", err)
	}

	got, err := b.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	want := orig
	want.LastAccessAt = access
	want.TTL = 2 * time.Hour
	want.ExpiresAt = access.Add(2 * time.Hour)
	want.LastExtendedAt = access
	if !equal(got, want) {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}

	err = b.UpdateTimestamps(ctx, "missing", access, time.Hour, access.Add(time.Hour), access)
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("UpdateTimestamps(missing) error = %v, want %v", err, session.ErrNotFound)
	}
}

func testDelete(t *testing.T, b session.Backend) {
	ctx := context.Background()
	mustUpsert(t, b, record("s1", "v1", base, time.Hour))

	if err := b.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := b.Get(ctx, "s1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get() after Delete() error = %v, want %v", err, session.ErrNotFound)
	}
	if err := b.Delete(ctx, "s1"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
	if _, err := b.Latest(ctx); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Latest() after Delete() error = %v, want %v", err, session.ErrNotFound)
	}
}

func testDeleteExpired(t *testing.T, b session.Backend) {
	ctx := context.Background()
	mustUpsert(t, b, record("past", "v1", base, time.Minute))
	mustUpsert(t, b, record("boundary", "v1", base, 2*time.Minute))
	mustUpsert(t, b, record("future", "v1", base, 3*time.Minute))

	now := base.Add(2 * time.Minute)
	n, err := b.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteExpired() = %d, want 2", n)
	}
	if _, err := b.Get(ctx, "future"); err != nil {
		t.Errorf("Get(future) error = %v", err)
	}
	for _, id := range []string{"past", "boundary"} {
		if _, err := b.Get(ctx, id); !errors.Is(err, session.ErrNotFound) {
			t.Errorf("Get(%s) error = %v, want %v", id, err, session.ErrNotFound)
		}
	}

	n, err = b.DeleteExpired(ctx, now)
	if err != nil || n != 0 {
		t.Errorf("second DeleteExpired() = %d, %v; want 0", n, err)
	}
}

func testLatest(t *testing.T, b session.Backend) {
	ctx := context.Background()
	if _, err := b.Latest(ctx); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Latest() on empty backend error = %v, want %v", err, session.ErrNotFound)
	}

	mustUpsert(t, b, record("old", "v1", base, time.Hour))
	mustUpsert(t, b, record("new", "v2", base.Add(time.Second), time.Hour))
	mustUpsert(t, b, record("mid", "v1", base.Add(500*time.Millisecond), time.Hour))

	got, err := b.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if got.SessionID != "new" {
		t.Errorf("Latest() = %s, want new", got.SessionID)
	}

	access := base.Add(time.Minute)
	if err := b.UpdateTimestamps(ctx, "old", access, time.Hour, access.Add(time.Hour), base); err != nil {
		t.Fatalf("UpdateTimestamps() error = %v", err)
	}
	if got, _ := b.Latest(ctx); got.SessionID != "old" {
		t.Errorf("Latest() after refresh = %s, want old", got.SessionID)
	}
}

func testListByVault(t *testing.T, b session.Backend) {
	ctx := context.Background()
	mustUpsert(t, b, record("a", "v1", base, time.Hour))
	mustUpsert(t, b, record("b", "v1", base.Add(2*time.Second), time.Hour))
	mustUpsert(t, b, record("c", "v1", base.Add(time.Second), time.Hour))
	mustUpsert(t, b, record("d", "v2", base.Add(3*time.Second), time.Hour))

	got, err := b.ListByVault(ctx, "v1")
	if err != nil {
		t.Fatalf("ListByVault() error = %v", err)
	}
	var ids []string
	for _, r := range got {
		ids = append(ids, r.SessionID)
	}
	if len(ids) != 3 || ids[0] != "b" || ids[1] != "c" || ids[2] != "a" {
		t.Errorf("ListByVault(v1) = %v, want [b c a]", ids)
	}

	if got, err := b.ListByVault(ctx, "none"); err != nil || len(got) != 0 {
		t.Errorf("ListByVault(none) = %v, %v; want empty", got, err)
	}
}
