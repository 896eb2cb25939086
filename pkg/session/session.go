// Package session records what happens after a successful unlock: which
// vault was opened, when the session was last used and when it expires.
//
// Storage is pluggable through Backend. The Ledger is the only writer and is
// where the invariant ExpiresAt == LastAccessAt + TTL is enforced; backends
// store what they are given. Expired rows are swept lazily by Touch and
// DeleteExpired, never by a timer.
package session

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("session: not found")
	ErrExpired       = errors.New("session: expired")
	ErrInvalidRecord = errors.New("session: invalid record")
)

// Record is one session row. Payload is opaque to the ledger.
type Record struct {
	SessionID      string            `json:"session_id"`
	VaultID        string            `json:"vault_id"`
	Payload        []byte            `json:"payload,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessAt   time.Time         `json:"last_access_at"`
	TTL            time.Duration     `json:"ttl"`
	ExpiresAt      time.Time         `json:"expires_at"`
	LastExtendedAt time.Time         `json:"last_extended_at"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Expired reports whether the record has expired at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Payload = slices.Clone(r.Payload)
	out.Attributes = maps.Clone(r.Attributes)
	return out
}

// Backend stores session rows. It performs no invariant checks.
type Backend interface {
	// Upsert replaces any row with the same SessionID.
	Upsert(ctx context.Context, r Record) error

	// UpdateTimestamps changes only the four timing fields. Returns
	// ErrNotFound when the row does not exist.
	UpdateTimestamps(ctx context.Context, sessionID string, lastAccessAt time.Time, ttl time.Duration, expiresAt, lastExtendedAt time.Time) error

	Get(ctx context.Context, sessionID string) (Record, error)
	Delete(ctx context.Context, sessionID string) error

	// DeleteExpired removes every row with ExpiresAt <= now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Latest returns the row with the greatest LastAccessAt, or ErrNotFound.
	Latest(ctx context.Context) (Record, error)

	// ListByVault returns a vault's rows, most recently accessed first.
	ListByVault(ctx context.Context, vaultID string) ([]Record, error)
}

// Normalize truncates t to the millisecond precision every backend stores.
func Normalize(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

func normalizeRecord(r Record) Record {
	r.CreatedAt = Normalize(r.CreatedAt)
	r.LastAccessAt = Normalize(r.LastAccessAt)
	r.TTL = r.TTL.Truncate(time.Millisecond)
	r.ExpiresAt = Normalize(r.ExpiresAt)
	r.LastExtendedAt = Normalize(r.LastExtendedAt)
	return r
}

// SortLatestFirst orders records by LastAccessAt descending, ties by
// SessionID descending, matching the SQL ordering.
func SortLatestFirst(records []Record) {
	slices.SortStableFunc(records, func(a, b Record) int {
		if c := b.LastAccessAt.Compare(a.LastAccessAt); c != 0 {
			return c
		}
		return strings.Compare(b.SessionID, a.SessionID)
	})
}
