package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/forest6511/vaultlock/pkg/ratelimit"
)

// querier is satisfied by *sql.DB and *sql.Conn.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) LoadLimitState(ctx context.Context, vaultID string) (ratelimit.State, bool, error) {
	return loadLimitState(ctx, s.db, vaultID)
}

func (s *Store) SaveLimitState(ctx context.Context, vaultID string, st ratelimit.State) error {
	return saveLimitState(ctx, s.db, vaultID, st)
}

// UpdateLimitState runs fn inside BEGIN IMMEDIATE, which takes the database
// write lock before the read so other processes sharing the file queue up
// behind it.
func (s *Store) UpdateLimitState(ctx context.Context, vaultID string, fn func(ratelimit.State) ratelimit.State) (err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("sqlite: begin rate limit update: %w", err)
	}
	defer func() {
		if err != nil {
			// A cancelled ctx must not leave the transaction open on a
			// pooled connection.
			_, _ = conn.ExecContext(context.Background(), `ROLLBACK`)
		}
	}()

	cur, _, err := loadLimitState(ctx, conn, vaultID)
	if err != nil {
		return err
	}
	next := fn(cur)
	if next.IsZero() {
		if _, err = conn.ExecContext(ctx, `DELETE FROM rate_limit_state WHERE vault_id = ?`, vaultID); err != nil {
			return fmt.Errorf("sqlite: delete rate limit state: %w", err)
		}
	} else if err = saveLimitState(ctx, conn, vaultID, next); err != nil {
		return err
	}

	if _, err = conn.ExecContext(ctx, `COMMIT`); err != nil {
		return fmt.Errorf("sqlite: commit rate limit update: %w", err)
	}
	return nil
}

func loadLimitState(ctx context.Context, q querier, vaultID string) (ratelimit.State, bool, error) {
	var (
		st    ratelimit.State
		until sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
SELECT failed_attempts, lockout_until, lockouts
FROM rate_limit_state WHERE vault_id = ?`, vaultID,
	).Scan(&st.FailedAttempts, &until, &st.Lockouts)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.State{}, false, nil
	}
	if err != nil {
		return ratelimit.State{}, false, fmt.Errorf("sqlite: load rate limit state: %w", err)
	}
	if until.Valid {
		st.LockoutUntil = fromMillis(until.Int64)
	}
	return st, true, nil
}

func saveLimitState(ctx context.Context, q querier, vaultID string, st ratelimit.State) error {
	var until sql.NullInt64
	if !st.LockoutUntil.IsZero() {
		until = sql.NullInt64{Int64: toMillis(st.LockoutUntil), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO rate_limit_state (vault_id, failed_attempts, lockout_until, lockouts, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(vault_id) DO UPDATE SET
    failed_attempts = excluded.failed_attempts,
    lockout_until = excluded.lockout_until,
    lockouts = excluded.lockouts,
    updated_at = excluded.updated_at`,
		vaultID, st.FailedAttempts, until, st.Lockouts, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save rate limit state: %w", err)
	}
	return nil
}

func (s *Store) DeleteLimitState(ctx context.Context, vaultID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_state WHERE vault_id = ?`, vaultID); err != nil {
		return fmt.Errorf("sqlite: delete rate limit state: %w", err)
	}
	return nil
}

func (s *Store) ClearLimitStates(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_state`); err != nil {
		return fmt.Errorf("sqlite: clear rate limit state: %w", err)
	}
	return nil
}
