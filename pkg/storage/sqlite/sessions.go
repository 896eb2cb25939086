package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forest6511/vaultlock/pkg/session"
)

const sessionColumns = `session_id, vault_id, payload, created_at, last_access_at, ttl_ms, expires_at, last_extended_at, attributes`

func (s *Store) Upsert(ctx context.Context, r session.Record) error {
	attrs, err := encodeAttributes(r.Attributes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
    vault_id = excluded.vault_id,
    payload = excluded.payload,
    created_at = excluded.created_at,
    last_access_at = excluded.last_access_at,
    ttl_ms = excluded.ttl_ms,
    expires_at = excluded.expires_at,
    last_extended_at = excluded.last_extended_at,
    attributes = excluded.attributes`,
		r.SessionID, r.VaultID, r.Payload,
		toMillis(r.CreatedAt), toMillis(r.LastAccessAt), r.TTL.Milliseconds(),
		toMillis(r.ExpiresAt), toMillis(r.LastExtendedAt), attrs,
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert session: %w", err)
	}
	return nil
}

func (s *Store) UpdateTimestamps(ctx context.Context, sessionID string, lastAccessAt time.Time, ttl time.Duration, expiresAt, lastExtendedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET last_access_at = ?, ttl_ms = ?, expires_at = ?, last_extended_at = ?
WHERE session_id = ?`,
		toMillis(lastAccessAt), ttl.Milliseconds(), toMillis(expiresAt), toMillis(lastExtendedAt), sessionID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update session timestamps: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update session timestamps: %w", err)
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (session.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sqlite: delete session: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired sessions: %w", err)
	}
	return int(n), nil
}

func (s *Store) Latest(ctx context.Context) (session.Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+` FROM sessions
ORDER BY last_access_at DESC, session_id DESC
LIMIT 1`)
	return scanSession(row)
}

func (s *Store) ListByVault(ctx context.Context, vaultID string) ([]session.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+` FROM sessions
WHERE vault_id = ?
ORDER BY last_access_at DESC, session_id DESC`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Record, error) {
	var (
		r                                                       session.Record
		createdAt, lastAccessAt, ttlMs, expiresAt, lastExtended int64
		attrs                                                   string
	)
	err := row.Scan(&r.SessionID, &r.VaultID, &r.Payload,
		&createdAt, &lastAccessAt, &ttlMs, &expiresAt, &lastExtended, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, session.ErrNotFound
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("sqlite: scan session: %w", err)
	}

	r.CreatedAt = fromMillis(createdAt)
	r.LastAccessAt = fromMillis(lastAccessAt)
	r.TTL = time.Duration(ttlMs) * time.Millisecond
	r.ExpiresAt = fromMillis(expiresAt)
	r.LastExtendedAt = fromMillis(lastExtended)
	if r.Attributes, err = decodeAttributes(attrs); err != nil {
		return session.Record{}, err
	}
	return r, nil
}

func encodeAttributes(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode attributes: %w", err)
	}
	return string(data), nil
}

func decodeAttributes(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var attrs map[string]string
	if err := json.Unmarshal([]byte(s), &attrs); err != nil {
		return nil, fmt.Errorf("sqlite: decode attributes: %w", err)
	}
	return attrs, nil
}
