package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forest6511/vaultlock/pkg/session"
)

func (s *Store) Upsert(ctx context.Context, r session.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redisstore: encode session: %w", err)
	}

	key := s.sessionKey(r.SessionID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		old, err := getRecord(ctx, tx, key)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.accessKey(), redis.Z{Score: millis(r.LastAccessAt), Member: r.SessionID})
			pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: millis(r.ExpiresAt), Member: r.SessionID})
			if old.VaultID != "" && old.VaultID != r.VaultID {
				pipe.SRem(ctx, s.vaultKey(old.VaultID), r.SessionID)
			}
			pipe.SAdd(ctx, s.vaultKey(r.VaultID), r.SessionID)
			return nil
		})
		return err
	}, key)
	return wrapErr("upsert session", err)
}

func (s *Store) UpdateTimestamps(ctx context.Context, sessionID string, lastAccessAt time.Time, ttl time.Duration, expiresAt, lastExtendedAt time.Time) error {
	key := s.sessionKey(sessionID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		r, err := getRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		r.LastAccessAt = lastAccessAt
		r.TTL = ttl
		r.ExpiresAt = expiresAt
		r.LastExtendedAt = lastExtendedAt
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("redisstore: encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.accessKey(), redis.Z{Score: millis(lastAccessAt), Member: sessionID})
			pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: millis(expiresAt), Member: sessionID})
			return nil
		})
		return err
	}, key)
	return wrapErr("update session timestamps", err)
}

func (s *Store) Get(ctx context.Context, sessionID string) (session.Record, error) {
	r, err := getRecord(ctx, s.rdb, s.sessionKey(sessionID))
	if err != nil {
		return session.Record{}, wrapErr("get session", err)
	}
	return r, nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.deleteSession(ctx, sessionID)
	return wrapErr("delete session", err)
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, unavailable(err)
	}

	n := 0
	for _, id := range ids {
		removed, err := s.deleteSession(ctx, id)
		if err != nil {
			return n, wrapErr("delete expired sessions", err)
		}
		if removed {
			n++
		}
	}
	return n, nil
}

func (s *Store) Latest(ctx context.Context) (session.Record, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.accessKey(), 0, 0).Result()
	if err != nil {
		return session.Record{}, unavailable(err)
	}
	if len(ids) == 0 {
		return session.Record{}, session.ErrNotFound
	}
	return s.Get(ctx, ids[0])
}

func (s *Store) ListByVault(ctx context.Context, vaultID string) ([]session.Record, error) {
	ids, err := s.rdb.SMembers(ctx, s.vaultKey(vaultID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	out := make([]session.Record, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	session.SortLatestFirst(out)
	return out, nil
}

// deleteSession removes a session and its index entries, reporting whether
// the session key existed.
func (s *Store) deleteSession(ctx context.Context, sessionID string) (bool, error) {
	key := s.sessionKey(sessionID)
	var removed bool
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		r, err := getRecord(ctx, tx, key)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			return err
		}
		removed = err == nil

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.accessKey(), sessionID)
			pipe.ZRem(ctx, s.expiryKey(), sessionID)
			if r.VaultID != "" {
				pipe.SRem(ctx, s.vaultKey(r.VaultID), sessionID)
			}
			return nil
		})
		return err
	}, key)
	return removed, err
}

// getter is satisfied by both the client and a watched *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getRecord(ctx context.Context, c getter, key string) (session.Record, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Record{}, session.ErrNotFound
	}
	if err != nil {
		return session.Record{}, unavailable(err)
	}
	var r session.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return session.Record{}, fmt.Errorf("redisstore: decode session: %w", err)
	}
	return r, nil
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// wrapErr leaves domain and already-wrapped errors alone.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound), errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("redisstore: %s: concurrent modification: %w", op, err)
	default:
		return fmt.Errorf("redisstore: %s: %w", op, err)
	}
}
