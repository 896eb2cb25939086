package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forest6511/vaultlock/pkg/ratelimit"
)

const (
	fieldFailed   = "failed"
	fieldUntil    = "until"
	fieldLockouts = "lockouts"
)

// limitUpdateRetries bounds optimistic retries when another process changes
// the same identity between WATCH and EXEC.
const limitUpdateRetries = 16

func (s *Store) LoadLimitState(ctx context.Context, vaultID string) (ratelimit.State, bool, error) {
	return loadLimitState(ctx, s.rdb, s.limitKey(vaultID))
}

// UpdateLimitState is a WATCH/MULTI read-modify-write, retried while other
// writers win the race.
func (s *Store) UpdateLimitState(ctx context.Context, vaultID string, fn func(ratelimit.State) ratelimit.State) error {
	key := s.limitKey(vaultID)
	txf := func(tx *redis.Tx) error {
		cur, _, err := loadLimitState(ctx, tx, key)
		if err != nil {
			return err
		}
		next := fn(cur)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next.IsZero() {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.HSet(ctx, key, limitFields(next)...)
			return nil
		})
		return err
	}

	for range limitUpdateRetries {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return wrapLimitErr(err)
	}
	return fmt.Errorf("redisstore: update rate limit state: %w", redis.TxFailedErr)
}

// hashGetter is satisfied by both the client and a watched *redis.Tx.
type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func loadLimitState(ctx context.Context, c hashGetter, key string) (ratelimit.State, bool, error) {
	fields, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return ratelimit.State{}, false, unavailable(err)
	}
	if len(fields) == 0 {
		return ratelimit.State{}, false, nil
	}

	var st ratelimit.State
	if st.FailedAttempts, err = strconv.Atoi(fields[fieldFailed]); err != nil {
		return ratelimit.State{}, false, fmt.Errorf("redisstore: corrupt %s: %w", fieldFailed, err)
	}
	if st.Lockouts, err = strconv.Atoi(fields[fieldLockouts]); err != nil {
		return ratelimit.State{}, false, fmt.Errorf("redisstore: corrupt %s: %w", fieldLockouts, err)
	}
	until, err := strconv.ParseInt(fields[fieldUntil], 10, 64)
	if err != nil {
		return ratelimit.State{}, false, fmt.Errorf("redisstore: corrupt %s: %w", fieldUntil, err)
	}
	if until != 0 {
		st.LockoutUntil = time.UnixMilli(until).UTC()
	}
	return st, true, nil
}

func limitFields(st ratelimit.State) []any {
	var until int64
	if !st.LockoutUntil.IsZero() {
		until = st.LockoutUntil.UnixMilli()
	}
	return []any{
		fieldFailed, st.FailedAttempts,
		fieldUntil, until,
		fieldLockouts, st.Lockouts,
	}
}

func wrapLimitErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("redisstore: update rate limit state: %w", err)
	}
}

func (s *Store) SaveLimitState(ctx context.Context, vaultID string, st ratelimit.State) error {
	if err := s.rdb.HSet(ctx, s.limitKey(vaultID), limitFields(st)...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) DeleteLimitState(ctx context.Context, vaultID string) error {
	if err := s.rdb.Del(ctx, s.limitKey(vaultID)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// ClearLimitStates scans for every rate-limit key under the prefix. It is an
// administrative O(n) operation.
func (s *Store) ClearLimitStates(ctx context.Context) error {
	pattern := s.limitKey("*")
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return unavailable(err)
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return unavailable(err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
