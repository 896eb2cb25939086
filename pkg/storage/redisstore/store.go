// Package redisstore stores sessions and rate-limit state in Redis so that
// several vaultlock processes can share them.
//
// Key layout under the configured prefix:
//
//	<prefix>:session:<id>        session JSON
//	<prefix>:sessions:access     ZSET of ids scored by last access (ms)
//	<prefix>:sessions:expiry     ZSET of ids scored by expiry (ms)
//	<prefix>:vault:<vault id>    SET of the vault's session ids
//	<prefix>:ratelimit:<id>      HASH failed, until (ms, 0 = unset), lockouts
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/forest6511/vaultlock/pkg/ratelimit"
	"github.com/forest6511/vaultlock/pkg/session"
)

// DefaultPrefix namespaces all keys.
const DefaultPrefix = "vaultlock"

// ErrUnavailable wraps every Redis transport failure.
var ErrUnavailable = errors.New("redisstore: backend unavailable")

var (
	_ session.Backend       = (*Store)(nil)
	_ ratelimit.StateStore = (*Store)(nil)
)

// Store implements session.Backend and ratelimit.StateStore over Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// New returns a Store using rdb. An empty prefix uses DefaultPrefix.
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) sessionKey(id string) string { return s.prefix + ":session:" + id }
func (s *Store) accessKey() string           { return s.prefix + ":sessions:access" }
func (s *Store) expiryKey() string           { return s.prefix + ":sessions:expiry" }
func (s *Store) vaultKey(id string) string   { return s.prefix + ":vault:" + id }
func (s *Store) limitKey(id string) string   { return s.prefix + ":ratelimit:" + id }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
