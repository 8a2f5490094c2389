// Package redisstore keeps refresh token records in Redis. Records expire
// with the token they describe.
package redisstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/errs"
)

const defaultPrefix = "tenantgate:"

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'actor_id', ARGV[1], 'family_id', ARGV[2], 'token_hash', ARGV[3],
  'expires_at', ARGV[4], 'created_at', ARGV[5], 'revoked_at', '0')
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
redis.call('SADD', KEYS[2], ARGV[6])
redis.call('PEXPIREAT', KEYS[2], ARGV[4])
redis.call('SADD', KEYS[3], ARGV[6])
redis.call('PEXPIREAT', KEYS[3], ARGV[4])
return 1
`)

var consumeScript = redis.NewScript(`
local revoked = redis.call('HGET', KEYS[1], 'revoked_at')
if not revoked then
  return -1
end
if revoked ~= '0' then
  return 0
end
redis.call('HSET', KEYS[1], 'revoked_at', ARGV[1])
return 1
`)

var revokeSetScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, id in ipairs(members) do
  local key = ARGV[2] .. id
  if redis.call('HGET', key, 'revoked_at') == '0' then
    redis.call('HSET', key, 'revoked_at', ARGV[1])
    n = n + 1
  end
end
return n
`)

// Store implements auth.RefreshTokenStore.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ auth.RefreshTokenStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return New(client, opts...), nil
}

func (s *Store) Close() error { return s.client.Close() }

// Ping reports whether the server answers.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) tokenKey(id string) string  { return s.prefix + "rt:" + id }
func (s *Store) familyKey(id string) string { return s.prefix + "rt-family:" + id }
func (s *Store) actorKey(id string) string  { return s.prefix + "rt-actor:" + id }

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *Store) CreateRefreshToken(ctx context.Context, t auth.RefreshToken) error {
	keys := []string{s.tokenKey(t.ID), s.familyKey(t.FamilyID), s.actorKey(t.ActorID)}
	created, err := createScript.Run(ctx, s.client, keys,
		t.ActorID, t.FamilyID, t.TokenHash, millis(t.ExpiresAt), millis(t.CreatedAt), t.ID,
	).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return errs.ErrConflict
	}
	return nil
}

func (s *Store) FindRefreshToken(ctx context.Context, id string) (auth.RefreshToken, error) {
	fields, err := s.client.HGetAll(ctx, s.tokenKey(id)).Result()
	if err != nil {
		return auth.RefreshToken{}, err
	}
	if len(fields) == 0 {
		return auth.RefreshToken{}, errs.ErrNotFound
	}
	t := auth.RefreshToken{
		ID:        id,
		ActorID:   fields["actor_id"],
		FamilyID:  fields["family_id"],
		TokenHash: fields["token_hash"],
	}
	if t.ExpiresAt, err = parseMillis(fields["expires_at"]); err != nil {
		return auth.RefreshToken{}, err
	}
	if t.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return auth.RefreshToken{}, err
	}
	if v := fields["revoked_at"]; v != "" && v != "0" {
		at, err := parseMillis(v)
		if err != nil {
			return auth.RefreshToken{}, err
		}
		t.RevokedAt = &at
	}
	return t, nil
}

// ConsumeRefreshToken runs as one script, so concurrent callers are
// serialized by Redis and only the first sees an unrevoked record.
func (s *Store) ConsumeRefreshToken(ctx context.Context, id string, at time.Time) error {
	res, err := consumeScript.Run(ctx, s.client, []string{s.tokenKey(id)}, millis(at)).Int()
	if err != nil {
		return err
	}
	switch res {
	case 1:
		return nil
	case 0:
		return auth.ErrTokenConsumed
	default:
		return errs.ErrNotFound
	}
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string, at time.Time) error {
	return s.revokeSet(ctx, s.familyKey(familyID), at)
}

func (s *Store) RevokeActorTokens(ctx context.Context, actorID string, at time.Time) error {
	return s.revokeSet(ctx, s.actorKey(actorID), at)
}

func (s *Store) revokeSet(ctx context.Context, key string, at time.Time) error {
	err := revokeSetScript.Run(ctx, s.client, []string{key}, millis(at), s.tokenKey("")).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
