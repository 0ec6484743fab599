package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var idempotencyBeginScript = redis.NewScript(`
local fp = redis.call('HGET', KEYS[1], 'fingerprint')
if not fp then
  redis.call('HSET', KEYS[1], 'fingerprint', ARGV[1], 'status', 'in_progress')
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return {'new'}
end
if fp ~= ARGV[1] then
  return {'conflict'}
end
if redis.call('HGET', KEYS[1], 'status') ~= 'completed' then
  return {'in_progress'}
end
return {'completed',
  redis.call('HGET', KEYS[1], 'response_status') or '',
  redis.call('HGET', KEYS[1], 'content_type') or '',
  redis.call('HGET', KEYS[1], 'response_body') or ''}
`)

var idempotencyCompleteScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'fingerprint') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'completed', 'response_status', ARGV[2], 'content_type', ARGV[3], 'response_body', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

var idempotencyReleaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'fingerprint') == ARGV[1] and redis.call('HGET', KEYS[1], 'status') ~= 'completed' then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisIdempotencyStore keeps one hash per key; transitions run as Lua
// scripts so concurrent Begin calls see exactly one winner.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "idempotency"
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

func (s *RedisIdempotencyStore) Begin(ctx context.Context, scope, key, fingerprint string, ttl time.Duration) (IdempotencyBeginResult, error) {
	out, err := idempotencyBeginScript.Run(ctx, s.client, []string{s.redisKey(scope, key)}, fingerprint, ttl.Milliseconds()).StringSlice()
	if err != nil {
		return IdempotencyBeginResult{}, fmt.Errorf("begin idempotent request: %w", err)
	}
	if len(out) == 0 {
		return IdempotencyBeginResult{}, fmt.Errorf("begin idempotent request: empty script result")
	}
	switch out[0] {
	case "new":
		return IdempotencyBeginResult{State: IdempotencyStateNew}, nil
	case "conflict":
		return IdempotencyBeginResult{State: IdempotencyStateConflict}, nil
	case "in_progress":
		return IdempotencyBeginResult{State: IdempotencyStateInProgress}, nil
	}
	if len(out) != 4 {
		return IdempotencyBeginResult{}, fmt.Errorf("begin idempotent request: malformed replay record")
	}
	status, err := strconv.Atoi(out[1])
	if err != nil {
		return IdempotencyBeginResult{}, fmt.Errorf("parse replay status: %w", err)
	}
	body, err := base64.StdEncoding.DecodeString(out[3])
	if err != nil {
		return IdempotencyBeginResult{}, fmt.Errorf("decode replay body: %w", err)
	}
	return IdempotencyBeginResult{
		State:  IdempotencyStateReplay,
		Cached: &CachedHTTPResponse{StatusCode: status, ContentType: out[2], Body: body},
	}, nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, scope, key, fingerprint string, resp CachedHTTPResponse, ttl time.Duration) error {
	err := idempotencyCompleteScript.Run(ctx, s.client, []string{s.redisKey(scope, key)},
		fingerprint,
		strconv.Itoa(resp.StatusCode),
		resp.ContentType,
		base64.StdEncoding.EncodeToString(resp.Body),
		ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("complete idempotent request: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, scope, key, fingerprint string) error {
	if err := idempotencyReleaseScript.Run(ctx, s.client, []string{s.redisKey(scope, key)}, fingerprint).Err(); err != nil {
		return fmt.Errorf("release idempotent request: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) redisKey(scope, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, normalizeNamespace(scope), key)
}
