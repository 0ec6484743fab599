package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/observability"
)

// RedisCredentialStore keeps credentials as JSON values whose TTL follows the
// credential expiry. A set indexes live keys for List.
type RedisCredentialStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisCredentialStore(client redis.UniversalClient, prefix string) *RedisCredentialStore {
	if prefix == "" {
		prefix = "sso_credentials"
	}
	return &RedisCredentialStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *RedisCredentialStore) Store(ctx context.Context, key string, cred domain.Credential) error {
	if s.client == nil {
		return nil
	}
	var ttl time.Duration
	if cred.ExpiresAt != nil {
		ttl = cred.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			_, err := s.Remove(ctx, key)
			return err
		}
	}
	payload, err := json.Marshal(cred)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "credential_redis", "store", "error")
		return fmt.Errorf("marshal credential: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(key), payload, ttl)
	pipe.SAdd(ctx, s.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		observability.RecordRepositoryOperation(ctx, "credential_redis", "store", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "credential_redis", "store", "success")
	return nil
}

func (s *RedisCredentialStore) Get(ctx context.Context, key string) (*domain.Credential, error) {
	if s.client == nil {
		return nil, domain.ErrCredentialNotFound
	}
	raw, err := s.client.Get(ctx, s.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.RecordRepositoryOperation(ctx, "credential_redis", "get", "not_found")
		return nil, domain.ErrCredentialNotFound
	}
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "credential_redis", "get", "error")
		return nil, err
	}
	var cred domain.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		observability.RecordRepositoryOperation(ctx, "credential_redis", "get", "error")
		return nil, fmt.Errorf("decode credential %q: %w", key, err)
	}
	observability.RecordRepositoryOperation(ctx, "credential_redis", "get", "success")
	return &cred, nil
}

func (s *RedisCredentialStore) Remove(ctx context.Context, key string) (bool, error) {
	if s.client == nil {
		return false, nil
	}
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.dataKey(key))
	pipe.SRem(ctx, s.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		observability.RecordRepositoryOperation(ctx, "credential_redis", "remove", "error")
		return false, err
	}
	observability.RecordRepositoryOperation(ctx, "credential_redis", "remove", "success")
	return del.Val() > 0, nil
}

// List returns live keys with prefix and prunes index entries whose value expired.
func (s *RedisCredentialStore) List(ctx context.Context, prefix string) ([]string, error) {
	if s.client == nil {
		return nil, nil
	}
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		observability.RecordRepositoryOperation(ctx, "credential_redis", "list", "error")
		return nil, err
	}
	candidates := make([]string, 0, len(members))
	for _, m := range members {
		if strings.HasPrefix(m, prefix) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	checks := make([]*redis.IntCmd, len(candidates))
	for i, key := range candidates {
		checks[i] = pipe.Exists(ctx, s.dataKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		observability.RecordRepositoryOperation(ctx, "credential_redis", "list", "error")
		return nil, err
	}
	out := make([]string, 0, len(candidates))
	var stale []any
	for i, key := range candidates {
		if checks[i].Val() > 0 {
			out = append(out, key)
		} else {
			stale = append(stale, key)
		}
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			observability.RecordRepositoryOperation(ctx, "credential_redis", "list", "error")
			return nil, err
		}
	}
	sort.Strings(out)
	observability.RecordRepositoryOperation(ctx, "credential_redis", "list", "success")
	return out, nil
}

func (s *RedisCredentialStore) Expire(ctx context.Context, key string, at time.Time) (bool, error) {
	if s.client == nil {
		return false, nil
	}
	ok, err := s.client.ExpireAt(ctx, s.dataKey(key), at).Result()
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "credential_redis", "expire", "error")
		return false, err
	}
	observability.RecordRepositoryOperation(ctx, "credential_redis", "expire", "success")
	return ok, nil
}

func (s *RedisCredentialStore) dataKey(key string) string {
	return fmt.Sprintf("%s:data:%s", s.prefix, key)
}

func (s *RedisCredentialStore) indexKey() string {
	return s.prefix + ":index"
}
