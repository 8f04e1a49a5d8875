package service

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisPermissionCacheStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPermissionCacheStore(client redis.UniversalClient, prefix string) *RedisPermissionCacheStore {
	if prefix == "" {
		prefix = "fg_perm"
	}
	return &RedisPermissionCacheStore{client: client, prefix: prefix}
}

func (s *RedisPermissionCacheStore) entryKey(key string) string {
	return s.prefix + ":v:" + key
}

func (s *RedisPermissionCacheStore) globalEpochKey() string {
	return s.prefix + ":epoch:global"
}

func (s *RedisPermissionCacheStore) principalEpochKey(principalID uint) string {
	return s.prefix + ":epoch:p:" + strconv.FormatUint(uint64(principalID), 10)
}

func (s *RedisPermissionCacheStore) Get(ctx context.Context, key string) (bool, bool, error) {
	raw, err := s.client.Get(ctx, s.entryKey(key)).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return raw == "1", true, nil
}

func (s *RedisPermissionCacheStore) Set(ctx context.Context, key string, value bool, ttl time.Duration) error {
	raw := "0"
	if value {
		raw = "1"
	}
	return s.client.Set(ctx, s.entryKey(key), raw, ttl).Err()
}

func (s *RedisPermissionCacheStore) GlobalEpoch(ctx context.Context) (int64, error) {
	return s.epoch(ctx, s.globalEpochKey())
}

func (s *RedisPermissionCacheStore) PrincipalEpoch(ctx context.Context, principalID uint) (int64, error) {
	return s.epoch(ctx, s.principalEpochKey(principalID))
}

func (s *RedisPermissionCacheStore) epoch(ctx context.Context, key string) (int64, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *RedisPermissionCacheStore) BumpGlobalEpoch(ctx context.Context) error {
	return s.client.Incr(ctx, s.globalEpochKey()).Err()
}

func (s *RedisPermissionCacheStore) BumpPrincipalEpoch(ctx context.Context, principalID uint) error {
	return s.client.Incr(ctx, s.principalEpochKey(principalID)).Err()
}
