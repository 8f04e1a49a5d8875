package service

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAttemptStore keeps attempt histories as sorted sets scored by the
// attempt time and blocks as plain keys expiring at blocked_until, so stale
// state ages out of Redis on its own.
type RedisAttemptStore struct {
	client redis.UniversalClient
	prefix string
	seq    atomic.Uint64
}

func NewRedisAttemptStore(client redis.UniversalClient, prefix string) *RedisAttemptStore {
	if prefix == "" {
		prefix = "fg_rl"
	}
	return &RedisAttemptStore{client: client, prefix: prefix}
}

func (s *RedisAttemptStore) attemptKey(key string) string {
	return s.prefix + ":att:" + key
}

func (s *RedisAttemptStore) blockKey(key string) string {
	return s.prefix + ":blk:" + key
}

func (s *RedisAttemptStore) AddAttempt(ctx context.Context, key string, at time.Time, window time.Duration) (int64, error) {
	zkey := s.attemptKey(key)
	score := float64(at.UnixNano())
	// Members must be unique per attempt even within one nanosecond.
	member := strconv.FormatInt(at.UnixNano(), 10) + ":" + strconv.FormatUint(s.seq.Add(1), 10)
	cutoff := strconv.FormatInt(at.Add(-window).UnixNano(), 10)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, zkey, redis.Z{Score: score, Member: member})
	pipe.ZRemRangeByScore(ctx, zkey, "-inf", cutoff)
	cardCmd := pipe.ZCard(ctx, zkey)
	pipe.PExpire(ctx, zkey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return cardCmd.Val(), nil
}

func (s *RedisAttemptStore) CountAttempts(ctx context.Context, key string, window time.Duration) (int64, error) {
	zkey := s.attemptKey(key)
	cutoff := strconv.FormatInt(time.Now().Add(-window).UnixNano(), 10)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "-inf", cutoff)
	cardCmd := pipe.ZCard(ctx, zkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return cardCmd.Val(), nil
}

func (s *RedisAttemptStore) ClearAttempts(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.attemptKey(key)).Err()
}

func (s *RedisAttemptStore) SetBlock(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return s.ClearBlock(ctx, key)
	}
	value := strconv.FormatInt(until.UnixNano(), 10)
	return s.client.Set(ctx, s.blockKey(key), value, ttl).Err()
}

func (s *RedisAttemptStore) GetBlock(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, s.blockKey(key)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	until := time.Unix(0, ns)
	if !until.After(time.Now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *RedisAttemptStore) ClearBlock(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.blockKey(key)).Err()
}
