package service

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/fleetops/fleetguard/internal/domain"

	"github.com/redis/go-redis/v9"
)

type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSessionStore(client redis.UniversalClient, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = "fg_sess"
	}
	return &RedisSessionStore{client: client, prefix: prefix}
}

func (s *RedisSessionStore) key(id string) string {
	return s.prefix + ":" + id
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (*domain.SessionRecord, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisSessionStore) Save(ctx context.Context, rec *domain.SessionRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(rec.ID), payload, ttl).Err()
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// consumeExactScript deletes the scope hash only when its stored value
// matches, so two racing requests cannot both spend one token.
var consumeExactScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'value') == ARGV[1] then
	redis.call('DEL', KEYS[1])
	redis.call('ZREM', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

type RedisCSRFStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCSRFStore(client redis.UniversalClient, prefix string) *RedisCSRFStore {
	if prefix == "" {
		prefix = "fg_csrf"
	}
	return &RedisCSRFStore{client: client, prefix: prefix}
}

func (s *RedisCSRFStore) entryKey(csrfKey, scope string) string {
	return s.prefix + ":" + csrfKey + ":" + scope
}

func (s *RedisCSRFStore) indexKey(csrfKey string) string {
	return s.prefix + ":idx:" + csrfKey
}

func (s *RedisCSRFStore) Put(ctx context.Context, csrfKey, scope string, token domain.CSRFToken, ttl time.Duration, cap int) error {
	entry := s.entryKey(csrfKey, scope)
	index := s.indexKey(csrfKey)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, entry, "value", token.Value, "issued_at_ns", strconv.FormatInt(token.IssuedAt.UnixNano(), 10))
	pipe.PExpire(ctx, entry, ttl)
	pipe.ZAdd(ctx, index, redis.Z{Score: float64(token.IssuedAt.UnixNano()), Member: scope})
	pipe.PExpire(ctx, index, ttl)
	cardCmd := pipe.ZCard(ctx, index)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if cap > 0 && cardCmd.Val() > int64(cap) {
		evicted, err := s.client.ZPopMin(ctx, index, cardCmd.Val()-int64(cap)).Result()
		if err != nil {
			return err
		}
		for _, z := range evicted {
			if sc, ok := z.Member.(string); ok {
				if err := s.client.Del(ctx, s.entryKey(csrfKey, sc)).Err(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *RedisCSRFStore) Get(ctx context.Context, csrfKey, scope string) (domain.CSRFToken, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(csrfKey, scope)).Result()
	if err != nil {
		return domain.CSRFToken{}, false, err
	}
	if len(fields) == 0 {
		return domain.CSRFToken{}, false, nil
	}
	ns, err := strconv.ParseInt(fields["issued_at_ns"], 10, 64)
	if err != nil {
		return domain.CSRFToken{}, false, err
	}
	return domain.CSRFToken{Value: fields["value"], IssuedAt: time.Unix(0, ns).UTC()}, true, nil
}

func (s *RedisCSRFStore) ConsumeExact(ctx context.Context, csrfKey, scope, token string) (bool, error) {
	res, err := consumeExactScript.Run(ctx, s.client,
		[]string{s.entryKey(csrfKey, scope), s.indexKey(csrfKey)},
		token, scope,
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisCSRFStore) DeleteAll(ctx context.Context, csrfKey string) error {
	index := s.indexKey(csrfKey)
	scopes, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(scopes)+1)
	for _, sc := range scopes {
		keys = append(keys, s.entryKey(csrfKey, sc))
	}
	keys = append(keys, index)
	return s.client.Del(ctx, keys...).Err()
}
