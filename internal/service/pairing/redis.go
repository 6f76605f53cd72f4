package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"pair_sync/internal/model"
	"pair_sync/internal/service/redis"
)

type (
	// RedisStore mirrors pairing records into Redis so their creation time
	// survives a relay restart.
	RedisStore struct {
		redisService *redis.RedisService
	}
)

func NewRedisStore(redisSvc *redis.RedisService) *RedisStore {
	return &RedisStore{
		redisService: redisSvc,
	}
}

func pairingKey(key string) string {
	return fmt.Sprintf("pairing:%s", key)
}

func (s *RedisStore) Put(ctx context.Context, p model.Pairing) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.redisService.Set(ctx, pairingKey(p.Key), data, 0)
}

func (s *RedisStore) Get(ctx context.Context, key string) (*model.Pairing, error) {
	v, err := s.redisService.Get(ctx, pairingKey(key))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var p model.Pairing
	if err := json.Unmarshal([]byte(v), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.redisService.Del(ctx, pairingKey(key))
}
