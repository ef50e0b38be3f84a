package repository

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisContentStore keeps each generation's results in the hash content:<generationId>
type RedisContentStore struct {
	redis *redis.Client
}

func NewRedisContentStore(redisClient *redis.Client) *RedisContentStore {
	return &RedisContentStore{redis: redisClient}
}

func (s *RedisContentStore) Upsert(ctx context.Context, generationID, placeholderID, content string) error {
	if err := s.redis.HSet(ctx, contentKey(generationID), placeholderID, content).Err(); err != nil {
		return fmt.Errorf("upsert content %s/%s: %w", generationID, placeholderID, err)
	}
	return nil
}

func (s *RedisContentStore) GetAll(ctx context.Context, generationID string) (map[string]string, error) {
	out, err := s.redis.HGetAll(ctx, contentKey(generationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", generationID, err)
	}
	return out, nil
}

func (s *RedisContentStore) DeleteAll(ctx context.Context, generationID string) error {
	if err := s.redis.Del(ctx, contentKey(generationID)).Err(); err != nil {
		return fmt.Errorf("delete content %s: %w", generationID, err)
	}
	return nil
}

func contentKey(generationID string) string { return fmt.Sprintf("content:%s", generationID) }
