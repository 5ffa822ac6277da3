package redis

import (
	"context"
	"fmt"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// settingsKey holds every setting as one field of a hash.
const settingsKey = "avatarlink:settings"

type RedisSettingsRepository struct {
	client *redis.Client
	key    string
}

func NewRedisSettingsRepository(client *redis.Client) ports.SettingsRepository {
	return &RedisSettingsRepository{
		client: client,
		key:    settingsKey,
	}
}

func (r *RedisSettingsRepository) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.HGet(ctx, r.key, key).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrSettingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting from Redis: %w", err)
	}
	return data, nil
}

func (r *RedisSettingsRepository) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.HSet(ctx, r.key, key, value).Err(); err != nil {
		return fmt.Errorf("failed to set setting in Redis: %w", err)
	}
	return nil
}

func (r *RedisSettingsRepository) Delete(ctx context.Context, key string) error {
	removed, err := r.client.HDel(ctx, r.key, key).Result()
	if err != nil {
		return fmt.Errorf("failed to delete setting from Redis: %w", err)
	}
	if removed == 0 {
		return domain.ErrSettingNotFound
	}
	return nil
}

func (r *RedisSettingsRepository) List(ctx context.Context) (map[string][]byte, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list settings from Redis: %w", err)
	}

	out := make(map[string][]byte, len(fields))
	for k, v := range fields {
		out[k] = []byte(v)
	}
	return out, nil
}
