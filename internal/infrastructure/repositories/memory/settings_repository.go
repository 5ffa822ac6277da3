package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
)

type MemorySettingsRepository struct {
	values map[string][]byte
	mu     sync.RWMutex
}

func NewMemorySettingsRepository() ports.SettingsRepository {
	return &MemorySettingsRepository{
		values: make(map[string][]byte),
	}
}

func (r *MemorySettingsRepository) Get(ctx context.Context, key string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	value, exists := r.values[key]
	if !exists {
		return nil, domain.ErrSettingNotFound
	}
	return slices.Clone(value), nil
}

func (r *MemorySettingsRepository) Set(ctx context.Context, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.values[key] = slices.Clone(value)
	return nil
}

func (r *MemorySettingsRepository) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.values[key]; !exists {
		return domain.ErrSettingNotFound
	}
	delete(r.values, key)
	return nil
}

func (r *MemorySettingsRepository) List(ctx context.Context) (map[string][]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := maps.Clone(r.values)
	if out == nil {
		out = make(map[string][]byte)
	}
	for k, v := range out {
		out[k] = slices.Clone(v)
	}
	return out, nil
}
