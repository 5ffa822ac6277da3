package monitoring

import (
	"context"
	"time"

	"avatarlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddSettingsCheck verifies the settings repository answers a List.
func (h *HealthChecker) AddSettingsCheck(repo ports.SettingsRepository, interval, timeout time.Duration) {
	h.AddCheck("settings", func(ctx context.Context) (bool, error) {
		if _, err := repo.List(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddProviderCheck reports unhealthy while the active provider carries an
// error in its state.
func (h *HealthChecker) AddProviderCheck(current func() ports.StreamingProvider, interval, timeout time.Duration) {
	h.AddCheck("provider", func(ctx context.Context) (bool, error) {
		p := current()
		if p == nil {
			return true, nil
		}
		if st := p.State(); st.Error != nil {
			return false, st.Error
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}
