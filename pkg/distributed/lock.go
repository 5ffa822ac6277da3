// Package distributed provides Redis-backed leases so only one control
// process drives a given avatar session at a time.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Unlock when the lease expired or was taken over.
var ErrNotHeld = errors.New("lock was not held by this instance")

var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// DistributedLock is a renewable lease on one key.
type DistributedLock struct {
	client *redis.Client
	key    string
	value  string // unique per holder
	ttl    time.Duration

	mu        sync.Mutex
	stopRenew context.CancelFunc
}

// NewDistributedLock creates an unheld lease on key.
func NewDistributedLock(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    key,
		value:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Key returns the Redis key guarded by the lease.
func (l *DistributedLock) Key() string { return l.key }

// TryLock attempts to acquire the lease without blocking. A held lease is
// renewed at half its TTL until Unlock.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to try lock: %w", err)
	}
	if !acquired {
		return false, nil
	}

	// Renewal outlives the acquiring request.
	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.mu.Lock()
	l.stopRenew = cancel
	l.mu.Unlock()
	go l.renewLock(renewCtx)
	return true, nil
}

// Lock retries TryLock until it succeeds, timeout passes, or ctx is done.
func (l *DistributedLock) Lock(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock acquisition timeout")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Unlock stops renewal and releases the lease if it is still ours.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	stop := l.stopRenew
	l.stopRenew = nil
	l.mu.Unlock()
	if stop != nil {
		stop()
	}

	result, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if result == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *DistributedLock) renewLock(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			if err != nil || renewed == 0 {
				return
			}
		}
	}
}

// LockManager hands out leases under a common key prefix.
type LockManager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewLockManager creates a manager whose leases last ttl between renewals.
func NewLockManager(client *redis.Client, prefix string, ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LockManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// AcquireLock returns an unheld lease for key.
func (lm *LockManager) AcquireLock(key string) *DistributedLock {
	return NewDistributedLock(lm.client, lm.prefix+key, lm.ttl)
}
