package services

import (
	"sync"
	"sync/atomic"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/pkg/eventbus"
	"avatarlink/pkg/utils"

	"go.uber.org/zap"
)

// ConnectionMonitor tracks a vendor transport's status and schedules the
// two credential expiry signals. Vendors that push their own expiry events
// call TokenWillExpire and TokenExpired directly.
type ConnectionMonitor struct {
	mu         sync.Mutex
	status     domain.ConnectionStatus
	connected  atomic.Bool
	warnBefore time.Duration
	timers     []*time.Timer
	held       bool
	pending    time.Time

	provider string
	bus      *eventbus.Bus
	now      func() time.Time

	logger *zap.SugaredLogger
}

func NewConnectionMonitor(provider string, bus *eventbus.Bus, warnBefore time.Duration, logger *zap.SugaredLogger) *ConnectionMonitor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ConnectionMonitor{
		status:     domain.ConnectionDisconnected,
		warnBefore: warnBefore,
		provider:   provider,
		bus:        bus,
		now:        time.Now,
		logger:     logger,
	}
}

// IsConnected reports whether the transport is usable right now.
func (m *ConnectionMonitor) IsConnected() bool {
	return m.connected.Load()
}

// Status returns the last reported transport status.
func (m *ConnectionMonitor) Status() domain.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetStatus records a transport transition and publishes it when the status
// actually changed.
func (m *ConnectionMonitor) SetStatus(status domain.ConnectionStatus, reason string) {
	m.mu.Lock()
	prev := m.status
	m.status = status
	m.connected.Store(status == domain.ConnectionConnected)
	m.mu.Unlock()

	if prev == status {
		return
	}
	m.logger.Debugw("connection state changed",
		"provider", m.provider,
		"status", status,
		"previous", prev,
		"reason", reason,
	)
	eventbus.Emit(m.bus, TopicConnection, domain.ConnectionChange{Status: status, Previous: prev, Reason: reason})
}

// ScheduleExpiry arms the warning and expiry timers for expiresAt,
// replacing any earlier schedule. A zero time disarms both.
func (m *ConnectionMonitor) ScheduleExpiry(expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimersLocked()
	if m.held {
		m.pending = expiresAt
		return
	}
	m.armLocked(expiresAt)
}

// HoldExpiry defers ScheduleExpiry until ReleaseExpiry, so credentials
// that are already expired cannot fire before the join is recorded.
func (m *ConnectionMonitor) HoldExpiry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = true
	m.pending = time.Time{}
}

// ReleaseExpiry arms the schedule recorded while held.
func (m *ConnectionMonitor) ReleaseExpiry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return
	}
	m.held = false
	expiresAt := m.pending
	m.pending = time.Time{}
	m.armLocked(expiresAt)
}

func (m *ConnectionMonitor) armLocked(expiresAt time.Time) {
	if expiresAt.IsZero() {
		return
	}

	remaining := utils.Until(m.now(), expiresAt)
	if remaining == 0 {
		go m.TokenExpired()
		return
	}

	if warnIn := remaining - m.warnBefore; warnIn > 0 {
		m.timers = append(m.timers, time.AfterFunc(warnIn, func() {
			m.TokenWillExpire(utils.Until(m.now(), expiresAt))
		}))
	} else {
		go m.TokenWillExpire(remaining)
	}
	m.timers = append(m.timers, time.AfterFunc(remaining, m.TokenExpired))
}

// TokenWillExpire publishes the soft warning.
func (m *ConnectionMonitor) TokenWillExpire(remaining time.Duration) {
	m.logger.Warnw("credentials will expire soon", "provider", m.provider, "remaining", remaining)
	eventbus.Emit(m.bus, TopicTokenWillExpire, remaining)
}

// TokenExpired marks the transport unusable and then publishes the hard
// failure, so nothing observing the event can still see it connected.
func (m *ConnectionMonitor) TokenExpired() {
	m.connected.Store(false)
	m.logger.Warnw("credentials expired", "provider", m.provider)
	eventbus.Emit(m.bus, TopicTokenExpired, struct{}{})
}

// Stop disarms pending expiry timers.
func (m *ConnectionMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimersLocked()
}

func (m *ConnectionMonitor) stopTimersLocked() {
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
}

// Reset returns the monitor to disconnected without publishing.
func (m *ConnectionMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimersLocked()
	m.held = false
	m.pending = time.Time{}
	m.status = domain.ConnectionDisconnected
	m.connected.Store(false)
}
