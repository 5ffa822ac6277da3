package providers

import (
	"context"
	"sync"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/eventbus"
	"avatarlink/pkg/tracing"

	"go.uber.org/zap"
)

// StateChange is published whenever the active provider's state changes.
type StateChange struct {
	Provider domain.ProviderType   `json:"provider"`
	State    domain.StreamingState `json:"state"`
}

// SwitchFailure is published when a provider switch does not complete.
type SwitchFailure struct {
	From  domain.ProviderType    `json:"from,omitempty"`
	To    domain.ProviderType    `json:"to"`
	Error *errors.StreamingError `json:"error"`
}

// Switched is published after a new provider connected and became current.
type Switched struct {
	From domain.ProviderType `json:"from,omitempty"`
	To   domain.ProviderType `json:"to"`
}

var (
	TopicStateChanged = eventbus.Topic[StateChange]("provider-state-changed")
	TopicSwitchFailed = eventbus.Topic[SwitchFailure]("provider-switch-failed")
	TopicSwitched     = eventbus.Topic[Switched]("provider-switched")
)

// Manager owns the active provider and serializes switches between vendors.
type Manager struct {
	// switchMu serializes SwitchProvider and Close. mu guards the fields
	// below and is never held across provider calls.
	switchMu sync.Mutex

	mu          sync.RWMutex
	factory     *Factory
	current     ports.StreamingProvider
	currentType domain.ProviderType
	unsubscribe func()
	closed      bool

	bus     *eventbus.Bus
	metrics ports.Metrics
	logger  *zap.SugaredLogger
}

// NewManager creates a manager with no active provider. bus receives the
// manager's topics; a private bus is created when nil.
func NewManager(factory *Factory, bus *eventbus.Bus, metrics ports.Metrics, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if bus == nil {
		bus = eventbus.New(logger)
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Manager{
		factory: factory,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// Events returns the bus carrying the provider-* topics.
func (m *Manager) Events() *eventbus.Bus { return m.bus }

// SwitchProvider disconnects the current provider, then creates, subscribes
// to and connects a provider of type t. The new provider becomes current only
// once connected; on failure the current pointer is left as it was.
func (m *Manager) SwitchProvider(
	ctx context.Context,
	t domain.ProviderType,
	creds domain.Credentials,
	handlers ports.StreamingEventHandlers,
) (err error) {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.RLock()
	current, from, closed := m.current, m.currentType, m.closed
	m.mu.RUnlock()
	if closed {
		return domain.ErrProviderClosed
	}

	start := time.Now()
	ctx, span := tracing.TraceSwitch(ctx, string(from), string(t))
	defer func() {
		m.metrics.SwitchCompleted(string(from), string(t), err, time.Since(start))
		tracing.End(span, start, err)
	}()

	m.logger.Infow("switching provider", "from", from, "to", t)

	if current != nil {
		if derr := current.Disconnect(ctx); derr != nil {
			m.logger.Warnw("previous provider disconnect failed", "provider", from, "error", derr)
		}
	}

	next, err := m.factory.Create(t)
	if err != nil {
		return m.switchFailed(from, t, err)
	}

	unsubscribe := next.Subscribe(func(state domain.StreamingState) {
		eventbus.Emit(m.bus, TopicStateChanged, StateChange{Provider: t, State: state})
	})

	if err := next.Connect(ctx, creds, handlers); err != nil {
		unsubscribe()
		// Connect may fail after the vendor session was established.
		if derr := next.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			m.logger.Warnw("failed provider disconnect failed", "provider", t, "error", derr)
		}
		return m.switchFailed(from, t, err)
	}

	m.mu.Lock()
	prevUnsubscribe := m.unsubscribe
	m.current = next
	m.currentType = t
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	if prevUnsubscribe != nil {
		prevUnsubscribe()
	}
	m.metrics.ActiveProvider(string(t))

	m.logger.Infow("provider switched", "from", from, "to", t, "duration", time.Since(start))
	eventbus.Emit(m.bus, TopicSwitched, Switched{From: from, To: t})
	return nil
}

func (m *Manager) switchFailed(from, to domain.ProviderType, err error) error {
	se := errors.MapGenericError(err)
	if se.Provider == "" {
		se = se.WithProvider(string(to))
	}
	m.logger.Warnw("provider switch failed", "from", from, "to", to, "code", se.Code, "error", se)
	eventbus.Emit(m.bus, TopicSwitchFailed, SwitchFailure{From: from, To: to, Error: se})
	return se
}

// Connect connects the current provider, or switches to the vendor named
// by creds when none is active or the vendor differs.
func (m *Manager) Connect(ctx context.Context, creds domain.Credentials, handlers ports.StreamingEventHandlers) error {
	if creds == nil {
		return errors.NewInvalidConfigurationError("credentials are required")
	}

	m.mu.RLock()
	current, currentType, closed := m.current, m.currentType, m.closed
	m.mu.RUnlock()

	if closed {
		return domain.ErrProviderClosed
	}
	if current == nil || currentType != creds.ProviderType() {
		return m.SwitchProvider(ctx, creds.ProviderType(), creds, handlers)
	}
	return current.Connect(ctx, creds, handlers)
}

// Disconnect disconnects the current provider and keeps it current.
func (m *Manager) Disconnect(ctx context.Context) error {
	if current := m.Current(); current != nil {
		return current.Disconnect(ctx)
	}
	return nil
}

// Current returns the active provider, or nil.
func (m *Manager) Current() ports.StreamingProvider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CurrentType returns the active vendor tag, or "" when none is active.
func (m *Manager) CurrentType() domain.ProviderType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentType
}

// Require returns the active provider or ErrNoActiveProvider.
func (m *Manager) Require() (ports.StreamingProvider, error) {
	if p := m.Current(); p != nil {
		return p, nil
	}
	return nil, domain.ErrNoActiveProvider
}

// Close disconnects and releases the current provider. Later switches fail
// with ErrProviderClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	current, currentType, unsubscribe := m.current, m.currentType, m.unsubscribe
	m.current = nil
	m.currentType = ""
	m.unsubscribe = nil
	m.mu.Unlock()

	if current != nil {
		if err := current.Disconnect(ctx); err != nil {
			m.logger.Warnw("provider disconnect on close failed", "provider", currentType, "error", err)
		}
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	m.metrics.ActiveProvider("")
	m.logger.Infow("provider manager closed")
	return nil
}
