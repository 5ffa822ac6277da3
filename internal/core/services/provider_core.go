package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/eventbus"
	"avatarlink/pkg/resource"
	"avatarlink/pkg/tracing"
	"avatarlink/pkg/utils"

	"go.uber.org/zap"
)

// CoreConfig configures the vendor-agnostic half of a provider.
type CoreConfig struct {
	Provider   domain.ProviderType
	Transport  ports.MessageTransport
	Messaging  MessageConfig
	WarnBefore time.Duration
	Metrics    ports.Metrics
	Logger     *zap.SugaredLogger
}

// ProviderCore is embedded by every vendor provider. It owns the state
// store, the internal event bus, the participant registry, connection
// monitoring, the message protocol and cleanup tracking, and forwards
// internal events to the caller's StreamingEventHandlers.
type ProviderCore struct {
	provider domain.ProviderType

	Bus          *eventbus.Bus
	Store        *StateStore
	Messages     *MessageController
	Participants *ParticipantRegistry
	Connection   *ConnectionMonitor
	Resources    *resource.Manager
	Metrics      ports.Metrics

	mu            sync.Mutex
	handlers      ports.StreamingEventHandlers
	unsubs        []eventbus.Unsubscribe
	disconnecting atomic.Bool

	logger *zap.SugaredLogger
}

func NewProviderCore(cfg CoreConfig) *ProviderCore {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("provider", cfg.Provider)
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.Messaging.MaxEncodedSize == 0 {
		cfg.Messaging = DefaultMessageConfig()
	}

	bus := eventbus.New(logger)
	name := string(cfg.Provider)
	return &ProviderCore{
		provider:     cfg.Provider,
		Bus:          bus,
		Store:        NewStateStore(logger),
		Messages:     NewMessageController(cfg.Provider, cfg.Transport, bus, cfg.Messaging, metrics, logger),
		Participants: NewParticipantRegistry(name, bus, logger),
		Connection:   NewConnectionMonitor(name, bus, cfg.WarnBefore, logger),
		Resources:    resource.NewManager(logger),
		Metrics:      metrics,
		logger:       logger,
	}
}

func (c *ProviderCore) Type() domain.ProviderType { return c.provider }

func (c *ProviderCore) Logger() *zap.SugaredLogger { return c.logger }

func (c *ProviderCore) State() domain.StreamingState { return c.Store.State() }

func (c *ProviderCore) UpdateState(changes ...domain.StateChange) { c.Store.Update(changes...) }

func (c *ProviderCore) Subscribe(fn func(domain.StreamingState)) func() { return c.Store.Subscribe(fn) }

func (c *ProviderCore) currentHandlers() ports.StreamingEventHandlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

// Join validates creds, runs the vendor join and records the outcome in
// state. When join fails, teardown runs to release whatever native state
// join already acquired, and the provider is left idle with the error
// populated, reported to the error handler and returned. Credential expiry
// scheduled by join is held until the provider is marked joined.
func (c *ProviderCore) Join(
	ctx context.Context,
	creds domain.Credentials,
	handlers ports.StreamingEventHandlers,
	join func(ctx context.Context) error,
	teardown func(ctx context.Context) error,
	mapErr func(error) *errors.StreamingError,
) (err error) {
	start := time.Now()
	ctx, span := tracing.TraceProvider(ctx, "connect", string(c.provider))
	defer func() {
		c.Metrics.ConnectAttempt(string(c.provider), err, time.Since(start))
		tracing.End(span, start, err)
	}()

	c.mu.Lock()
	c.handlers = handlers
	c.mu.Unlock()

	if creds == nil {
		return c.failJoin(errors.NewInvalidConfigurationError("credentials are required"))
	}
	if creds.ProviderType() != c.provider {
		return c.failJoin(errors.New(errors.ErrCodeInvalidCredentials,
			fmt.Sprintf("%s credentials passed to %s provider", creds.ProviderType(), c.provider)))
	}
	if err := creds.Validate(); err != nil {
		return c.failJoin(errors.MapGenericError(err))
	}

	c.startEventListening()
	c.Store.Update(domain.SetConnecting(true), domain.SetError(nil))

	c.Connection.HoldExpiry()
	if err := join(ctx); err != nil {
		c.abortJoin(ctx, teardown)
		if mapErr == nil {
			mapErr = errors.MapGenericError
		}
		return c.failJoin(mapErr(err))
	}

	c.Store.Update(
		domain.SetConnecting(false),
		domain.SetJoined(true),
		domain.SetParticipants(c.Participants.List()),
		domain.SetLocalParticipant(c.Participants.Local()),
	)
	c.Connection.ReleaseExpiry()
	c.logger.Infow("provider connected", "duration", time.Since(start))
	return nil
}

// abortJoin undoes a join that failed part way, possibly after the native
// session was already established.
func (c *ProviderCore) abortJoin(ctx context.Context, teardown func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)

	c.disconnecting.Store(true)
	defer c.disconnecting.Store(false)

	c.stopEventListening()
	c.Connection.Stop()
	if teardown != nil {
		if err := teardown(ctx); err != nil {
			c.logger.Warnw("teardown after failed connect failed", "error", err)
		}
	}
	c.Resources.CleanupAll(ctx)
	c.Participants.Clear()
	c.Connection.Reset()
}

func (c *ProviderCore) failJoin(se *errors.StreamingError) error {
	se = se.WithProvider(string(c.provider))
	c.Store.Update(domain.SetConnecting(false), domain.SetJoined(false), domain.SetError(se))
	c.Metrics.ErrorRaised(string(c.provider), string(se.Code))
	c.logger.Warnw("provider connect failed", "code", se.Code, "error", se)
	c.currentHandlers().Error(se)
	return se
}

// Leave tears the session down best-effort and always ends idle. teardown
// errors are logged only.
func (c *ProviderCore) Leave(ctx context.Context, teardown func(ctx context.Context) error) {
	start := time.Now()
	ctx, span := tracing.TraceProvider(ctx, "disconnect", string(c.provider))

	c.disconnecting.Store(true)
	defer c.disconnecting.Store(false)

	c.Connection.SetStatus(domain.ConnectionDisconnecting, "local")
	c.Connection.Stop()

	var err error
	if teardown != nil {
		if err = teardown(ctx); err != nil {
			c.logger.Warnw("provider teardown failed", "error", err)
		}
	}
	c.Resources.CleanupAll(ctx)

	c.stopEventListening()
	c.Participants.Clear()
	c.Connection.SetStatus(domain.ConnectionDisconnected, "local")
	c.Store.Update(domain.ResetState())

	c.mu.Lock()
	c.handlers = ports.StreamingEventHandlers{}
	c.mu.Unlock()

	tracing.End(span, start, err)
	c.logger.Infow("provider disconnected", "duration", time.Since(start))
}

// ReportError mirrors se into state and forwards it to the error handler.
func (c *ProviderCore) ReportError(se *errors.StreamingError) {
	if se == nil {
		return
	}
	se = se.WithProvider(string(c.provider))
	c.Metrics.ErrorRaised(string(c.provider), string(se.Code))
	c.Store.Update(domain.SetError(se))
	c.currentHandlers().Error(se)
}

// Surface normalizes err, reports it and returns it. Nil passes through.
func (c *ProviderCore) Surface(err error) error {
	if err == nil {
		return nil
	}
	se := errors.MapGenericError(err)
	c.ReportError(se)
	return se
}

func (c *ProviderCore) SendMessage(ctx context.Context, content string) error {
	ctx, span := tracing.TraceMessage(ctx, string(c.provider), "")
	start := time.Now()
	err := c.Surface(c.Messages.SendMessage(ctx, content))
	tracing.End(span, start, err)
	return err
}

func (c *ProviderCore) SendInterrupt(ctx context.Context) error {
	return c.Surface(c.Messages.SendInterrupt(ctx))
}

func (c *ProviderCore) SetAvatarParameters(ctx context.Context, metadata map[string]any) error {
	return c.Surface(c.Messages.SetAvatarParams(ctx, metadata))
}

func (c *ProviderCore) startEventListening() {
	c.stopEventListening()

	bus := c.Bus
	syncParticipants := func() {
		c.Store.Update(
			domain.SetParticipants(c.Participants.List()),
			domain.SetLocalParticipant(c.Participants.Local()),
		)
	}

	unsubs := []eventbus.Unsubscribe{
		eventbus.On(bus, TopicParticipantJoined, func(p domain.Participant) {
			syncParticipants()
			c.currentHandlers().ParticipantJoined(p)
		}),
		eventbus.On(bus, TopicParticipantLeft, func(p domain.Participant) {
			syncParticipants()
			c.currentHandlers().ParticipantLeft(p)
		}),
		eventbus.On(bus, TopicParticipantUpdated, func(domain.Participant) {
			syncParticipants()
		}),
		eventbus.On(bus, TopicQuality, func(q domain.ConnectionQuality) {
			c.Metrics.QualityObserved(string(c.provider), q.Score)
			c.Store.Update(domain.SetNetworkQuality(&q))
			c.currentHandlers().ConnectionQualityChanged(q)
		}),
		eventbus.On(bus, TopicDetailedStats, func(s domain.NetworkStats) {
			c.Store.Update(domain.SetDetailedStats(&s))
		}),
		eventbus.On(bus, TopicSpeaking, func(speaking bool) {
			c.Store.Update(domain.SetSpeaking(speaking))
			c.currentHandlers().SpeakingStateChanged(speaking)
		}),
		eventbus.On(bus, TopicChatMessage, func(m domain.ChatMessage) {
			c.currentHandlers().ChatMessage(m)
		}),
		eventbus.On(bus, TopicSystemMessage, func(m domain.SystemMessage) {
			c.currentHandlers().SystemMessage(m)
		}),
		eventbus.On(bus, TopicCommand, func(cmd domain.CommandEvent) {
			c.currentHandlers().Command(cmd)
		}),
		eventbus.On(bus, TopicMessageReceived, func(m domain.ReceivedMessage) {
			c.currentHandlers().MessageReceived(m)
		}),
		eventbus.On(bus, TopicConnection, c.onConnectionChange),
		eventbus.On(bus, TopicTokenWillExpire, func(remaining time.Duration) {
			c.currentHandlers().SystemMessage(domain.SystemMessage{
				ID:        utils.NewSyntheticID(),
				Text:      "Session credentials expire in " + utils.FormatDuration(remaining),
				EventType: "token_will_expire",
				Metadata:  map[string]any{"remaining_ms": remaining.Milliseconds()},
			})
		}),
		eventbus.On(bus, TopicTokenExpired, func(struct{}) {
			c.Store.Update(domain.SetJoined(false))
			c.ReportError(errors.New(errors.ErrCodeTokenExpired, "session credentials expired"))
		}),
		eventbus.On(bus, TopicError, c.ReportError),
	}

	c.mu.Lock()
	c.unsubs = unsubs
	c.mu.Unlock()
}

func (c *ProviderCore) stopEventListening() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

func (c *ProviderCore) onConnectionChange(change domain.ConnectionChange) {
	switch change.Status {
	case domain.ConnectionReconnecting:
		c.logger.Warnw("transport reconnecting", "reason", change.Reason)
	case domain.ConnectionConnected:
		if change.Previous == domain.ConnectionReconnecting {
			c.logger.Infow("transport reconnected")
		}
	case domain.ConnectionDisconnected:
		if c.disconnecting.Load() || !c.Store.State().IsJoined {
			return
		}
		c.Store.Update(domain.SetJoined(false))
		c.ReportError(errors.New(errors.ErrCodeConnectionLost, "connection lost").WithDetail("reason", change.Reason))
	}
}
