// Package session drives the provider manager from avatar sessions created
// on the REST backend.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/internal/core/services"
	"avatarlink/internal/providers"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/eventbus"
	"avatarlink/pkg/logger"
	"avatarlink/pkg/resource"

	"go.uber.org/zap"
)

const sessionGroup = "session"

// Lease guards one session id against a second control process.
type Lease interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// LeaseFunc returns an unheld lease for a session id.
type LeaseFunc func(sessionID string) Lease

// StartRequest selects the avatar and vendor for a new session.
type StartRequest struct {
	AvatarID string              `json:"avatar_id" binding:"required,max=100"`
	VoiceID  string              `json:"voice_id,omitempty" binding:"max=100"`
	Language string              `json:"language,omitempty" binding:"max=20"`
	Provider domain.ProviderType `json:"provider,omitempty"`
}

// Started is published once a session's provider is connected.
type Started struct {
	SessionID string              `json:"session_id"`
	Provider  domain.ProviderType `json:"provider"`
}

// Stopped is published after a session has been torn down.
type Stopped struct {
	SessionID string `json:"session_id"`
}

// Session-level topics, carried on the manager's bus next to the
// provider-* topics. Handler callbacks are republished on the
// services topics of the same names.
var (
	TopicStarted = eventbus.Topic[Started]("session-started")
	TopicStopped = eventbus.Topic[Stopped]("session-stopped")
)

// Options configures an Orchestrator.
type Options struct {
	API             ports.SessionAPI
	Manager         *providers.Manager
	DefaultProvider domain.ProviderType
	Leases          LeaseFunc
	Resources       *resource.Manager
	Logger          *zap.SugaredLogger
}

// Orchestrator holds at most one active session.
type Orchestrator struct {
	api             ports.SessionAPI
	manager         *providers.Manager
	bus             *eventbus.Bus
	defaultProvider domain.ProviderType
	leases          LeaseFunc
	resources       *resource.Manager

	// mu serializes Start, Switch and Stop.
	mu      sync.Mutex
	active  *domain.Session
	request StartRequest

	logger *zap.SugaredLogger
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Resources == nil {
		opts.Resources = resource.NewManager(opts.Logger)
	}
	if !opts.DefaultProvider.Valid() {
		opts.DefaultProvider = domain.ProviderAgora
	}
	return &Orchestrator{
		api:             opts.API,
		manager:         opts.Manager,
		bus:             opts.Manager.Events(),
		defaultProvider: opts.DefaultProvider,
		leases:          opts.Leases,
		resources:       opts.Resources,
		logger:          logger.Named(opts.Logger, "session"),
	}
}

// Events returns the bus carrying session, provider and message topics.
func (o *Orchestrator) Events() *eventbus.Bus { return o.bus }

// Active returns a copy of the running session, or nil.
func (o *Orchestrator) Active() *domain.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return nil
	}
	s := *o.active
	return &s
}

// Provider returns the connected provider of the active session.
func (o *Orchestrator) Provider() (ports.StreamingProvider, error) {
	return o.manager.Require()
}

// Start creates a session on the backend and connects its provider.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*domain.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		return nil, errors.Wrap(domain.ErrSessionActive, errors.ErrCodeInvalidConfiguration,
			"a session is already active").WithDetail("sessionId", o.active.ID)
	}
	if req.Provider == "" {
		req.Provider = o.defaultProvider
	}
	if !req.Provider.Valid() {
		return nil, errors.NewProviderNotSupportedError(string(req.Provider))
	}

	s, lease, err := o.open(ctx, req)
	if err != nil {
		return nil, err
	}

	o.active, o.request = s, req
	o.track(s, lease)

	o.logger.Infow("session started", "session_id", s.ID, "provider", s.StreamType)
	eventbus.Emit(o.bus, TopicStarted, Started{SessionID: s.ID, Provider: s.StreamType})
	return o.copyActive(), nil
}

// Switch moves the active session to another vendor. The backend issues
// vendor-specific credentials, so a new session is created first; the old
// one is closed only after the new provider connected. When the switch
// fails after the old provider was disconnected, the old session is stopped
// as well and no session remains active.
func (o *Orchestrator) Switch(ctx context.Context, to domain.ProviderType) (*domain.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active == nil {
		return nil, errors.Wrap(domain.ErrSessionNotFound, errors.ErrCodeInvalidConfiguration, "no active session")
	}
	if !to.Valid() {
		return nil, errors.NewProviderNotSupportedError(string(to))
	}
	if o.active.StreamType == to {
		return o.copyActive(), nil
	}

	req := o.request
	req.Provider = to
	s, lease, err := o.open(ctx, req)
	if err != nil {
		if p := o.manager.Current(); p == nil || !p.State().IsJoined {
			o.logger.Warnw("switch failed without a live provider", "session_id", o.active.ID, "to", to, "error", err)
			o.stopLocked(ctx)
		}
		return nil, err
	}

	previous := o.active
	o.resources.CleanupGroup(ctx, sessionGroup)

	o.active, o.request = s, req
	o.track(s, lease)

	o.logger.Infow("session switched", "from", previous.ID, "to", s.ID, "provider", to)
	eventbus.Emit(o.bus, TopicStopped, Stopped{SessionID: previous.ID})
	eventbus.Emit(o.bus, TopicStarted, Started{SessionID: s.ID, Provider: to})
	return o.copyActive(), nil
}

// Stop disconnects the provider and closes the session. Teardown is best
// effort; Stop only fails when no session is active.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active == nil {
		return errors.Wrap(domain.ErrSessionNotFound, errors.ErrCodeInvalidConfiguration, "no active session")
	}
	o.stopLocked(ctx)
	return nil
}

// stopLocked tears down the active session. o.mu must be held.
func (o *Orchestrator) stopLocked(ctx context.Context) {
	id := o.active.ID

	if err := o.manager.Disconnect(ctx); err != nil {
		o.logger.Warnw("provider disconnect failed", "session_id", id, "error", err)
	}
	o.resources.CleanupGroup(ctx, sessionGroup)
	o.active = nil

	o.logger.Infow("session stopped", "session_id", id)
	eventbus.Emit(o.bus, TopicStopped, Stopped{SessionID: id})
}

// Close stops any active session and releases the manager.
func (o *Orchestrator) Close(ctx context.Context) error {
	if o.Active() != nil {
		_ = o.Stop(ctx)
	}
	return o.manager.Close(ctx)
}

// open creates a backend session, takes its lease and switches the manager
// to its provider. Everything acquired is released again on failure.
func (o *Orchestrator) open(ctx context.Context, req StartRequest) (*domain.Session, Lease, error) {
	start := time.Now()

	s, err := o.api.CreateSession(ctx, domain.SessionOptions{
		AvatarID:   req.AvatarID,
		VoiceID:    req.VoiceID,
		Language:   req.Language,
		StreamType: req.Provider,
	})
	if err != nil {
		return nil, nil, err
	}
	if s.StreamType == "" {
		s.StreamType = req.Provider
	}
	ctx = logger.WithSessionID(ctx, s.ID)

	abort := func(cause error) (*domain.Session, Lease, error) {
		if cerr := o.api.CloseSession(context.WithoutCancel(ctx), s.ID); cerr != nil {
			o.logger.Warnw("failed to close session after start failure", "session_id", s.ID, "error", cerr)
		}
		return nil, nil, cause
	}

	var lease Lease
	if o.leases != nil {
		lease = o.leases(s.ID)
		held, err := lease.TryLock(ctx)
		if err != nil {
			return abort(fmt.Errorf("failed to lease session %s: %w", s.ID, err))
		}
		if !held {
			return abort(errors.New(errors.ErrCodeInvalidConfiguration, "session is driven by another instance").
				WithDetail("sessionId", s.ID))
		}
	}
	release := func() {
		if lease != nil {
			if err := lease.Unlock(context.WithoutCancel(ctx)); err != nil {
				o.logger.Warnw("failed to release session lease", "session_id", s.ID, "error", err)
			}
		}
	}

	creds, err := s.Credentials.CredentialsFor(s.StreamType)
	if err == nil {
		err = creds.Validate()
	}
	if err != nil {
		release()
		return abort(errors.MapGenericError(err))
	}

	if err := o.manager.SwitchProvider(ctx, s.StreamType, creds, o.handlers(s.ID)); err != nil {
		release()
		return abort(err)
	}

	o.logger.Debugw("session opened", "session_id", s.ID, "provider", s.StreamType, "duration", time.Since(start))
	return s, lease, nil
}

// track registers the teardown of s with the session group.
func (o *Orchestrator) track(s *domain.Session, lease Lease) {
	g := o.resources.Group(sessionGroup)
	g.Add(resource.Named("close-session", resource.Func(func(ctx context.Context) error {
		return o.api.CloseSession(ctx, s.ID)
	})))
	if lease != nil {
		g.Add(resource.Named("session-lease", resource.Func(lease.Unlock)))
	}
}

// handlers republishes provider callbacks on the shared bus.
func (o *Orchestrator) handlers(sessionID string) ports.StreamingEventHandlers {
	return ports.StreamingEventHandlers{
		OnParticipantJoined: func(p domain.Participant) {
			eventbus.Emit(o.bus, services.TopicParticipantJoined, p)
		},
		OnParticipantLeft: func(p domain.Participant) {
			eventbus.Emit(o.bus, services.TopicParticipantLeft, p)
		},
		OnConnectionQualityChanged: func(q domain.ConnectionQuality) {
			eventbus.Emit(o.bus, services.TopicQuality, q)
		},
		OnError: func(err *errors.StreamingError) {
			o.logger.Warnw("provider error", "session_id", sessionID, "code", err.Code, "error", err)
			eventbus.Emit(o.bus, services.TopicError, err)
		},
		OnMessageReceived: func(m domain.ReceivedMessage) {
			eventbus.Emit(o.bus, services.TopicMessageReceived, m)
		},
		OnSpeakingStateChanged: func(speaking bool) {
			eventbus.Emit(o.bus, services.TopicSpeaking, speaking)
		},
		OnSystemMessage: func(m domain.SystemMessage) {
			eventbus.Emit(o.bus, services.TopicSystemMessage, m)
		},
		OnChatMessage: func(m domain.ChatMessage) {
			eventbus.Emit(o.bus, services.TopicChatMessage, m)
		},
		OnCommand: func(c domain.CommandEvent) {
			eventbus.Emit(o.bus, services.TopicCommand, c)
		},
	}
}

func (o *Orchestrator) copyActive() *domain.Session {
	s := *o.active
	return &s
}
