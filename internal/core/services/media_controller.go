package services

import (
	"context"
	"sync"

	"avatarlink/pkg/errors"

	"go.uber.org/zap"
)

// MediaHooks are the native calls behind one local media track. C is the
// enable config, N the native track handle and T the unified track.
type MediaHooks[C, N, T any] struct {
	Acquire   func(ctx context.Context, cfg C) (N, error)
	Release   func(ctx context.Context, native N) error
	Publish   func(ctx context.Context, native N) error
	Unpublish func(ctx context.Context, native N) error
	Describe  func(native N, cfg C) T

	// Connected reports the transport state at call time.
	Connected func() bool
	// MapError normalizes native failures. Nil uses MapGenericError.
	MapError func(err error) *errors.StreamingError
	// OnError observes every surfaced error.
	OnError func(err *errors.StreamingError)
}

// MediaController is the shared enable/disable/publish/unpublish bookkeeping
// for a vendor's local audio or video track. Operations are serialized.
type MediaController[C, N, T any] struct {
	mu        sync.Mutex
	kind      string
	provider  string
	hooks     MediaHooks[C, N, T]
	native    N
	track     *T
	enabled   bool
	published bool

	logger *zap.SugaredLogger
}

func NewMediaController[C, N, T any](provider, kind string, hooks MediaHooks[C, N, T], logger *zap.SugaredLogger) *MediaController[C, N, T] {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if hooks.Connected == nil {
		hooks.Connected = func() bool { return false }
	}
	return &MediaController[C, N, T]{
		kind:     kind,
		provider: provider,
		hooks:    hooks,
		logger:   logger,
	}
}

func (m *MediaController[C, N, T]) surface(code errors.ErrorCode, msg string, err error) *errors.StreamingError {
	var se *errors.StreamingError
	switch {
	case err == nil:
		se = errors.New(code, msg)
	case errors.IsStreamingError(err):
		se = errors.GetStreamingError(err)
	case code == "" && m.hooks.MapError != nil:
		se = m.hooks.MapError(err)
	case code == "":
		se = errors.MapGenericError(err)
	default:
		se = errors.Wrap(err, code, msg)
	}
	se = se.WithProvider(m.provider).WithDetail("kind", m.kind)
	if m.hooks.OnError != nil {
		m.hooks.OnError(se)
	}
	return se
}

// Enable acquires the native track once. While enabled, further calls return
// a copy of the existing track.
func (m *MediaController[C, N, T]) Enable(ctx context.Context, cfg C) (*T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enabled {
		t := *m.track
		return &t, nil
	}

	native, err := m.hooks.Acquire(ctx, cfg)
	if err != nil {
		return nil, m.surface("", "failed to acquire "+m.kind+" track", err)
	}

	track := m.hooks.Describe(native, cfg)
	m.native = native
	m.track = &track
	m.enabled = true

	m.logger.Debugw("local track enabled", "provider", m.provider, "kind", m.kind)
	t := track
	return &t, nil
}

// Disable releases the native track. Bookkeeping is cleared even when the
// release fails; the release error is still returned.
func (m *MediaController[C, N, T]) Disable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return nil
	}

	native := m.native
	if m.published && m.hooks.Connected() && m.hooks.Unpublish != nil {
		if err := m.hooks.Unpublish(ctx, native); err != nil {
			m.logger.Warnw("unpublish before disable failed", "provider", m.provider, "kind", m.kind, "error", err)
		}
	}

	var zero N
	m.native = zero
	m.track = nil
	m.enabled = false
	m.published = false

	if m.hooks.Release != nil {
		if err := m.hooks.Release(ctx, native); err != nil {
			return m.surface("", "failed to release "+m.kind+" track", err)
		}
	}
	m.logger.Debugw("local track disabled", "provider", m.provider, "kind", m.kind)
	return nil
}

// Publish sends the enabled track to the room. It requires a connected
// transport.
func (m *MediaController[C, N, T]) Publish(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return m.surface(errors.ErrCodeTrackPublishFailed, "no local "+m.kind+" track to publish", nil)
	}
	if !m.hooks.Connected() {
		return m.surface(errors.ErrCodeTrackPublishFailed, "cannot publish "+m.kind+" while not connected", nil)
	}
	if m.published {
		return nil
	}
	if err := m.hooks.Publish(ctx, m.native); err != nil {
		return m.surface(errors.ErrCodeTrackPublishFailed, "failed to publish "+m.kind+" track", err)
	}
	m.published = true
	m.logger.Debugw("local track published", "provider", m.provider, "kind", m.kind)
	return nil
}

// Unpublish withdraws the track. When the transport is already gone the
// native call is skipped and the track is simply marked unpublished.
func (m *MediaController[C, N, T]) Unpublish(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.published {
		return nil
	}
	if m.hooks.Connected() {
		if err := m.hooks.Unpublish(ctx, m.native); err != nil {
			return m.surface(errors.ErrCodeTrackUnpublishFailed, "failed to unpublish "+m.kind+" track", err)
		}
	}
	m.published = false
	m.logger.Debugw("local track unpublished", "provider", m.provider, "kind", m.kind)
	return nil
}

// Track returns a copy of the current track or nil.
func (m *MediaController[C, N, T]) Track() *T {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.track == nil {
		return nil
	}
	t := *m.track
	return &t
}

// Published reports whether the track is currently published.
func (m *MediaController[C, N, T]) Published() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

// WithNative runs fn against the enabled native track under the controller
// lock. It fails with a device error when nothing is enabled.
func (m *MediaController[C, N, T]) WithNative(fn func(native N, track *T) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return m.surface(errors.ErrCodeMediaDeviceError, "no local "+m.kind+" track", nil)
	}
	if err := fn(m.native, m.track); err != nil {
		return m.surface("", m.kind+" operation failed", err)
	}
	return nil
}
