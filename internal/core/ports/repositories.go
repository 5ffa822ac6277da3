package ports

import (
	"context"
	"time"

	"avatarlink/internal/core/domain"
)

// SettingsRepository persists control surface configuration as JSON values.
type SettingsRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)
}

// StatePublisher relays provider state to external observers.
type StatePublisher interface {
	PublishState(ctx context.Context, provider domain.ProviderType, state domain.StreamingState) error
	Close() error
}

// SessionAPI is the REST avatar-session backend.
type SessionAPI interface {
	CreateSession(ctx context.Context, opts domain.SessionOptions) (*domain.Session, error)
	CloseSession(ctx context.Context, id string) error
	ListAvatars(ctx context.Context) ([]domain.Avatar, error)
	ListVoices(ctx context.Context) ([]domain.Voice, error)
	ListLanguages(ctx context.Context) ([]domain.Language, error)
}

// Metrics receives provider-layer measurements.
type Metrics interface {
	ConnectAttempt(provider string, err error, d time.Duration)
	SwitchCompleted(from, to string, err error, d time.Duration)
	ChunkSent(provider string, bytes int)
	MessageSent(provider string, chunks int, err error)
	ErrorRaised(provider, code string)
	QualityObserved(provider string, score int)
	ActiveProvider(provider string)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) ConnectAttempt(string, error, time.Duration)          {}
func (NopMetrics) SwitchCompleted(string, string, error, time.Duration) {}
func (NopMetrics) ChunkSent(string, int)                                {}
func (NopMetrics) MessageSent(string, int, error)                       {}
func (NopMetrics) ErrorRaised(string, string)                           {}
func (NopMetrics) QualityObserved(string, int)                          {}
func (NopMetrics) ActiveProvider(string)                                {}
