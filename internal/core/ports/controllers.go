package ports

import (
	"context"
	"io"

	"avatarlink/internal/core/domain"
)

// ConnectionController owns the native transport session.
type ConnectionController interface {
	Connect(ctx context.Context, creds domain.Credentials) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
}

// AudioController manages the local microphone track.
type AudioController interface {
	Enable(ctx context.Context, cfg AudioConfig) (*domain.AudioTrack, error)
	Disable(ctx context.Context) error
	Publish(ctx context.Context) error
	Unpublish(ctx context.Context) error
	Track() *domain.AudioTrack
	SetNoiseReduction(ctx context.Context, enabled bool) error
	Dump(ctx context.Context, w io.Writer) error
}

// VideoController manages the local camera track and remote avatar video.
type VideoController interface {
	Enable(ctx context.Context, cfg VideoConfig) (*domain.VideoTrack, error)
	Disable(ctx context.Context) error
	Publish(ctx context.Context) error
	Unpublish(ctx context.Context) error
	Track() *domain.VideoTrack
	Play(ctx context.Context, sink MediaSink) error
	Stop(ctx context.Context) error
}

// ParticipantController is the live participant registry.
type ParticipantController interface {
	Upsert(p domain.Participant) error
	Update(id string, fn func(*domain.Participant)) bool
	Remove(id string) (domain.Participant, bool)
	Get(id string) (domain.Participant, bool)
	List() []domain.Participant
	Local() *domain.Participant
	Clear()
}

// ParticipantConverter turns a vendor participant into the unified shape.
type ParticipantConverter[N any] interface {
	ToParticipant(native N, local bool) domain.Participant
}

// StatsController collects network telemetry while connected.
type StatsController interface {
	Start(ctx context.Context)
	Stop()
}

// MessageTransport is a vendor's unreliable data primitive.
type MessageTransport interface {
	SendFrame(ctx context.Context, data []byte) error
	IsReady() bool
}
