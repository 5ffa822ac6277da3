package ports

import (
	"context"
	"io"

	"avatarlink/internal/core/domain"
	"avatarlink/pkg/errors"

	"github.com/pion/rtp"
)

// StreamingProvider is the uniform surface over one real-time vendor.
type StreamingProvider interface {
	Type() domain.ProviderType

	Connect(ctx context.Context, creds domain.Credentials, handlers StreamingEventHandlers) error
	Disconnect(ctx context.Context) error

	EnableVideo(ctx context.Context, cfg VideoConfig) (*domain.VideoTrack, error)
	DisableVideo(ctx context.Context) error
	PlayVideo(ctx context.Context, sink MediaSink) error
	StopVideo(ctx context.Context) error
	PublishVideo(ctx context.Context) error
	UnpublishVideo(ctx context.Context) error

	EnableAudio(ctx context.Context, cfg AudioConfig) (*domain.AudioTrack, error)
	DisableAudio(ctx context.Context) error
	PublishAudio(ctx context.Context) error
	UnpublishAudio(ctx context.Context) error

	SendMessage(ctx context.Context, content string) error
	SendInterrupt(ctx context.Context) error
	SetAvatarParameters(ctx context.Context, metadata map[string]any) error

	EnableNoiseReduction(ctx context.Context) error
	DisableNoiseReduction(ctx context.Context) error
	DumpAudio(ctx context.Context, w io.Writer) error

	State() domain.StreamingState
	UpdateState(changes ...domain.StateChange)
	Subscribe(fn func(domain.StreamingState)) (unsubscribe func())
}

type AudioConfig struct {
	Volume         int  `json:"volume"`
	NoiseReduction bool `json:"noise_reduction"`
}

type VideoConfig struct {
	Source    domain.VideoSource `json:"source"`
	Width     int                `json:"width"`
	Height    int                `json:"height"`
	FrameRate int                `json:"frame_rate"`
}

// DefaultAudioConfig is used when a caller passes the zero value.
func DefaultAudioConfig() AudioConfig { return AudioConfig{Volume: 100} }

// DefaultVideoConfig is used when a caller passes the zero value.
func DefaultVideoConfig() VideoConfig {
	return VideoConfig{Source: domain.VideoSourceCamera, Width: 640, Height: 480, FrameRate: 24}
}

// MediaSink receives remote RTP packets while a remote video is playing.
type MediaSink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// StreamingEventHandlers are supplied by the caller of Connect. Every field
// is optional.
type StreamingEventHandlers struct {
	OnParticipantJoined        func(domain.Participant)
	OnParticipantLeft          func(domain.Participant)
	OnConnectionQualityChanged func(domain.ConnectionQuality)
	OnError                    func(*errors.StreamingError)
	OnMessageReceived          func(domain.ReceivedMessage)
	OnSpeakingStateChanged     func(bool)
	OnSystemMessage            func(domain.SystemMessage)
	OnChatMessage              func(domain.ChatMessage)
	OnCommand                  func(domain.CommandEvent)
}

func (h StreamingEventHandlers) ParticipantJoined(p domain.Participant) {
	if h.OnParticipantJoined != nil {
		h.OnParticipantJoined(p)
	}
}

func (h StreamingEventHandlers) ParticipantLeft(p domain.Participant) {
	if h.OnParticipantLeft != nil {
		h.OnParticipantLeft(p)
	}
}

func (h StreamingEventHandlers) ConnectionQualityChanged(q domain.ConnectionQuality) {
	if h.OnConnectionQualityChanged != nil {
		h.OnConnectionQualityChanged(q)
	}
}

func (h StreamingEventHandlers) Error(err *errors.StreamingError) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h StreamingEventHandlers) MessageReceived(m domain.ReceivedMessage) {
	if h.OnMessageReceived != nil {
		h.OnMessageReceived(m)
	}
}

func (h StreamingEventHandlers) SpeakingStateChanged(speaking bool) {
	if h.OnSpeakingStateChanged != nil {
		h.OnSpeakingStateChanged(speaking)
	}
}

func (h StreamingEventHandlers) SystemMessage(m domain.SystemMessage) {
	if h.OnSystemMessage != nil {
		h.OnSystemMessage(m)
	}
}

func (h StreamingEventHandlers) ChatMessage(m domain.ChatMessage) {
	if h.OnChatMessage != nil {
		h.OnChatMessage(m)
	}
}

func (h StreamingEventHandlers) Command(c domain.CommandEvent) {
	if h.OnCommand != nil {
		h.OnCommand(c)
	}
}
