// Package agora implements the streaming provider for the agora RTC
// network.
package agora

import (
	"context"
	"io"

	"avatarlink/internal/core/ports"
)

// Client is the part of the agora RTC client the provider drives. The
// default implementation speaks to an agora-compatible gateway through the
// rtc engine; tests substitute a fake.
type Client interface {
	Join(ctx context.Context, appID, channel, token string, uid int64) (int64, error)
	Leave(ctx context.Context) error
	RenewToken(ctx context.Context, token string) error

	CreateMicrophoneAudioTrack(ctx context.Context, cfg MicrophoneConfig) (LocalTrack, error)
	CreateCameraVideoTrack(ctx context.Context, cfg CameraConfig) (LocalTrack, error)
	Publish(ctx context.Context, track LocalTrack) error
	Unpublish(ctx context.Context, track LocalTrack) error

	SendStreamMessage(data []byte) error
	StreamMessageReady() bool

	GetRTCStats(ctx context.Context) (RTCStats, error)
	PlayRemoteVideo(uid int64, sink ports.MediaSink) (stop func(), err error)
	DumpRemoteAudio(ctx context.Context, w io.Writer) error

	SetEventHandler(h EventHandler)
}

// LocalTrack is a microphone or camera track.
type LocalTrack interface {
	TrackID() string
	SetEnabled(enabled bool)
	SetVolume(volume int)
	SetNoiseSuppression(ctx context.Context, enabled bool) error
	Close() error
}

type MicrophoneConfig struct {
	Volume int
	ANS    bool // AI noise suppression
}

type CameraConfig struct {
	Width, Height, FrameRate int
	Screen                   bool
}

// RTCStats mirrors the channel level statistics agora reports.
type RTCStats struct {
	RTT                        float64 // ms
	OutgoingAvailableBandwidth float64 // kbps
	RecvAudioBitrate           float64 // kbps
	RecvVideoBitrate           float64 // kbps
	AudioPacketLossRate        float64 // percent
	VideoPacketLossRate        float64 // percent
	AudioJitter                float64 // ms
	VideoJitter                float64 // ms
}

// NetworkQuality uses agora's 0-6 scale: 0 unknown, 1 excellent, 6 down.
type NetworkQuality struct {
	Uplink   int `json:"uplink_network_quality"`
	Downlink int `json:"downlink_network_quality"`
}

type RemoteUser struct {
	UID      int64 `json:"uid"`
	HasAudio bool  `json:"has_audio"`
	HasVideo bool  `json:"has_video"`
}

type VolumeLevel struct {
	UID   int64 `json:"uid"`
	Level int   `json:"level"` // 0-100
}

// Connection states reported by OnConnectionStateChange.
const (
	StateDisconnected  = "DISCONNECTED"
	StateConnecting    = "CONNECTING"
	StateConnected     = "CONNECTED"
	StateReconnecting  = "RECONNECTING"
	StateDisconnecting = "DISCONNECTING"
)

// EventHandler receives client events. Every field is optional.
type EventHandler struct {
	OnUserJoined               func(user RemoteUser)
	OnUserLeft                 func(user RemoteUser, reason string)
	OnUserPublished            func(user RemoteUser, mediaType string)
	OnUserUnpublished          func(user RemoteUser, mediaType string)
	OnNetworkQuality           func(q NetworkQuality)
	OnVolumeIndicator          func(levels []VolumeLevel)
	OnStreamMessage            func(uid int64, data []byte)
	OnConnectionStateChange    func(cur, prev, reason string)
	OnTokenPrivilegeWillExpire func()
	OnTokenPrivilegeDidExpire  func()
	OnException                func(code int, msg string, uid int64)
}
