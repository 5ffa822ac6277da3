// Package trtc implements the streaming provider for Tencent RTC rooms.
package trtc

import (
	"context"
	"io"

	"avatarlink/internal/core/ports"
)

// Client is the trtc room API the provider drives.
type Client interface {
	EnterRoom(ctx context.Context, params EnterRoomParams) ([]RemoteUser, error)
	ExitRoom(ctx context.Context) error

	// StartLocalAudio captures the microphone; publish=false keeps it local.
	StartLocalAudio(ctx context.Context, opts LocalAudioOptions) (string, error)
	UpdateLocalAudio(ctx context.Context, publish bool) error
	StopLocalAudio(ctx context.Context) error
	StartLocalVideo(ctx context.Context, opts LocalVideoOptions) (string, error)
	UpdateLocalVideo(ctx context.Context, publish bool) error
	StopLocalVideo(ctx context.Context) error

	StartRemoteVideo(userID string, sink ports.MediaSink) (stop func(), err error)
	RecordRemoteAudio(ctx context.Context, w io.Writer) error
	EnableAIDenoiser(ctx context.Context, enabled bool) error

	SendCustomMessage(cmdID int, data []byte) error
	CustomMessageReady() bool

	GetStatistics(ctx context.Context) (Statistics, error)
	On(h EventHandler)
}

type EnterRoomParams struct {
	SDKAppID int    `json:"sdk_app_id"`
	UserID   string `json:"user_id"`
	UserSig  string `json:"user_sig"`
	RoomID   uint32 `json:"room_id"`
	Scene    string `json:"scene"`
	Role     string `json:"role"`
}

type LocalAudioOptions struct {
	Publish bool
	Volume  int
	Profile string
}

type LocalVideoOptions struct {
	Publish   bool
	Screen    bool
	Width     int
	Height    int
	FrameRate int
}

type RemoteUser struct {
	UserID   string `json:"user_id"`
	HasAudio bool   `json:"has_audio"`
	HasVideo bool   `json:"has_video"`
}

// NetworkQuality is pushed every two seconds. Quality uses the 0-6 scale,
// 0 meaning unknown.
type NetworkQuality struct {
	Uplink       int     `json:"uplink_network_quality"`
	Downlink     int     `json:"downlink_network_quality"`
	UplinkRTT    float64 `json:"uplink_rtt"`
	DownlinkRTT  float64 `json:"downlink_rtt"`
	UplinkLoss   float64 `json:"uplink_loss"`
	DownlinkLoss float64 `json:"downlink_loss"`
}

type Statistics struct {
	RTT            float64 // ms
	UpLoss         float64 // percent
	DownLoss       float64 // percent
	Bandwidth      float64 // kbps
	AudioBitrate   float64 // kbps
	VideoBitrate   float64 // kbps
	AudioJitter    float64 // ms
	VideoJitter    float64 // ms
	VideoWidth     int
	VideoHeight    int
	VideoFrameRate float64
}

type VolumeResult struct {
	UserID string `json:"user_id"`
	Volume int    `json:"volume"` // 0-100
}

// Connection states.
const (
	StateDisconnected = "DISCONNECTED"
	StateConnecting   = "CONNECTING"
	StateConnected    = "CONNECTED"
)

// Kicked-out reasons.
const (
	KickedByAdmin = "kick"
	KickedBanned  = "banned"
	RoomDisband   = "room_disband"
)

// EventHandler receives SDK events. Every field is optional.
type EventHandler struct {
	OnRemoteUserEnter        func(userID string)
	OnRemoteUserExit         func(userID string)
	OnRemoteAudioAvailable   func(userID string, available bool)
	OnRemoteVideoAvailable   func(userID string, available bool)
	OnNetworkQuality         func(q NetworkQuality)
	OnAudioVolume            func(results []VolumeResult)
	OnCustomMessage          func(userID string, cmdID int, data []byte)
	OnConnectionStateChanged func(prev, state string)
	OnKickedOut              func(reason string)
	OnAutoplayFailed         func(userID string)
	OnError                  func(code, extraCode int, message string)
}
