// Package livekit implements the streaming provider for livekit rooms.
package livekit

import (
	"context"
	"io"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
)

// Client is the room API the provider drives.
type Client interface {
	Connect(ctx context.Context, url, token string, cb RoomCallback) (JoinResult, error)
	Disconnect(ctx context.Context) error

	CreateLocalTrack(ctx context.Context, kind string, opts TrackOptions) (LocalTrack, error)
	PublishTrack(ctx context.Context, track LocalTrack) error
	UnpublishTrack(ctx context.Context, track LocalTrack) error

	// PublishData sends one lossy data packet.
	PublishData(data []byte) error
	DataReady() bool

	GetStats(ctx context.Context) (domain.NetworkStats, error)
	AttachRemoteVideo(sink ports.MediaSink) (detach func(), err error)
	RecordRemoteAudio(ctx context.Context, w io.Writer) error
}

type TrackOptions struct {
	Name             string
	Source           string
	Width, Height    int
	FrameRate        int
	NoiseSuppression bool
}

// LocalTrack is a track owned by the local participant.
type LocalTrack interface {
	SID() string
	Kind() string
	SetMuted(muted bool)
	SetNoiseSuppression(ctx context.Context, enabled bool) error
	Stop() error
}

type TrackInfo struct {
	SID  string `json:"sid"`
	Kind string `json:"kind"`
}

type ParticipantInfo struct {
	SID      string      `json:"sid"`
	Identity string      `json:"identity"`
	Name     string      `json:"name"`
	Tracks   []TrackInfo `json:"tracks"`
}

func (p ParticipantInfo) has(kind string) bool {
	for _, t := range p.Tracks {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

type JoinResult struct {
	Local  ParticipantInfo   `json:"participant"`
	Others []ParticipantInfo `json:"other_participants"`
}

// Quality is livekit's connection quality grade.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityLost      Quality = "lost"
)

type SpeakerInfo struct {
	Identity string  `json:"identity"`
	Level    float64 `json:"level"`
}

// Disconnect reasons.
const (
	ReasonClientInitiated = "CLIENT_INITIATED"
	ReasonDuplicate       = "DUPLICATE_IDENTITY"
	ReasonServerShutdown  = "SERVER_SHUTDOWN"
	ReasonRemoved         = "PARTICIPANT_REMOVED"
	ReasonRoomDeleted     = "ROOM_DELETED"
	ReasonSignalClose     = "SIGNAL_CLOSE"
)

// RoomCallback receives room events. Every field is optional.
type RoomCallback struct {
	OnParticipantConnected     func(p ParticipantInfo)
	OnParticipantDisconnected  func(p ParticipantInfo)
	OnTrackPublished           func(identity string, track TrackInfo)
	OnTrackUnpublished         func(identity string, track TrackInfo)
	OnConnectionQualityChanged func(identity string, q Quality)
	OnActiveSpeakersChanged    func(speakers []SpeakerInfo)
	OnDataReceived             func(data []byte, identity string)
	OnReconnecting             func()
	OnReconnected              func()
	OnDisconnected             func(reason string)
	OnTokenRefreshed           func(token string)
}
