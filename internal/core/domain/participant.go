package domain

import (
	"slices"
	"time"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

type VideoSource string

const (
	VideoSourceCamera VideoSource = "camera"
	VideoSourceScreen VideoSource = "screen"
)

type AudioTrack struct {
	ID      string    `json:"id"`
	Kind    TrackKind `json:"kind"`
	Enabled bool      `json:"enabled"`
	Muted   bool      `json:"muted"`
	Volume  int       `json:"volume"` // 0-100
}

type VideoTrack struct {
	ID      string      `json:"id"`
	Kind    TrackKind   `json:"kind"`
	Enabled bool        `json:"enabled"`
	Muted   bool        `json:"muted"`
	Source  VideoSource `json:"source"`
}

// NewAudioTrack returns an enabled, unmuted audio track.
func NewAudioTrack(id string, volume int) AudioTrack {
	return AudioTrack{ID: id, Kind: TrackKindAudio, Enabled: true, Volume: volume}
}

// NewVideoTrack returns an enabled, unmuted video track.
func NewVideoTrack(id string, source VideoSource) VideoTrack {
	if source == "" {
		source = VideoSourceCamera
	}
	return VideoTrack{ID: id, Kind: TrackKindVideo, Enabled: true, Source: source}
}

type Participant struct {
	ID                string            `json:"id"`
	DisplayName       string            `json:"display_name"`
	IsLocal           bool              `json:"is_local"`
	AudioTracks       []AudioTrack      `json:"audio_tracks"`
	VideoTracks       []VideoTrack      `json:"video_tracks"`
	ConnectionQuality ConnectionQuality `json:"connection_quality"`
	IsSpeaking        bool              `json:"is_speaking"`
	JoinedAt          time.Time         `json:"joined_at"`
}

// Clone copies the participant including its track slices.
func (p Participant) Clone() Participant {
	p.AudioTracks = slices.Clone(p.AudioTracks)
	p.VideoTracks = slices.Clone(p.VideoTracks)
	return p
}

// QualityLevel buckets a 0-100 score.
type QualityLevel string

const (
	QualityExcellent QualityLevel = "excellent"
	QualityGood      QualityLevel = "good"
	QualityFair      QualityLevel = "fair"
	QualityPoor      QualityLevel = "poor"
)

// LevelForScore maps score>=80 to excellent, >=60 good, >=40 fair, else poor.
func LevelForScore(score int) QualityLevel {
	switch {
	case score >= 80:
		return QualityExcellent
	case score >= 60:
		return QualityGood
	case score >= 40:
		return QualityFair
	default:
		return QualityPoor
	}
}

type ConnectionQuality struct {
	Score      int          `json:"score"` // 0-100
	Uplink     QualityLevel `json:"uplink"`
	Downlink   QualityLevel `json:"downlink"`
	RTT        float64      `json:"rtt"`         // ms
	PacketLoss float64      `json:"packet_loss"` // percent
}

// NewConnectionQuality clamps every field into range.
func NewConnectionQuality(score int, uplink, downlink QualityLevel, rtt, packetLoss float64) ConnectionQuality {
	return ConnectionQuality{
		Score:      min(max(score, 0), 100),
		Uplink:     uplink,
		Downlink:   downlink,
		RTT:        max(rtt, 0),
		PacketLoss: min(max(packetLoss, 0), 100),
	}
}

// UnknownQuality is assigned to participants before telemetry arrives.
func UnknownQuality() ConnectionQuality {
	return ConnectionQuality{Score: 0, Uplink: QualityPoor, Downlink: QualityPoor}
}

// NetworkStats carries detailed per-media telemetry.
type NetworkStats struct {
	Audio     MediaStats `json:"audio"`
	Video     MediaStats `json:"video"`
	RTT       float64    `json:"rtt"`       // ms
	Bandwidth float64    `json:"bandwidth"` // available outgoing kbps
	UpdatedAt time.Time  `json:"updated_at"`
}

type MediaStats struct {
	Bitrate    float64 `json:"bitrate"` // kbps
	PacketLoss float64 `json:"packet_loss"`
	Jitter     float64 `json:"jitter"` // ms
	FrameRate  float64 `json:"frame_rate,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
}
