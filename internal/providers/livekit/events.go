package livekit

import (
	"slices"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/services"
	"avatarlink/pkg/eventbus"
)

// qualityScores is the fallback score when no detailed stats exist yet.
var qualityScores = map[Quality]int{
	QualityExcellent: 100,
	QualityGood:      70,
	QualityPoor:      30,
	QualityLost:      0,
}

func qualityLevel(q Quality) domain.QualityLevel {
	switch q {
	case QualityExcellent:
		return domain.QualityExcellent
	case QualityGood:
		return domain.QualityGood
	default:
		return domain.QualityPoor
	}
}

func (p *Provider) roomCallback() RoomCallback {
	log := p.Logger()
	return RoomCallback{
		OnParticipantConnected: func(info ParticipantInfo) {
			if err := p.Participants.Upsert(toParticipant(info, false)); err != nil {
				log.Warnw("failed to register participant", "identity", info.Identity, "error", err)
			}
		},
		OnParticipantDisconnected: func(info ParticipantInfo) {
			p.Participants.Remove(info.Identity)
		},
		OnTrackPublished: func(identity string, track TrackInfo) {
			p.Participants.Update(identity, func(pp *domain.Participant) { addTrack(pp, track) })
		},
		OnTrackUnpublished: func(identity string, track TrackInfo) {
			p.Participants.Update(identity, func(pp *domain.Participant) { removeTrack(pp, track) })
		},
		OnConnectionQualityChanged: func(identity string, q Quality) {
			quality := p.toQuality(q)
			p.Participants.Update(identity, func(pp *domain.Participant) { pp.ConnectionQuality = quality })
			if identity != p.localIdentity() {
				return
			}
			if prev := p.lastQuality.Load(); prev != nil && p.quality.ShouldWarn(*prev, quality) {
				log.Warnw("connection quality degraded", "from", prev.Downlink, "to", quality.Downlink, "score", quality.Score)
			}
			p.lastQuality.Store(&quality)
			eventbus.Emit(p.Bus, services.TopicQuality, quality)
		},
		OnActiveSpeakersChanged: func(speakers []SpeakerInfo) {
			active := make(map[string]bool, len(speakers))
			for _, s := range speakers {
				active[s.Identity] = true
			}
			for _, pp := range p.Participants.List() {
				speaking := active[pp.ID]
				if pp.IsSpeaking != speaking {
					p.Participants.Update(pp.ID, func(x *domain.Participant) { x.IsSpeaking = speaking })
				}
			}
		},
		OnDataReceived: func(data []byte, _ string) {
			p.Messages.HandleFrame(data)
		},
		OnReconnecting: func() {
			p.Connection.SetStatus(domain.ConnectionReconnecting, "signal")
		},
		OnReconnected: func() {
			p.Connection.SetStatus(domain.ConnectionConnected, "")
		},
		OnDisconnected: func(reason string) {
			p.Connection.SetStatus(domain.ConnectionDisconnected, reason)
		},
		OnTokenRefreshed: func(token string) {
			claims, err := parseToken(token)
			if err != nil {
				log.Warnw("ignoring unreadable refreshed token", "error", err)
				return
			}
			p.Connection.ScheduleExpiry(claims.ExpiresAt)
		},
	}
}

// toQuality scores a pushed grade with the most recent detailed stats when
// they exist.
func (p *Provider) toQuality(q Quality) domain.ConnectionQuality {
	level := qualityLevel(q)
	stats := p.lastStats.Load()
	if stats == nil || q == QualityLost {
		return domain.NewConnectionQuality(qualityScores[q], level, level, 0, 0)
	}

	est := p.quality.Estimate(*stats)
	est.Downlink = level
	return est
}

func toParticipant(info ParticipantInfo, local bool) domain.Participant {
	name := info.Name
	if name == "" {
		name = info.Identity
	}
	p := domain.Participant{
		ID:                info.Identity,
		DisplayName:       name,
		IsLocal:           local,
		ConnectionQuality: domain.UnknownQuality(),
		JoinedAt:          time.Now(),
	}
	for _, t := range info.Tracks {
		addTrack(&p, t)
	}
	return p
}

func addTrack(p *domain.Participant, t TrackInfo) {
	switch t.Kind {
	case "audio":
		if !slices.ContainsFunc(p.AudioTracks, func(a domain.AudioTrack) bool { return a.ID == t.SID }) {
			p.AudioTracks = append(p.AudioTracks, domain.NewAudioTrack(t.SID, 100))
		}
	case "video":
		if !slices.ContainsFunc(p.VideoTracks, func(v domain.VideoTrack) bool { return v.ID == t.SID }) {
			p.VideoTracks = append(p.VideoTracks, domain.NewVideoTrack(t.SID, domain.VideoSourceCamera))
		}
	}
}

func removeTrack(p *domain.Participant, t TrackInfo) {
	p.AudioTracks = slices.DeleteFunc(p.AudioTracks, func(a domain.AudioTrack) bool { return a.ID == t.SID })
	p.VideoTracks = slices.DeleteFunc(p.VideoTracks, func(v domain.VideoTrack) bool { return v.ID == t.SID })
}
